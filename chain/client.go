package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// NodeClient is the gateway's view of the chain node: deserialize the opaque
// transaction bytes into structured actions, and submit a signed transaction.
type NodeClient interface {
	DeserializeTransaction(ctx context.Context, raw []byte) (*Transaction, error)
	PushTransaction(ctx context.Context, signatures []string, raw []byte) (*PushResult, error)
}

// RPCNodeClient implements NodeClient against the chain node's JSON-RPC
// endpoint.
type RPCNodeClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCNodeClient constructs a node client. A non-positive timeout falls
// back to 15 seconds.
func NewRPCNodeClient(baseURL, authToken string, timeout time.Duration) *RPCNodeClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RPCNodeClient{
		baseURL:   strings.TrimSpace(baseURL),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// DeserializeTransaction asks the node to decode the serialized payload into
// structured actions. The raw bytes are retained on the returned transaction.
func (c *RPCNodeClient) DeserializeTransaction(ctx context.Context, raw []byte) (*Transaction, error) {
	params := map[string]string{"trx": hex.EncodeToString(raw)}
	var trx Transaction
	if err := c.call(ctx, "chain_deserializeTransaction", []interface{}{params}, &trx); err != nil {
		return nil, err
	}
	trx.Raw = raw
	return &trx, nil
}

// PushTransaction submits the signed transaction. A structured node rejection
// is returned as *NodeError with the original payload preserved.
func (c *RPCNodeClient) PushTransaction(ctx context.Context, signatures []string, raw []byte) (*PushResult, error) {
	params := map[string]interface{}{
		"signatures": signatures,
		"packed_trx": hex.EncodeToString(raw),
	}
	var result PushResult
	if err := c.call(ctx, "chain_pushTransaction", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *RPCNodeClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("node rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return &NodeError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
			Detail:  rpcResp.Error.Data,
		}
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("node rpc %s returned empty result", method)
	}
	return json.Unmarshal(rpcResp.Result, out)
}
