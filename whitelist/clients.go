package whitelist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RegistrationClient answers whether a user completed registration.
type RegistrationClient interface {
	IsRegistered(ctx context.Context, userID string) (bool, error)
}

// BlacklistClient exposes the community and user blacklists plus the
// best-effort username directory.
type BlacklistClient interface {
	IsInCommunityBlacklist(ctx context.Context, userID, communityID string) (bool, error)
	IsInUserBlacklist(ctx context.Context, userID, targetID string) (bool, error)
	GetUsernames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// serviceClient is a minimal JSON-RPC 2.0 client shared by the collaborator
// implementations below.
type serviceClient struct {
	url    string
	http   *http.Client
	nextID atomic.Int64
}

func newServiceClient(url string, timeout time.Duration) *serviceClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &serviceClient{
		url:  strings.TrimSpace(url),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *serviceClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	buf, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      c.nextID.Add(1),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("service rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("service rpc %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// RPCRegistrationClient talks to the registration service.
type RPCRegistrationClient struct {
	client *serviceClient
}

func NewRPCRegistrationClient(url string, timeout time.Duration) *RPCRegistrationClient {
	return &RPCRegistrationClient{client: newServiceClient(url, timeout)}
}

func (c *RPCRegistrationClient) IsRegistered(ctx context.Context, userID string) (bool, error) {
	var result struct {
		IsRegistered bool `json:"isRegistered"`
	}
	params := map[string]string{"userId": userID}
	if err := c.client.call(ctx, "registration_isRegistered", params, &result); err != nil {
		return false, err
	}
	return result.IsRegistered, nil
}

// RPCBlacklistClient talks to the content service holding the community and
// user blacklists.
type RPCBlacklistClient struct {
	client *serviceClient
}

func NewRPCBlacklistClient(url string, timeout time.Duration) *RPCBlacklistClient {
	return &RPCBlacklistClient{client: newServiceClient(url, timeout)}
}

func (c *RPCBlacklistClient) IsInCommunityBlacklist(ctx context.Context, userID, communityID string) (bool, error) {
	var banned bool
	params := map[string]string{"userId": userID, "communityId": communityID}
	if err := c.client.call(ctx, "content_isInCommunityBlacklist", params, &banned); err != nil {
		return false, err
	}
	return banned, nil
}

func (c *RPCBlacklistClient) IsInUserBlacklist(ctx context.Context, userID, targetID string) (bool, error) {
	var banned bool
	params := map[string]string{"userId": userID, "targetUserId": targetID}
	if err := c.client.call(ctx, "content_isInUserBlacklist", params, &banned); err != nil {
		return false, err
	}
	return banned, nil
}

func (c *RPCBlacklistClient) GetUsernames(ctx context.Context, userIDs []string) (map[string]string, error) {
	result := make(map[string]string)
	params := map[string][]string{"userIds": userIDs}
	if err := c.client.call(ctx, "content_getUsernames", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}
