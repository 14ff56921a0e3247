// Package chain models the transaction structures of the delegation chain and
// provides the node client and provider signer consumed by the gateway.
package chain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bwgateway/gwerrors"
)

// PermissionLevel names an account and the permission it signs with.
type PermissionLevel struct {
	Actor      string `json:"actor"`
	Permission string `json:"permission"`
}

// Action is a single contract call inside a transaction. Data carries the
// contract-defined payload as decoded by the node.
type Action struct {
	Account       string            `json:"account"`
	Name          string            `json:"name"`
	Authorization []PermissionLevel `json:"authorization"`
	Data          map[string]any    `json:"data"`
}

// StringField returns a string payload field, empty when absent or not a
// string.
func (a Action) StringField(key string) string {
	v, ok := a.Data[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// NestedStringField returns data[key][sub] when both levels exist as the
// expected types. Used for message-id style payloads ({author, permlink}).
func (a Action) NestedStringField(key, sub string) string {
	v, ok := a.Data[key]
	if !ok {
		return ""
	}
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[sub].(string)
	return s
}

// Transaction is a deserialized transaction together with the opaque
// serialized payload it was decoded from. Raw and Actions never change after
// decoding; only Signatures may grow.
type Transaction struct {
	Actions    []Action  `json:"actions"`
	Expiration Timestamp `json:"expiration"`
	Raw        []byte    `json:"-"`
	Signatures []string  `json:"signatures,omitempty"`
}

// Timestamp handles the chain's zoneless UTC expiration encoding.
type Timestamp struct {
	time.Time
}

const chainTimeLayout = "2006-01-02T15:04:05"

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSuffix(raw, "Z")
	parsed, err := time.ParseInLocation(chainTimeLayout, raw, time.UTC)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return fmt.Errorf("parse expiration %q: %w", raw, err)
		}
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(chainTimeLayout))
}

// PushResult is the node's acknowledgement of an accepted transaction.
type PushResult struct {
	TransactionID string          `json:"transaction_id"`
	BlockNum      uint32          `json:"block_num"`
	Processed     json.RawMessage `json:"processed,omitempty"`
}

// NodeError is a structured rejection returned by the chain node.
type NodeError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"data,omitempty"`
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Code, e.Message)
}

// DecodeHex converts the wire hex encoding of a serialized transaction into
// bytes.
func DecodeHex(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, gwerrors.ErrDecode.Wrapf("%v", err)
	}
	if len(raw) == 0 {
		return nil, gwerrors.ErrDecode.Wrap("empty payload")
	}
	return raw, nil
}
