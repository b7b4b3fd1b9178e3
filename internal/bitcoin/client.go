package bitcoin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Client is a minimal JSON-RPC 1.0 client for the daemon.
type Client struct {
	url      string
	username string
	password string
	http     *http.Client
	reqID    atomic.Uint64
}

// NewClient creates a daemon client for the given RPC endpoint.
func NewClient(url, username, password string) *Client {
	return &Client{
		url:      url,
		username: username,
		password: password,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type rpcRequest struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call performs one RPC and decodes the result into out.
func (c *Client) Call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{
		ID:     c.reqID.Add(1),
		Method: method,
		Params: params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK && len(data) == 0 {
		return fmt.Errorf("%s: daemon returned %s", method, resp.Status)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetBlockTemplate requests a fresh template with segwit capability.
func (c *Client) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	tmpl := &BlockTemplate{}
	params := []interface{}{map[string]interface{}{
		"rules": []string{"segwit"},
	}}
	if err := c.Call(ctx, "getblocktemplate", params, tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

// GetMiningInfo returns the daemon's mining state.
func (c *Client) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	info := &MiningInfo{}
	if err := c.Call(ctx, "getmininginfo", nil, info); err != nil {
		return nil, err
	}
	return info, nil
}

// GetBlockCount returns the current chain height.
func (c *Client) GetBlockCount(ctx context.Context) (uint32, error) {
	var count uint32
	if err := c.Call(ctx, "getblockcount", nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// SubmitBlock submits a serialized block.
func (c *Client) SubmitBlock(ctx context.Context, blockHex string) error {
	var result json.RawMessage
	if err := c.Call(ctx, "submitblock", []interface{}{blockHex}, &result); err != nil {
		return err
	}
	// submitblock returns null on success and a reject reason string
	// otherwise.
	var reason string
	if err := json.Unmarshal(result, &reason); err == nil && reason != "" {
		return fmt.Errorf("block rejected: %s", reason)
	}
	return nil
}
