package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Client talks to an aria2 daemon over JSON-RPC.
type Client struct {
	RPCUrl string
	Secret string
	Client *http.Client
}

func NewClient(rpcURL, secret string) *Client {
	return &Client{
		RPCUrl: rpcURL,
		Secret: secret,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type JsonRpcRequest struct {
	JsonRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      string `json:"id"`
	Params  []any  `json:"params"`
}

type JsonRpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *JsonRpcError   `json:"error,omitempty"`
}

type JsonRpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *JsonRpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call invokes method and decodes its result into out when out is non-nil.
func (c *Client) Call(ctx context.Context, out any, method string, params ...any) error {
	// If secret is set, it must be the first parameter as "token:secret"
	finalParams := make([]any, 0, len(params)+1)
	if c.Secret != "" {
		finalParams = append(finalParams, "token:"+c.Secret)
	}
	finalParams = append(finalParams, params...)

	data, err := json.Marshal(JsonRpcRequest{
		JsonRPC: "2.0",
		Method:  method,
		ID:      "transfer-hub",
		Params:  finalParams,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCUrl, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp JsonRpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// AddUri queues uri under the caller-chosen gid. continue lets aria2 pick up
// a partial file left at dir/out.
func (c *Client) AddUri(ctx context.Context, uri, dir, filename string, headers http.Header, gid string) (string, error) {
	opts := map[string]any{
		"dir":      dir,
		"out":      filename,
		"continue": "true",
	}
	if gid != "" {
		opts["gid"] = gid
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	headerList := []string{}
	for _, k := range keys {
		for _, v := range headers[k] {
			headerList = append(headerList, fmt.Sprintf("%s: %s", k, v))
		}
	}
	if len(headerList) > 0 {
		opts["header"] = headerList
	}

	var got string
	if err := c.Call(ctx, &got, "aria2.addUri", []string{uri}, opts); err != nil {
		return "", err
	}
	return got, nil
}

// Status is the subset of aria2.tellStatus the transport reads. aria2
// reports numbers as decimal strings.
type Status struct {
	Gid             string `json:"gid"`
	Status          string `json:"status"`
	Dir             string `json:"dir"`
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	ErrorCode       string `json:"errorCode"`
	ErrorMessage    string `json:"errorMessage"`
}

var statusKeys = []string{"gid", "status", "dir", "totalLength", "completedLength", "errorCode", "errorMessage"}

func (c *Client) TellStatus(ctx context.Context, gid string) (Status, error) {
	var st Status
	err := c.Call(ctx, &st, "aria2.tellStatus", gid, statusKeys)
	return st, err
}

func (c *Client) TellActive(ctx context.Context) ([]Status, error) {
	var list []Status
	err := c.Call(ctx, &list, "aria2.tellActive", []string{"gid", "dir"})
	return list, err
}

func (c *Client) TellWaiting(ctx context.Context, offset, num int) ([]Status, error) {
	var list []Status
	err := c.Call(ctx, &list, "aria2.tellWaiting", offset, num, []string{"gid", "dir"})
	return list, err
}

func (c *Client) ForceRemove(ctx context.Context, gid string) error {
	return c.Call(ctx, nil, "aria2.forceRemove", gid)
}

// RemoveDownloadResult removes a completed/error/removed download from the memory
func (c *Client) RemoveDownloadResult(ctx context.Context, gid string) error {
	return c.Call(ctx, nil, "aria2.removeDownloadResult", gid)
}
