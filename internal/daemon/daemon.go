// Package daemon talks JSON-RPC to the coin daemons configured for a pool.
package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/tos-network/pool-portal/internal/config"
	"github.com/tos-network/pool-portal/internal/util"
)

// DefaultTimeout bounds one daemon request
const DefaultTimeout = 10 * time.Second

// Code returned by bitcoind-style daemons for an unknown block
const codeNotFound = -5

var (
	// ErrNoDaemons is returned when the client has no instances.
	ErrNoDaemons = errors.New("no daemons configured")
	// ErrBlockNotFound is returned when no instance knows the block.
	ErrBlockNotFound = errors.New("block not found")
)

// RPCRequest represents a JSON-RPC request
type RPCRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     uint64        `json:"id"`
}

// RPCResponse represents a JSON-RPC response
type RPCResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	ID     uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Result is one instance's answer to a command
type Result struct {
	Instance int
	Response json.RawMessage
	Err      error
}

// BlockInfo is the subset of getblock used for confirmation tracking
type BlockInfo struct {
	Hash          string `json:"hash"`
	Height        int64  `json:"height"`
	Confirmations int64  `json:"confirmations"`
}

// MiningInfo is the subset of getmininginfo used for network stats
type MiningInfo struct {
	Blocks        int64   `json:"blocks"`
	Difficulty    float64 `json:"difficulty"`
	NetworkHashPS float64 `json:"networkhashps"`
}

type instance struct {
	index    int
	url      string
	user     string
	password string

	mu        sync.RWMutex
	healthy   bool
	failCount int
	lastCheck time.Time
}

// Client fans commands out to every configured daemon
type Client struct {
	instances []*instance
	client    *http.Client
	requestID uint64
}

// NewClient creates a client over the given daemons
func NewClient(daemons []config.DaemonConfig, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{client: &http.Client{Timeout: timeout}}
	for i, d := range daemons {
		c.instances = append(c.instances, &instance{
			index:    i,
			url:      "http://" + net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
			user:     d.User,
			password: d.Password,
			healthy:  true,
		})
	}
	return c
}

// Len returns the number of instances
func (c *Client) Len() int {
	return len(c.instances)
}

// Cmd sends the command to every instance concurrently. Results are ordered by instance.
func (c *Client) Cmd(ctx context.Context, method string, params ...interface{}) []Result {
	if params == nil {
		params = []interface{}{}
	}
	results := make([]Result, len(c.instances))

	var wg sync.WaitGroup
	for i, inst := range c.instances {
		wg.Add(1)
		go func(i int, inst *instance) {
			defer wg.Done()
			resp, err := c.call(ctx, inst, method, params)
			results[i] = Result{Instance: inst.index, Response: resp, Err: err}
		}(i, inst)
	}
	wg.Wait()
	return results
}

func (c *Client) call(ctx context.Context, inst *instance, method string, params []interface{}) (json.RawMessage, error) {
	req := RPCRequest{
		Method: method,
		Params: params,
		ID:     atomic.AddUint64(&c.requestID, 1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if inst.user != "" || inst.password != "" {
		httpReq.SetBasicAuth(inst.user, inst.password)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		inst.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		inst.recordFailure()
		return nil, err
	}

	// Daemons answer RPC errors with a non-200 status and a JSON body.
	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		inst.recordFailure()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("daemon %d returned HTTP %d", inst.index, resp.StatusCode)
		}
		return nil, err
	}

	inst.recordSuccess()
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (i *instance) recordSuccess() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failCount = 0
	i.healthy = true
	i.lastCheck = time.Now()
}

func (i *instance) recordFailure() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failCount++
	if i.failCount >= 3 && i.healthy {
		i.healthy = false
		util.Warnf("Daemon %d marked unhealthy after %d failures", i.index, i.failCount)
	}
	i.lastCheck = time.Now()
}

// IsHealthy reports whether instance i answered its last requests
func (c *Client) IsHealthy(i int) bool {
	if i < 0 || i >= len(c.instances) {
		return false
	}
	inst := c.instances[i]
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.healthy
}

// ValidateAddress reports whether any instance considers the address valid
func (c *Client) ValidateAddress(ctx context.Context, address string) bool {
	for _, r := range c.Cmd(ctx, "validateaddress", address) {
		if r.Err != nil {
			continue
		}
		var v struct {
			IsValid bool `json:"isvalid"`
		}
		if err := json.Unmarshal(r.Response, &v); err == nil && v.IsValid {
			return true
		}
	}
	return false
}

// GetBlock returns the block from the first instance that knows it
func (c *Client) GetBlock(ctx context.Context, hash string) (*BlockInfo, error) {
	var block BlockInfo
	if err := c.first(ctx, &block, "getblock", hash); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetMiningInfo returns network mining info from the first instance that answers
func (c *Client) GetMiningInfo(ctx context.Context) (*MiningInfo, error) {
	var info MiningInfo
	if err := c.first(ctx, &info, "getmininginfo"); err != nil {
		return nil, err
	}
	return &info, nil
}

// first decodes the first successful result into v. When every instance
// reports an unknown block it returns ErrBlockNotFound.
func (c *Client) first(ctx context.Context, v interface{}, method string, params ...interface{}) error {
	if len(c.instances) == 0 {
		return ErrNoDaemons
	}

	results := c.Cmd(ctx, method, params...)
	notFound := 0
	var firstErr error
	for _, r := range results {
		if r.Err == nil {
			if string(r.Response) == "null" {
				notFound++
				continue
			}
			if err := json.Unmarshal(r.Response, v); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("decode %s: %w", method, err)
				}
				continue
			}
			return nil
		}
		var rpcErr *RPCError
		if errors.As(r.Err, &rpcErr) && rpcErr.Code == codeNotFound {
			notFound++
			continue
		}
		if firstErr == nil {
			firstErr = r.Err
		}
	}
	if notFound == len(results) {
		return ErrBlockNotFound
	}
	if firstErr == nil {
		firstErr = ErrBlockNotFound
	}
	return firstErr
}
