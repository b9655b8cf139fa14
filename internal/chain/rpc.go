package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/coinblend/mixcore/internal/mixerr"
)

// RPCVersion selects the JSON-RPC dialect of the upstream node.
type RPCVersion string

const (
	JSONRPC1 RPCVersion = "1.0" // Bitcoin Core compatible
	JSONRPC2 RPCVersion = "2.0" // EVM, Solana
)

// RPCConfig configures one upstream connection.
type RPCConfig struct {
	URL        string
	User       string
	Password   string
	Version    RPCVersion
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
	// RatePerSecond caps outbound calls; zero disables limiting.
	RatePerSecond int
	// TransientCodes are JSON-RPC error codes retried as transient
	// (connection, rate-limit, nonce-stale classes).
	TransientCodes []int
}

// RPCClient is a JSON-RPC client with linear-backoff retries, HTTP Basic auth
// and transient-error classification.
type RPCClient struct {
	cfg      RPCConfig
	http     *http.Client
	limiter  *rate.Limiter
	metrics  *Metrics
	log      *logrus.Entry
	id       atomic.Int64
	currency string
}

// NewRPCClient creates a client for one upstream node.
func NewRPCClient(cfg RPCConfig, curr string, metrics *Metrics, log *logrus.Entry) *RPCClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond)
	}
	return &RPCClient{
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  limiter,
		metrics:  metrics,
		log:      log,
		currency: curr,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc,omitempty"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  interface{}   `json:"params"`
}

type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcErrorBody) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorBody   `json:"error"`
}

// Call invokes method with params, retrying transient failures with linear
// backoff (delay × attempt). Permanent RPC errors fail fast.
func (c *RPCClient) Call(ctx context.Context, method string, params interface{}) (gjson.Result, error) {
	if params == nil {
		params = []interface{}{}
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return gjson.Result{}, mixerr.Timeout(method)
			}
		}

		result, err := c.callOnce(ctx, method, params)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !mixerr.IsTransient(err) {
			return gjson.Result{}, err
		}
		if attempt == c.cfg.MaxRetries {
			break
		}

		delay := c.cfg.RetryDelay * time.Duration(attempt)
		c.log.WithFields(logrus.Fields{
			"method":  method,
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Debug("retrying rpc call")

		select {
		case <-ctx.Done():
			return gjson.Result{}, mixerr.Timeout(method)
		case <-time.After(delay):
		}
	}
	return gjson.Result{}, mixerr.Transient("rpc retries exhausted", lastErr).
		WithDetail("method", method).WithDetail("attempts", c.cfg.MaxRetries)
}

func (c *RPCClient) callOnce(ctx context.Context, method string, params interface{}) (gjson.Result, error) {
	start := time.Now()

	req := rpcRequest{
		ID:     c.id.Add(1),
		Method: method,
		Params: params,
	}
	if c.cfg.Version == JSONRPC2 {
		req.JSONRPC = "2.0"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return gjson.Result{}, mixerr.Permanent("marshal rpc request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, mixerr.Permanent("build rpc request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.User != "" {
		httpReq.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.observe(method, start, err)
		return gjson.Result{}, mixerr.Transient("rpc transport failure", err).WithDetail("method", method)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(method, start, err)
		return gjson.Result{}, mixerr.Transient("read rpc response", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		err := fmt.Errorf("http %d", resp.StatusCode)
		c.observe(method, start, err)
		return gjson.Result{}, mixerr.Transient("rpc server unavailable", err).WithDetail("method", method)
	}
	// Bitcoin Core answers application errors with non-200 status codes;
	// the JSON-RPC error body carries the classification either way.
	if resp.StatusCode != http.StatusOK && len(raw) == 0 {
		err := fmt.Errorf("http %d", resp.StatusCode)
		c.observe(method, start, err)
		return gjson.Result{}, mixerr.Permanent("rpc rejected", err).WithDetail("method", method)
	}

	var parsed rpcResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		c.observe(method, start, err)
		return gjson.Result{}, mixerr.Transient("malformed rpc response", err)
	}
	if parsed.Error != nil {
		c.observe(method, start, parsed.Error)
		if c.transientCode(parsed.Error.Code) {
			return gjson.Result{}, mixerr.Transient("transient rpc error", parsed.Error).
				WithDetail("method", method).WithDetail("code", parsed.Error.Code)
		}
		return gjson.Result{}, mixerr.Permanent("rpc rejected", parsed.Error).
			WithDetail("method", method).WithDetail("code", parsed.Error.Code)
	}

	c.observe(method, start, nil)
	return gjson.ParseBytes(parsed.Result), nil
}

func (c *RPCClient) transientCode(code int) bool {
	for _, t := range c.cfg.TransientCodes {
		if code == t {
			return true
		}
	}
	return false
}

func (c *RPCClient) observe(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	c.metrics.ObserveRPC(c.currency, method, time.Since(start), err)
}
