// Package toolhost implements the Tool Host Client (C2): an MCP-style
// list_tools/call_tool RPC client with per-call deadlines, exponential
// backoff on transient transport errors, and a byte-budget-capped response
// reader, generalized from the teacher's action-dispatch registry pattern.
package toolhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cogloop/cogloop/internal/corerr"
)

// ToolSpec describes one callable tool as advertised by list_tools.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// CallResult is the outcome of a single call_tool invocation.
type CallResult struct {
	Result      json.RawMessage `json:"result,omitempty"`
	Observation string          `json:"observation,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	Truncated   bool            `json:"truncated,omitempty"`
}

// Config governs one Client's retry and budget behavior.
type Config struct {
	Endpoint         string
	CallTimeout      time.Duration
	MaxRetries       int
	MaxResponseBytes int64
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

// Client is the Core's sole channel to externally hosted tools.
type Client struct {
	cfg    Config
	logger *zap.Logger
	http   *http.Client
}

// New builds a Client. A nil httpClient uses http.DefaultClient's transport
// with cfg.CallTimeout applied per request via context, not via the client
// itself, so callers can share one Client across calls with different
// per-call deadlines.
func New(cfg Config, logger *zap.Logger, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 1 << 20 // 1 MiB default budget
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	return &Client{cfg: cfg, logger: logger.Named("toolhost"), http: httpClient}
}

func (c *Client) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries instead of wall clock
	return backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries))
}

// ListTools fetches the tool catalog advertised by the host.
func (c *Client) ListTools(ctx context.Context) ([]ToolSpec, error) {
	var out []ToolSpec
	op := func() error {
		body, _, err := c.doRPC(ctx, "list_tools", nil)
		if err != nil {
			return err
		}
		var resp struct {
			Tools []ToolSpec `json:"tools"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return backoff.Permanent(corerr.Wrap(corerr.KindValidation, "decode list_tools response", err))
		}
		out = resp.Tools
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newBackoff(), ctx)); err != nil {
		return nil, unwrapPermanent(err)
	}
	return out, nil
}

// CallTool invokes name with args, retrying transient transport failures
// with exponential backoff and capping the response to MaxResponseBytes
// (B3): a response cut off at the budget is not decoded; the bytes that
// arrived become the Observation and Truncated is set on the returned
// CallResult rather than spliced into the body.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (CallResult, error) {
	req := struct {
		Tool string          `json:"tool"`
		Args json.RawMessage `json:"args,omitempty"`
	}{Tool: name, Args: args}
	payload, err := json.Marshal(req)
	if err != nil {
		return CallResult{}, corerr.Wrap(corerr.KindValidation, "encode call_tool request", err)
	}

	var result CallResult
	op := func() error {
		body, truncated, err := c.doRPC(ctx, "call_tool", payload)
		if err != nil {
			return err
		}
		var resp CallResult
		if !truncated {
			if uerr := json.Unmarshal(body, &resp); uerr != nil {
				return backoff.Permanent(corerr.Wrap(corerr.KindValidation, "decode call_tool response", uerr))
			}
		} else {
			// The body was cut mid-stream and cannot be decoded as JSON;
			// surface what arrived as the observation instead.
			resp.Observation = string(body)
		}
		resp.Truncated = resp.Truncated || truncated
		result = resp
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(c.newBackoff(), ctx)); err != nil {
		return CallResult{}, unwrapPermanent(err)
	}
	return result, nil
}

// doRPC performs one POST to method's endpoint with the per-call deadline
// applied, and reads the body through a size-capped reader, reporting
// whether the budget was exceeded (B3) without mutating the byte content.
func (c *Client) doRPC(ctx context.Context, method string, payload []byte) ([]byte, bool, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	url := fmt.Sprintf("%s/%s", c.cfg.Endpoint, method)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, backoff.Permanent(corerr.Wrap(corerr.KindFatal, "build tool host request", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() != nil {
			return nil, false, backoff.Permanent(corerr.Wrap(corerr.KindCancelled, "operation cancelled", ctx.Err()))
		}
		return nil, false, corerr.Wrap(corerr.KindTransport, "tool host request failed", err)
	}
	defer resp.Body.Close()

	body, truncated, err := readCapped(resp.Body, c.cfg.MaxResponseBytes)
	if err != nil {
		return nil, false, corerr.Wrap(corerr.KindTransport, "read tool host response", err)
	}

	if resp.StatusCode >= 500 {
		return nil, false, corerr.Wrap(corerr.KindTransport, fmt.Sprintf("tool host %s returned %d", method, resp.StatusCode), fmt.Errorf("%s", body))
	}
	if resp.StatusCode >= 400 {
		return nil, false, backoff.Permanent(corerr.Wrap(corerr.KindValidation, fmt.Sprintf("tool host %s rejected: %d", method, resp.StatusCode), fmt.Errorf("%s", body)))
	}

	return body, truncated, nil
}

// readCapped reads at most limit+1 bytes to detect overflow cheaply, then
// returns the first limit bytes and whether the stream was truncated.
func readCapped(r io.Reader, limit int64) ([]byte, bool, error) {
	buf, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) > limit {
		return buf[:limit], true, nil
	}
	return buf, false, nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if ok := asPermanent(err, &perm); ok {
		return perm.Err
	}
	return err
}

func asPermanent(err error, target **backoff.PermanentError) bool {
	pe, ok := err.(*backoff.PermanentError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
