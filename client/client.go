/*
Package client talks to the royalty ledger service over HTTP.

PURPOSE:
  Implements royalty.Source against the REST API in package api, so the
  core (LedgerStore, Pager, controllers) can run in a separate process
  from the service: the operator CLI does exactly that.

ENDPOINTS USED:
  GET  /api/royalties              FetchRoyalties
  POST /api/royalties/calculate    CalculateRoyalties
  POST /api/royalties/{id}/pay     PayRoyalty
  GET  /api/payments               ListPayments

RETRIES:
  Only FetchRoyalties retries (exponential backoff): it is a read, and a
  reload that fails leaves the caller on a stale snapshot. Calculate and
  pay are sent once; the core decides whether to try again.

ERROR BODIES:
  A response carrying {"error": "..."} is a failure even when the status
  is 2xx. Error codes from the service map onto the royalty sentinels
  (already_paid -> ErrAlreadyPaid, not_found -> ErrNotFound, ...).

SEE ALSO:
  - api/dto.go: Wire types
  - royalty/source.go: Interface implemented here
*/
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/warp/royalty-engine/api"
	"github.com/warp/royalty-engine/royalty"
	"go.uber.org/zap"
)

const (
	DefaultTimeout        = 15 * time.Second
	DefaultFetchRetries   = 3
	DefaultInitialBackoff = 200 * time.Millisecond

	// maxErrorBody caps how much of a non-JSON error body is kept.
	maxErrorBody = 4 << 10
)

// Options configures a Client.
type Options struct {
	BaseURL        string
	Timeout        time.Duration
	FetchRetries   uint // total attempts for FetchRoyalties
	InitialBackoff time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
}

// Client is an HTTP royalty.Source.
type Client struct {
	baseURL        *url.URL
	http           *http.Client
	fetchRetries   uint
	initialBackoff time.Duration
	logger         *zap.Logger
}

var _ royalty.Source = (*Client)(nil)

// New creates a client for the service at opts.BaseURL.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", opts.BaseURL)
	}

	c := &Client{
		baseURL:        base,
		http:           opts.HTTPClient,
		fetchRetries:   opts.FetchRetries,
		initialBackoff: opts.InitialBackoff,
		logger:         opts.Logger,
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	if c.fetchRetries == 0 {
		c.fetchRetries = DefaultFetchRetries
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = DefaultInitialBackoff
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c, nil
}

// =============================================================================
// ERRORS
// =============================================================================

// APIError is a failure reported by the service.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("royalty service: %s (HTTP %d)", e.Message, e.StatusCode)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

// Unwrap maps the service's error code onto the royalty sentinels.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case api.CodeAlreadyPaid:
		return royalty.ErrAlreadyPaid
	case api.CodeNotFound:
		return royalty.ErrNotFound
	case api.CodeInProgress:
		return royalty.ErrAlreadyInProgress
	}
	if e.StatusCode == http.StatusNotFound {
		return royalty.ErrNotFound
	}
	return nil
}

// Temporary reports whether the same request may succeed later.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// =============================================================================
// royalty.Source
// =============================================================================

// FetchRoyalties loads the full ledger, retrying transient failures.
func (c *Client) FetchRoyalties(ctx context.Context) ([]royalty.Record, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff

	attempt := 0
	op := func() ([]royalty.Record, error) {
		attempt++
		var dtos []api.RoyaltyDTO
		err := c.do(ctx, http.MethodGet, "/api/royalties", nil, &dtos)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return nil, backoff.Permanent(err)
			}
			c.logger.Warn("fetch royalties failed", zap.Int("attempt", attempt), zap.Error(err))
			return nil, err
		}

		records := make([]royalty.Record, 0, len(dtos))
		for _, d := range dtos {
			r, err := d.Record()
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			records = append(records, r)
		}
		return records, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.fetchRetries),
	)
}

// CalculateRoyalties asks the service to recalculate every royalty.
func (c *Client) CalculateRoyalties(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/royalties/calculate", nil, nil)
}

// PayRoyalty pays one royalty.
func (c *Client) PayRoyalty(ctx context.Context, id royalty.RoyaltyID, payer royalty.PayerID) (royalty.PaymentReceipt, error) {
	var dto api.PaymentDTO
	path := "/api/royalties/" + id.String() + "/pay"
	if err := c.do(ctx, http.MethodPost, path, api.PayRequest{PayerID: string(payer)}, &dto); err != nil {
		return royalty.PaymentReceipt{}, err
	}
	return dto.Receipt()
}

// ListPayments returns the service's payment log.
func (c *Client) ListPayments(ctx context.Context) ([]royalty.PaymentReceipt, error) {
	var dtos []api.PaymentDTO
	if err := c.do(ctx, http.MethodGet, "/api/payments", nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]royalty.PaymentReceipt, 0, len(dtos))
	for _, d := range dtos {
		p, err := d.Receipt()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

// do sends one request. A body with a non-empty "error" field is an
// APIError whatever the status code.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if apiErr := decodeError(resp.StatusCode, raw); apiErr != nil {
		return apiErr
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func decodeError(status int, raw []byte) *APIError {
	var er api.ErrorResponse
	trimmed := bytes.TrimSpace(raw)
	isObject := len(trimmed) > 0 && trimmed[0] == '{'
	if isObject {
		// Not every success body is an object; only objects can carry "error".
		_ = json.Unmarshal(trimmed, &er)
	}

	if er.Error == "" && status >= 200 && status < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: status, Code: er.Code, Message: er.Error}
	if er.Details != nil {
		apiErr.Details = fmt.Sprint(er.Details)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
		if len(trimmed) > 0 && !isObject {
			apiErr.Details = string(trimmed[:min(len(trimmed), maxErrorBody)])
		}
	}
	return apiErr
}
