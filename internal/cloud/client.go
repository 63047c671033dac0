package cloud

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
	"unicode/utf8"
)

// ErrNotFound means the cloud has no record for the requested account.
// Callers treat it as authoritative: the account was deleted server
// side and local traces of it should be cleaned up.
var ErrNotFound = errors.New("account not found in cloud")

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided. Validation calls can take a
	// while when the upstream platform is slow.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the cloud backend. Every operation is scoped to the
// owner set at construction; the owner travels in each request so the
// backend can enforce tenant isolation.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	owner      string
}

// NewClient creates a cloud API client. If httpClient is nil, a client
// with a 30-second timeout is created.
func NewClient(httpClient *http.Client, baseURL, token, owner string) (*Client, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		owner:      owner,
	}, nil
}

// Owner returns the tenant this client is scoped to.
func (c *Client) Owner() string {
	return c.owner
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request with a JSON body (when body is non-nil), unwraps
// the cloud's {success, data, error} envelope and decodes data into
// result.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, result interface{}) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}

		target += sep + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	// The backend reports most failures as 200s with success=false.
	var env envelope
	if json.Unmarshal(respBody, &env) == nil && !env.Success {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}

		if isNotFoundMessage(msg) {
			return ErrNotFound
		}

		if msg == "" {
			msg = "request failed"
		}

		return fmt.Errorf("API %s: %s", endpoint, msg)
	}

	if result != nil {
		// Successful payloads arrive under a "data" key; a few endpoints
		// return the payload flat. Prefer data when present.
		if len(env.Data) > 0 {
			respBody = env.Data
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// isNotFoundMessage checks whether an in-body error message means the
// record does not exist. The backend reports missing accounts as 200s
// with an error string rather than a 404.
func isNotFoundMessage(msg string) bool {
	lower := strings.ToLower(msg)

	return strings.Contains(lower, "not found") ||
		strings.Contains(lower, "not_found") ||
		strings.Contains(lower, "no record")
}
