package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alexjbarnes/profile-sync/internal/account"
)

const (
	// httpClientTimeout is the timeout for calls to the local host. The
	// host launches browser processes on open, which can take a while.
	httpClientTimeout = 60 * time.Second

	// listPageSize fetches all profiles in one page. The host caps pools
	// well below this.
	listPageSize = 1000

	// maxResponseBytes caps response body reads.
	maxResponseBytes = 4 * 1024 * 1024
)

// Profile is one browser profile as reported by the automation host.
type Profile struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Name      string `json:"name"`
	Remark    string `json:"remark,omitempty"`
	CreatedBy string `json:"createdBy,omitempty"`
	Running   bool   `json:"isRunning,omitempty"`

	// Cookie is the host's raw cookie field: a JSON array encoded as a
	// string, empty when the profile holds no cookies.
	Cookie string `json:"cookie,omitempty"`
}

// OpenInfo is the debugging endpoints of a launched profile.
type OpenInfo struct {
	HTTP      string `json:"http"`
	WebDriver string `json:"webdriver"`
	WS        struct {
		Selenium  string `json:"selenium"`
		Puppeteer string `json:"puppeteer"`
	} `json:"ws"`
}

// envelope is the host's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client talks to the local browser automation host. Every call waits
// on the shared limiter before hitting the wire, so bursts queue
// instead of tripping the host's rate limit.
type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
}

// NewClient creates a host API client gated at requestsPerSecond. The
// bucket starts full, so a burst up to one second's quota goes straight
// through before calls begin to queue. If httpClient is nil, a client
// with a 60-second timeout is created.
func NewClient(httpClient *http.Client, baseURL string, requestsPerSecond int) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

// post sends a JSON POST, waiting for a limiter token first, and
// decodes the data payload into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("host %s returned status %d", endpoint, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("decoding response from %s: %w", endpoint, err)
	}

	if !env.Success {
		msg := env.Msg
		if msg == "" {
			msg = "request failed"
		}

		return fmt.Errorf("host %s: %s", endpoint, msg)
	}

	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("decoding data from %s: %w", endpoint, err)
		}
	}

	return nil
}

// List returns every profile on the host.
func (c *Client) List(ctx context.Context) ([]Profile, error) {
	body := map[string]interface{}{
		"page":     0,
		"pageSize": listPageSize,
	}

	var data struct {
		List  []Profile `json:"list"`
		Total int       `json:"total"`
	}

	if err := c.post(ctx, "/browser/list", body, &data); err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}

	return data.List, nil
}

// Get returns one profile's full detail, including its cookie field.
func (c *Client) Get(ctx context.Context, id string) (*Profile, error) {
	var profile Profile
	if err := c.post(ctx, "/browser/detail", map[string]string{"id": id}, &profile); err != nil {
		return nil, fmt.Errorf("getting profile %s: %w", id, err)
	}

	return &profile, nil
}

// Create creates an empty profile and returns its id.
func (c *Client) Create(ctx context.Context, name, remark string) (string, error) {
	body := map[string]string{
		"name":   name,
		"remark": remark,
	}

	var data struct {
		ID string `json:"id"`
	}

	if err := c.post(ctx, "/browser/update", body, &data); err != nil {
		return "", fmt.Errorf("creating profile: %w", err)
	}

	return data.ID, nil
}

// Rename updates a profile's display name, leaving the rest of its
// configuration untouched.
func (c *Client) Rename(ctx context.Context, id, name string) error {
	body := map[string]string{
		"id":   id,
		"name": name,
	}

	if err := c.post(ctx, "/browser/update", body, nil); err != nil {
		return fmt.Errorf("renaming profile %s: %w", id, err)
	}

	return nil
}

// Delete removes a profile from the host.
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.post(ctx, "/browser/delete", map[string]string{"id": id}, nil); err != nil {
		return fmt.Errorf("deleting profile %s: %w", id, err)
	}

	return nil
}

// Open launches a profile's browser process.
func (c *Client) Open(ctx context.Context, id string) (*OpenInfo, error) {
	var info OpenInfo
	if err := c.post(ctx, "/browser/open", map[string]string{"id": id}, &info); err != nil {
		return nil, fmt.Errorf("opening profile %s: %w", id, err)
	}

	return &info, nil
}

// Close shuts down a profile's browser process.
func (c *Client) Close(ctx context.Context, id string) error {
	if err := c.post(ctx, "/browser/close", map[string]string{"id": id}, nil); err != nil {
		return fmt.Errorf("closing profile %s: %w", id, err)
	}

	return nil
}

// ReadCookies returns the cookies stored in a profile. The host
// serializes them as a JSON array inside a string field; an empty field
// means no cookies.
func (c *Client) ReadCookies(ctx context.Context, id string) ([]account.Cookie, error) {
	profile, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if profile.Cookie == "" {
		return nil, nil
	}

	var cookies []account.Cookie
	if err := json.Unmarshal([]byte(profile.Cookie), &cookies); err != nil {
		return nil, fmt.Errorf("parsing cookie field of profile %s: %w", id, err)
	}

	return cookies, nil
}

// WriteCookies replaces a profile's cookies, preserving the rest of
// its configuration. The host requires the full detail payload on
// update, so the current detail is fetched first.
func (c *Client) WriteCookies(ctx context.Context, id string, cookies []account.Cookie) error {
	var detail map[string]interface{}
	if err := c.post(ctx, "/browser/detail", map[string]string{"id": id}, &detail); err != nil {
		return fmt.Errorf("getting profile %s: %w", id, err)
	}

	detail["cookie"] = cookies

	if err := c.post(ctx, "/browser/update", detail, nil); err != nil {
		return fmt.Errorf("writing cookies to profile %s: %w", id, err)
	}

	return nil
}
