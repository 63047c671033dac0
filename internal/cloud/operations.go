package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/profile-sync/internal/account"
)

// GenerateLoginLink creates a cloud login record for an account and
// returns its link material. loginWay defaults to permanent_link when
// opts is nil.
func (c *Client) GenerateLoginLink(ctx context.Context, accountID string, method account.LoginMethod, opts *LinkOptions) (*LoginLink, error) {
	loginWay := "permanent_link"
	if opts != nil && opts.LoginWay != "" {
		loginWay = opts.LoginWay
	}

	body := map[string]interface{}{
		"browserId":   accountID,
		"loginMethod": method,
		"loginWay":    loginWay,
		"owner":       c.owner,
	}

	var link LoginLink
	if err := c.do(ctx, http.MethodPost, "/api/generate-link", nil, body, &link); err != nil {
		return nil, fmt.Errorf("generating login link: %w", err)
	}

	return &link, nil
}

// CheckLoginStatus polls the scan progress of a pending login. The
// result is a snapshot; callers must not derive state transitions from
// it when a push channel is active.
func (c *Client) CheckLoginStatus(ctx context.Context, accountID string) (*LoginStatus, error) {
	query := url.Values{"browserId": {accountID}}

	var status LoginStatus
	if err := c.do(ctx, http.MethodGet, "/api/status?action=qr", query, nil, &status); err != nil {
		return nil, fmt.Errorf("checking login status: %w", err)
	}

	return &status, nil
}

// SyncCookieFromCloud fetches the authoritative cookie material for an
// account.
func (c *Client) SyncCookieFromCloud(ctx context.Context, accountID string) (*CookiePayload, error) {
	body := map[string]interface{}{
		"browserId": accountID,
		"owner":     c.owner,
	}

	var payload CookiePayload
	if err := c.do(ctx, http.MethodPost, "/api/sync-cookie", nil, body, &payload); err != nil {
		return nil, fmt.Errorf("syncing cookie from cloud: %w", err)
	}

	return &payload, nil
}

// RegisterBrowser binds an account id to a cloud record, optionally
// seeding it with cookies and display metadata. A bare call (nil
// cookies) creates a placeholder record.
func (c *Client) RegisterBrowser(ctx context.Context, accountID string, cookies []account.Cookie, method account.LoginMethod, info *account.Info) error {
	body := map[string]interface{}{
		"browserId": accountID,
		"owner":     c.owner,
	}

	if cookies != nil {
		body["cookies"] = cookies
	}

	if method != "" {
		body["loginMethod"] = method
	}

	if info != nil {
		body["accountInfo"] = info
	}

	if err := c.do(ctx, http.MethodPost, "/api/browser?action=register", nil, body, nil); err != nil {
		return fmt.Errorf("registering account: %w", err)
	}

	return nil
}

// AutoRegisterBrowser validates cookies and registers the account in
// one atomic call. Used by the local-to-cloud sync path so a record is
// never created with unvalidated cookie material.
func (c *Client) AutoRegisterBrowser(ctx context.Context, accountID string, cookies []account.Cookie, method account.LoginMethod, info *account.Info) (*RegisterResult, error) {
	body := map[string]interface{}{
		"browserId":   accountID,
		"cookies":     cookies,
		"loginMethod": method,
		"owner":       c.owner,
	}

	if info != nil {
		body["accountInfo"] = info
	}

	var result RegisterResult
	if err := c.do(ctx, http.MethodPost, "/api/browser?action=auto", nil, body, &result); err != nil {
		return nil, fmt.Errorf("auto-registering account: %w", err)
	}

	return &result, nil
}

// CheckAccountStatus queries the validation state of one account.
// Returns ErrNotFound when the cloud has no record for it.
func (c *Client) CheckAccountStatus(ctx context.Context, accountID string) (*AccountStatus, error) {
	query := url.Values{"browserId": {accountID}, "owner": {c.owner}}

	var status AccountStatus
	if err := c.do(ctx, http.MethodGet, "/api/status?action=account", query, nil, &status); err != nil {
		return nil, fmt.Errorf("checking account status: %w", err)
	}

	return &status, nil
}

// BatchCheckStatus queries the validation state of many accounts in
// one call. Ids missing from the result were unknown to the cloud.
func (c *Client) BatchCheckStatus(ctx context.Context, accountIDs []string) (*BatchStatus, error) {
	body := map[string]interface{}{
		"browserIds": accountIDs,
		"owner":      c.owner,
	}

	var result BatchStatus
	if err := c.do(ctx, http.MethodPost, "/api/status?action=batch", nil, body, &result); err != nil {
		return nil, fmt.Errorf("batch checking status: %w", err)
	}

	return &result, nil
}

// InstantValidateCookie asks the cloud to validate an account's stored
// cookies right now rather than waiting for the scheduled check.
func (c *Client) InstantValidateCookie(ctx context.Context, accountID string) (*ValidationResult, error) {
	body := map[string]interface{}{
		"browserId": accountID,
		"owner":     c.owner,
	}

	var result ValidationResult
	if err := c.do(ctx, http.MethodPost, "/api/validate?action=instant", nil, body, &result); err != nil {
		return nil, fmt.Errorf("validating cookie: %w", err)
	}

	return &result, nil
}

// DeleteLink removes an account's cloud login record.
func (c *Client) DeleteLink(ctx context.Context, accountID string) error {
	query := url.Values{"browserId": {accountID}, "owner": {c.owner}}

	if err := c.do(ctx, http.MethodDelete, "/api/admin?action=delete-link", query, nil, nil); err != nil {
		return fmt.Errorf("deleting login link: %w", err)
	}

	return nil
}

// DeleteLinkByBrowser removes the cloud record bound to an account id.
// Used when the local profile is deleted so the cloud does not keep
// validating an orphan.
func (c *Client) DeleteLinkByBrowser(ctx context.Context, accountID string) error {
	query := url.Values{"browserId": {accountID}, "owner": {c.owner}}

	if err := c.do(ctx, http.MethodDelete, "/api/admin?action=delete-by-browser", query, nil, nil); err != nil {
		return fmt.Errorf("deleting login link by account: %w", err)
	}

	return nil
}

// CleanupOrphanLinks deletes cloud records that were created over a day
// ago and never bound to a profile. Returns the number deleted.
func (c *Client) CleanupOrphanLinks(ctx context.Context) (int, error) {
	var result struct {
		DeletedCount int `json:"deletedCount"`
	}

	if err := c.do(ctx, http.MethodDelete, "/api/admin?action=cleanup-orphan", nil, nil, &result); err != nil {
		return 0, fmt.Errorf("cleaning up orphan links: %w", err)
	}

	return result.DeletedCount, nil
}
