package cloud

import (
	"encoding/json"

	"github.com/alexjbarnes/profile-sync/internal/account"
)

// envelope is the cloud's response wrapper. Errors arrive as 200s with
// success=false at least as often as real HTTP error statuses.
type envelope struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// LoginLink is a generated login entry point for one account: the
// permanent link page, its QR render, and the direct login QR.
type LoginLink struct {
	AccountID  string `json:"browserId"`
	URL        string `json:"url"`
	QRCode     string `json:"qrCode"`
	LoginQRURL string `json:"loginQrUrl"`
}

// LoginStatus is one snapshot of a pending login's progress. Scanned,
// Confirmed and Expired are independent flags; account fields fill in
// once the login completes.
type LoginStatus struct {
	Success     bool             `json:"success"`
	Scanned     bool             `json:"scanned"`
	Confirmed   bool             `json:"confirmed"`
	Expired     bool             `json:"expired"`
	Owner       string           `json:"owner,omitempty"`
	Nickname    string           `json:"nickname,omitempty"`
	Avatar      string           `json:"avatar,omitempty"`
	LoginMethod string           `json:"loginMethod,omitempty"`
	AccountID   string           `json:"browserId,omitempty"`
	Cookies     []account.Cookie `json:"cookies,omitempty"`
	Message     string           `json:"message,omitempty"`
}

// CookiePayload is the cookie material plus display metadata returned
// by a cloud-to-local sync.
type CookiePayload struct {
	Cookies     []account.Cookie `json:"cookies"`
	Nickname    string           `json:"nickname"`
	Avatar      string           `json:"avatar"`
	LoginMethod string           `json:"loginMethod,omitempty"`
	UpdatedAt   string           `json:"updatedAt"`
}

// AccountStatus is the cloud's validation state for one account.
type AccountStatus struct {
	CookieStatus    string        `json:"cookieStatus"`
	LastCheckTime   string        `json:"lastCheckTime,omitempty"`
	LastValidTime   string        `json:"lastValidTime,omitempty"`
	CookieUpdatedAt string        `json:"cookieUpdatedAt,omitempty"`
	CookieExpiredAt string        `json:"cookieExpiredAt,omitempty"`
	CheckErrorCount int           `json:"checkErrorCount"`
	AccountInfo     *account.Info `json:"accountInfo,omitempty"`
	ChannelsJumpURL string        `json:"channelsJumpUrl,omitempty"`
}

// BatchStatus is the result of a batch status query. Accounts is keyed
// by account id and only contains ids the cloud knows about.
type BatchStatus struct {
	Total    int                      `json:"total"`
	Found    int                      `json:"found"`
	Accounts map[string]AccountStatus `json:"accounts"`
}

// RegisterResult is the outcome of an atomic validate-and-register.
type RegisterResult struct {
	AccountID    string        `json:"browserId"`
	CookieStatus string        `json:"cookieStatus"`
	AccountInfo  *account.Info `json:"accountInfo,omitempty"`
}

// ValidationResult is the outcome of an instant cookie validation.
type ValidationResult struct {
	Valid        bool   `json:"valid"`
	CookieStatus string `json:"cookieStatus"`
	Nickname     string `json:"nickname,omitempty"`
	Avatar       string `json:"avatar,omitempty"`
	Error        string `json:"error,omitempty"`
}

// LinkOptions carries optional settings for link generation.
type LinkOptions struct {
	LoginWay string `json:"loginWay,omitempty"`
}
