package account

// CookieStatus is the canonical session state of an account as tracked
// by the cloud backend.
type CookieStatus string

const (
	// StatusPending means no valid session has been observed yet (new
	// account, or an unrecognized status reported by the cloud).
	StatusPending CookieStatus = "pending"

	// StatusChecking means a cloud-side validation is in progress.
	StatusChecking CookieStatus = "checking"

	// StatusOnline means the account's session cookies are valid.
	StatusOnline CookieStatus = "online"

	// StatusOffline means the session has expired and needs a re-login.
	StatusOffline CookieStatus = "offline"
)

// NormalizeStatus maps a raw status string from the cloud onto one of
// the four canonical states. Anything unrecognized (including empty,
// "unknown" and "not_found") collapses to pending so an unexpected
// value never propagates past the channel boundary.
func NormalizeStatus(raw string) CookieStatus {
	switch CookieStatus(raw) {
	case StatusOnline:
		return StatusOnline
	case StatusOffline:
		return StatusOffline
	case StatusChecking:
		return StatusChecking
	default:
		return StatusPending
	}
}

// LoginMethod is the account kind. The two kinds carry disjoint cookie
// field sets and are never both populated on one record.
type LoginMethod string

const (
	// MethodChannels is the channels-helper account kind, identified by
	// the sessionid/wxuin cookie pair.
	MethodChannels LoginMethod = "channels_helper"

	// MethodShop is the shop-helper account kind, identified by the
	// talent_token cookie.
	MethodShop LoginMethod = "shop_helper"
)

// Info is the display metadata attached to an account once its login
// has been validated.
type Info struct {
	Nickname       string      `json:"nickname"`
	Avatar         string      `json:"avatar"`
	LoginMethod    LoginMethod `json:"login_method,omitempty"`
	WechatID       string      `json:"wechat_id,omitempty"`
	FinderUsername string      `json:"finder_username,omitempty"`
	Appuin         string      `json:"appuin,omitempty"`
}

// Cookie is one name/value/domain triple as stored in a browser profile.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
}
