package push

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/profile-sync/internal/account"
)

// Event is one decoded push message. Most fields are optional on the
// wire; consumers must treat absent fields as "no change" rather than
// resets.
type Event struct {
	AccountID string

	// CookieStatus is the raw status string as pushed. Normalization
	// happens in the monitor, not at the channel boundary.
	CookieStatus string

	// LoginStatus tracks a pending login flow
	// (waiting/scanned/confirmed/completed/expired).
	LoginStatus string
	Scanned     bool
	Confirmed   bool
	Expired     bool

	// Loose display fields, sent by older backend versions that predate
	// the accountInfo object.
	Nickname    string
	Avatar      string
	LoginMethod string

	// AccountInfo is the full display object when the backend sends one.
	AccountInfo *account.Info

	// Cookies carries fresh cookie material on login completion.
	Cookies []account.Cookie

	LastCheckTime   string
	LastValidTime   string
	CookieUpdatedAt string
	CookieExpiredAt string
	ChannelsJumpURL string

	// CheckErrorCount is nil when the push did not include it.
	CheckErrorCount *int
}

// DecodeEvent parses a raw push frame. Frames may be the bare payload
// or wrapped as {"event":"account_update","payload":{...}}. Control
// frames (pongs, channel acks) decode to (nil, nil). Payloads vary by
// backend version, so fields are picked individually rather than
// unmarshalled into a rigid struct.
func DecodeEvent(data []byte) (*Event, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid push frame")
	}

	root := gjson.ParseBytes(data)

	if op := root.Get("op").Str; op == "pong" || op == "ping" {
		return nil, nil
	}

	payload := root
	if p := root.Get("payload"); p.Exists() {
		if ev := root.Get("event").Str; ev != "" && ev != "account_update" {
			return nil, nil
		}

		payload = p
	}

	id := payload.Get("browserId").Str
	if id == "" {
		return nil, fmt.Errorf("push frame missing browserId")
	}

	ev := &Event{
		AccountID:       id,
		CookieStatus:    payload.Get("cookieStatus").Str,
		LoginStatus:     payload.Get("loginStatus").Str,
		Nickname:        payload.Get("nickname").Str,
		Avatar:          payload.Get("avatar").Str,
		LoginMethod:     payload.Get("loginMethod").Str,
		LastCheckTime:   payload.Get("lastCheckTime").Str,
		LastValidTime:   payload.Get("lastValidTime").Str,
		CookieUpdatedAt: payload.Get("cookieUpdatedAt").Str,
		CookieExpiredAt: payload.Get("cookieExpiredAt").Str,
		ChannelsJumpURL: payload.Get("channelsJumpUrl").Str,
	}

	switch ev.LoginStatus {
	case "scanned":
		ev.Scanned = true
	case "confirmed", "completed":
		ev.Scanned = true
		ev.Confirmed = true
	case "expired":
		ev.Expired = true
	}

	if c := payload.Get("checkErrorCount"); c.Exists() {
		n := int(c.Int())
		ev.CheckErrorCount = &n
	}

	if info := payload.Get("accountInfo"); info.IsObject() {
		ev.AccountInfo = &account.Info{
			Nickname:       info.Get("nickname").Str,
			Avatar:         info.Get("avatar").Str,
			LoginMethod:    account.LoginMethod(info.Get("loginMethod").Str),
			WechatID:       info.Get("wechatId").Str,
			FinderUsername: info.Get("finderUsername").Str,
			Appuin:         info.Get("appuin").Str,
		}
	}

	if cookies := payload.Get("cookies"); cookies.IsArray() {
		for _, c := range cookies.Array() {
			ev.Cookies = append(ev.Cookies, account.Cookie{
				Name:   c.Get("name").Str,
				Value:  c.Get("value").Str,
				Domain: c.Get("domain").Str,
			})
		}
	}

	return ev, nil
}
