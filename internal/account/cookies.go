package account

import (
	"sort"
	"strings"
)

// cookieDomain is the domain stamped onto every assembled cookie. Both
// account kinds live under the same parent domain.
const cookieDomain = ".weixin.qq.com"

// SplitCookies is the cloud record's kind-specific cookie field layout.
// Cookie material is stored split into named columns rather than as an
// opaque blob so the cloud can validate fields individually.
type SplitCookies struct {
	LoginMethod LoginMethod `json:"login_method,omitempty"`

	ChannelsSessionID string `json:"channels_sessionid,omitempty"`
	ChannelsWxuin     string `json:"channels_wxuin,omitempty"`

	ShopTalentToken string `json:"shop_talent_token,omitempty"`
	ShopTalentRand  string `json:"shop_talent_rand,omitempty"`
	ShopTalentMagic string `json:"shop_talent_magic,omitempty"`
}

// ParseCookies splits a profile cookie list into the cloud's named
// fields. Unrecognized cookie names are dropped, not passed through.
func ParseCookies(cookies []Cookie) SplitCookies {
	var split SplitCookies

	for _, c := range cookies {
		switch c.Name {
		case "sessionid":
			split.ChannelsSessionID = c.Value
		case "wxuin":
			split.ChannelsWxuin = c.Value
		case "talent_token":
			split.ShopTalentToken = c.Value
		case "talent_rand":
			split.ShopTalentRand = c.Value
		case "talent_magic":
			split.ShopTalentMagic = c.Value
		}
	}

	split.LoginMethod = DetectLoginMethod(split)

	return split
}

// DetectLoginMethod classifies split cookie fields into an account
// kind. talent_token is the shop-helper discriminator; everything else
// defaults to channels-helper.
func DetectLoginMethod(split SplitCookies) LoginMethod {
	if split.ShopTalentToken != "" {
		return MethodShop
	}

	return MethodChannels
}

// DetectCookieKind classifies a raw cookie list without splitting it.
func DetectCookieKind(cookies []Cookie) LoginMethod {
	for _, c := range cookies {
		if c.Name == "talent_token" {
			return MethodShop
		}
	}

	return MethodChannels
}

// AssembleCookies rebuilds a profile cookie list from split fields.
// Only the fields matching the record's login method are assembled so a
// record carrying stale fields of the other kind never leaks them into
// a profile.
func AssembleCookies(split SplitCookies) []Cookie {
	method := split.LoginMethod
	if method == "" {
		method = DetectLoginMethod(split)
	}

	var cookies []Cookie

	add := func(name, value string) {
		if value == "" {
			return
		}

		cookies = append(cookies, Cookie{Name: name, Value: value, Domain: cookieDomain})
	}

	if method == MethodChannels {
		add("sessionid", split.ChannelsSessionID)
		add("wxuin", split.ChannelsWxuin)

		return cookies
	}

	add("talent_token", split.ShopTalentToken)
	add("talent_rand", split.ShopTalentRand)
	add("talent_magic", split.ShopTalentMagic)

	return cookies
}

// AssembleCookieString renders split fields as an HTTP Cookie header
// value ("name=value; name2=value2").
func AssembleCookieString(split SplitCookies) string {
	cookies := AssembleCookies(split)

	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}

	return strings.Join(pairs, "; ")
}

// CanonicalString renders a cookie list as a sorted "name=value"
// string. Two cookie sets with the same pairs produce the same string
// regardless of order, which is what the sync engine compares when both
// sides hold a cookie.
func CanonicalString(cookies []Cookie) string {
	pairs := make([]string, 0, len(cookies))
	for _, c := range cookies {
		pairs = append(pairs, c.Name+"="+c.Value)
	}

	sort.Strings(pairs)

	return strings.Join(pairs, ";")
}

// FormatForCloud normalizes profile cookies for cloud registration:
// the domain gains a leading dot and path/secure defaults are filled.
func FormatForCloud(cookies []Cookie) []Cookie {
	out := make([]Cookie, 0, len(cookies))

	for _, c := range cookies {
		domain := c.Domain
		if domain != "" && !strings.HasPrefix(domain, ".") {
			domain = "." + domain
		}

		out = append(out, Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: domain,
			Path:   "/",
			Secure: true,
		})
	}

	return out
}
