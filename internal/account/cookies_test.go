package account

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want CookieStatus
	}{
		{"online", StatusOnline},
		{"offline", StatusOffline},
		{"checking", StatusChecking},
		{"pending", StatusPending},
		{"", StatusPending},
		{"not_found", StatusPending},
		{"ONLINE", StatusPending}, // statuses are case-sensitive on the wire
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeStatus(tt.raw))
		})
	}
}

func TestParseCookies_Channels(t *testing.T) {
	split := ParseCookies([]Cookie{
		{Name: "sessionid", Value: "X"},
		{Name: "wxuin", Value: "Y"},
		{Name: "tracking_junk", Value: "drop-me"},
	})

	assert.Equal(t, "X", split.ChannelsSessionID)
	assert.Equal(t, "Y", split.ChannelsWxuin)
	assert.Empty(t, split.ShopTalentToken)
	assert.Equal(t, MethodChannels, split.LoginMethod)
}

func TestParseCookies_ShopWinsOnTalentToken(t *testing.T) {
	split := ParseCookies([]Cookie{
		{Name: "sessionid", Value: "X"},
		{Name: "talent_token", Value: "T"},
		{Name: "talent_rand", Value: "R"},
		{Name: "talent_magic", Value: "M"},
	})

	assert.Equal(t, MethodShop, split.LoginMethod)
	assert.Equal(t, "T", split.ShopTalentToken)
}

func TestAssembleCookies_RoundTrip(t *testing.T) {
	original := []Cookie{
		{Name: "sessionid", Value: "sess-1"},
		{Name: "wxuin", Value: "uin-1"},
	}

	assembled := AssembleCookies(ParseCookies(original))
	require.Len(t, assembled, 2)

	got := map[string]string{}
	for _, c := range assembled {
		got[c.Name] = c.Value
		assert.Equal(t, ".weixin.qq.com", c.Domain)
	}

	assert.Equal(t, "sess-1", got["sessionid"])
	assert.Equal(t, "uin-1", got["wxuin"])
}

func TestAssembleCookies_UnrecognizedDropped(t *testing.T) {
	assembled := AssembleCookies(ParseCookies([]Cookie{
		{Name: "sessionid", Value: "X"},
		{Name: "random_tracker", Value: "Z"},
	}))

	require.Len(t, assembled, 1)
	assert.Equal(t, "sessionid", assembled[0].Name)
}

func TestAssembleCookies_MethodFiltersOtherKind(t *testing.T) {
	// A record flagged channels-helper must not emit stale shop fields.
	split := SplitCookies{
		LoginMethod:       MethodChannels,
		ChannelsSessionID: "X",
		ChannelsWxuin:     "Y",
		ShopTalentToken:   "leak",
	}

	for _, c := range AssembleCookies(split) {
		assert.NotEqual(t, "talent_token", c.Name)
	}
}

func TestAssembleCookieString(t *testing.T) {
	s := AssembleCookieString(SplitCookies{
		LoginMethod:       MethodChannels,
		ChannelsSessionID: "X",
		ChannelsWxuin:     "Y",
	})

	assert.Equal(t, "sessionid=X; wxuin=Y", s)
}

func TestCanonicalString_OrderIndependent(t *testing.T) {
	a := CanonicalString([]Cookie{{Name: "b", Value: "2"}, {Name: "a", Value: "1"}})
	b := CanonicalString([]Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}})

	assert.Equal(t, a, b)
	assert.Equal(t, "a=1;b=2", a)
}

func TestFormatForCloud(t *testing.T) {
	out := FormatForCloud([]Cookie{
		{Name: "sessionid", Value: "X", Domain: "weixin.qq.com"},
		{Name: "wxuin", Value: "Y", Domain: ".weixin.qq.com"},
	})

	require.Len(t, out, 2)
	assert.Equal(t, ".weixin.qq.com", out[0].Domain)
	assert.Equal(t, ".weixin.qq.com", out[1].Domain)
	assert.Equal(t, "/", out[0].Path)
	assert.True(t, out[0].Secure)
}

func TestDetectCookieKind(t *testing.T) {
	assert.Equal(t, MethodShop, DetectCookieKind([]Cookie{{Name: "talent_token", Value: "T"}}))
	assert.Equal(t, MethodChannels, DetectCookieKind([]Cookie{{Name: "sessionid", Value: "X"}}))
	assert.Equal(t, MethodChannels, DetectCookieKind(nil))
}
