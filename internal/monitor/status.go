package monitor

import (
	"time"

	"github.com/alexjbarnes/profile-sync/internal/account"
	"github.com/alexjbarnes/profile-sync/internal/cloud"
	"github.com/alexjbarnes/profile-sync/internal/push"
)

// CachedStatus is one account's monitored state. Values are immutable
// snapshots; every update replaces the whole entry.
type CachedStatus struct {
	AccountID       string
	Status          account.CookieStatus
	AccountInfo     *account.Info
	LastCheckTime   string
	LastValidTime   string
	CookieUpdatedAt string
	CookieExpiredAt string
	CheckErrorCount int
	ChannelsJumpURL string

	// CachedAt is when this snapshot was taken. Entries older than the
	// staleness window trigger a background refresh on read.
	CachedAt time.Time
}

// normalizeEvent merges a push event with the previous cached snapshot
// into a new one. Fields absent from the event carry over from the
// previous snapshot so a partial update never erases known state.
func normalizeEvent(ev push.Event, prev *CachedStatus, now time.Time) CachedStatus {
	status := account.NormalizeStatus(ev.CookieStatus)

	next := CachedStatus{
		AccountID: ev.AccountID,
		Status:    status,
		CachedAt:  now,
	}

	switch {
	case ev.AccountInfo != nil:
		info := *ev.AccountInfo
		next.AccountInfo = &info
	case ev.Nickname != "":
		next.AccountInfo = &account.Info{
			Nickname:    ev.Nickname,
			Avatar:      ev.Avatar,
			LoginMethod: account.LoginMethod(ev.LoginMethod),
		}
	case prev != nil:
		next.AccountInfo = prev.AccountInfo
	}

	next.LastCheckTime = ev.LastCheckTime
	if next.LastCheckTime == "" {
		next.LastCheckTime = now.Format(time.RFC3339)
	}

	// A fresh online report is itself proof of validity.
	if status == account.StatusOnline {
		next.LastValidTime = now.Format(time.RFC3339)
	} else if ev.LastValidTime != "" {
		next.LastValidTime = ev.LastValidTime
	} else if prev != nil {
		next.LastValidTime = prev.LastValidTime
	}

	next.CookieUpdatedAt = ev.CookieUpdatedAt
	if next.CookieUpdatedAt == "" && prev != nil {
		next.CookieUpdatedAt = prev.CookieUpdatedAt
	}

	next.CookieExpiredAt = ev.CookieExpiredAt

	switch {
	case ev.CheckErrorCount != nil:
		next.CheckErrorCount = *ev.CheckErrorCount
	case prev != nil:
		next.CheckErrorCount = prev.CheckErrorCount
	}

	next.ChannelsJumpURL = ev.ChannelsJumpURL
	if next.ChannelsJumpURL == "" && prev != nil {
		next.ChannelsJumpURL = prev.ChannelsJumpURL
	}

	return next
}

// statusFromCloud converts a cloud status record into a cache snapshot.
func statusFromCloud(accountID string, status cloud.AccountStatus, now time.Time) CachedStatus {
	return CachedStatus{
		AccountID:       accountID,
		Status:          account.NormalizeStatus(status.CookieStatus),
		AccountInfo:     status.AccountInfo,
		LastCheckTime:   status.LastCheckTime,
		LastValidTime:   status.LastValidTime,
		CookieUpdatedAt: status.CookieUpdatedAt,
		CookieExpiredAt: status.CookieExpiredAt,
		CheckErrorCount: status.CheckErrorCount,
		ChannelsJumpURL: status.ChannelsJumpURL,
		CachedAt:        now,
	}
}
