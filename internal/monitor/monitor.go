package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/profile-sync/internal/account"
	"github.com/alexjbarnes/profile-sync/internal/browser"
	"github.com/alexjbarnes/profile-sync/internal/cloud"
	"github.com/alexjbarnes/profile-sync/internal/notify"
	"github.com/alexjbarnes/profile-sync/internal/push"
	"github.com/alexjbarnes/profile-sync/internal/state"
	"github.com/alexjbarnes/profile-sync/internal/syncer"
)

const (
	// cacheStaleAfter is how old a cached snapshot may grow before a
	// read triggers a background refresh.
	cacheStaleAfter = 10 * time.Minute

	// sideEffectTimeout bounds the background work an event kicks off.
	sideEffectTimeout = 30 * time.Second
)

// CloudAPI is the slice of the cloud client the monitor uses.
type CloudAPI interface {
	CheckAccountStatus(ctx context.Context, accountID string) (*cloud.AccountStatus, error)
	BatchCheckStatus(ctx context.Context, accountIDs []string) (*cloud.BatchStatus, error)
	AutoRegisterBrowser(ctx context.Context, accountID string, cookies []account.Cookie, method account.LoginMethod, info *account.Info) (*cloud.RegisterResult, error)
}

// BrowserAPI is the slice of the automation host client the monitor uses.
type BrowserAPI interface {
	List(ctx context.Context) ([]browser.Profile, error)
	ReadCookies(ctx context.Context, id string) ([]account.Cookie, error)
	Rename(ctx context.Context, id, name string) error
	Close(ctx context.Context, id string) error
}

// PushAPI is the subscription surface of the push client.
type PushAPI interface {
	Subscribe(ctx context.Context, accountID string, handler push.Handler) bool
	Unsubscribe(accountID string)
	UnsubscribeAll()
}

// SyncAPI triggers cookie reconciliation for one account.
type SyncAPI interface {
	SyncSingle(ctx context.Context, accountID string, force bool) (syncer.SyncResult, error)
}

// Store is the slice of the local record store the monitor uses.
type Store interface {
	All() (map[string]state.AccountRecord, error)
	Delete(accountID string) error
}

// Summary is an aggregate view over all monitored accounts.
type Summary struct {
	Total    int
	Online   int
	Offline  int
	Pending  int
	Checking int
}

// Monitor keeps an in-memory status cache for every managed account,
// fed primarily by push events and backed by cloud queries. Push is an
// optimization: when the channel is down the monitor degrades to
// on-demand refreshes.
type Monitor struct {
	logger      *slog.Logger
	cloud       CloudAPI
	browser     BrowserAPI
	push        PushAPI
	store       Store
	sync        SyncAPI
	notifier    notify.Notifier
	filterOwner string

	now func() time.Time

	mu         sync.Mutex
	cache      map[string]CachedStatus
	subscribed map[string]bool

	expiry *expiryDebouncer
}

// NewMonitor wires a monitor. filterOwner restricts the account set to
// profiles created by that display name; empty means no filtering.
func NewMonitor(cloudAPI CloudAPI, browserAPI BrowserAPI, pushAPI PushAPI, store Store, sync SyncAPI, notifier notify.Notifier, filterOwner string, logger *slog.Logger) *Monitor {
	m := &Monitor{
		logger:      logger,
		cloud:       cloudAPI,
		browser:     browserAPI,
		push:        pushAPI,
		store:       store,
		sync:        sync,
		notifier:    notifier,
		filterOwner: filterOwner,
		now:         time.Now,
		cache:       make(map[string]CachedStatus),
		subscribed:  make(map[string]bool),
	}

	m.expiry = newExpiryDebouncer(expiryDebounceWindow, m.notifyExpired)

	return m
}

// Start performs an initial full status sync and subscribes to push
// events for every known account. Neither step is fatal: a failed sync
// leaves the cache empty until the next reconciliation pass, and a
// failed subscription degrades that account to on-demand refreshes.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.SyncAll(ctx); err != nil {
		m.logger.Warn("initial status sync failed, retrying on next pass",
			slog.String("error", err.Error()))
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.cache))
	for id := range m.cache {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if !m.EnsureSubscribed(ctx, id) {
			m.logger.Warn("push subscription unavailable, falling back to polling",
				slog.String("account_id", id))
		}
	}

	m.logger.Info("monitor started", slog.Int("accounts", len(ids)))

	return nil
}

// Stop tears down all push subscriptions and drops pending
// notifications.
func (m *Monitor) Stop() {
	m.push.UnsubscribeAll()
	m.expiry.stop()

	m.mu.Lock()
	m.subscribed = make(map[string]bool)
	m.mu.Unlock()

	m.logger.Info("monitor stopped")
}

// EnsureSubscribed attaches the monitor's event handler to an account,
// once, plus any extra handlers the caller supplies. Extra handlers are
// appended on every call; the monitor's own handler is not duplicated.
func (m *Monitor) EnsureSubscribed(ctx context.Context, accountID string, extra ...push.Handler) bool {
	m.mu.Lock()
	already := m.subscribed[accountID]
	m.mu.Unlock()

	if !already {
		if !m.push.Subscribe(ctx, accountID, m.handleEvent) {
			return false
		}

		m.mu.Lock()
		m.subscribed[accountID] = true
		m.mu.Unlock()
	}

	for _, h := range extra {
		if !m.push.Subscribe(ctx, accountID, h) {
			return false
		}
	}

	return true
}

// Unsubscribe detaches an account from push updates.
func (m *Monitor) Unsubscribe(accountID string) {
	m.push.Unsubscribe(accountID)

	m.mu.Lock()
	delete(m.subscribed, accountID)
	m.mu.Unlock()
}

// handleEvent folds one push event into the cache and kicks off any
// side effects the transition calls for.
func (m *Monitor) handleEvent(ev push.Event) {
	now := m.now()

	m.mu.Lock()
	var prev *CachedStatus
	if entry, ok := m.cache[ev.AccountID]; ok {
		prev = &entry
	}

	next := normalizeEvent(ev, prev, now)
	m.cache[ev.AccountID] = next
	m.mu.Unlock()

	m.applySideEffects(prev, next)
}

// sideEffects is what one status transition calls for. Computed by the
// pure decideSideEffects so transitions can be tested without I/O.
type sideEffects struct {
	renameTo     string
	syncCookies  bool
	closeProfile bool
	expiredName  string
}

// decideSideEffects inspects a cache transition:
//
//   - nickname change: rename the browser profile, best effort
//   - any -> online: trigger a cookie sync (recovery)
//   - online -> offline: close the browser and queue an expiry notice
func decideSideEffects(prev *CachedStatus, next CachedStatus) sideEffects {
	var fx sideEffects

	if prev != nil && prev.AccountInfo != nil && next.AccountInfo != nil &&
		next.AccountInfo.Nickname != "" && prev.AccountInfo.Nickname != next.AccountInfo.Nickname {
		fx.renameTo = next.AccountInfo.Nickname
	}

	wasOnline := prev != nil && prev.Status == account.StatusOnline

	if next.Status == account.StatusOnline && !wasOnline {
		fx.syncCookies = true
	}

	if wasOnline && next.Status == account.StatusOffline {
		fx.closeProfile = true
		fx.expiredName = displayName(next)
	}

	return fx
}

// applySideEffects executes a transition's side effects. Browser and
// sync work runs in the background so event dispatch never blocks.
func (m *Monitor) applySideEffects(prev *CachedStatus, next CachedStatus) {
	fx := decideSideEffects(prev, next)

	if fx.renameTo != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
			defer cancel()

			if err := m.browser.Rename(ctx, next.AccountID, fx.renameTo); err != nil {
				m.logger.Warn("profile rename failed",
					slog.String("account_id", next.AccountID),
					slog.String("error", err.Error()))
			}
		}()
	}

	if fx.syncCookies {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
			defer cancel()

			if _, err := m.sync.SyncSingle(ctx, next.AccountID, false); err != nil {
				m.logger.Warn("post-login sync failed",
					slog.String("account_id", next.AccountID),
					slog.String("error", err.Error()))
			}
		}()
	}

	if fx.closeProfile {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
			defer cancel()

			if err := m.browser.Close(ctx, next.AccountID); err != nil {
				m.logger.Warn("closing expired profile failed",
					slog.String("account_id", next.AccountID),
					slog.String("error", err.Error()))
			}
		}()

		m.expiry.add(fx.expiredName)
	}
}

// GetStatus returns the cached snapshot for an account, refreshing from
// the cloud when the cache misses. A stale hit is returned immediately
// while a background refresh replaces it.
func (m *Monitor) GetStatus(ctx context.Context, accountID string) (*CachedStatus, error) {
	m.mu.Lock()
	entry, ok := m.cache[accountID]
	m.mu.Unlock()

	if ok {
		if m.now().Sub(entry.CachedAt) > cacheStaleAfter {
			go func() {
				refreshCtx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
				defer cancel()

				if _, err := m.Refresh(refreshCtx, accountID); err != nil && !errors.Is(err, cloud.ErrNotFound) {
					m.logger.Warn("background refresh failed",
						slog.String("account_id", accountID),
						slog.String("error", err.Error()))
				}
			}()
		}

		return &entry, nil
	}

	return m.Refresh(ctx, accountID)
}

// Refresh fetches an account's status from the cloud and updates the
// cache. A cloud 404 means the account was deleted remotely: the local
// record and subscription are dropped and ErrNotFound is returned. A
// push event landing during the fetch wins over the fetched snapshot.
func (m *Monitor) Refresh(ctx context.Context, accountID string) (*CachedStatus, error) {
	fetchStart := m.now()

	status, err := m.cloud.CheckAccountStatus(ctx, accountID)
	if err != nil {
		if errors.Is(err, cloud.ErrNotFound) {
			m.Unsubscribe(accountID)

			m.mu.Lock()
			delete(m.cache, accountID)
			m.mu.Unlock()

			if derr := m.store.Delete(accountID); derr != nil {
				m.logger.Warn("deleting local record failed",
					slog.String("account_id", accountID),
					slog.String("error", derr.Error()))
			}

			m.logger.Info("account deregistered, deleted in cloud",
				slog.String("account_id", accountID))
		}

		return nil, err
	}

	snap := statusFromCloud(accountID, *status, m.now())

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.cache[accountID]; ok && existing.CachedAt.After(fetchStart) {
		return &existing, nil
	}

	m.cache[accountID] = snap

	return &snap, nil
}

// SyncAll rebuilds the whole cache from a batch cloud query over the
// owned browser profiles. Locally known accounts the cloud has no
// record of are re-registered from their profile cookies. Cached
// accounts and stored records whose profile no longer exists are
// purged. The cache is swapped atomically so readers never observe a
// half-built state; a push event landing during the rebuild wins over
// the batch snapshot for its account.
func (m *Monitor) SyncAll(ctx context.Context) error {
	start := m.now()

	profiles, err := m.browser.List(ctx)
	if err != nil {
		return fmt.Errorf("listing profiles: %w", err)
	}

	ids := make([]string, 0, len(profiles))
	owned := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		if m.filterOwner != "" && p.CreatedBy != m.filterOwner {
			continue
		}

		ids = append(ids, p.ID)
		owned[p.ID] = true
	}

	newCache := make(map[string]CachedStatus, len(ids))

	if len(ids) > 0 {
		batch, err := m.cloud.BatchCheckStatus(ctx, ids)
		if err != nil {
			return fmt.Errorf("batch status check: %w", err)
		}

		for _, id := range ids {
			if status, ok := batch.Accounts[id]; ok {
				newCache[id] = statusFromCloud(id, status, start)
				continue
			}

			newCache[id] = m.recoverMissing(ctx, id, start)
		}
	}

	m.mu.Lock()
	purged := 0
	for id, entry := range m.cache {
		if _, ok := newCache[id]; !ok {
			m.push.Unsubscribe(id)
			delete(m.subscribed, id)
			purged++

			continue
		}

		if entry.CachedAt.After(start) {
			newCache[id] = entry
		}
	}

	m.cache = newCache
	m.mu.Unlock()

	stale := m.purgeStaleRecords(owned)

	m.logger.Info("status cache rebuilt",
		slog.Int("accounts", len(newCache)),
		slog.Int("purged", purged),
		slog.Int("stale_records", stale))

	return nil
}

// purgeStaleRecords deletes stored records for accounts that no longer
// have a browser profile. Records are a display cache; once the profile
// is gone there is nothing left to describe.
func (m *Monitor) purgeStaleRecords(known map[string]bool) int {
	records, err := m.store.All()
	if err != nil {
		m.logger.Warn("listing local records failed",
			slog.String("error", err.Error()))

		return 0
	}

	stale := 0
	for id := range records {
		if _, ok := known[id]; ok {
			continue
		}

		if derr := m.store.Delete(id); derr != nil {
			m.logger.Warn("deleting stale record failed",
				slog.String("account_id", id),
				slog.String("error", derr.Error()))

			continue
		}

		stale++
	}

	return stale
}

// recoverMissing handles an owned profile the cloud has no record of.
// Profiles holding cookies are re-registered; the rest wait as pending.
func (m *Monitor) recoverMissing(ctx context.Context, accountID string, now time.Time) CachedStatus {
	pending := CachedStatus{
		AccountID: accountID,
		Status:    account.StatusPending,
		CachedAt:  now,
	}

	cookies, err := m.browser.ReadCookies(ctx, accountID)
	if err != nil || len(cookies) == 0 {
		return pending
	}

	method := account.DetectCookieKind(cookies)

	result, err := m.cloud.AutoRegisterBrowser(ctx, accountID, account.FormatForCloud(cookies), method, nil)
	if err != nil {
		m.logger.Warn("re-registering orphaned profile failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()))

		return pending
	}

	m.logger.Info("re-registered orphaned profile",
		slog.String("account_id", accountID),
		slog.String("cookie_status", result.CookieStatus))

	return CachedStatus{
		AccountID:   accountID,
		Status:      account.NormalizeStatus(result.CookieStatus),
		AccountInfo: result.AccountInfo,
		CachedAt:    now,
	}
}

// Summary counts cached accounts by status.
func (m *Monitor) Summary() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Summary{Total: len(m.cache)}

	for _, entry := range m.cache {
		switch entry.Status {
		case account.StatusOnline:
			s.Online++
		case account.StatusOffline:
			s.Offline++
		case account.StatusChecking:
			s.Checking++
		default:
			s.Pending++
		}
	}

	return s
}

func (m *Monitor) notifyExpired(names []string) {
	title := "account session expired"
	if len(names) > 1 {
		title = fmt.Sprintf("%d account sessions expired", len(names))
	}

	m.notifier.Notify(context.Background(), notify.SeverityWarning, title,
		fmt.Sprintf("re-login required: %s", strings.Join(names, ", ")))
}

func displayName(s CachedStatus) string {
	if s.AccountInfo != nil && s.AccountInfo.Nickname != "" {
		return s.AccountInfo.Nickname
	}

	return s.AccountID
}
