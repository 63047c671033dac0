package creation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/profile-sync/internal/account"
	"github.com/alexjbarnes/profile-sync/internal/cloud"
	"github.com/alexjbarnes/profile-sync/internal/monitor"
	"github.com/alexjbarnes/profile-sync/internal/notify"
	"github.com/alexjbarnes/profile-sync/internal/push"
	"github.com/alexjbarnes/profile-sync/internal/state"
)

// State is one account's position in the creation flow.
type State string

const (
	StateConfig      State = "config"
	StateQRReady     State = "qr_ready"
	StateWaitingScan State = "waiting_scan"
	StateScanned     State = "scanned"
	StateConfirmed   State = "confirmed"
	StateCreating    State = "creating"
	StateSuccess     State = "success"
	StateFailed      State = "failed"
)

// terminal reports whether a state accepts no further transitions.
func (s State) terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// LoginWay selects how the account owner logs in.
type LoginWay string

const (
	// WayPermanentLink creates the browser profile up front and hands
	// the owner a reusable login link.
	WayPermanentLink LoginWay = "permanent_link"

	// WayQRCode shows a QR code locally; the profile is only created
	// once the scan completes.
	WayQRCode LoginWay = "qr_code"
)

const (
	// maxAccounts bounds one creation batch.
	maxAccounts = 10

	// linkStagger spaces out serial link generation to stay under the
	// cloud's rate limits.
	linkStagger = 300 * time.Millisecond

	// pollInterval is the login status poke cadence. The poke prompts
	// the cloud to re-check; results arrive by push.
	pollInterval = 200 * time.Millisecond

	// qrValidity is how long a generated QR code stays scannable.
	qrValidity = 5 * time.Minute
)

// Config is the per-account creation settings.
type Config struct {
	LoginMethod account.LoginMethod
	LoginWay    LoginWay
	Remark      string
}

// Item is one account moving through the creation flow.
type Item struct {
	Index    int
	Config   Config
	State    State
	Progress int

	// AccountID is a generated virtual id for the QR flow until the
	// real profile exists, then the profile id.
	AccountID string
	Virtual   bool

	QRURL         string
	PermanentLink string
	LinkQRCode    string
	QRExpiresAt   time.Time

	Info    *account.Info
	Cookies []account.Cookie
	Err     string
}

// CloudAPI is the slice of the cloud client the orchestrator uses.
type CloudAPI interface {
	GenerateLoginLink(ctx context.Context, accountID string, method account.LoginMethod, opts *cloud.LinkOptions) (*cloud.LoginLink, error)
	CheckLoginStatus(ctx context.Context, accountID string) (*cloud.LoginStatus, error)
	SyncCookieFromCloud(ctx context.Context, accountID string) (*cloud.CookiePayload, error)
	AutoRegisterBrowser(ctx context.Context, accountID string, cookies []account.Cookie, method account.LoginMethod, info *account.Info) (*cloud.RegisterResult, error)
	DeleteLink(ctx context.Context, accountID string) error
}

// BrowserAPI is the slice of the automation host client the
// orchestrator uses.
type BrowserAPI interface {
	Create(ctx context.Context, name, remark string) (string, error)
	Rename(ctx context.Context, id, name string) error
	WriteCookies(ctx context.Context, id string, cookies []account.Cookie) error
}

// MonitorAPI hooks created accounts into status monitoring.
type MonitorAPI interface {
	EnsureSubscribed(ctx context.Context, accountID string, extra ...push.Handler) bool
	Unsubscribe(accountID string)
	Refresh(ctx context.Context, accountID string) (*monitor.CachedStatus, error)
}

// Store persists the local record of a completed account.
type Store interface {
	Save(rec state.AccountRecord) error
}

// Orchestrator drives batch account creation: link generation, login
// progress via push events, profile creation and cloud registration.
type Orchestrator struct {
	logger   *slog.Logger
	cloud    CloudAPI
	browser  BrowserAPI
	monitor  MonitorAPI
	store    Store
	notifier notify.Notifier

	// newID generates virtual account ids, uuid.NewString outside tests.
	newID func() string

	stagger      time.Duration
	pollInterval time.Duration

	mu        sync.Mutex
	step      int
	items     []*Item
	processed map[string]bool
	polls     map[string]context.CancelFunc
}

// NewOrchestrator creates an orchestrator seeded with one blank account.
func NewOrchestrator(cloudAPI CloudAPI, browserAPI BrowserAPI, monitorAPI MonitorAPI, store Store, notifier notify.Notifier, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		logger:       logger,
		cloud:        cloudAPI,
		browser:      browserAPI,
		monitor:      monitorAPI,
		store:        store,
		notifier:     notifier,
		newID:        uuid.NewString,
		stagger:      linkStagger,
		pollInterval: pollInterval,
		processed:    make(map[string]bool),
		polls:        make(map[string]context.CancelFunc),
	}

	o.items = []*Item{o.blankItem(0)}

	return o
}

func (o *Orchestrator) blankItem(index int) *Item {
	return &Item{
		Index: index,
		Config: Config{
			LoginMethod: account.MethodChannels,
			LoginWay:    WayPermanentLink,
		},
		State: StateConfig,
	}
}

// AddAccount appends a blank account to the batch.
func (o *Orchestrator) AddAccount() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.items) >= maxAccounts {
		return fmt.Errorf("at most %d accounts per batch", maxAccounts)
	}

	o.items = append(o.items, o.blankItem(len(o.items)))

	return nil
}

// RemoveAccount drops one account from the batch. At least one remains.
func (o *Orchestrator) RemoveAccount(index int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.items) <= 1 {
		return errors.New("at least one account is required")
	}

	if index < 0 || index >= len(o.items) {
		return fmt.Errorf("no account at index %d", index)
	}

	o.items = append(o.items[:index], o.items[index+1:]...)
	for i, item := range o.items {
		item.Index = i
	}

	return nil
}

// Configure replaces one account's creation settings. Only valid while
// the account is still in the config state.
func (o *Orchestrator) Configure(index int, cfg Config) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if index < 0 || index >= len(o.items) {
		return fmt.Errorf("no account at index %d", index)
	}

	if o.items[index].State != StateConfig {
		return fmt.Errorf("account %d is already past configuration", index)
	}

	if cfg.LoginMethod == "" {
		cfg.LoginMethod = account.MethodChannels
	}

	if cfg.LoginWay == "" {
		cfg.LoginWay = WayPermanentLink
	}

	o.items[index].Config = cfg

	return nil
}

// Items returns a snapshot of the batch.
func (o *Orchestrator) Items() []Item {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]Item, len(o.items))
	for i, item := range o.items {
		out[i] = *item
	}

	return out
}

// Step returns the current flow step: 0 config, 1 login, 2 done.
func (o *Orchestrator) Step() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.step
}

// GoNext advances the flow. Leaving the config step kicks off link
// generation for the whole batch.
func (o *Orchestrator) GoNext(ctx context.Context) error {
	o.mu.Lock()

	if o.step != 0 {
		o.mu.Unlock()
		return nil
	}

	o.step = 1
	o.mu.Unlock()

	go o.generateAll(ctx)

	return nil
}

// GoBack returns to the config step, stopping polls and resetting every
// account's progress.
func (o *Orchestrator) GoBack() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.step == 0 {
		return
	}

	for id, cancel := range o.polls {
		cancel()
		delete(o.polls, id)
	}

	o.step--

	for _, item := range o.items {
		item.State = StateConfig
		item.Progress = 0
		item.Err = ""
		item.AccountID = ""
		item.Virtual = false
		item.QRURL = ""
		item.PermanentLink = ""
		item.LinkQRCode = ""
		item.Info = nil
		item.Cookies = nil
	}
}

// ForceComplete marks every unfinished account as failed and jumps to
// the done step.
func (o *Orchestrator) ForceComplete() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, item := range o.items {
		if !item.State.terminal() {
			item.State = StateFailed
			item.Err = "skipped"
		}
	}

	o.step = 2
}

// generateAll generates login material for every account, serially with
// a stagger between accounts.
func (o *Orchestrator) generateAll(ctx context.Context) {
	o.mu.Lock()
	count := len(o.items)
	o.mu.Unlock()

	for i := 0; i < count; i++ {
		o.mu.Lock()
		var way LoginWay
		if i < len(o.items) {
			way = o.items[i].Config.LoginWay
		}
		o.mu.Unlock()

		if way == "" {
			continue
		}

		if way == WayQRCode {
			o.generateQR(ctx, i)
		} else {
			o.generateLink(ctx, i)
		}

		if i < count-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.stagger):
			}
		}
	}
}

// generateQR starts the QR flow for one account: the cloud record is
// keyed by a virtual id until the scan completes and the real profile
// is created.
func (o *Orchestrator) generateQR(ctx context.Context, index int) {
	o.setState(index, StateQRReady, 10)

	virtualID := o.newID()

	o.mu.Lock()
	if index >= len(o.items) {
		o.mu.Unlock()
		return
	}

	cfg := o.items[index].Config
	o.items[index].AccountID = virtualID
	o.items[index].Virtual = true
	o.mu.Unlock()

	link, err := o.cloud.GenerateLoginLink(ctx, virtualID, cfg.LoginMethod, nil)
	if err != nil {
		o.fail(index, fmt.Sprintf("generating QR code: %v", err))
		return
	}

	o.mu.Lock()
	if index < len(o.items) {
		item := o.items[index]
		item.QRURL = link.LoginQRURL
		item.PermanentLink = link.URL
		item.QRExpiresAt = time.Now().Add(qrValidity)
		item.State = StateWaitingScan
		item.Progress = 30
	}
	o.mu.Unlock()

	if !o.monitor.EnsureSubscribed(ctx, virtualID, o.handlePush) {
		o.fail(index, "push channel unavailable")
		_ = o.cloud.DeleteLink(ctx, virtualID)

		return
	}

	o.startPoll(virtualID)
	o.poke(ctx, virtualID)
}

// generateLink starts the permanent-link flow: the profile is created
// empty up front so the link is bound to a real id from the start.
func (o *Orchestrator) generateLink(ctx context.Context, index int) {
	o.setState(index, StateQRReady, 10)

	o.mu.Lock()
	if index >= len(o.items) {
		o.mu.Unlock()
		return
	}

	cfg := o.items[index].Config
	name := fmt.Sprintf("account-%d", index+1)
	o.mu.Unlock()

	profileID, err := o.browser.Create(ctx, name, cfg.Remark)
	if err != nil {
		o.fail(index, fmt.Sprintf("creating profile: %v", err))
		return
	}

	o.mu.Lock()
	if index < len(o.items) {
		o.items[index].AccountID = profileID
		o.items[index].Progress = 30
	}
	o.mu.Unlock()

	link, err := o.cloud.GenerateLoginLink(ctx, profileID, cfg.LoginMethod, nil)
	if err != nil {
		o.fail(index, fmt.Sprintf("generating login link: %v", err))
		return
	}

	o.mu.Lock()
	if index < len(o.items) {
		item := o.items[index]
		item.PermanentLink = link.URL
		item.LinkQRCode = link.QRCode
		item.State = StateWaitingScan
		item.Progress = 50
	}
	o.mu.Unlock()

	if !o.monitor.EnsureSubscribed(ctx, profileID, o.handlePush) {
		o.fail(index, "push channel unavailable")
		_ = o.cloud.DeleteLink(ctx, profileID)

		return
	}

	o.poke(ctx, profileID)
}

// handlePush reacts to login progress events for accounts in the batch.
// The completion path is guarded against duplicate deliveries.
func (o *Orchestrator) handlePush(ev push.Event) {
	o.mu.Lock()

	item := o.itemByIDLocked(ev.AccountID)
	if item == nil || item.State.terminal() {
		o.mu.Unlock()
		return
	}

	if ev.Expired {
		item.State = StateFailed
		item.Err = "login link expired"
		o.mu.Unlock()

		return
	}

	if ev.Scanned && !ev.Confirmed {
		item.State = StateScanned
		item.Progress = 50
	}

	if ev.Confirmed {
		item.State = StateConfirmed
		item.Progress = 60
	}

	if account.NormalizeStatus(ev.CookieStatus) != account.StatusOnline {
		o.mu.Unlock()
		return
	}

	if o.processed[ev.AccountID] {
		o.mu.Unlock()
		return
	}

	o.processed[ev.AccountID] = true
	item.State = StateCreating
	item.Progress = 70
	index := item.Index
	o.mu.Unlock()

	go o.completeLogin(context.Background(), index, ev)
}

// completeLogin finishes one account after its login succeeds: cookies
// are fetched from the cloud, the profile is created or updated, and
// the account is registered under its final id.
func (o *Orchestrator) completeLogin(ctx context.Context, index int, ev push.Event) {
	o.mu.Lock()
	if index >= len(o.items) {
		o.mu.Unlock()
		return
	}

	item := o.items[index]
	cfg := item.Config
	currentID := item.AccountID
	virtual := item.Virtual
	o.mu.Unlock()

	info, cookies := o.resolveLoginResult(ctx, currentID, ev)

	o.mu.Lock()
	item.Info = &info
	item.Cookies = cookies
	o.mu.Unlock()

	realID := currentID

	if virtual {
		o.stopPoll(currentID)

		profileID, err := o.browser.Create(ctx, info.Nickname, cfg.Remark)
		if err != nil {
			o.fail(index, fmt.Sprintf("creating profile: %v", err))
			_ = o.cloud.DeleteLink(ctx, currentID)

			return
		}

		realID = profileID

		o.mu.Lock()
		item.AccountID = realID
		item.Virtual = false
		o.mu.Unlock()

		if err := o.browser.WriteCookies(ctx, realID, cookies); err != nil {
			o.fail(index, fmt.Sprintf("writing cookies: %v", err))
			return
		}

		// Move the cloud record from the virtual id to the profile id.
		if err := o.cloud.DeleteLink(ctx, currentID); err != nil {
			o.logger.Warn("deleting virtual record failed",
				slog.String("account_id", currentID),
				slog.String("error", err.Error()))
		}

		if _, err := o.cloud.AutoRegisterBrowser(ctx, realID, account.FormatForCloud(cookies), cfg.LoginMethod, &info); err != nil {
			o.logger.Warn("registering profile failed",
				slog.String("account_id", realID),
				slog.String("error", err.Error()))
		}
	} else {
		if err := o.browser.WriteCookies(ctx, realID, cookies); err != nil {
			o.fail(index, fmt.Sprintf("writing cookies: %v", err))
			return
		}

		if info.Nickname != "" {
			if err := o.browser.Rename(ctx, realID, info.Nickname); err != nil {
				o.logger.Warn("renaming profile failed",
					slog.String("account_id", realID),
					slog.String("error", err.Error()))
			}
		}
	}

	now := time.Now()
	rec := state.AccountRecord{
		AccountID:   realID,
		Info:        info,
		LoginMethod: cfg.LoginMethod,
		LoginTime:   now.UnixMilli(),
		UpdatedAt:   now.UnixMilli(),
	}
	if err := o.store.Save(rec); err != nil {
		o.logger.Warn("saving local record failed",
			slog.String("account_id", realID),
			slog.String("error", err.Error()))
	}

	o.monitor.EnsureSubscribed(ctx, realID)

	if _, err := o.monitor.Refresh(ctx, realID); err != nil {
		o.logger.Warn("refreshing new account failed",
			slog.String("account_id", realID),
			slog.String("error", err.Error()))
	}

	o.mu.Lock()
	item.State = StateSuccess
	item.Progress = 100
	o.mu.Unlock()

	o.logger.Info("account created",
		slog.String("account_id", realID),
		slog.String("nickname", info.Nickname))

	o.checkAllComplete()
}

// resolveLoginResult fetches the authoritative cookie material for a
// completed login, falling back to the push event's payload.
func (o *Orchestrator) resolveLoginResult(ctx context.Context, accountID string, ev push.Event) (account.Info, []account.Cookie) {
	info := account.Info{Nickname: "unknown"}

	if ev.AccountInfo != nil {
		info = *ev.AccountInfo
	} else if ev.Nickname != "" {
		info = account.Info{
			Nickname:    ev.Nickname,
			Avatar:      ev.Avatar,
			LoginMethod: account.LoginMethod(ev.LoginMethod),
		}
	}

	payload, err := o.cloud.SyncCookieFromCloud(ctx, accountID)
	if err != nil {
		o.logger.Warn("syncing cookie after login failed, using push payload",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()))

		return info, ev.Cookies
	}

	if payload.Nickname != "" {
		info.Nickname = payload.Nickname
	}

	if payload.Avatar != "" {
		info.Avatar = payload.Avatar
	}

	if payload.LoginMethod != "" {
		info.LoginMethod = account.LoginMethod(payload.LoginMethod)
	}

	if len(payload.Cookies) > 0 {
		return info, payload.Cookies
	}

	return info, ev.Cookies
}

// RegenerateQRCode discards an account's login material and generates
// fresh material with the same settings.
func (o *Orchestrator) RegenerateQRCode(ctx context.Context, index int) error {
	return o.restart(ctx, index, false)
}

// RetryFailed restarts a failed account from scratch.
func (o *Orchestrator) RetryFailed(ctx context.Context, index int) error {
	return o.restart(ctx, index, true)
}

func (o *Orchestrator) restart(ctx context.Context, index int, failedOnly bool) error {
	o.mu.Lock()

	if index < 0 || index >= len(o.items) {
		o.mu.Unlock()
		return fmt.Errorf("no account at index %d", index)
	}

	item := o.items[index]

	if failedOnly && item.State != StateFailed {
		o.mu.Unlock()
		return nil
	}

	oldID := item.AccountID
	way := item.Config.LoginWay

	item.State = StateConfig
	item.Progress = 0
	item.Err = ""
	item.AccountID = ""
	item.Virtual = false
	item.QRURL = ""
	item.PermanentLink = ""
	item.LinkQRCode = ""
	item.Info = nil
	item.Cookies = nil
	o.mu.Unlock()

	if oldID != "" {
		o.stopPoll(oldID)

		if err := o.cloud.DeleteLink(ctx, oldID); err != nil {
			o.logger.Warn("deleting stale link failed",
				slog.String("account_id", oldID),
				slog.String("error", err.Error()))
		}
	}

	if way == WayQRCode {
		o.generateQR(ctx, index)
	} else {
		o.generateLink(ctx, index)
	}

	return nil
}

// CleanupUnusedLinks deletes the cloud records of abandoned QR logins.
// Only virtual records are cleaned: a permanent link bound to a real
// profile stays usable after the batch closes.
func (o *Orchestrator) CleanupUnusedLinks(ctx context.Context) error {
	o.mu.Lock()
	var ids []string
	for _, item := range o.items {
		if item.Virtual && item.State != StateSuccess && item.AccountID != "" {
			ids = append(ids, item.AccountID)
		}
	}
	o.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		o.stopPoll(id)

		g.Go(func() error {
			if err := o.cloud.DeleteLink(gctx, id); err != nil {
				return fmt.Errorf("deleting link for %s: %w", id, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	o.logger.Info("cleaned up unused login links", slog.Int("count", len(ids)))

	return nil
}

// Stop cancels all polls. Subscriptions stay with the monitor.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for id, cancel := range o.polls {
		cancel()
		delete(o.polls, id)
	}
}

// Counts summarizes the batch's progress.
type Counts struct {
	Success    int
	Failed     int
	Processing int
}

// Summary counts accounts by outcome. Accounts still in config are not
// counted as processing.
func (o *Orchestrator) Summary() Counts {
	o.mu.Lock()
	defer o.mu.Unlock()

	var c Counts

	for _, item := range o.items {
		switch {
		case item.State == StateSuccess:
			c.Success++
		case item.State == StateFailed:
			c.Failed++
		case item.State != StateConfig:
			c.Processing++
		}
	}

	return c
}

// startPoll pokes the cloud's login status endpoint on a short interval
// so the cloud re-checks the scan. Responses never mutate flow state;
// progress arrives by push. The poll stops itself once the status
// reaches confirmed or expired.
func (o *Orchestrator) startPoll(accountID string) {
	o.mu.Lock()

	if _, running := o.polls[accountID]; running {
		o.mu.Unlock()
		return
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	o.polls[accountID] = cancel
	o.mu.Unlock()

	go func() {
		ticker := time.NewTicker(o.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				status, err := o.cloud.CheckLoginStatus(pollCtx, accountID)
				if err != nil {
					if pollCtx.Err() != nil {
						return
					}

					o.logger.Debug("login status poke failed",
						slog.String("account_id", accountID),
						slog.String("error", err.Error()))

					continue
				}

				if status.Confirmed || status.Expired {
					o.stopPoll(accountID)
					return
				}
			}
		}
	}()
}

// stopPoll cancels an account's poll, aborting any in-flight request.
func (o *Orchestrator) stopPoll(accountID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if cancel, ok := o.polls[accountID]; ok {
		cancel()
		delete(o.polls, accountID)
	}
}

// poke asks the cloud for the current login state once, covering a
// status change that happened before the subscription was in place.
func (o *Orchestrator) poke(ctx context.Context, accountID string) {
	if _, err := o.cloud.CheckLoginStatus(ctx, accountID); err != nil {
		o.logger.Debug("initial login status check failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) setState(index int, s State, progress int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if index >= len(o.items) {
		return
	}

	o.items[index].State = s
	o.items[index].Progress = progress
}

func (o *Orchestrator) fail(index int, msg string) {
	o.mu.Lock()

	if index >= len(o.items) {
		o.mu.Unlock()
		return
	}

	item := o.items[index]
	item.State = StateFailed
	item.Err = msg
	label := item.Index + 1
	o.mu.Unlock()

	o.notifier.Notify(context.Background(), notify.SeverityError,
		fmt.Sprintf("account #%d failed", label), msg)

	o.checkAllComplete()
}

// itemByIDLocked finds the batch entry for an account id. Callers hold
// o.mu.
func (o *Orchestrator) itemByIDLocked(accountID string) *Item {
	for _, item := range o.items {
		if item.AccountID == accountID {
			return item
		}
	}

	return nil
}

// checkAllComplete advances to the done step once every account has
// reached a terminal state, with one aggregated notification.
func (o *Orchestrator) checkAllComplete() {
	o.mu.Lock()

	for _, item := range o.items {
		if !item.State.terminal() {
			o.mu.Unlock()
			return
		}
	}

	var success, failed int
	for _, item := range o.items {
		if item.State == StateSuccess {
			success++
		} else {
			failed++
		}
	}

	o.step = 2
	o.mu.Unlock()

	if success > 0 {
		msg := fmt.Sprintf("%d accounts created", success)
		if failed > 0 {
			msg = fmt.Sprintf("%d accounts created, %d failed", success, failed)
		}

		o.notifier.Notify(context.Background(), notify.SeverityInfo, "account creation complete", msg)
	}
}
