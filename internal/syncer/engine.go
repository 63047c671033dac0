package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/profile-sync/internal/account"
	"github.com/alexjbarnes/profile-sync/internal/browser"
	"github.com/alexjbarnes/profile-sync/internal/cloud"
	"github.com/alexjbarnes/profile-sync/internal/state"
)

// Action describes what a sync pass did for one account.
type Action string

const (
	// ActionSkip means both sides already agree (or neither side has
	// anything to offer yet).
	ActionSkip Action = "skip"

	// ActionCloudToLocal means cloud cookie material was written into
	// the local browser profile.
	ActionCloudToLocal Action = "cloud_to_local"

	// ActionLocalToCloud means local cookie material was validated and
	// registered with the cloud.
	ActionLocalToCloud Action = "local_to_cloud"
)

// SyncResult is the outcome of syncing one account.
type SyncResult struct {
	Action  Action
	Message string
	Info    *account.Info
}

// SyncedAccount records one account a full sync actually moved data for.
type SyncedAccount struct {
	AccountID string
	Nickname  string
	Action    Action
}

// FullSyncResult aggregates a full reconciliation pass.
type FullSyncResult struct {
	Total        int
	CloudToLocal int
	LocalToCloud int
	Skipped      int
	Failed       int
	Synced       []SyncedAccount
}

// NameSyncResult aggregates a batch browser-name synchronization.
type NameSyncResult struct {
	Total   int
	Updated int
	Skipped int
	Failed  int
}

// BrowserAPI is the slice of the automation host client the engine uses.
type BrowserAPI interface {
	List(ctx context.Context) ([]browser.Profile, error)
	ReadCookies(ctx context.Context, id string) ([]account.Cookie, error)
	WriteCookies(ctx context.Context, id string, cookies []account.Cookie) error
	Rename(ctx context.Context, id, name string) error
}

// CloudAPI is the slice of the cloud client the engine uses.
type CloudAPI interface {
	CheckAccountStatus(ctx context.Context, accountID string) (*cloud.AccountStatus, error)
	BatchCheckStatus(ctx context.Context, accountIDs []string) (*cloud.BatchStatus, error)
	SyncCookieFromCloud(ctx context.Context, accountID string) (*cloud.CookiePayload, error)
	AutoRegisterBrowser(ctx context.Context, accountID string, cookies []account.Cookie, method account.LoginMethod, info *account.Info) (*cloud.RegisterResult, error)
	RegisterBrowser(ctx context.Context, accountID string, cookies []account.Cookie, method account.LoginMethod, info *account.Info) error
	DeleteLinkByBrowser(ctx context.Context, accountID string) error
}

// Store is the slice of the local record store the engine uses.
type Store interface {
	Save(rec state.AccountRecord) error
	Delete(accountID string) error
}

// Engine reconciles cookie material between local browser profiles and
// the cloud. The cloud is the source of record: whenever both sides
// hold cookies and disagree, the cloud wins.
type Engine struct {
	logger  *slog.Logger
	browser BrowserAPI
	cloud   CloudAPI
	store   Store

	// FilterOwner restricts full syncs to profiles created by this
	// display name on the automation host. Empty means no filtering.
	filterOwner string

	group singleflight.Group
	now   func() time.Time
}

// NewEngine creates a sync engine. filterOwner may be empty.
func NewEngine(browserAPI BrowserAPI, cloudAPI CloudAPI, store Store, filterOwner string, logger *slog.Logger) *Engine {
	return &Engine{
		logger:      logger,
		browser:     browserAPI,
		cloud:       cloudAPI,
		store:       store,
		filterOwner: filterOwner,
		now:         time.Now,
	}
}

// SyncSingle reconciles one account. Concurrent calls for the same
// account share a single execution and its result. With force set, a
// cloud cookie always overwrites the local one regardless of
// comparison.
//
// Decision matrix (local cookie x cloud record x cloud cookie):
//
//	none  none  -     register placeholder, skip
//	none  has   none  skip (cookie will arrive by push)
//	none  has   has   cloud -> local
//	has   none  -     local -> cloud (register)
//	has   has   none  local -> cloud (update)
//	has   has   has   compare, cloud wins on mismatch
func (e *Engine) SyncSingle(ctx context.Context, accountID string, force bool) (SyncResult, error) {
	v, err, _ := e.group.Do(accountID, func() (interface{}, error) {
		return e.syncSingle(ctx, accountID, force)
	})
	if err != nil {
		return SyncResult{}, err
	}

	return v.(SyncResult), nil
}

func (e *Engine) syncSingle(ctx context.Context, accountID string, force bool) (SyncResult, error) {
	localCookies, err := e.browser.ReadCookies(ctx, accountID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("reading local cookies: %w", err)
	}

	hasLocalCookie := len(localCookies) > 0

	status, err := e.cloud.CheckAccountStatus(ctx, accountID)

	hasCloudRecord := err == nil
	if err != nil && !errors.Is(err, cloud.ErrNotFound) {
		// A transport failure is not evidence the record is missing.
		// Treating it as such would wrongly push local cookies up.
		return SyncResult{}, fmt.Errorf("checking cloud status: %w", err)
	}

	hasCloudCookie := hasCloudRecord && cloudHoldsCookie(status)

	switch {
	case !hasLocalCookie && !hasCloudRecord:
		// Register a bare placeholder so the account shows up in batch
		// status queries while it waits for a login.
		if err := e.cloud.RegisterBrowser(ctx, accountID, nil, "", nil); err != nil {
			e.logger.Warn("placeholder registration failed",
				slog.String("account_id", accountID),
				slog.String("error", err.Error()),
			)

			return SyncResult{Action: ActionSkip, Message: "waiting for login"}, nil
		}

		return SyncResult{Action: ActionSkip, Message: "placeholder registered, waiting for login"}, nil

	case !hasLocalCookie && !hasCloudCookie:
		return SyncResult{Action: ActionSkip, Message: "waiting for cloud cookie"}, nil

	case !hasLocalCookie:
		return e.syncCloudToLocal(ctx, accountID, status)

	case !hasCloudRecord, !hasCloudCookie:
		return e.syncLocalToCloud(ctx, accountID, localCookies)

	default:
		if force {
			return e.syncCloudToLocal(ctx, accountID, status)
		}

		payload, err := e.cloud.SyncCookieFromCloud(ctx, accountID)
		if err != nil {
			return SyncResult{}, fmt.Errorf("fetching cloud cookie for comparison: %w", err)
		}

		if account.CanonicalString(payload.Cookies) == account.CanonicalString(localCookies) {
			return SyncResult{Action: ActionSkip, Message: "cookies already match"}, nil
		}

		// Mismatch: the cloud is the source of record.
		return e.applyCloudPayload(ctx, accountID, status, payload)
	}
}

// syncCloudToLocal fetches the cloud's cookie material and writes it
// into the local profile.
func (e *Engine) syncCloudToLocal(ctx context.Context, accountID string, status *cloud.AccountStatus) (SyncResult, error) {
	payload, err := e.cloud.SyncCookieFromCloud(ctx, accountID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("fetching cloud cookie: %w", err)
	}

	return e.applyCloudPayload(ctx, accountID, status, payload)
}

func (e *Engine) applyCloudPayload(ctx context.Context, accountID string, status *cloud.AccountStatus, payload *cloud.CookiePayload) (SyncResult, error) {
	if len(payload.Cookies) == 0 {
		return SyncResult{}, fmt.Errorf("cloud cookie for %s is empty", accountID)
	}

	if err := e.browser.WriteCookies(ctx, accountID, payload.Cookies); err != nil {
		return SyncResult{}, fmt.Errorf("writing cookies to profile: %w", err)
	}

	info := mergeInfo(payload, status)

	now := e.now()
	rec := state.AccountRecord{
		AccountID:    accountID,
		Info:         info,
		LoginMethod:  info.LoginMethod,
		LoginTime:    now.UnixMilli(),
		UpdatedAt:    now.UnixMilli(),
		LastSyncTime: now.UnixMilli(),
	}
	if err := e.store.Save(rec); err != nil {
		e.logger.Warn("saving local record failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}

	e.logger.Info("synced cloud to local",
		slog.String("account_id", accountID),
		slog.String("nickname", info.Nickname),
	)

	return SyncResult{Action: ActionCloudToLocal, Info: &info}, nil
}

// syncLocalToCloud validates the local cookies and registers them with
// the cloud in one atomic call.
func (e *Engine) syncLocalToCloud(ctx context.Context, accountID string, localCookies []account.Cookie) (SyncResult, error) {
	method := account.DetectCookieKind(localCookies)
	formatted := account.FormatForCloud(localCookies)

	result, err := e.cloud.AutoRegisterBrowser(ctx, accountID, formatted, method, nil)
	if err != nil {
		return SyncResult{}, fmt.Errorf("registering local cookies: %w", err)
	}

	info := account.Info{Nickname: "unknown", LoginMethod: method}
	if result.AccountInfo != nil {
		info = *result.AccountInfo
		if info.LoginMethod == "" {
			info.LoginMethod = method
		}
	}

	now := e.now()
	rec := state.AccountRecord{
		AccountID:    accountID,
		Info:         info,
		LoginMethod:  method,
		LoginTime:    now.UnixMilli(),
		UpdatedAt:    now.UnixMilli(),
		LastSyncTime: now.UnixMilli(),
	}
	if err := e.store.Save(rec); err != nil {
		e.logger.Warn("saving local record failed",
			slog.String("account_id", accountID),
			slog.String("error", err.Error()),
		)
	}

	e.logger.Info("synced local to cloud",
		slog.String("account_id", accountID),
		slog.String("nickname", info.Nickname),
		slog.String("login_method", string(method)),
	)

	return SyncResult{Action: ActionLocalToCloud, Info: &info}, nil
}

// FullSync reconciles every local profile, applying the owner filter
// when one is configured. Individual failures are counted, not fatal.
func (e *Engine) FullSync(ctx context.Context) (FullSyncResult, error) {
	var result FullSyncResult

	profiles, err := e.browser.List(ctx)
	if err != nil {
		return result, fmt.Errorf("listing profiles: %w", err)
	}

	for _, p := range profiles {
		if e.filterOwner != "" && p.CreatedBy != e.filterOwner {
			continue
		}

		result.Total++

		sr, err := e.SyncSingle(ctx, p.ID, false)
		if err != nil {
			e.logger.Warn("sync failed",
				slog.String("account_id", p.ID),
				slog.String("error", err.Error()),
			)
			result.Failed++

			continue
		}

		switch sr.Action {
		case ActionSkip:
			result.Skipped++
		case ActionCloudToLocal:
			result.CloudToLocal++
		case ActionLocalToCloud:
			result.LocalToCloud++
		}

		if sr.Action != ActionSkip {
			nickname := p.Name
			if sr.Info != nil && sr.Info.Nickname != "" {
				nickname = sr.Info.Nickname
			}

			result.Synced = append(result.Synced, SyncedAccount{
				AccountID: p.ID,
				Nickname:  nickname,
				Action:    sr.Action,
			})
		}
	}

	e.logger.Info("full sync complete",
		slog.Int("total", result.Total),
		slog.Int("cloud_to_local", result.CloudToLocal),
		slog.Int("local_to_cloud", result.LocalToCloud),
		slog.Int("skipped", result.Skipped),
		slog.Int("failed", result.Failed),
	)

	return result, nil
}

// SyncBrowserNames renames local profiles whose names have drifted from
// the cloud nickname. Comparison is NFC-normalized so visually
// identical names never trigger a rename.
func (e *Engine) SyncBrowserNames(ctx context.Context, accountIDs []string) (NameSyncResult, error) {
	result := NameSyncResult{Total: len(accountIDs)}

	if len(accountIDs) == 0 {
		return result, nil
	}

	batch, err := e.cloud.BatchCheckStatus(ctx, accountIDs)
	if err != nil {
		result.Failed = len(accountIDs)
		return result, fmt.Errorf("fetching cloud statuses: %w", err)
	}

	profiles, err := e.browser.List(ctx)
	if err != nil {
		result.Failed = len(accountIDs)
		return result, fmt.Errorf("listing profiles: %w", err)
	}

	byID := make(map[string]browser.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	for _, id := range accountIDs {
		status, inCloud := batch.Accounts[id]
		profile, local := byID[id]

		if !inCloud || !local || status.AccountInfo == nil || status.AccountInfo.Nickname == "" {
			result.Skipped++
			continue
		}

		cloudName := norm.NFC.String(status.AccountInfo.Nickname)
		localName := norm.NFC.String(profile.Name)

		if cloudName == localName {
			result.Skipped++
			continue
		}

		if err := e.browser.Rename(ctx, id, status.AccountInfo.Nickname); err != nil {
			e.logger.Warn("renaming profile failed",
				slog.String("account_id", id),
				slog.String("error", err.Error()),
			)
			result.Failed++

			continue
		}

		e.logger.Info("profile renamed",
			slog.String("account_id", id),
			slog.String("old", profile.Name),
			slog.String("new", status.AccountInfo.Nickname),
		)
		result.Updated++
	}

	return result, nil
}

// DeleteAccount removes the local record and the cloud link for an
// account. The browser profile itself is the caller's responsibility.
func (e *Engine) DeleteAccount(ctx context.Context, accountID string) error {
	if err := e.store.Delete(accountID); err != nil {
		return fmt.Errorf("deleting local record: %w", err)
	}

	if err := e.cloud.DeleteLinkByBrowser(ctx, accountID); err != nil {
		return fmt.Errorf("deleting cloud link: %w", err)
	}

	return nil
}

// cloudHoldsCookie reports whether the cloud record carries usable
// cookie material. Online status is definitive; a populated account
// info implies a completed login even when the status has lapsed.
func cloudHoldsCookie(status *cloud.AccountStatus) bool {
	if status.CookieStatus == string(account.StatusOnline) {
		return true
	}

	return status.AccountInfo != nil &&
		status.AccountInfo.Nickname != "" &&
		status.AccountInfo.LoginMethod != ""
}

// mergeInfo builds display info from a sync payload, falling back to
// the status record's fields.
func mergeInfo(payload *cloud.CookiePayload, status *cloud.AccountStatus) account.Info {
	info := account.Info{
		Nickname:    payload.Nickname,
		Avatar:      payload.Avatar,
		LoginMethod: account.LoginMethod(payload.LoginMethod),
	}

	if status != nil && status.AccountInfo != nil {
		if info.Nickname == "" {
			info.Nickname = status.AccountInfo.Nickname
		}

		if info.Avatar == "" {
			info.Avatar = status.AccountInfo.Avatar
		}

		if info.LoginMethod == "" {
			info.LoginMethod = status.AccountInfo.LoginMethod
		}

		info.WechatID = status.AccountInfo.WechatID
		info.FinderUsername = status.AccountInfo.FinderUsername
		info.Appuin = status.AccountInfo.Appuin
	}

	if info.Nickname == "" {
		info.Nickname = "unknown"
	}

	if info.LoginMethod == "" {
		info.LoginMethod = account.MethodChannels
	}

	return info
}
