package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/profile-sync/internal/account"
	"github.com/alexjbarnes/profile-sync/internal/browser"
	"github.com/alexjbarnes/profile-sync/internal/cloud"
	"github.com/alexjbarnes/profile-sync/internal/state"
)

type fakeBrowser struct {
	mu       sync.Mutex
	profiles []browser.Profile
	cookies  map[string][]account.Cookie
	written  map[string][]account.Cookie
	renamed  map[string]string

	readCalls int32
	readGate  chan struct{}
}

func (f *fakeBrowser) List(context.Context) ([]browser.Profile, error) {
	return f.profiles, nil
}

func (f *fakeBrowser) ReadCookies(_ context.Context, id string) ([]account.Cookie, error) {
	atomic.AddInt32(&f.readCalls, 1)

	if f.readGate != nil {
		<-f.readGate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.cookies[id], nil
}

func (f *fakeBrowser) WriteCookies(_ context.Context, id string, cookies []account.Cookie) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.written == nil {
		f.written = make(map[string][]account.Cookie)
	}

	f.written[id] = cookies

	return nil
}

func (f *fakeBrowser) Rename(_ context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.renamed == nil {
		f.renamed = make(map[string]string)
	}

	f.renamed[id] = name

	return nil
}

type fakeCloud struct {
	mu             sync.Mutex
	statuses       map[string]*cloud.AccountStatus
	statusErr      error
	payloads       map[string]*cloud.CookiePayload
	batch          *cloud.BatchStatus
	registered     []string
	autoRegistered []string
	deletedLinks   []string
}

func (f *fakeCloud) CheckAccountStatus(_ context.Context, id string) (*cloud.AccountStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}

	status, ok := f.statuses[id]
	if !ok {
		return nil, cloud.ErrNotFound
	}

	return status, nil
}

func (f *fakeCloud) BatchCheckStatus(_ context.Context, ids []string) (*cloud.BatchStatus, error) {
	if f.batch == nil {
		return &cloud.BatchStatus{Accounts: map[string]cloud.AccountStatus{}}, nil
	}

	return f.batch, nil
}

func (f *fakeCloud) SyncCookieFromCloud(_ context.Context, id string) (*cloud.CookiePayload, error) {
	payload, ok := f.payloads[id]
	if !ok {
		return nil, cloud.ErrNotFound
	}

	return payload, nil
}

func (f *fakeCloud) AutoRegisterBrowser(_ context.Context, id string, cookies []account.Cookie, method account.LoginMethod, _ *account.Info) (*cloud.RegisterResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.autoRegistered = append(f.autoRegistered, id)

	return &cloud.RegisterResult{
		AccountID:    id,
		CookieStatus: "online",
		AccountInfo:  &account.Info{Nickname: "Registered", LoginMethod: method},
	}, nil
}

func (f *fakeCloud) RegisterBrowser(_ context.Context, id string, _ []account.Cookie, _ account.LoginMethod, _ *account.Info) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.registered = append(f.registered, id)

	return nil
}

func (f *fakeCloud) DeleteLinkByBrowser(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.deletedLinks = append(f.deletedLinks, id)

	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	recs    map[string]state.AccountRecord
	deleted []string
}

func (f *fakeStore) Get(id string) (*state.AccountRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, ok := f.recs[id]
	if !ok {
		return nil, nil
	}

	return &rec, nil
}

func (f *fakeStore) Save(rec state.AccountRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.recs == nil {
		f.recs = make(map[string]state.AccountRecord)
	}

	f.recs[rec.AccountID] = rec

	return nil
}

func (f *fakeStore) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.recs, id)
	f.deleted = append(f.deleted, id)

	return nil
}

func newTestEngine(b *fakeBrowser, c *fakeCloud, s *fakeStore, filterOwner string) *Engine {
	if b.cookies == nil {
		b.cookies = make(map[string][]account.Cookie)
	}

	e := NewEngine(b, c, s, filterOwner, slog.Default())
	e.now = func() time.Time { return time.Unix(1700000000, 0) }

	return e
}

var (
	channelsCookies = []account.Cookie{
		{Name: "sessionid", Value: "X", Domain: ".weixin.qq.com"},
		{Name: "wxuin", Value: "Y", Domain: ".weixin.qq.com"},
	}
	onlineStatus = &cloud.AccountStatus{
		CookieStatus: "online",
		AccountInfo:  &account.Info{Nickname: "Shop42", LoginMethod: account.MethodChannels},
	}
)

func TestSyncSingle_NothingAnywhere_RegistersPlaceholder(t *testing.T) {
	b := &fakeBrowser{}
	c := &fakeCloud{}
	s := &fakeStore{}
	e := newTestEngine(b, c, s, "")

	res, err := e.SyncSingle(context.Background(), "bw-1", false)
	require.NoError(t, err)

	assert.Equal(t, ActionSkip, res.Action)
	assert.Equal(t, []string{"bw-1"}, c.registered)
}

func TestSyncSingle_CloudRecordWithoutCookie_Waits(t *testing.T) {
	b := &fakeBrowser{}
	c := &fakeCloud{statuses: map[string]*cloud.AccountStatus{
		"bw-1": {CookieStatus: "pending"},
	}}
	e := newTestEngine(b, c, &fakeStore{}, "")

	res, err := e.SyncSingle(context.Background(), "bw-1", false)
	require.NoError(t, err)

	assert.Equal(t, ActionSkip, res.Action)
	assert.Empty(t, c.registered)
	assert.Empty(t, b.written)
}

func TestSyncSingle_CloudToLocal(t *testing.T) {
	b := &fakeBrowser{}
	c := &fakeCloud{
		statuses: map[string]*cloud.AccountStatus{"bw-1": onlineStatus},
		payloads: map[string]*cloud.CookiePayload{
			"bw-1": {Cookies: channelsCookies, Nickname: "Shop42", LoginMethod: "channels_helper"},
		},
	}
	s := &fakeStore{}
	e := newTestEngine(b, c, s, "")

	res, err := e.SyncSingle(context.Background(), "bw-1", false)
	require.NoError(t, err)

	assert.Equal(t, ActionCloudToLocal, res.Action)
	assert.Equal(t, channelsCookies, b.written["bw-1"])

	rec, err := s.Get("bw-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Shop42", rec.Info.Nickname)
	assert.Equal(t, account.MethodChannels, rec.LoginMethod)
}

func TestSyncSingle_LocalToCloud_NoCloudRecord(t *testing.T) {
	b := &fakeBrowser{cookies: map[string][]account.Cookie{"bw-1": channelsCookies}}
	c := &fakeCloud{}
	s := &fakeStore{}
	e := newTestEngine(b, c, s, "")

	res, err := e.SyncSingle(context.Background(), "bw-1", false)
	require.NoError(t, err)

	assert.Equal(t, ActionLocalToCloud, res.Action)
	assert.Equal(t, []string{"bw-1"}, c.autoRegistered)

	rec, err := s.Get("bw-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, account.MethodChannels, rec.LoginMethod)
}

func TestSyncSingle_LocalToCloud_CloudRecordWithoutCookie(t *testing.T) {
	b := &fakeBrowser{cookies: map[string][]account.Cookie{"bw-1": channelsCookies}}
	c := &fakeCloud{statuses: map[string]*cloud.AccountStatus{
		"bw-1": {CookieStatus: "pending"},
	}}
	e := newTestEngine(b, c, &fakeStore{}, "")

	res, err := e.SyncSingle(context.Background(), "bw-1", false)
	require.NoError(t, err)

	assert.Equal(t, ActionLocalToCloud, res.Action)
}

func TestSyncSingle_BothSidesMatch_Skips(t *testing.T) {
	// Same pairs in a different order still count as matching.
	reordered := []account.Cookie{channelsCookies[1], channelsCookies[0]}

	b := &fakeBrowser{cookies: map[string][]account.Cookie{"bw-1": reordered}}
	c := &fakeCloud{
		statuses: map[string]*cloud.AccountStatus{"bw-1": onlineStatus},
		payloads: map[string]*cloud.CookiePayload{"bw-1": {Cookies: channelsCookies}},
	}
	e := newTestEngine(b, c, &fakeStore{}, "")

	res, err := e.SyncSingle(context.Background(), "bw-1", false)
	require.NoError(t, err)

	assert.Equal(t, ActionSkip, res.Action)
	assert.Empty(t, b.written)
}

func TestSyncSingle_BothSidesDiffer_CloudWins(t *testing.T) {
	stale := []account.Cookie{{Name: "sessionid", Value: "OLD"}}

	b := &fakeBrowser{cookies: map[string][]account.Cookie{"bw-1": stale}}
	c := &fakeCloud{
		statuses: map[string]*cloud.AccountStatus{"bw-1": onlineStatus},
		payloads: map[string]*cloud.CookiePayload{"bw-1": {Cookies: channelsCookies, Nickname: "Shop42"}},
	}
	e := newTestEngine(b, c, &fakeStore{}, "")

	res, err := e.SyncSingle(context.Background(), "bw-1", false)
	require.NoError(t, err)

	assert.Equal(t, ActionCloudToLocal, res.Action)
	assert.Equal(t, channelsCookies, b.written["bw-1"])
}

func TestSyncSingle_Force_AlwaysPulls(t *testing.T) {
	b := &fakeBrowser{cookies: map[string][]account.Cookie{"bw-1": channelsCookies}}
	c := &fakeCloud{
		statuses: map[string]*cloud.AccountStatus{"bw-1": onlineStatus},
		payloads: map[string]*cloud.CookiePayload{"bw-1": {Cookies: channelsCookies}},
	}
	e := newTestEngine(b, c, &fakeStore{}, "")

	res, err := e.SyncSingle(context.Background(), "bw-1", true)
	require.NoError(t, err)

	assert.Equal(t, ActionCloudToLocal, res.Action)
	assert.Equal(t, channelsCookies, b.written["bw-1"])
}

func TestSyncSingle_StatusTransportError_Fails(t *testing.T) {
	// A transport failure must not be read as "record missing" or local
	// cookies would wrongly overwrite the cloud.
	b := &fakeBrowser{cookies: map[string][]account.Cookie{"bw-1": channelsCookies}}
	c := &fakeCloud{statusErr: &cloud.TransientError{Err: fmt.Errorf("gateway timeout")}}
	e := newTestEngine(b, c, &fakeStore{}, "")

	_, err := e.SyncSingle(context.Background(), "bw-1", false)
	require.Error(t, err)
	assert.Empty(t, c.autoRegistered)
}

func TestSyncSingle_ConcurrentCallsShareExecution(t *testing.T) {
	gate := make(chan struct{})
	b := &fakeBrowser{readGate: gate}
	c := &fakeCloud{statuses: map[string]*cloud.AccountStatus{
		"bw-1": {CookieStatus: "pending"},
	}}
	e := newTestEngine(b, c, &fakeStore{}, "")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			res, err := e.SyncSingle(context.Background(), "bw-1", false)
			assert.NoError(t, err)
			assert.Equal(t, ActionSkip, res.Action)
		}()
	}

	// Let the calls pile up on the gate, then release.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&b.readCalls))
}

func TestFullSync_AggregatesAndFiltersOwner(t *testing.T) {
	b := &fakeBrowser{
		profiles: []browser.Profile{
			{ID: "bw-1", Name: "one", CreatedBy: "me"},
			{ID: "bw-2", Name: "two", CreatedBy: "me"},
			{ID: "bw-3", Name: "three", CreatedBy: "someone else"},
		},
		cookies: map[string][]account.Cookie{"bw-2": channelsCookies},
	}
	c := &fakeCloud{
		statuses: map[string]*cloud.AccountStatus{"bw-1": onlineStatus},
		payloads: map[string]*cloud.CookiePayload{
			"bw-1": {Cookies: channelsCookies, Nickname: "Shop42"},
		},
	}
	e := newTestEngine(b, c, &fakeStore{}, "me")

	res, err := e.FullSync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.CloudToLocal)
	assert.Equal(t, 1, res.LocalToCloud)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 0, res.Failed)
	assert.Len(t, res.Synced, 2)
}

func TestSyncBrowserNames(t *testing.T) {
	b := &fakeBrowser{profiles: []browser.Profile{
		{ID: "bw-1", Name: "old name"},
		{ID: "bw-2", Name: "Shop42"},
	}}
	c := &fakeCloud{batch: &cloud.BatchStatus{Accounts: map[string]cloud.AccountStatus{
		"bw-1": {AccountInfo: &account.Info{Nickname: "Shop42"}},
		"bw-2": {AccountInfo: &account.Info{Nickname: "Shop42"}},
	}}}
	e := newTestEngine(b, c, &fakeStore{}, "")

	res, err := e.SyncBrowserNames(context.Background(), []string{"bw-1", "bw-2", "bw-3"})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, "Shop42", b.renamed["bw-1"])
	assert.NotContains(t, b.renamed, "bw-2")
}

func TestSyncBrowserNames_UnicodeNormalization(t *testing.T) {
	// "é" precomposed vs combining form: visually identical names must
	// not trigger a rename.
	b := &fakeBrowser{profiles: []browser.Profile{
		{ID: "bw-1", Name: "café"},
	}}
	c := &fakeCloud{batch: &cloud.BatchStatus{Accounts: map[string]cloud.AccountStatus{
		"bw-1": {AccountInfo: &account.Info{Nickname: "café"}},
	}}}
	e := newTestEngine(b, c, &fakeStore{}, "")

	res, err := e.SyncBrowserNames(context.Background(), []string{"bw-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, b.renamed)
}

func TestDeleteAccount(t *testing.T) {
	s := &fakeStore{recs: map[string]state.AccountRecord{
		"bw-1": {AccountID: "bw-1"},
	}}
	c := &fakeCloud{}
	e := newTestEngine(&fakeBrowser{}, c, s, "")

	require.NoError(t, e.DeleteAccount(context.Background(), "bw-1"))

	assert.Equal(t, []string{"bw-1"}, s.deleted)
	assert.Equal(t, []string{"bw-1"}, c.deletedLinks)
}
