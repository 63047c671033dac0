package push

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestClient(dial DialFunc) *Client {
	return &Client{
		logger:   slog.Default(),
		dial:     dial,
		handlers: make(map[string][]Handler),
	}
}

// blockingRead parks the reader goroutine until its context is
// cancelled, simulating an idle connection.
func blockingRead(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

func TestSubscribe_DialFailure(t *testing.T) {
	c := newTestClient(func(ctx context.Context) (wsConn, error) {
		return nil, fmt.Errorf("connection refused")
	})

	ok := c.Subscribe(context.Background(), "bw-1", func(Event) {})
	assert.False(t, ok)
	assert.Equal(t, 0, c.SubscriptionCount())
}

func TestSubscribe_DispatchesToHandler(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)

	frame := []byte(`{"browserId":"bw-1","cookieStatus":"online"}`)
	gomock.InOrder(
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, frame, nil),
		mock.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead),
	)
	mock.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	c := newTestClient(func(ctx context.Context) (wsConn, error) { return mock, nil })

	got := make(chan Event, 1)
	ok := c.Subscribe(context.Background(), "bw-1", func(ev Event) { got <- ev })
	require.True(t, ok)
	defer c.UnsubscribeAll()

	select {
	case ev := <-got:
		assert.Equal(t, "bw-1", ev.AccountID)
		assert.Equal(t, "online", ev.CookieStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the event")
	}
}

func TestDispatch_PerAccountOrdering(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)

	first := []byte(`{"browserId":"bw-1","cookieStatus":"online"}`)
	second := []byte(`{"browserId":"bw-1","cookieStatus":"offline"}`)
	gomock.InOrder(
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, first, nil),
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, second, nil),
		mock.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead),
	)
	mock.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	c := newTestClient(func(ctx context.Context) (wsConn, error) { return mock, nil })

	got := make(chan string, 2)
	require.True(t, c.Subscribe(context.Background(), "bw-1", func(ev Event) {
		got <- ev.CookieStatus
	}))
	defer c.UnsubscribeAll()

	assert.Equal(t, "online", <-got)
	assert.Equal(t, "offline", <-got)
}

func TestDispatch_UnsubscribedAccountDropped(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)

	other := []byte(`{"browserId":"bw-other","cookieStatus":"online"}`)
	mine := []byte(`{"browserId":"bw-1","cookieStatus":"online"}`)
	gomock.InOrder(
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, other, nil),
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, mine, nil),
		mock.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead),
	)
	mock.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	c := newTestClient(func(ctx context.Context) (wsConn, error) { return mock, nil })

	got := make(chan Event, 2)
	require.True(t, c.Subscribe(context.Background(), "bw-1", func(ev Event) { got <- ev }))
	defer c.UnsubscribeAll()

	// The frame for the unsubscribed account must not reach the handler;
	// the next frame for bw-1 must.
	ev := <-got
	assert.Equal(t, "bw-1", ev.AccountID)

	select {
	case extra := <-got:
		t.Fatalf("unexpected extra event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_MultipleHandlersInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)

	frame := []byte(`{"browserId":"bw-1","cookieStatus":"online"}`)
	gomock.InOrder(
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, frame, nil),
		mock.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead),
	)
	mock.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	c := newTestClient(func(ctx context.Context) (wsConn, error) { return mock, nil })

	order := make(chan int, 2)
	require.True(t, c.Subscribe(context.Background(), "bw-1", func(Event) { order <- 1 }))
	require.True(t, c.Subscribe(context.Background(), "bw-1", func(Event) { order <- 2 }))
	defer c.UnsubscribeAll()

	assert.Equal(t, 1, <-order)
	assert.Equal(t, 2, <-order)
	assert.Equal(t, 1, c.SubscriptionCount())
}

func TestUnsubscribe_LastClosesConnection(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)

	mock.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead).AnyTimes()

	closed := make(chan struct{})
	mock.EXPECT().Close(websocket.StatusNormalClosure, "no subscriptions").
		DoAndReturn(func(websocket.StatusCode, string) error {
			close(closed)
			return nil
		})
	mock.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	c := newTestClient(func(ctx context.Context) (wsConn, error) { return mock, nil })

	require.True(t, c.Subscribe(context.Background(), "bw-1", func(Event) {}))
	require.True(t, c.Subscribe(context.Background(), "bw-2", func(Event) {}))

	c.Unsubscribe("bw-1")
	select {
	case <-closed:
		t.Fatal("connection closed while subscriptions remain")
	case <-time.After(50 * time.Millisecond):
	}

	c.Unsubscribe("bw-2")
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not closed after last unsubscribe")
	}

	assert.Equal(t, 0, c.SubscriptionCount())
}

func TestConnLoop_Reconnects(t *testing.T) {
	ctrl := gomock.NewController(t)

	failing := NewMockWSConn(ctrl)
	failing.EXPECT().Read(gomock.Any()).Return(websocket.MessageType(0), nil, fmt.Errorf("connection reset"))
	failing.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	stable := NewMockWSConn(ctrl)
	frame := []byte(`{"browserId":"bw-1","cookieStatus":"online"}`)
	gomock.InOrder(
		stable.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, frame, nil),
		stable.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead),
	)
	stable.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	dials := 0
	c := newTestClient(func(ctx context.Context) (wsConn, error) {
		dials++
		if dials == 1 {
			return failing, nil
		}
		return stable, nil
	})

	got := make(chan Event, 1)
	require.True(t, c.Subscribe(context.Background(), "bw-1", func(ev Event) { got <- ev }))
	defer c.UnsubscribeAll()

	// The first connection dies immediately; after backoff the client
	// redials and events flow again.
	select {
	case ev := <-got:
		assert.Equal(t, "online", ev.CookieStatus)
	case <-time.After(5 * time.Second):
		t.Fatal("no event after reconnect")
	}

	assert.Equal(t, 2, dials)
}
