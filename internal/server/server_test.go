package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/go-dm/internal/chat"
	"github.com/npezzotti/go-dm/internal/presence"
	"github.com/npezzotti/go-dm/internal/stats"
	"github.com/npezzotti/go-dm/internal/testutil"
	"github.com/npezzotti/go-dm/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type presenceCall struct {
	userId   string
	online   bool
	lastSeen time.Time
}

type fakePresenceStore struct {
	mu    sync.Mutex
	calls []presenceCall
	err   error
}

func (f *fakePresenceStore) SetUserPresence(_ context.Context, id string, online bool, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, presenceCall{userId: id, online: online, lastSeen: lastSeen})
	return f.err
}

func (f *fakePresenceStore) snapshot() []presenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presenceCall(nil), f.calls...)
}

func permissiveStats() *stats.MockStatsUpdater {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return()
	su.On("Decr", mock.Anything).Return()
	return su
}

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, svc chat.ChatService, store PresenceStore, su *stats.MockStatsUpdater) *ChatServer {
	t.Helper()

	cs, err := NewChatServer(testutil.TestLogger(t), svc, store, presence.NewTracker(), su, Options{})
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

func newTestClient(t *testing.T, cs *ChatServer, userId string) *Client {
	t.Helper()
	return NewClient(types.User{Id: userId, Name: userId}, nil, cs, testutil.TestLogger(t))
}

func receive(t *testing.T, c *Client) *ServerMessage {
	t.Helper()

	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("expected a message for user %s", c.user.Id)
		return nil
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()

	select {
	case msg := <-c.send:
		t.Errorf("expected no message for user %s, got %q", c.user.Id, msg.Event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewChatServer(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		defer su.AssertExpectations(t)
		su.On("RegisterMetric", "NumActiveClients").Return().Once()
		su.On("RegisterMetric", "NumOnlineUsers").Return().Once()

		svc := &chat.MockService{}
		cs, err := NewChatServer(testutil.TestLogger(t), svc, nil, presence.NewTracker(), su, Options{})
		require.NoError(t, err, "expected no error creating ChatServer")
		assert.Equal(t, svc, cs.svc, "expected service to be set")
		assert.Equal(t, 10.0, cs.opts.SendRate)
		assert.Equal(t, 20, cs.opts.SendBurst)
		assert.NotNil(t, cs.registerChan, "expected registerChan to be initialized")
		assert.NotNil(t, cs.deregisterChan, "expected deregisterChan to be initialized")
		assert.NotNil(t, cs.broadcastChan, "expected broadcastChan to be initialized")
		assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
		assert.NotNil(t, cs.clients, "expected clients map to be initialized")
		assert.NotNil(t, cs.userMap, "expected userMap to be initialized")
	})

	t.Run("requires tracker", func(t *testing.T) {
		_, err := NewChatServer(testutil.TestLogger(t), &chat.MockService{}, nil, nil, permissiveStats(), Options{})
		assert.Error(t, err)
	})
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, &chat.MockService{}, nil, permissiveStats())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, &chat.MockService{}, nil, permissiveStats())

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		go func() {
			select {
			case <-cs.stop:
				// never acknowledge
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("run loop not started", func(t *testing.T) {
		cs := newTestChatServer(t, &chat.MockService{}, nil, permissiveStats())

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		assert.ErrorIs(t, cs.Shutdown(ctx), context.DeadlineExceeded)
	})
}

func TestChatServerShutdown_Integration(t *testing.T) {
	store := &fakePresenceStore{}
	cs := newTestChatServer(t, &chat.MockService{}, store, permissiveStats())
	go cs.Run()

	alice := newTestClient(t, cs, "alice")
	require.NoError(t, cs.RegisterClient(alice))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	select {
	case <-alice.stop:
	default:
		t.Error("expected client to be stopped")
	}

	assert.False(t, cs.tracker.IsOnline("alice"))
	calls := store.snapshot()
	require.Len(t, calls, 2, "expected online then offline to be persisted")
	assert.True(t, calls[0].online)
	assert.False(t, calls[1].online)
	assert.False(t, calls[1].lastSeen.IsZero())

	assert.ErrorIs(t, cs.RegisterClient(newTestClient(t, cs, "bob")), ErrServerStopped)
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", "NumActiveClients").Return().Once()
	su.On("Decr", "NumActiveClients").Return().Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, &chat.MockService{}, nil, su)
	c := newTestClient(t, cs, "alice")

	cs.addClient(c)
	assert.Contains(t, cs.clients, c)
	assert.Contains(t, cs.userMap["alice"], c)

	assert.True(t, cs.removeClient(c))
	assert.NotContains(t, cs.clients, c)
	assert.NotContains(t, cs.userMap, "alice", "expected empty user channel to be dropped")

	assert.False(t, cs.removeClient(c), "expected second removal to be a no-op")
}

func Test_getClients(t *testing.T) {
	cs := newTestChatServer(t, &chat.MockService{}, nil, permissiveStats())

	a1 := newTestClient(t, cs, "alice")
	a2 := newTestClient(t, cs, "alice")
	b1 := newTestClient(t, cs, "bob")
	for _, c := range []*Client{a1, a2, b1} {
		cs.addClient(c)
	}

	assert.ElementsMatch(t, []*Client{a1, a2}, cs.getClients("alice"))
	assert.ElementsMatch(t, []*Client{b1}, cs.getClients("bob"))
	assert.Empty(t, cs.getClients("carol"))
}

func TestChatServer_handleBroadcast(t *testing.T) {
	cs := newTestChatServer(t, &chat.MockService{}, nil, permissiveStats())

	a1 := newTestClient(t, cs, "alice")
	a2 := newTestClient(t, cs, "alice")
	b1 := newTestClient(t, cs, "bob")
	c1 := newTestClient(t, cs, "carol")
	for _, c := range []*Client{a1, a2, b1, c1} {
		cs.addClient(c)
	}

	t.Run("addressed to one user", func(t *testing.T) {
		cs.handleBroadcast(&ServerMessage{Event: EventMessageNew, UserId: "alice"})

		assert.Equal(t, EventMessageNew, receive(t, a1).Event)
		assert.Equal(t, EventMessageNew, receive(t, a2).Event)
		assertNoMessage(t, b1)
		assertNoMessage(t, c1)
	})

	t.Run("skip client", func(t *testing.T) {
		cs.handleBroadcast(&ServerMessage{Event: EventMessageNew, UserId: "alice", SkipClient: a1})

		assert.Equal(t, EventMessageNew, receive(t, a2).Event)
		assertNoMessage(t, a1)
	})

	t.Run("everyone but one user", func(t *testing.T) {
		cs.handleBroadcast(&ServerMessage{Event: EventUserOnline, SkipUserId: "alice"})

		assert.Equal(t, EventUserOnline, receive(t, b1).Event)
		assert.Equal(t, EventUserOnline, receive(t, c1).Event)
		assertNoMessage(t, a1)
		assertNoMessage(t, a2)
	})

	t.Run("full channel drops", func(t *testing.T) {
		slow := newTestClient(t, cs, "dave")
		slow.send = make(chan *ServerMessage, 1)
		slow.send <- &ServerMessage{}
		cs.addClient(slow)

		cs.handleBroadcast(&ServerMessage{Event: EventMessageNew, UserId: "dave"})
		assert.Len(t, slow.send, 1)
	})
}

func TestChatServer_presenceTransitions(t *testing.T) {
	store := &fakePresenceStore{}
	cs := newTestChatServer(t, &chat.MockService{}, store, permissiveStats())
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	bob := newTestClient(t, cs, "bob")
	require.NoError(t, cs.RegisterClient(bob))

	a1 := newTestClient(t, cs, "alice")
	require.NoError(t, cs.RegisterClient(a1))

	msg := receive(t, bob)
	assert.Equal(t, EventUserOnline, msg.Event)
	assert.Equal(t, types.Presence{UserId: "alice", IsOnline: true}, msg.Data)
	assertNoMessage(t, a1)

	a2 := newTestClient(t, cs, "alice")
	require.NoError(t, cs.RegisterClient(a2))
	assertNoMessage(t, bob)
	assert.Equal(t, 2, cs.tracker.Connections("alice"))

	cs.DeregisterClient(a1)
	assertNoMessage(t, bob)
	assert.True(t, cs.tracker.IsOnline("alice"))

	cs.DeregisterClient(a2)
	msg = receive(t, bob)
	assert.Equal(t, EventUserOffline, msg.Event)
	p := msg.Data.(types.Presence)
	assert.Equal(t, "alice", p.UserId)
	assert.False(t, p.IsOnline)
	require.NotNil(t, p.LastSeen)

	cs.DeregisterClient(a2)
	assertNoMessage(t, bob)

	assert.Eventually(t, func() bool {
		var alice []presenceCall
		for _, c := range store.snapshot() {
			if c.userId == "alice" {
				alice = append(alice, c)
			}
		}
		return len(alice) == 2 && alice[0].online && alice[0].lastSeen.IsZero() &&
			!alice[1].online && alice[1].lastSeen.Equal(*p.LastSeen)
	}, time.Second, 10*time.Millisecond)
}

func TestChatServer_presencePersistFailure(t *testing.T) {
	store := &fakePresenceStore{err: errors.New("connection refused")}
	cs := newTestChatServer(t, &chat.MockService{}, store, permissiveStats())
	go cs.Run()

	bob := newTestClient(t, cs, "bob")
	require.NoError(t, cs.RegisterClient(bob))
	alice := newTestClient(t, cs, "alice")
	require.NoError(t, cs.RegisterClient(alice))

	assert.Equal(t, EventUserOnline, receive(t, bob).Event, "expected broadcast despite store failure")
	assert.True(t, cs.tracker.IsOnline("alice"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))
}

func TestChatServer_Notifier(t *testing.T) {
	cs := newTestChatServer(t, &chat.MockService{}, nil, permissiveStats())
	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		cs.Shutdown(ctx)
	})

	alice := newTestClient(t, cs, "alice")
	bob := newTestClient(t, cs, "bob")
	require.NoError(t, cs.RegisterClient(alice))
	require.NoError(t, cs.RegisterClient(bob))
	// alice sees bob come online
	receive(t, alice)

	t.Run("message created", func(t *testing.T) {
		m := types.Message{Id: 1, ConversationId: "c1", SenderId: "alice", ReceiverId: "bob", Content: "hi"}
		cs.MessageCreated(m)

		msg := receive(t, bob)
		assert.Equal(t, EventMessageNew, msg.Event)
		assert.Equal(t, m, msg.Data)
		assertNoMessage(t, alice)
	})

	t.Run("messages read", func(t *testing.T) {
		r := types.ReadReceipt{ConversationId: "c1", ReadBy: "bob", ReadAt: Now()}
		cs.MessagesRead(r, "alice")

		msg := receive(t, alice)
		assert.Equal(t, EventMessageRead, msg.Event)
		assert.Equal(t, r, msg.Data)
		assertNoMessage(t, bob)
	})

	t.Run("conversation deleted", func(t *testing.T) {
		ev := types.ConversationDeleted{ConversationId: "c1", DeletedBy: "alice"}
		cs.ConversationDeleted(ev, "bob")

		msg := receive(t, bob)
		assert.Equal(t, EventConversationDeleted, msg.Event)
		assert.Equal(t, ev, msg.Data)
	})

	t.Run("ordering", func(t *testing.T) {
		for i := 1; i <= 50; i++ {
			cs.MessageCreated(types.Message{Id: int64(i), ReceiverId: "bob"})
		}
		for i := 1; i <= 50; i++ {
			msg := receive(t, bob)
			assert.Equal(t, int64(i), msg.Data.(types.Message).Id)
		}
	})
}

func TestChatServer_broadcastAfterStop(t *testing.T) {
	cs := newTestChatServer(t, &chat.MockService{}, nil, permissiveStats())
	go cs.Run()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			cs.MessageCreated(types.Message{ReceiverId: "bob"})
		}
		cs.DeregisterClient(&Client{})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected notifier calls not to block after shutdown")
	}
}
