package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dm/internal/auth"
	"github.com/npezzotti/go-dm/internal/chat"
	"github.com/npezzotti/go-dm/internal/config"
	"github.com/npezzotti/go-dm/internal/database"
	"github.com/npezzotti/go-dm/internal/message"
	"github.com/npezzotti/go-dm/internal/presence"
	"github.com/npezzotti/go-dm/internal/server"
	"github.com/npezzotti/go-dm/internal/stats"
	"github.com/npezzotti/go-dm/internal/testutil"
	"github.com/npezzotti/go-dm/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("test-signing-key")

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:     "localhost:0",
		SigningKey:     testSigningKey,
		AllowedOrigins: []string{"http://localhost:3000"},
		TokenTTL:       time.Hour,
		RateLimit:      1000,
		RateBurst:      1000,
		SendRate:       100,
		SendBurst:      100,
	}
}

type testApp struct {
	app     *ChatApp
	srv     *httptest.Server
	repo    *database.MemoryChatRepository
	tracker *presence.Tracker
	cs      *server.ChatServer
	authn   *auth.Authenticator
	alice   database.User
	bob     database.User
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	ctx := context.Background()
	logger := testutil.TestLogger(t)
	cfg := testConfig()

	ta := &testApp{
		repo:    database.NewMemoryChatRepository(),
		tracker: presence.NewTracker(),
	}

	hash, err := auth.HashPassword("password1")
	require.NoError(t, err)
	ta.alice, err = ta.repo.CreateUser(ctx, database.CreateUserParams{Name: "Alice", Email: "alice@example.com", PasswordHash: hash})
	require.NoError(t, err)
	ta.bob, err = ta.repo.CreateUser(ctx, database.CreateUserParams{Name: "Bob", Email: "bob@example.com", PasswordHash: hash})
	require.NoError(t, err)

	mux := http.NewServeMux()
	su := stats.NewStatsUpdater(mux)
	svc := chat.NewService(ta.repo, ta.tracker, su, logger)
	ta.cs, err = server.NewChatServer(logger, svc, ta.repo, ta.tracker, su, server.Options{SendRate: cfg.SendRate, SendBurst: cfg.SendBurst})
	require.NoError(t, err)
	svc.SetNotifier(ta.cs)
	go ta.cs.Run()

	ta.authn = auth.NewAuthenticator(cfg.SigningKey, cfg.TokenTTL, ta.repo, nil, logger)
	ta.app = NewChatApp(mux, logger, ta.cs, svc, ta.authn, su, map[string]HealthChecker{"database": ta.repo}, cfg)
	ta.srv = httptest.NewServer(ta.app.Handler())

	t.Cleanup(func() {
		ta.srv.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ta.cs.Shutdown(shutdownCtx)
	})

	return ta
}

func (ta *testApp) token(t *testing.T, u database.User) string {
	t.Helper()
	token, err := ta.authn.IssueToken(u.Id)
	require.NoError(t, err)
	return token
}

func (ta *testApp) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, ta.srv.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ta.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (ta *testApp) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ta.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type wsEvent struct {
	Id    int             `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) (wsEvent, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	var ev wsEvent
	err := conn.ReadJSON(&ev)
	return ev, err
}

func TestNewChatApp(t *testing.T) {
	logger := testutil.TestLogger(t)
	cfg := testConfig()
	svc := &chat.MockService{}

	app := NewChatApp(http.NewServeMux(), logger, nil, svc, nil, nil, nil, cfg)

	assert.NotNil(t, app.Handler(), "expected handler to be initialized")
	assert.NotNil(t, app.srv, "expected http server to be initialized")
	assert.NotNil(t, app.limiter, "expected rate limiter to be initialized")
	assert.Equal(t, svc, app.svc, "expected service to be set")
	assert.Equal(t, cfg.ServerAddr, app.srv.Addr, "expected server address to match config")
	assert.Equal(t, cfg.AllowedOrigins, app.allowedOrigins)
}

func TestChatApp_EndToEnd(t *testing.T) {
	ta := newTestApp(t)
	aliceToken := ta.token(t, ta.alice)
	bobToken := ta.token(t, ta.bob)

	bobConn := ta.dial(t, bobToken)
	require.Eventually(t, func() bool { return ta.tracker.IsOnline(ta.bob.Id) }, time.Second, 10*time.Millisecond)

	status, body := ta.do(t, http.MethodPost, "/api/conversations", aliceToken, CreateConversationRequest{UserId: ta.bob.Id})
	require.Equal(t, http.StatusCreated, status, string(body))
	var created CreateConversationResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.True(t, created.IsNew)
	assert.Equal(t, ta.bob.Id, created.Conversation.OtherUser.Id)
	assert.True(t, created.Conversation.OtherUser.IsOnline, "expected live presence on the projected user")

	status, body = ta.do(t, http.MethodPost, "/api/conversations", aliceToken, CreateConversationRequest{UserId: ta.bob.Id})
	require.Equal(t, http.StatusOK, status, string(body))
	var found CreateConversationResponse
	require.NoError(t, json.Unmarshal(body, &found))
	assert.False(t, found.IsNew)
	assert.Equal(t, created.Conversation.Id, found.Conversation.Id)

	convId := created.Conversation.Id
	status, body = ta.do(t, http.MethodPost, "/api/conversations/"+convId+"/messages", aliceToken, SendMessageRequest{Content: "hello"})
	require.Equal(t, http.StatusCreated, status, string(body))
	var sent SendMessageResponse
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, "hello", sent.Message.Content)
	assert.Equal(t, ta.bob.Id, sent.Message.ReceiverId)

	status, body = ta.do(t, http.MethodGet, "/api/conversations", bobToken, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var bobConvs []types.Conversation
	require.NoError(t, json.Unmarshal(body, &bobConvs))
	require.Len(t, bobConvs, 1)
	assert.Equal(t, 1, bobConvs[0].UnreadCount)
	require.NotNil(t, bobConvs[0].LastMessage)
	assert.Equal(t, "hello", bobConvs[0].LastMessage.Content)

	ev, err := readEvent(t, bobConn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, server.EventMessageNew, ev.Event)
	var delivered types.Message
	require.NoError(t, json.Unmarshal(ev.Data, &delivered))
	assert.Equal(t, "hello", delivered.Content)
	assert.Equal(t, sent.Message.Id, delivered.Id)

	_, err = readEvent(t, bobConn, 100*time.Millisecond)
	assert.Error(t, err, "expected exactly one message:new")

	// a timed-out read leaves the connection unusable
	bobConn = ta.dial(t, bobToken)
	require.NoError(t, bobConn.WriteJSON(map[string]any{
		"id":    1,
		"event": server.EventMessageRead,
		"data":  map[string]any{"conversationId": convId},
	}))

	require.Eventually(t, func() bool {
		status, body := ta.do(t, http.MethodGet, "/api/conversations/"+convId+"/messages", aliceToken, nil)
		if status != http.StatusOK {
			return false
		}
		var page types.MessagePage
		if err := json.Unmarshal(body, &page); err != nil || len(page.Messages) != 1 {
			return false
		}
		return page.Messages[0].IsRead
	}, 2*time.Second, 20*time.Millisecond, "expected alice to see the message as read")

	status, body = ta.do(t, http.MethodGet, "/api/conversations", bobToken, nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &bobConvs))
	assert.Equal(t, 0, bobConvs[0].UnreadCount)
}

func TestChatApp_RealtimeSend(t *testing.T) {
	ta := newTestApp(t)

	aliceConn := ta.dial(t, ta.token(t, ta.alice))
	require.Eventually(t, func() bool { return ta.tracker.IsOnline(ta.alice.Id) }, time.Second, 10*time.Millisecond)
	bobConn := ta.dial(t, ta.token(t, ta.bob))

	ev, err := readEvent(t, aliceConn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, server.EventUserOnline, ev.Event)

	require.NoError(t, bobConn.WriteJSON(map[string]any{
		"id":    5,
		"event": server.EventMessageSend,
		"data":  map[string]any{"receiverId": ta.alice.Id, "content": "  hi there  "},
	}))

	ack, err := readEvent(t, bobConn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, server.EventMessageSent, ack.Event)
	assert.Equal(t, 5, ack.Id)

	ev, err = readEvent(t, aliceConn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, server.EventMessageNew, ev.Event)
	var msg types.Message
	require.NoError(t, json.Unmarshal(ev.Data, &msg))
	assert.Equal(t, "hi there", msg.Content)
	assert.Equal(t, ta.bob.Id, msg.SenderId)

	require.NoError(t, bobConn.WriteJSON(map[string]any{
		"id":    6,
		"event": server.EventMessageSend,
		"data":  map[string]any{"conversationId": msg.ConversationId, "content": "   "},
	}))
	errEv, err := readEvent(t, bobConn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, server.EventMessageError, errEv.Event)
	assert.Equal(t, 6, errEv.Id)

	_, err = readEvent(t, aliceConn, 100*time.Millisecond)
	assert.Error(t, err, "expected rejected send not to reach the recipient")
}

func TestChatApp_RealtimeSendMaxLength(t *testing.T) {
	ta := newTestApp(t)
	aliceConn := ta.dial(t, ta.token(t, ta.alice))

	tcases := []struct {
		name string
		char string
	}{
		{name: "two byte runes", char: "é"},
		{name: "four byte runes", char: "😀"},
		{name: "escaped on the wire", char: "<"},
	}

	for i, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			content := strings.Repeat(tc.char, message.MaxContentLength)
			require.NoError(t, aliceConn.WriteJSON(map[string]any{
				"id":    i + 1,
				"event": server.EventMessageSend,
				"data":  map[string]any{"receiverId": ta.bob.Id, "content": content},
			}))

			ack, err := readEvent(t, aliceConn, 2*time.Second)
			require.NoError(t, err, "expected the connection to stay open")
			require.Equal(t, server.EventMessageSent, ack.Event)
			assert.Equal(t, i+1, ack.Id)

			var msg types.Message
			require.NoError(t, json.Unmarshal(ack.Data, &msg))
			assert.Equal(t, content, msg.Content)
		})
	}

	assert.True(t, ta.tracker.IsOnline(ta.alice.Id))
}

func TestChatApp_WebsocketAuth(t *testing.T) {
	ta := newTestApp(t)
	wsURL := "ws" + strings.TrimPrefix(ta.srv.URL, "http") + "/ws"

	tcases := []struct {
		name    string
		url     string
		header  http.Header
		success bool
	}{
		{name: "no credentials", url: wsURL},
		{name: "invalid token", url: wsURL + "?token=garbage"},
		{name: "query token", url: wsURL + "?token=" + ta.token(t, ta.alice), success: true},
		{
			name:    "bearer header",
			url:     wsURL,
			header:  http.Header{"Authorization": []string{"Bearer " + ta.token(t, ta.alice)}},
			success: true,
		},
		{
			name:    "cookie",
			url:     wsURL,
			header:  http.Header{"Cookie": []string{tokenCookieKey + "=" + ta.token(t, ta.alice)}},
			success: true,
		},
		{
			name:   "disallowed origin",
			url:    wsURL + "?token=" + ta.token(t, ta.alice),
			header: http.Header{"Origin": []string{"http://evil.example"}},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(tc.url, tc.header)
			if tc.success {
				require.NoError(t, err)
				conn.Close()
				return
			}

			require.Error(t, err)
			require.NotNil(t, resp)
			assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
		})
	}

	t.Run("unauthenticated is 401", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestChatApp_Healthz(t *testing.T) {
	ta := newTestApp(t)

	status, body := ta.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestChatApp_Metrics(t *testing.T) {
	ta := newTestApp(t)

	status, _ := ta.do(t, http.MethodGet, "/api/auth/me", ta.token(t, ta.alice), nil)
	require.Equal(t, http.StatusOK, status)

	status, body := ta.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `godm_http_requests_total{method="GET",path="GET /api/auth/me",status="200"}`)
	assert.Contains(t, string(body), "godm_num_active_clients")
}

func TestChatApp_Login(t *testing.T) {
	ta := newTestApp(t)

	status, body := ta.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: "alice@example.com", Password: "password1"})
	require.Equal(t, http.StatusOK, status, string(body))
	var lr LoginResponse
	require.NoError(t, json.Unmarshal(body, &lr))
	assert.Equal(t, ta.alice.Id, lr.User.Id)
	assert.NotEmpty(t, lr.Token)

	status, body = ta.do(t, http.MethodGet, "/api/auth/me", lr.Token, nil)
	require.Equal(t, http.StatusOK, status)
	var me types.User
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "alice@example.com", me.Email)

	status, _ = ta.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Email: "alice@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = ta.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Password: "password1"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), `"fields":{"email"`)
}
