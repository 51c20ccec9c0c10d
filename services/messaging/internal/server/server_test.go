package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"flownote/internal/ratelimit"
	"flownote/internal/usertoken"
	"flownote/pkg/domain"
	"flownote/pkg/feed"
	"flownote/pkg/storage"
	"flownote/pkg/store"
	"flownote/services/messaging/internal/app"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	srv    *httptest.Server
	server *Server
	tokens map[string]string
}

func newTestServer(t *testing.T, limiter *ratelimit.FixedWindowLimiter) testServer {
	t.Helper()
	ctx := context.Background()
	data := store.NewMemoryStore()
	users := []domain.User{
		{ID: "alice", Email: "alice@example.com", Name: "Alice", Role: domain.RoleTeacher, SchoolID: "s1"},
		{ID: "bob", Email: "bob@example.com", Name: "Bob", Role: domain.RoleParent, SchoolID: "s1"},
		{ID: "carol", Email: "carol@example.com", Name: "Carol", Role: domain.RoleParent, SchoolID: "s1"},
	}
	for _, u := range users {
		if err := data.SaveUser(ctx, u); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	a, err := app.New(app.Config{Store: data, Objects: storage.NewMemoryStore(), Feed: feed.NewMemoryFeed(nil)})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	tokens, err := usertoken.NewManager(usertoken.Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}
	s, err := New(Config{App: a, Tokens: tokens, SendLimiter: limiter})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := testServer{srv: httptest.NewServer(s.Router()), server: s, tokens: map[string]string{}}
	t.Cleanup(ts.srv.Close)
	for _, u := range users {
		token, err := tokens.Issue(u)
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		ts.tokens[u.ID] = token
	}
	return ts
}

func (ts testServer) do(t *testing.T, user, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[user])
	}
	return ts.send(t, req)
}

func (ts testServer) send(t *testing.T, req *http.Request) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndAuth(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, _ := ts.do(t, "", http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	resp, body := ts.do(t, "", http.MethodGet, "/conversations", nil)
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401 UNAUTHORIZED, got %d %v", resp.StatusCode, body)
	}
	if body["requestId"] == "" || body["requestId"] != resp.Header.Get("X-Request-Id") {
		t.Fatalf("error body should carry the request id, got %v", body["requestId"])
	}
}

func TestConversationFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, "alice", http.MethodPost, "/conversations", map[string]string{"participantId": "bob"})
	if resp.StatusCode != http.StatusOK || body["id"] != "alice_bob" {
		t.Fatalf("start conversation: %d %v", resp.StatusCode, body)
	}
	resp, body = ts.do(t, "alice", http.MethodPost, "/conversations/alice_bob/messages", map[string]string{"content": "Hello"})
	if resp.StatusCode != http.StatusCreated || body["content"] != "Hello" {
		t.Fatalf("send: %d %v", resp.StatusCode, body)
	}
	if readBy, _ := body["readBy"].([]any); len(readBy) != 1 || readBy[0] != "alice" {
		t.Fatalf("unexpected readBy %v", body["readBy"])
	}

	_, body = ts.do(t, "bob", http.MethodGet, "/conversations/alice_bob/unread", nil)
	if body["unreadCount"] != float64(1) {
		t.Fatalf("bob unread: %v", body)
	}
	_, body = ts.do(t, "bob", http.MethodGet, "/conversations", nil)
	items, _ := body["items"].([]any)
	if body["count"] != float64(1) || len(items) != 1 {
		t.Fatalf("list: %v", body)
	}
	summary := items[0].(map[string]any)
	if summary["unreadCount"] != float64(1) || summary["id"] != "alice_bob" {
		t.Fatalf("unexpected summary %v", summary)
	}

	_, body = ts.do(t, "bob", http.MethodPost, "/conversations/alice_bob/read", nil)
	if body["updated"] != float64(1) {
		t.Fatalf("mark read: %v", body)
	}
	_, body = ts.do(t, "bob", http.MethodPost, "/conversations/alice_bob/read", nil)
	if body["updated"] != float64(0) {
		t.Fatalf("second mark read should update nothing: %v", body)
	}
	_, body = ts.do(t, "bob", http.MethodGet, "/conversations/alice_bob/messages?limit=10", nil)
	if body["count"] != float64(1) {
		t.Fatalf("messages: %v", body)
	}
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, "alice", http.MethodPost, "/conversations", map[string]string{"participantId": "bob"})

	cases := []struct {
		user, method, path string
		body               any
		status             int
		code               string
	}{
		{"alice", http.MethodPost, "/conversations/alice_bob/messages", map[string]string{"content": "  "}, http.StatusBadRequest, "EMPTY_MESSAGE"},
		{"carol", http.MethodGet, "/conversations/alice_bob/messages", nil, http.StatusForbidden, "CONVERSATION_FORBIDDEN"},
		{"alice", http.MethodGet, "/conversations/alice_zed/unread", nil, http.StatusNotFound, "CONVERSATION_NOT_FOUND"},
		{"alice", http.MethodPost, "/conversations", map[string]string{"participantId": "alice"}, http.StatusBadRequest, "INVALID_PARTICIPANT"},
		{"alice", http.MethodPost, "/conversations", map[string]string{"participantId": "nobody"}, http.StatusNotFound, "PARTICIPANT_NOT_FOUND"},
		{"alice", http.MethodDelete, "/conversations/alice_bob/read", nil, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED"},
		{"alice", http.MethodGet, "/conversations/alice_bob/messages?limit=-1", nil, http.StatusBadRequest, "INVALID_REQUEST"},
		{"alice", http.MethodGet, "/conversations/alice_bob/other", nil, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tc := range cases {
		resp, body := ts.do(t, tc.user, tc.method, tc.path, tc.body)
		if resp.StatusCode != tc.status || body["code"] != tc.code {
			t.Fatalf("%s %s: expected %d %s, got %d %v", tc.method, tc.path, tc.status, tc.code, resp.StatusCode, body)
		}
	}
}

func TestMultipartSend(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, "alice", http.MethodPost, "/conversations", map[string]string{"participantId": "bob"})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("content", "see attached")
	part, err := mw.CreateFormFile("files", "homework.txt")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write([]byte("page one"))
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.srv.URL+"/conversations/alice_bob/messages", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+ts.tokens["alice"])
	resp, body := ts.send(t, req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("multipart send: %d %v", resp.StatusCode, body)
	}
	attachments, _ := body["attachments"].([]any)
	if len(attachments) != 1 {
		t.Fatalf("expected one attachment, got %v", body["attachments"])
	}
	att := attachments[0].(map[string]any)
	if att["name"] != "homework.txt" || att["size"] != float64(8) || !strings.HasPrefix(att["url"].(string), "memory://messages/alice_bob/") {
		t.Fatalf("unexpected attachment %v", att)
	}
	if _, leaked := att["storageKey"]; leaked {
		t.Fatalf("storage key must not be serialized")
	}
}

func TestSendRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewFixedWindowLimiter(client, "test:send", 1, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	ts := newTestServer(t, limiter)
	ts.do(t, "alice", http.MethodPost, "/conversations", map[string]string{"participantId": "bob"})

	resp, _ := ts.do(t, "alice", http.MethodPost, "/conversations/alice_bob/messages", map[string]string{"content": "one"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first send: %d", resp.StatusCode)
	}
	resp, body := ts.do(t, "alice", http.MethodPost, "/conversations/alice_bob/messages", map[string]string{"content": "two"})
	if resp.StatusCode != http.StatusTooManyRequests || body["code"] != "RATE_LIMITED" {
		t.Fatalf("second send should be limited: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	resp, _ = ts.do(t, "bob", http.MethodPost, "/conversations/alice_bob/messages", map[string]string{"content": "mine"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("limit is per user, bob got %d", resp.StatusCode)
	}
}

func TestConversationStream(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, "alice", http.MethodPost, "/conversations", map[string]string{"participantId": "bob"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/conversations/stream?token=" + ts.tokens["bob"]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var frame struct {
		Type  string                       `json:"type"`
		Items []domain.ConversationSummary `json:"items"`
		Count int                          `json:"count"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}
	if frame.Type != "conversations" || frame.Count != 1 || frame.Items[0].LastMessage != nil {
		t.Fatalf("unexpected initial frame %+v", frame)
	}

	ts.do(t, "alice", http.MethodPost, "/conversations/alice_bob/messages", map[string]string{"content": "live"})
	for {
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if frame.Count == 1 && frame.Items[0].LastMessage != nil {
			break
		}
	}
	if frame.Items[0].LastMessage.Content != "live" || frame.Items[0].UnreadCount != 1 {
		t.Fatalf("unexpected update %+v", frame.Items[0])
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestCloseLiveEndsStreams(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, "alice", http.MethodPost, "/conversations", map[string]string{"participantId": "bob"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/conversations/alice_bob/messages/stream?token=" + ts.tokens["bob"]
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read initial frame: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		ts.server.CloseLive()
		close(closed)
	}()
	err = wsjson.Read(ctx, conn, &frame)
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Fatalf("expected going-away close, got status %v err %v", status, err)
	}
	select {
	case <-closed:
	case <-ctx.Done():
		t.Fatalf("CloseLive did not return")
	}
}

func TestMessageStreamRejectsOutsider(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, "alice", http.MethodPost, "/conversations", map[string]string{"participantId": "bob"})
	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/conversations/alice_bob/messages/stream?token="+ts.tokens["carol"], nil)
	resp, body := ts.send(t, req)
	if resp.StatusCode != http.StatusForbidden || body["code"] != "CONVERSATION_FORBIDDEN" {
		t.Fatalf("expected 403, got %d %v", resp.StatusCode, body)
	}
}
