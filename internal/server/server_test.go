package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"notifyd/internal/dispatch"
	"notifyd/internal/eventbus"
	"notifyd/internal/notification"
	"notifyd/internal/queue"
	"notifyd/internal/registry"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

type testServer struct {
	base string
	eng  *queue.Engine
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := storage.Open(storage.Config{
		Driver: "file",
		Path:   filepath.Join(t.TempDir(), "store.json"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	bus := eventbus.New()
	reg := registry.New(logx.Nop())
	eng := queue.New(st, nil, bus, logx.Nop())

	d := dispatch.New(bus, reg, logx.Nop())
	d.Start()
	t.Cleanup(d.Stop)

	srv := New(Config{Addr: "127.0.0.1:0"}, eng, reg, logx.Nop())
	serve, err := srv.Start()
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	go func() { _ = serve(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	return &testServer{base: "http://" + srv.Addr(), eng: eng}
}

func (ts *testServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(ts.base+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.base + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func createNotification(t *testing.T, ts *testServer, userID, msg string) notification.Notification {
	t.Helper()
	resp := ts.post(t, "/notifications", map[string]any{
		"type": "INFO", "message": msg, "userId": userID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create returned %d", resp.StatusCode)
	}
	return decodeJSON[notification.Notification](t, resp)
}

func TestCreateAndListRoundTrip(t *testing.T) {
	ts := startTestServer(t)

	created := createNotification(t, ts, "alice", "hello")
	if created.ID == "" || created.Sent {
		t.Fatalf("unexpected created record: %+v", created)
	}

	list := decodeJSON[[]notification.Notification](t, ts.get(t, "/notifications?userId=alice"))
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	// Listing without userId shows every user's records.
	createNotification(t, ts, "bob", "other")
	all := decodeJSON[[]notification.Notification](t, ts.get(t, "/notifications"))
	if len(all) != 2 {
		t.Fatalf("expected 2 records across users, got %d", len(all))
	}
}

func TestCreateRejectsInvalidPayload(t *testing.T) {
	ts := startTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"unknown type", map[string]any{"type": "NOPE", "message": "x", "userId": "u"}},
		{"missing message", map[string]any{"type": "INFO", "userId": "u"}},
		{"bad url", map[string]any{"type": "URL_HTML", "message": "not-a-url", "userId": "u"}},
		{"display time out of range", map[string]any{"type": "INFO", "message": "x", "userId": "u", "displayTime": 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.post(t, "/notifications", tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("want 400, got %d", resp.StatusCode)
			}
		})
	}
}

type checkResponse struct {
	HasNotification bool                       `json:"hasNotification"`
	Notification    *notification.Notification `json:"notification"`
}

func TestCheckClaimsInOrder(t *testing.T) {
	ts := startTestServer(t)

	a := createNotification(t, ts, "alice", "first")
	b := createNotification(t, ts, "alice", "second")

	got := decodeJSON[checkResponse](t, ts.get(t, "/notifications/check?userId=alice"))
	if !got.HasNotification || got.Notification.ID != a.ID {
		t.Fatalf("first check = %+v", got)
	}
	if !got.Notification.Sent {
		t.Fatal("claimed notification must be marked delivered")
	}

	got = decodeJSON[checkResponse](t, ts.get(t, "/notifications/check?userId=alice"))
	if !got.HasNotification || got.Notification.ID != b.ID {
		t.Fatalf("second check = %+v", got)
	}

	got = decodeJSON[checkResponse](t, ts.get(t, "/notifications/check?userId=alice"))
	if got.HasNotification {
		t.Fatalf("drained queue must report hasNotification=false, got %+v", got)
	}
}

func TestCheckRequiresUserID(t *testing.T) {
	ts := startTestServer(t)
	resp := ts.get(t, "/notifications/check")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	ts := startTestServer(t)
	n := createNotification(t, ts, "alice", "cycle")

	// Claim, then reset and confirm it is claimable again.
	ts.get(t, "/notifications/check?userId=alice").Body.Close()
	if resp := ts.post(t, "/notifications/"+n.ID+"/reset", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("reset returned %d", resp.StatusCode)
	}
	got := decodeJSON[checkResponse](t, ts.get(t, "/notifications/check?userId=alice"))
	if !got.HasNotification || got.Notification.ID != n.ID {
		t.Fatalf("post-reset check = %+v", got)
	}

	// Edit forces it pending again with the new content.
	if resp := ts.post(t, "/notifications/"+n.ID+"/edit", map[string]any{
		"type": "ERROR", "message": "edited", "userId": "alice",
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("edit returned %d", resp.StatusCode)
	}
	got = decodeJSON[checkResponse](t, ts.get(t, "/notifications/check?userId=alice"))
	if !got.HasNotification || got.Notification.Message != "edited" {
		t.Fatalf("post-edit check = %+v", got)
	}

	// reset-all revives it once more.
	if resp := ts.post(t, "/notifications/reset-all", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("reset-all returned %d", resp.StatusCode)
	}
	got = decodeJSON[checkResponse](t, ts.get(t, "/notifications/check?userId=alice"))
	if !got.HasNotification {
		t.Fatalf("post-reset-all check = %+v", got)
	}

	// Delete is terminal and idempotent.
	for i := 0; i < 2; i++ {
		if resp := ts.post(t, "/notifications/"+n.ID+"/delete", nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("delete #%d returned %d", i+1, resp.StatusCode)
		}
	}
	list := decodeJSON[[]notification.Notification](t, ts.get(t, "/notifications?userId=alice"))
	if len(list) != 0 {
		t.Fatalf("expected empty list after delete, got %+v", list)
	}
}

func TestFavoriteEndpoints(t *testing.T) {
	ts := startTestServer(t)
	n := createNotification(t, ts, "alice", "fav")

	if resp := ts.post(t, "/notifications/"+n.ID+"/favorite", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("favorite returned %d", resp.StatusCode)
	}
	list := decodeJSON[[]notification.Notification](t, ts.get(t, "/notifications?userId=alice"))
	if len(list) != 1 || !list[0].IsFavorite {
		t.Fatalf("expected favorited record, got %+v", list)
	}

	if resp := ts.post(t, "/notifications/"+n.ID+"/unfavorite", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("unfavorite returned %d", resp.StatusCode)
	}
	list = decodeJSON[[]notification.Notification](t, ts.get(t, "/notifications?userId=alice"))
	if list[0].IsFavorite {
		t.Fatal("favorite flag should be cleared")
	}

	resp := ts.post(t, "/notifications/missing/favorite", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("favorite of missing id: want 404, got %d", resp.StatusCode)
	}
}

type wsEnvelope struct {
	Type         string                     `json:"type"`
	Pending      int                        `json:"pending"`
	Notification *notification.Notification `json:"notification"`
}

func dialWS(t *testing.T, base, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + base[len("http"):] + "/ws?userId=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env wsEnvelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read ws message: %v", err)
	}
	return env
}

func TestWebsocketGreetingCarriesPendingCount(t *testing.T) {
	ts := startTestServer(t)
	createNotification(t, ts, "alice", "one")
	createNotification(t, ts, "alice", "two")

	conn := dialWS(t, ts.base, "alice")
	env := readEnvelope(t, conn)
	if env.Type != "connected" || env.Pending != 2 {
		t.Fatalf("greeting = %+v", env)
	}
}

func TestWebsocketReceivesPush(t *testing.T) {
	ts := startTestServer(t)

	conn := dialWS(t, ts.base, "alice")
	if env := readEnvelope(t, conn); env.Type != "connected" {
		t.Fatalf("expected greeting, got %+v", env)
	}

	created := createNotification(t, ts, "alice", "pushed")
	env := readEnvelope(t, conn)
	if env.Type != "notification" || env.Notification == nil || env.Notification.ID != created.ID {
		t.Fatalf("push = %+v", env)
	}
	// Push is advisory: the record stays pending until claimed.
	if env.Notification.Sent {
		t.Fatal("pushed notification must not be marked delivered")
	}
	got := decodeJSON[checkResponse](t, ts.get(t, "/notifications/check?userId=alice"))
	if !got.HasNotification || got.Notification.ID != created.ID {
		t.Fatalf("record should still be claimable after push, got %+v", got)
	}
}

func TestWebsocketReplacedConnection(t *testing.T) {
	ts := startTestServer(t)

	first := dialWS(t, ts.base, "alice")
	readEnvelope(t, first)

	second := dialWS(t, ts.base, "alice")
	readEnvelope(t, second)

	created := createNotification(t, ts, "alice", "to the new socket")
	env := readEnvelope(t, second)
	if env.Type != "notification" || env.Notification.ID != created.ID {
		t.Fatalf("push on replacement socket = %+v", env)
	}

	// The evicted socket is closed by the server.
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
}

func TestWebsocketRequiresUserID(t *testing.T) {
	ts := startTestServer(t)
	url := "ws" + ts.base[len("http"):] + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without userId must fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		code := 0
		if resp != nil {
			code = resp.StatusCode
		}
		t.Fatalf("want 400 handshake rejection, got %d", code)
	}
	if resp != nil {
		resp.Body.Close()
	}
}

func TestHealthz(t *testing.T) {
	ts := startTestServer(t)
	resp := ts.get(t, "/healthz")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
}
