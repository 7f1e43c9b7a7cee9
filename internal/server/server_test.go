package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/christopherjohns/guildsync/internal/auth"
	"github.com/christopherjohns/guildsync/internal/config"
	"github.com/christopherjohns/guildsync/internal/connection"
	"github.com/christopherjohns/guildsync/internal/gql"
	"github.com/christopherjohns/guildsync/internal/room"
	"github.com/christopherjohns/guildsync/internal/roomsync"
	"github.com/christopherjohns/guildsync/internal/ws"
)

func newTestServer(t *testing.T, cfg config.ServerConfig, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	srv := New(cfg, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Hub().ConnMgr().Shutdown()
		ts.Close()
	})
	return srv, ts
}

// newClient issues a credential for nickname and returns a client using it.
func newClient(t *testing.T, ts *httptest.Server, nickname string) (*gql.Client, *auth.Store, gql.TokenResponse) {
	t.Helper()
	anon, err := gql.NewClient(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tok, err := anon.IssueToken(ctx, nickname)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	var client *gql.Client
	store := auth.NewStore(tok.AuthToken(), func(ctx context.Context, cur auth.Token) (auth.Token, error) {
		return client.RefreshToken(ctx, cur)
	})
	client, err = gql.NewClient(ts.URL, gql.WithCredentials(store))
	if err != nil {
		t.Fatal(err)
	}
	return client, store, tok
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHealthEndpoint(t *testing.T) {
	srv := New(config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", body["status"])
	}
}

func TestIssueAndRefreshToken(t *testing.T) {
	_, ts := newTestServer(t, config.ServerConfig{})
	client, _, tok := newClient(t, ts, "alice")

	if tok.Token == "" || tok.UserID == "" || tok.Nickname != "alice" {
		t.Fatalf("unexpected token response %+v", tok)
	}

	renewed, err := client.RefreshToken(testCtx(t), tok.AuthToken())
	if err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if renewed.Value == tok.Token {
		t.Fatal("refresh must rotate the token")
	}

	// The old token no longer works.
	_, err = client.RefreshToken(testCtx(t), tok.AuthToken())
	if !gql.IsUnauthorized(err) {
		t.Fatalf("expected 401 for a rotated token, got %v", err)
	}
}

func TestGraphQLRequiresAuth(t *testing.T) {
	_, ts := newTestServer(t, config.ServerConfig{})
	anon, _ := gql.NewClient(ts.URL)

	_, err := anon.GetMessages(testCtx(t), "lobby", "", 10)
	if !gql.IsUnauthorized(err) {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestSendAndGetMessages(t *testing.T) {
	_, ts := newTestServer(t, config.ServerConfig{})
	client, _, tok := newClient(t, ts, "alice")
	ctx := testCtx(t)

	first, err := client.SendMessage(ctx, gql.SendInput{RoomID: "lobby", Text: "  hello  "})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if first["text"] != "hello" {
		t.Fatalf("expected trimmed text, got %v", first["text"])
	}
	if first["senderId"] != tok.UserID || first["senderNickname"] != "alice" {
		t.Fatalf("unexpected sender in %v", first)
	}
	firstID, _ := first["id"].(string)

	if _, err := client.SendMessage(ctx, gql.SendInput{RoomID: "lobby", Text: "second", ReplyToID: firstID}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	page, err := client.GetMessages(ctx, "lobby", "", 10)
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(page.Items))
	}
	if page.Items[1]["replyToId"] != firstID {
		t.Fatalf("expected reply link, got %v", page.Items[1]["replyToId"])
	}

	after, err := client.GetMessages(ctx, "lobby", firstID, 10)
	if err != nil {
		t.Fatalf("GetMessages after: %v", err)
	}
	if len(after.Items) != 1 || after.Items[0]["text"] != "second" {
		t.Fatalf("expected only the second message, got %v", after.Items)
	}
}

func TestGetMessagesBefore(t *testing.T) {
	_, ts := newTestServer(t, config.ServerConfig{})
	client, _, _ := newClient(t, ts, "alice")
	ctx := testCtx(t)

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		rec, err := client.SendMessage(ctx, gql.SendInput{RoomID: "lobby", Text: text})
		if err != nil {
			t.Fatal(err)
		}
		id, _ := rec["id"].(string)
		ids = append(ids, id)
	}

	var data struct {
		GetMessages struct {
			Items []struct {
				Text string `json:"text"`
			} `json:"items"`
		} `json:"getMessages"`
	}
	op := gql.Operation{
		OperationName: gql.OpGetMessages,
		Query:         gql.GetMessagesQuery,
		Variables:     map[string]any{"roomId": "lobby", "before": ids[2], "limit": 1},
	}
	if err := client.Do(ctx, op, &data); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if items := data.GetMessages.Items; len(items) != 1 || items[0].Text != "two" {
		t.Fatalf("expected the message before the newest, got %+v", items)
	}

	// A cursor the history never held serves the latest page.
	page, err := client.GetMessages(ctx, "lobby", "unknown", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.Items[1]["text"] != "three" {
		t.Fatalf("expected the latest page, got %v", page.Items)
	}
}

func TestSendValidation(t *testing.T) {
	_, ts := newTestServer(t, config.ServerConfig{MaxMessageBytes: 8})
	client, _, _ := newClient(t, ts, "alice")

	_, err := client.SendMessage(testCtx(t), gql.SendInput{RoomID: "lobby", Text: "   "})
	var apiErr *gql.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "BAD_USER_INPUT" {
		t.Fatalf("expected BAD_USER_INPUT, got %v", err)
	}

	_, err = client.SendMessage(testCtx(t), gql.SendInput{RoomID: "lobby", Text: "far too long"})
	if !errors.As(err, &apiErr) || apiErr.Code != "BAD_USER_INPUT" {
		t.Fatalf("expected BAD_USER_INPUT for oversized text, got %v", err)
	}
}

func TestSendRateLimited(t *testing.T) {
	_, ts := newTestServer(t, config.ServerConfig{
		SendLimit:  1,
		SendWindow: config.Duration(time.Minute),
	})
	client, _, _ := newClient(t, ts, "alice")
	ctx := testCtx(t)

	if _, err := client.SendMessage(ctx, gql.SendInput{RoomID: "lobby", Text: "one"}); err != nil {
		t.Fatalf("first send: %v", err)
	}
	_, err := client.SendMessage(ctx, gql.SendInput{RoomID: "lobby", Text: "two"})
	if !gql.IsRateLimited(err) {
		t.Fatalf("expected 429, got %v", err)
	}
	var apiErr *gql.APIError
	errors.As(err, &apiErr)
	if apiErr.RetryAfter <= 0 || apiErr.RetryAfter > time.Minute {
		t.Fatalf("expected Retry-After within the window, got %v", apiErr.RetryAfter)
	}
}

func TestSeededRooms(t *testing.T) {
	_, ts := newTestServer(t, config.ServerConfig{Rooms: []config.RoomConfig{
		{ID: "GUILD#dragons", Name: "Dragon Hall", GuildName: "Dragonriders"},
		{ID: "lobby"},
	}})
	client, _, _ := newClient(t, ts, "alice")

	info, err := client.Room(testCtx(t), "GUILD#dragons")
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	if info.Name != "Dragon Hall" || info.Guild == nil || info.Guild.Name != "Dragonriders" || info.Guild.GuildID != "dragons" {
		t.Fatalf("unexpected info %+v", info)
	}
	info, _ = client.Room(testCtx(t), "lobby")
	if info.Name != "lobby" || info.Guild != nil {
		t.Fatalf("unexpected general room %+v", info)
	}
}

func TestRoomEndpoints(t *testing.T) {
	_, ts := newTestServer(t, config.ServerConfig{})
	alice, _, _ := newClient(t, ts, "alice")
	bob, _, _ := newClient(t, ts, "bob")
	ctx := testCtx(t)

	if err := alice.JoinRoom(ctx, "GUILD#dragons"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := bob.JoinRoom(ctx, "GUILD#dragons"); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	info, err := alice.Room(ctx, "GUILD#dragons")
	if err != nil {
		t.Fatalf("Room: %v", err)
	}
	if info.Kind != room.KindGuild || info.MemberCount != 2 {
		t.Fatalf("unexpected info %+v", info)
	}

	if err := bob.LeaveRoom(ctx, "GUILD#dragons"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	info, _ = alice.Room(ctx, "GUILD#dragons")
	if info.MemberCount != 1 {
		t.Fatalf("expected 1 member after leave, got %d", info.MemberCount)
	}

	resp, err := http.Get(ts.URL + "/api/rooms")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var infos []room.Info
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode rooms: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "GUILD#dragons" {
		t.Fatalf("unexpected room list %+v", infos)
	}
}

func TestReactionEndpoints(t *testing.T) {
	_, ts := newTestServer(t, config.ServerConfig{})
	alice, _, _ := newClient(t, ts, "alice")
	bob, _, _ := newClient(t, ts, "bob")
	ctx := testCtx(t)

	var apiErr *gql.APIError
	_, err := alice.AddReaction(ctx, "nope", ":fire:", "🔥")
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown message, got %v", err)
	}

	sent, err := alice.SendMessage(ctx, gql.SendInput{RoomID: "lobby", Text: "react to me"})
	if err != nil {
		t.Fatal(err)
	}
	m1, _ := sent["id"].(string)

	u, err := alice.AddReaction(ctx, m1, ":fire:", "🔥")
	if err != nil || u.Count != 1 {
		t.Fatalf("AddReaction: %+v %v", u, err)
	}
	u, err = bob.AddReaction(ctx, m1, ":fire:", "🔥")
	if err != nil || u.Count != 2 {
		t.Fatalf("AddReaction: %+v %v", u, err)
	}
	// Repeating a reaction does not double count.
	if u, _ = bob.AddReaction(ctx, m1, ":fire:", "🔥"); u.Count != 2 {
		t.Fatalf("expected idempotent add, got %d", u.Count)
	}

	rs, err := alice.Reactions(ctx, m1)
	if err != nil {
		t.Fatalf("Reactions: %v", err)
	}
	if len(rs) != 1 || rs[0].Count != 2 || !rs[0].ViewerHasReacted {
		t.Fatalf("unexpected reactions %+v", rs)
	}

	u, err = alice.RemoveReaction(ctx, m1, ":fire:", "🔥")
	if err != nil || u.Count != 1 || !u.Removed {
		t.Fatalf("RemoveReaction: %+v %v", u, err)
	}
	rs, _ = alice.Reactions(ctx, m1)
	if rs[0].ViewerHasReacted {
		t.Fatal("alice's flag should be cleared")
	}

	for _, sc := range []string{":a:", ":b:", ":c:", ":d:"} {
		if _, err := alice.AddReaction(ctx, m1, sc, ""); err != nil {
			t.Fatalf("AddReaction %s: %v", sc, err)
		}
	}
	_, err = alice.AddReaction(ctx, m1, ":e:", "")
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected 409 for a sixth distinct reaction, got %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, config.ServerConfig{})
	client, _, _ := newClient(t, ts, "alice")
	if _, err := client.SendMessage(testCtx(t), gql.SendInput{RoomID: "lobby", Text: "hi"}); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "guildsync_server_messages_sent_total 1") {
		t.Fatalf("expected sent counter in metrics output:\n%s", body)
	}
}

func TestMetricsCountConnectionEvents(t *testing.T) {
	srv, ts := newTestServer(t, config.ServerConfig{})
	srv.metrics.connEvent(ws.ConnRejected)
	srv.metrics.connEvent(ws.ConnRejected)
	srv.metrics.connEvent(ws.FrameDropped)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`guildsync_server_ws_connection_events_total{event="rejected"} 2`,
		`guildsync_server_ws_connection_events_total{event="frame_dropped"} 1`,
		"guildsync_server_ws_connections 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("expected %q in metrics output:\n%s", want, body)
		}
	}
}

func TestRedisHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	_, ts := newTestServer(t, config.ServerConfig{}, WithRedis(rdb))
	client, _, _ := newClient(t, ts, "alice")
	ctx := testCtx(t)

	if _, err := client.SendMessage(ctx, gql.SendInput{RoomID: "lobby", Text: "persisted"}); err != nil {
		t.Fatal(err)
	}
	page, err := client.GetMessages(ctx, "lobby", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0]["text"] != "persisted" {
		t.Fatalf("unexpected page %v", page.Items)
	}
	if !mr.Exists("room:lobby:messages") {
		t.Fatal("expected history in redis")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionsEndToEnd(t *testing.T) {
	_, ts := newTestServer(t, config.ServerConfig{})

	open := func(nickname string) *roomsync.Session {
		client, store, tok := newClient(t, ts, nickname)
		deps := roomsync.ClientDeps(client, store, zaptest.NewLogger(t))
		s := roomsync.New(roomsync.Config{}, "GUILD#dragons", roomsync.Viewer{ID: tok.UserID, Nickname: nickname}, deps)
		t.Cleanup(s.Dispose)
		if err := s.Open(testCtx(t)); err != nil {
			t.Fatalf("Open: %v", err)
		}
		waitFor(t, nickname+" connected", func() bool { return s.State() == connection.StateConnected })
		return s
	}
	alice := open("alice")
	bob := open("bob")

	res := bob.Send(testCtx(t), "hello dragons", "")
	if !res.Success {
		t.Fatalf("send failed: %v", res.Err)
	}
	waitFor(t, "push to alice", func() bool { return alice.Message(res.MessageID) != nil })

	reply := alice.Send(testCtx(t), "hi bob", res.MessageID)
	if !reply.Success {
		t.Fatalf("reply failed: %v", reply.Err)
	}
	waitFor(t, "reply to bob", func() bool { return bob.Message(reply.MessageID) != nil })
	m := bob.Message(reply.MessageID)
	if m.ReplyTo == nil || m.ReplyTo.Text != "hello dragons" || m.ReplyTo.IsFallback {
		t.Fatalf("expected enriched reply, got %+v", m.ReplyTo)
	}

	if err := alice.ToggleReaction(testCtx(t), res.MessageID, ":fire:", "🔥"); err != nil {
		t.Fatalf("ToggleReaction: %v", err)
	}
	rs := alice.Reactions(res.MessageID)
	if len(rs) != 1 || rs[0].Count != 1 || !rs[0].ViewerHasReacted {
		t.Fatalf("unexpected reactions %+v", rs)
	}
	if info := alice.Info(); info.Kind != room.KindGuild {
		t.Fatalf("expected guild room, got %+v", info)
	}
}
