package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/whisper/dmserver/internal/chat"
	"github.com/whisper/dmserver/internal/conversation"
	"github.com/whisper/dmserver/internal/delivery"
	"github.com/whisper/dmserver/internal/presence"
	"github.com/whisper/dmserver/internal/storage/badgerstore"
)

type testEnv struct {
	server *httptest.Server
	store  *badgerstore.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := badgerstore.Open("")
	if err != nil {
		t.Fatalf("badgerstore.Open: %v", err)
	}
	resolver := conversation.NewResolver(store)
	engine := delivery.NewEngine(resolver, store, presence.NewRegistry(), nil)
	srv := httptest.NewServer(NewHandler(engine, resolver, store).Routes())
	t.Cleanup(func() {
		srv.Close()
		_ = store.Close()
	})
	return &testEnv{server: srv, store: store}
}

func (e *testEnv) post(t *testing.T, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.server.URL+"/", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestCreateMessage_Created(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, `{"senderId":"u1","recipientId":"u2","message":"hi","type":"text"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var entry chat.Entry
	decode(t, resp, &entry)
	if entry.Message != "hi" || entry.Type != chat.TypeText || entry.LikeCount != 0 {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.ConversationID == "" || entry.ID == "" {
		t.Errorf("expected ids to be set: %+v", entry)
	}
}

func TestCreateMessage_BadRequest(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantMsg string
	}{
		{"missing recipient", `{"senderId":"u1","message":"hi","type":"text"}`, "Missing required fields"},
		{"missing type", `{"senderId":"u1","recipientId":"u2","message":"hi"}`, "Missing required fields"},
		{"empty body", `{}`, "Missing required fields"},
		{"bad type", `{"senderId":"u1","recipientId":"u2","message":"hi","type":"gif"}`, `unsupported message type "gif"`},
		{"malformed json", `{"senderId":`, "Invalid request body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			resp := env.post(t, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			var body ErrorResponse
			decode(t, resp, &body)
			if body.Message != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, body.Message)
			}

			convs, err := env.store.ListForUser(context.Background(), "u1")
			if err != nil {
				t.Fatalf("ListForUser: %v", err)
			}
			if len(convs) != 0 {
				t.Errorf("expected nothing persisted, got %d conversations", len(convs))
			}
		})
	}
}

func TestCreateMessage_StoreDown(t *testing.T) {
	env := newTestEnv(t)
	if err := env.store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	resp := env.post(t, `{"senderId":"u1","recipientId":"u2","message":"hi","type":"text"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	var body ErrorResponse
	decode(t, resp, &body)
	if body.Message == "" || body.Error == "" {
		t.Errorf("expected message and error in body, got %+v", body)
	}
}

func TestListMessages_OrderedHistoryEitherOrientation(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{
		`{"senderId":"u1","recipientId":"u2","message":"one","type":"text"}`,
		`{"senderId":"u2","recipientId":"u1","message":"two","type":"image"}`,
		`{"senderId":"u1","recipientId":"u2","message":"three","type":"text"}`,
	} {
		if resp := env.post(t, body); resp.StatusCode != http.StatusCreated {
			t.Fatalf("POST %s: expected 201, got %d", body, resp.StatusCode)
		}
	}

	for _, path := range []string{"/u1/u2", "/u2/u1"} {
		resp := env.get(t, path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
		var entries []chat.Entry
		decode(t, resp, &entries)
		if len(entries) != 3 {
			t.Fatalf("GET %s: expected 3 entries, got %d", path, len(entries))
		}
		for i, want := range []string{"one", "two", "three"} {
			if entries[i].Message != want {
				t.Errorf("GET %s: entry %d = %q, want %q", path, i, entries[i].Message, want)
			}
		}
	}
}

func TestListMessages_CreatesEmptyConversation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/u5/u6")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var entries []chat.Entry
	decode(t, resp, &entries)
	if len(entries) != 0 {
		t.Errorf("expected empty history, got %d", len(entries))
	}

	convs, err := env.store.ListForUser(context.Background(), "u5")
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(convs) != 1 || convs[0].LastMessage != "" {
		t.Errorf("expected one empty conversation, got %+v", convs)
	}
}

func TestListMessages_ReadDoesNotTouchConversation(t *testing.T) {
	env := newTestEnv(t)
	if resp := env.post(t, `{"senderId":"u1","recipientId":"u2","message":"hi","type":"text"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	before, err := env.store.FindByPair(context.Background(), "u1", "u2")
	if err != nil || before == nil {
		t.Fatalf("FindByPair: %v %v", before, err)
	}

	time.Sleep(2 * time.Millisecond)
	env.get(t, "/u2/u1")

	after, err := env.store.FindByPair(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("FindByPair: %v", err)
	}
	if after.LastMessage != "hi" || !after.ModifiedAt.Equal(before.ModifiedAt) {
		t.Errorf("read path modified conversation: before=%+v after=%+v", before, after)
	}
}

func TestListConversations(t *testing.T) {
	env := newTestEnv(t)

	for _, body := range []string{
		`{"senderId":"u1","recipientId":"u2","message":"a","type":"text"}`,
		`{"senderId":"u3","recipientId":"u1","message":"b","type":"text"}`,
		`{"senderId":"u2","recipientId":"u3","message":"c","type":"text"}`,
	} {
		if resp := env.post(t, body); resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d", resp.StatusCode)
		}
		time.Sleep(2 * time.Millisecond)
	}

	resp := env.get(t, "/u1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var convs []conversation.Conversation
	decode(t, resp, &convs)
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].LastMessage != "b" || convs[1].LastMessage != "a" {
		t.Errorf("expected most recent first, got %q then %q", convs[0].LastMessage, convs[1].LastMessage)
	}
	for _, c := range convs {
		if !c.HasParticipant("u1") {
			t.Errorf("conversation %s does not include u1", c.ID)
		}
	}

	resp = env.get(t, "/nobody")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var none []conversation.Conversation
	decode(t, resp, &none)
	if len(none) != 0 {
		t.Errorf("expected no conversations, got %d", len(none))
	}
}
