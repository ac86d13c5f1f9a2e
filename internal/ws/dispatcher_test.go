package ws

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codepair/collab-engine/internal/hub"
	"github.com/codepair/collab-engine/internal/logging"
	"github.com/codepair/collab-engine/internal/session"
	"github.com/codepair/collab-engine/pkg/core"
	"github.com/codepair/collab-engine/pkg/protocol"
)

type env struct {
	store  *session.Store
	server *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewStore(time.Hour, logger)
	events := logging.NewEventLogger(logger)
	d := NewDispatcher(store, hub.New(logger), logger, events)
	srv := httptest.NewServer(NewHandler(d, nil, logger, events))
	t.Cleanup(func() {
		srv.Close()
		store.Close()
	})
	return &env{store: store, server: srv}
}

func (e *env) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func recv(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("bad frame %q: %v", raw, err)
	}
	return f
}

func recvEvent(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	f := recv(t, conn)
	if f.Event != event {
		t.Fatalf("expected %s, got %s (payload %s)", event, f.Event, f.Payload)
	}
	return f
}

// expectSilence asserts that no frame arrives within the grace period. The
// read deadline poisons the connection, so it must be the last use of conn.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no frame, got %s", raw)
	}
}

// waitForCode polls until the store observes the given buffer content.
func waitForCode(t *testing.T, store *session.Store, id, want string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		snap, err := store.Get(id)
		if err == nil && snap.Code == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("store never observed %q, have %q (err %v)", want, snap.Code, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func join(t *testing.T, conn *websocket.Conn, sessionID string) frame {
	t.Helper()
	send(t, conn, `{"event":"join","sessionId":"`+sessionID+`"}`)
	return recvEvent(t, conn, protocol.EventJoined)
}

func TestJoinUnknownSession(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t)

	send(t, conn, `{"event":"join","sessionId":"nonexistent"}`)
	f := recvEvent(t, conn, protocol.EventJoinError)
	if string(f.Payload) != `"Session not found"` {
		t.Fatalf("unexpected payload %s", f.Payload)
	}
}

func TestJoinReceivesSnapshot(t *testing.T) {
	e := newEnv(t)
	id, _ := e.store.Create()
	conn := e.dial(t)

	f := join(t, conn, id)

	var p protocol.JoinedPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("bad joined payload: %v", err)
	}
	if p.Code != "// Write your code here\n" {
		t.Fatalf("unexpected code %q", p.Code)
	}
	if p.Language != core.LangJavaScript {
		t.Fatalf("unexpected language %s", p.Language)
	}
	if p.ParticipantCount != 1 {
		t.Fatalf("expected 1 participant, got %d", p.ParticipantCount)
	}
}

func TestSecondJoinUpdatesCounts(t *testing.T) {
	e := newEnv(t)
	id, _ := e.store.Create()
	a := e.dial(t)
	b := e.dial(t)

	join(t, a, id)

	fb := join(t, b, id)
	var p protocol.JoinedPayload
	json.Unmarshal(fb.Payload, &p)
	if p.ParticipantCount != 2 {
		t.Fatalf("expected 2 participants for B, got %d", p.ParticipantCount)
	}

	fa := recvEvent(t, a, protocol.EventParticipantCount)
	if string(fa.Payload) != "2" {
		t.Fatalf("expected count 2 for A, got %s", fa.Payload)
	}
}

func TestCodeChangePropagation(t *testing.T) {
	e := newEnv(t)
	id, _ := e.store.Create()
	a := e.dial(t)
	b := e.dial(t)
	join(t, a, id)
	join(t, b, id)
	recvEvent(t, a, protocol.EventParticipantCount)

	send(t, a, `{"event":"codeChange","sessionId":"`+id+`","code":"x=1"}`)

	f := recvEvent(t, b, protocol.EventCodeUpdate)
	if string(f.Payload) != `"x=1"` {
		t.Fatalf("unexpected payload %s", f.Payload)
	}

	// The store holds the new content.
	waitForCode(t, e.store, id, "x=1")

	// The author gets no echo.
	expectSilence(t, a)
}

func TestLastWriteWins(t *testing.T) {
	e := newEnv(t)
	id, _ := e.store.Create()
	a := e.dial(t)
	join(t, a, id)

	send(t, a, `{"event":"codeChange","sessionId":"`+id+`","code":"first"}`)
	send(t, a, `{"event":"codeChange","sessionId":"`+id+`","code":"second"}`)
	waitForCode(t, e.store, id, "second")

	// A participant joining after both edits observes the second.
	c := e.dial(t)
	f := join(t, c, id)
	var p protocol.JoinedPayload
	json.Unmarshal(f.Payload, &p)
	if p.Code != "second" {
		t.Fatalf("expected last write to win, got %q", p.Code)
	}
}

func TestLanguageChangeResetsForAll(t *testing.T) {
	e := newEnv(t)
	id, _ := e.store.Create()
	a := e.dial(t)
	b := e.dial(t)
	join(t, a, id)
	join(t, b, id)
	recvEvent(t, a, protocol.EventParticipantCount)

	send(t, a, `{"event":"languageChange","sessionId":"`+id+`","language":"python"}`)

	// Both participants, the sender included, see the language update
	// followed by the template reset.
	for _, conn := range []*websocket.Conn{a, b} {
		f := recvEvent(t, conn, protocol.EventLanguageUpdate)
		if string(f.Payload) != `"python"` {
			t.Fatalf("unexpected language payload %s", f.Payload)
		}
		f = recvEvent(t, conn, protocol.EventCodeUpdate)
		var code string
		json.Unmarshal(f.Payload, &code)
		if code != "# Write your code here\n" {
			t.Fatalf("unexpected template %q", code)
		}
	}

	snap, err := e.store.Get(id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.Language != core.LangPython || snap.Code != "# Write your code here\n" {
		t.Fatalf("store not reset: %s / %q", snap.Language, snap.Code)
	}
}

func TestLanguageChangeUnsupported(t *testing.T) {
	e := newEnv(t)
	id, _ := e.store.Create()
	a := e.dial(t)
	join(t, a, id)

	send(t, a, `{"event":"languageChange","sessionId":"`+id+`","language":"cobol"}`)
	recvEvent(t, a, protocol.EventError)

	snap, _ := e.store.Get(id)
	if snap.Language != core.LangJavaScript {
		t.Fatalf("expected language unchanged, got %s", snap.Language)
	}
}

func TestCursorChangePropagation(t *testing.T) {
	e := newEnv(t)
	id, _ := e.store.Create()
	a := e.dial(t)
	b := e.dial(t)
	join(t, a, id)
	join(t, b, id)
	recvEvent(t, a, protocol.EventParticipantCount)

	send(t, a, `{"event":"cursorChange","sessionId":"`+id+`","position":{"lineNumber":3,"column":7}}`)

	f := recvEvent(t, b, protocol.EventCursorUpdate)
	var p protocol.CursorPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("bad cursor payload: %v", err)
	}
	if p.ConnectionID == "" {
		t.Fatal("expected originating connection id")
	}
	if string(p.Position) != `{"lineNumber":3,"column":7}` {
		t.Fatalf("unexpected position %s", p.Position)
	}

	// Cursor positions are never persisted.
	snap, _ := e.store.Get(id)
	if snap.Code != "// Write your code here\n" {
		t.Fatalf("cursor event must not mutate state, code %q", snap.Code)
	}
}

func TestDisconnectUpdatesRemainder(t *testing.T) {
	e := newEnv(t)
	id, _ := e.store.Create()
	a := e.dial(t)
	b := e.dial(t)
	join(t, a, id)
	join(t, b, id)
	recvEvent(t, a, protocol.EventParticipantCount)

	b.Close()

	f := recvEvent(t, a, protocol.EventParticipantCount)
	if string(f.Payload) != "1" {
		t.Fatalf("expected count 1, got %s", f.Payload)
	}

	deadline := time.Now().Add(time.Second)
	for e.store.ParticipantCount(id) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected membership 1, got %d", e.store.ParticipantCount(id))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventsBeforeJoinRejected(t *testing.T) {
	e := newEnv(t)
	id, _ := e.store.Create()
	conn := e.dial(t)

	send(t, conn, `{"event":"codeChange","sessionId":"`+id+`","code":"x"}`)
	recvEvent(t, conn, protocol.EventError)

	snap, _ := e.store.Get(id)
	if snap.Code != "// Write your code here\n" {
		t.Fatalf("expected state unchanged, got %q", snap.Code)
	}
}

func TestMalformedFrameRejected(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t)

	send(t, conn, `{"event":"codeChange"}`)
	recvEvent(t, conn, protocol.EventError)

	// The connection survives and can still join.
	id, _ := e.store.Create()
	join(t, conn, id)
}

func TestWrongSessionRejected(t *testing.T) {
	e := newEnv(t)
	idA, _ := e.store.Create()
	idB, _ := e.store.Create()
	conn := e.dial(t)
	join(t, conn, idA)

	send(t, conn, `{"event":"codeChange","sessionId":"`+idB+`","code":"sneaky"}`)
	recvEvent(t, conn, protocol.EventError)

	snap, _ := e.store.Get(idB)
	if snap.Code != "// Write your code here\n" {
		t.Fatalf("expected other session untouched, got %q", snap.Code)
	}
}

func TestSessionIsolation(t *testing.T) {
	e := newEnv(t)
	idX, _ := e.store.Create()
	idY, _ := e.store.Create()
	x := e.dial(t)
	y := e.dial(t)
	join(t, x, idX)
	join(t, y, idY)

	send(t, x, `{"event":"codeChange","sessionId":"`+idX+`","code":"only for x"}`)
	waitForCode(t, e.store, idX, "only for x")

	snapY, _ := e.store.Get(idY)
	if snapY.Code != "// Write your code here\n" {
		t.Fatalf("session Y mutated: %q", snapY.Code)
	}
	expectSilence(t, y)
}

func TestSwitchingSessionsLeavesTheFirst(t *testing.T) {
	e := newEnv(t)
	idA, _ := e.store.Create()
	idB, _ := e.store.Create()
	stay := e.dial(t)
	mover := e.dial(t)
	join(t, stay, idA)
	join(t, mover, idA)
	recvEvent(t, stay, protocol.EventParticipantCount)

	join(t, mover, idB)

	f := recvEvent(t, stay, protocol.EventParticipantCount)
	if string(f.Payload) != "1" {
		t.Fatalf("expected count 1 after the move, got %s", f.Payload)
	}
	deadline := time.Now().Add(time.Second)
	for e.store.ParticipantCount(idA) != 1 || e.store.ParticipantCount(idB) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("unexpected membership %d/%d",
				e.store.ParticipantCount(idA), e.store.ParticipantCount(idB))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Whatever order concurrent edits land in, the last update broadcast to a
// participant must carry the buffer the store settled on, or editors and
// later joiners diverge.
func TestConcurrentEditsConverge(t *testing.T) {
	e := newEnv(t)
	id, _ := e.store.Create()
	a := e.dial(t)
	b := e.dial(t)
	observer := e.dial(t)
	join(t, a, id)
	join(t, b, id)
	recvEvent(t, a, protocol.EventParticipantCount)
	join(t, observer, id)
	recvEvent(t, a, protocol.EventParticipantCount)
	recvEvent(t, b, protocol.EventParticipantCount)

	const editsPerAuthor = 20
	var wg sync.WaitGroup
	for _, author := range []struct {
		conn *websocket.Conn
		tag  string
	}{{a, "a"}, {b, "b"}} {
		author := author
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < editsPerAuthor; i++ {
				msg := fmt.Sprintf(`{"event":"codeChange","sessionId":"%s","code":"%s-%d"}`, id, author.tag, i)
				if err := author.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
					t.Errorf("write failed: %v", err)
					return
				}
			}
		}()
	}

	// Each edit reaches the observer exactly once; after the last one every
	// store write has committed.
	var last frame
	for i := 0; i < 2*editsPerAuthor; i++ {
		last = recvEvent(t, observer, protocol.EventCodeUpdate)
	}
	wg.Wait()

	snap, err := e.store.Get(id)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	var got string
	json.Unmarshal(last.Payload, &got)
	if got != snap.Code {
		t.Fatalf("last broadcast %q disagrees with store %q", got, snap.Code)
	}
}

// A language switch reaches every participant as a languageUpdate followed
// directly by the template codeUpdate, even while another author keeps
// editing.
func TestLanguageSwitchPairStaysAdjacent(t *testing.T) {
	e := newEnv(t)
	id, _ := e.store.Create()
	a := e.dial(t)
	b := e.dial(t)
	observer := e.dial(t)
	join(t, a, id)
	join(t, b, id)
	recvEvent(t, a, protocol.EventParticipantCount)
	join(t, observer, id)
	recvEvent(t, a, protocol.EventParticipantCount)
	recvEvent(t, b, protocol.EventParticipantCount)

	const edits = 25
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < edits; i++ {
			msg := fmt.Sprintf(`{"event":"codeChange","sessionId":"%s","code":"edit-%d"}`, id, i)
			if err := a.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				t.Errorf("write failed: %v", err)
				return
			}
		}
	}()
	send(t, b, `{"event":"languageChange","sessionId":"`+id+`","language":"python"}`)
	<-done

	frames := make([]frame, 0, edits+2)
	for i := 0; i < edits+2; i++ {
		frames = append(frames, recv(t, observer))
	}
	for i, f := range frames {
		if f.Event != protocol.EventLanguageUpdate {
			continue
		}
		if i+1 >= len(frames) || frames[i+1].Event != protocol.EventCodeUpdate {
			t.Fatalf("languageUpdate at %d not followed by its codeUpdate", i)
		}
		var code string
		json.Unmarshal(frames[i+1].Payload, &code)
		if code != "# Write your code here\n" {
			t.Fatalf("expected template after language switch, got %q", code)
		}
		return
	}
	t.Fatal("observer never saw languageUpdate")
}
