package session

import (
	"regexp"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianChat/services/chatbot/conversation"
	"github.com/AleutianAI/AleutianChat/services/chatbot/datatypes"
)

// fakeConn records every envelope sent to it.
type fakeConn struct {
	mu   sync.Mutex
	sent []datatypes.Envelope
}

func (f *fakeConn) Send(env datatypes.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := conversation.NewFileLog(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	return NewStore(log, nil)
}

func TestNewSessionIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}-\d{2}-\d{2}_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id := NewSessionID()
		if !pattern.MatchString(id) {
			t.Fatalf("NewSessionID() = %q, does not match expected format", id)
		}
		if seen[id] {
			t.Fatalf("NewSessionID() repeated %q", id)
		}
		seen[id] = true
	}
}

func TestAttachSharesSession(t *testing.T) {
	st := newTestStore(t)
	id := NewSessionID()

	a, b := &fakeConn{}, &fakeConn{}
	s1, err := st.Attach(id, a)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	s2, err := st.Attach(id, b)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if s1 != s2 {
		t.Error("same id produced distinct sessions")
	}
	if st.Len() != 1 {
		t.Errorf("Len() = %d, want 1", st.Len())
	}
}

func TestAttachRejectsInvalidID(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Attach("../sneaky", &fakeConn{}); err == nil {
		t.Error("Attach accepted a traversal id")
	}
	if _, err := st.Attach("", &fakeConn{}); err == nil {
		t.Error("Attach accepted an empty id")
	}
}

func TestDetachEvictsWhenEmpty(t *testing.T) {
	st := newTestStore(t)
	id := NewSessionID()

	a, b := &fakeConn{}, &fakeConn{}
	sess, _ := st.Attach(id, a)
	if _, err := st.Attach(id, b); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if evicted := st.Detach(sess, a); evicted {
		t.Error("evicted while another connection remained")
	}
	if st.Get(id) == nil {
		t.Fatal("session vanished with a live connection")
	}
	if evicted := st.Detach(sess, b); !evicted {
		t.Error("last detach did not evict")
	}
	if st.Get(id) != nil {
		t.Error("evicted session still reachable")
	}
}

// A reconnect racing the previous connection's teardown must never leave
// the store without the session, or with two Session values for one id
// (that would mean two independent processing guards).
func TestAttachDetachRace(t *testing.T) {
	st := newTestStore(t)
	id := NewSessionID()

	for i := 0; i < 200; i++ {
		a, b := &fakeConn{}, &fakeConn{}
		sessA, err := st.Attach(id, a)
		if err != nil {
			t.Fatalf("Attach: %v", err)
		}

		var sessB *Session
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			st.Detach(sessA, a)
		}()
		go func() {
			defer wg.Done()
			var err error
			sessB, err = st.Attach(id, b)
			if err != nil {
				t.Errorf("Attach: %v", err)
			}
		}()
		wg.Wait()

		live := st.Get(id)
		if live == nil {
			t.Fatalf("iteration %d: session evicted while a connection was attached", i)
		}
		if live != sessB {
			t.Fatalf("iteration %d: two live Session values for one id", i)
		}
		if !st.Detach(sessB, b) {
			t.Fatalf("iteration %d: detaching the last connection did not evict", i)
		}
	}
}

func TestProcessingGuard(t *testing.T) {
	st := newTestStore(t)
	sess, _ := st.Attach(NewSessionID(), &fakeConn{})

	if !sess.BeginProcessing() {
		t.Fatal("first BeginProcessing refused")
	}
	if sess.BeginProcessing() {
		t.Error("second BeginProcessing admitted a concurrent message")
	}
	sess.EndProcessing()
	if !sess.BeginProcessing() {
		t.Error("BeginProcessing refused after EndProcessing")
	}
}

func TestBroadcast(t *testing.T) {
	st := newTestStore(t)
	id := NewSessionID()

	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{}
	sess, _ := st.Attach(id, a)
	st.Attach(id, b)
	st.Attach(id, c)

	env, err := datatypes.NewEnvelope(datatypes.EventBotStatus, datatypes.BotStatus{Status: datatypes.BotStatusTyping})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	if err := sess.Broadcast(env); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for i, conn := range []*fakeConn{a, b, c} {
		if conn.count() != 1 {
			t.Errorf("conn %d received %d envelopes, want 1", i, conn.count())
		}
	}

	if err := sess.BroadcastOthers(a, env); err != nil {
		t.Fatalf("BroadcastOthers: %v", err)
	}
	if a.count() != 1 {
		t.Errorf("skipped conn received %d envelopes, want 1", a.count())
	}
	if b.count() != 2 || c.count() != 2 {
		t.Errorf("other conns received %d/%d envelopes, want 2/2", b.count(), c.count())
	}
}

func TestMemoryRehydration(t *testing.T) {
	log, err := conversation.NewFileLog(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	st := NewStore(log, nil)
	id := NewSessionID()

	want := datatypes.ConversationMemory{PreviousTopic: "SQL Injection", Summary: "Covered parameterized queries."}
	if err := log.SaveMemory(id, want); err != nil {
		t.Fatalf("SaveMemory: %v", err)
	}

	conn := &fakeConn{}
	sess, err := st.Attach(id, conn)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if got := sess.Memory(); got != want {
		t.Errorf("Memory() = %+v, want %+v", got, want)
	}

	// Eviction and re-attach must survive on disk state.
	st.Detach(sess, conn)
	sess2, err := st.Attach(id, &fakeConn{})
	if err != nil {
		t.Fatalf("re-Attach: %v", err)
	}
	if got := sess2.Memory(); got != want {
		t.Errorf("rehydrated Memory() = %+v, want %+v", got, want)
	}
}
