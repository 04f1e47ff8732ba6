package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/services/chatbot/conversation"
	"github.com/AleutianAI/AleutianChat/services/chatbot/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatbot/knowledge"
	"github.com/AleutianAI/AleutianChat/services/chatbot/prompt"
	"github.com/AleutianAI/AleutianChat/services/chatbot/session"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// =============================================================================
// Test Doubles
// =============================================================================

type stubRetriever struct {
	results []datatypes.SearchResult
	err     error
	queries []string
}

func (s *stubRetriever) Search(_ context.Context, query string, _ float64, _ int) ([]datatypes.SearchResult, error) {
	s.queries = append(s.queries, query)
	return s.results, s.err
}

type stubLLM struct {
	reply string
	err   error
	delay time.Duration

	mu      sync.Mutex
	prompts []string
}

func (s *stubLLM) Generate(ctx context.Context, fullPrompt string, _ llm.GenerationParams) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, fullPrompt)
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.reply, s.err
}

func (s *stubLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

type recordingConn struct {
	mu   sync.Mutex
	envs []datatypes.Envelope
}

func (c *recordingConn) Send(env datatypes.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *recordingConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.envs))
	for i, e := range c.envs {
		out[i] = e.Event
	}
	return out
}

// lastChatMessage decodes the most recent chat_message envelope.
func (c *recordingConn) lastChatMessage(t *testing.T) datatypes.ConversationTurn {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.envs) - 1; i >= 0; i-- {
		if c.envs[i].Event != datatypes.EventChatMessage {
			continue
		}
		var turn datatypes.ConversationTurn
		if err := json.Unmarshal(c.envs[i].Data, &turn); err != nil {
			t.Fatalf("decoding chat_message: %v", err)
		}
		return turn
	}
	t.Fatal("no chat_message envelope recorded")
	return datatypes.ConversationTurn{}
}

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	pipeline *Pipeline
	log      *conversation.FileLog
	sess     *session.Session
	sender   *recordingConn
	other    *recordingConn
	llm      *stubLLM
	ret      *stubRetriever
}

func newFixture(t *testing.T, ret *stubRetriever, model *stubLLM, cfg Config) *fixture {
	t.Helper()
	log, err := conversation.NewFileLog(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	store := session.NewStore(log, nil)

	sender, other := &recordingConn{}, &recordingConn{}
	id := session.NewSessionID()
	sess, err := store.Attach(id, sender)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := store.Attach(id, other); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if cfg.Limit == 0 {
		cfg = Config{Threshold: 0.5, Limit: 3, GenerateTimeout: 5 * time.Second}
	}
	p := NewPipeline(ret, model, log, prompt.DefaultPersona(), cfg, nil, nil)
	return &fixture{pipeline: p, log: log, sess: sess, sender: sender, other: other, llm: model, ret: ret}
}

const goodReply = "ChatBot_Answer: Use output encoding. End_ChatBot_Answer\n" +
	"ChatBot_Summary: Talked about XSS defenses. End_ChatBot_Summary\n" +
	"ChatBot_Topic: XSS"

// =============================================================================
// Tests
// =============================================================================

func TestHandleMessageSuccess(t *testing.T) {
	ret := &stubRetriever{results: []datatypes.SearchResult{
		{Question: "What is XSS?", Answer: "Script injection", Similarity: 0.9},
	}}
	fx := newFixture(t, ret, &stubLLM{reply: goodReply}, Config{})

	sanitized, err := fx.pipeline.HandleMessage(context.Background(), fx.sess, fx.sender, "How do I prevent XSS?")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if sanitized != "How do I prevent XSS?" {
		t.Errorf("sanitized = %q", sanitized)
	}

	t.Run("turns persisted in order", func(t *testing.T) {
		turns, err := fx.log.LoadTurns(fx.sess.ID())
		if err != nil {
			t.Fatalf("LoadTurns: %v", err)
		}
		if len(turns) != 2 {
			t.Fatalf("persisted %d turns, want 2", len(turns))
		}
		if turns[0].Sender != datatypes.SenderUser || turns[1].Sender != datatypes.SenderBot {
			t.Errorf("turn senders = %s, %s", turns[0].Sender, turns[1].Sender)
		}
		if turns[1].Message != "Use output encoding." {
			t.Errorf("bot message = %q", turns[1].Message)
		}
	})

	t.Run("memory updated and persisted", func(t *testing.T) {
		want := datatypes.ConversationMemory{PreviousTopic: "XSS", Summary: "Talked about XSS defenses."}
		if got := fx.sess.Memory(); got != want {
			t.Errorf("session memory = %+v, want %+v", got, want)
		}
		got, ok, err := fx.log.LoadMemory(fx.sess.ID())
		if err != nil || !ok {
			t.Fatalf("LoadMemory: ok=%v err=%v", ok, err)
		}
		if got != want {
			t.Errorf("persisted memory = %+v, want %+v", got, want)
		}
	})

	t.Run("sender sees bot traffic but not its own echo", func(t *testing.T) {
		want := []string{datatypes.EventBotStatus, datatypes.EventChatMessage, datatypes.EventBotStatus}
		got := fx.sender.events()
		if len(got) != len(want) {
			t.Fatalf("sender events = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("sender events = %v, want %v", got, want)
			}
		}
	})

	t.Run("other tab sees the user turn too", func(t *testing.T) {
		got := fx.other.events()
		want := []string{datatypes.EventChatMessage, datatypes.EventBotStatus, datatypes.EventChatMessage, datatypes.EventBotStatus}
		if len(got) != len(want) {
			t.Fatalf("other events = %v, want %v", got, want)
		}
	})

	t.Run("prompt grounded on retrieval", func(t *testing.T) {
		if fx.llm.calls() != 1 {
			t.Fatalf("llm called %d times, want 1", fx.llm.calls())
		}
	})
}

func TestHandleMessageBusy(t *testing.T) {
	fx := newFixture(t, &stubRetriever{}, &stubLLM{reply: goodReply}, Config{})
	if !fx.sess.BeginProcessing() {
		t.Fatal("could not mark session busy")
	}
	defer fx.sess.EndProcessing()

	_, err := fx.pipeline.HandleMessage(context.Background(), fx.sess, fx.sender, "hello")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("error = %v, want ErrBusy", err)
	}
	turns, _ := fx.log.LoadTurns(fx.sess.ID())
	if len(turns) != 0 {
		t.Errorf("rejected message persisted %d turns", len(turns))
	}
}

func TestHandleMessageInvalid(t *testing.T) {
	fx := newFixture(t, &stubRetriever{}, &stubLLM{reply: goodReply}, Config{})

	_, err := fx.pipeline.HandleMessage(context.Background(), fx.sess, fx.sender, "<script>alert(1)</script>")
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("error = %v, want ErrInvalidMessage", err)
	}
	if fx.llm.calls() != 0 {
		t.Error("model called for an invalid message")
	}
}

func TestHandleMessageGenerationFailure(t *testing.T) {
	fx := newFixture(t, &stubRetriever{}, &stubLLM{err: errors.New("connection refused")}, Config{})

	_, err := fx.pipeline.HandleMessage(context.Background(), fx.sess, fx.sender, "hello")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	turn := fx.sender.lastChatMessage(t)
	if turn.Message != prompt.DefaultPersona().FallbackAnswer {
		t.Errorf("bot message = %q, want fallback answer", turn.Message)
	}
	if _, ok, _ := fx.log.LoadMemory(fx.sess.ID()); ok {
		t.Error("memory persisted on a failed generation")
	}
	turns, _ := fx.log.LoadTurns(fx.sess.ID())
	if len(turns) != 2 {
		t.Errorf("persisted %d turns, want user turn plus fallback", len(turns))
	}
}

func TestHandleMessageUnparseableReply(t *testing.T) {
	fx := newFixture(t, &stubRetriever{}, &stubLLM{reply: "no markers at all"}, Config{})

	_, err := fx.pipeline.HandleMessage(context.Background(), fx.sess, fx.sender, "hello")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	turn := fx.sender.lastChatMessage(t)
	if turn.Message != prompt.DefaultPersona().FallbackAnswer {
		t.Errorf("bot message = %q, want fallback answer", turn.Message)
	}
}

func TestHandleMessageGenerationTimeout(t *testing.T) {
	model := &stubLLM{reply: goodReply, delay: time.Second}
	fx := newFixture(t, &stubRetriever{}, model, Config{Threshold: 0.5, Limit: 3, GenerateTimeout: 10 * time.Millisecond})

	_, err := fx.pipeline.HandleMessage(context.Background(), fx.sess, fx.sender, "hello")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	turn := fx.sender.lastChatMessage(t)
	if turn.Message != prompt.DefaultPersona().FallbackAnswer {
		t.Errorf("bot message = %q, want fallback answer", turn.Message)
	}
}

func TestHandleMessageRetrievalOutage(t *testing.T) {
	ret := &stubRetriever{err: errors.New("embedding backend unavailable")}
	fx := newFixture(t, ret, &stubLLM{reply: goodReply}, Config{})

	_, err := fx.pipeline.HandleMessage(context.Background(), fx.sess, fx.sender, "hello")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if fx.llm.calls() != 0 {
		t.Error("model called while the embedding backend was down")
	}
	turn := fx.sender.lastChatMessage(t)
	if turn.Message != prompt.DefaultPersona().FallbackAnswer {
		t.Errorf("bot message = %q, want fallback answer", turn.Message)
	}
}

func TestHandleMessageDimensionMismatchDegrades(t *testing.T) {
	ret := &stubRetriever{err: knowledge.ErrVectorMismatch}
	fx := newFixture(t, ret, &stubLLM{reply: goodReply}, Config{})

	_, err := fx.pipeline.HandleMessage(context.Background(), fx.sess, fx.sender, "hello")
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if fx.llm.calls() != 1 {
		t.Fatalf("llm called %d times, want 1 (unassisted prompt)", fx.llm.calls())
	}
	turn := fx.sender.lastChatMessage(t)
	if turn.Message != "Use output encoding." {
		t.Errorf("bot message = %q", turn.Message)
	}
}

func TestHandleMessageAdmissionReleased(t *testing.T) {
	fx := newFixture(t, &stubRetriever{}, &stubLLM{reply: goodReply}, Config{})

	if _, err := fx.pipeline.HandleMessage(context.Background(), fx.sess, fx.sender, "first"); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if _, err := fx.pipeline.HandleMessage(context.Background(), fx.sess, fx.sender, "second"); err != nil {
		t.Fatalf("second message rejected after first completed: %v", err)
	}
}

// claimOnIdleConn tries to take the processing slot the moment the idle
// status arrives, like a client that sends its next message as soon as the
// bot reports itself free.
type claimOnIdleConn struct {
	sess     *session.Session
	mu       sync.Mutex
	admitted []bool
}

func (c *claimOnIdleConn) Send(env datatypes.Envelope) error {
	if env.Event != datatypes.EventBotStatus {
		return nil
	}
	var status datatypes.BotStatus
	if err := json.Unmarshal(env.Data, &status); err != nil {
		return err
	}
	if status.Status != datatypes.BotStatusIdle {
		return nil
	}
	ok := c.sess.BeginProcessing()
	if ok {
		c.sess.EndProcessing()
	}
	c.mu.Lock()
	c.admitted = append(c.admitted, ok)
	c.mu.Unlock()
	return nil
}

func TestHandleMessageReleasesGuardBeforeIdle(t *testing.T) {
	log, err := conversation.NewFileLog(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	store := session.NewStore(log, nil)
	conn := &claimOnIdleConn{}
	sess, err := store.Attach(session.NewSessionID(), conn)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	conn.sess = sess

	p := NewPipeline(&stubRetriever{}, &stubLLM{reply: goodReply}, log, prompt.DefaultPersona(), Config{
		Threshold:       0.5,
		Limit:           3,
		GenerateTimeout: time.Second,
	}, nil, nil)

	if _, err := p.HandleMessage(context.Background(), sess, conn, "hello"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(conn.admitted) != 1 || !conn.admitted[0] {
		t.Fatalf("admission attempt on idle = %v, want one successful claim", conn.admitted)
	}
}
