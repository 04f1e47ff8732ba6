package datatypes

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestChatMessageRequestValidate(t *testing.T) {
	t.Run("plain message passes", func(t *testing.T) {
		req := ChatMessageRequest{UserMessage: "What is XSS?"}
		if err := req.Validate(); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})

	t.Run("empty message rejected", func(t *testing.T) {
		req := ChatMessageRequest{}
		if err := req.Validate(); err == nil {
			t.Error("expected validation error for empty message")
		}
	})

	t.Run("oversized message rejected", func(t *testing.T) {
		req := ChatMessageRequest{UserMessage: strings.Repeat("a", MaxMessageContentBytes+1)}
		if err := req.Validate(); err == nil {
			t.Error("expected validation error for oversized message")
		}
	})

	t.Run("multi-byte payload measured in bytes", func(t *testing.T) {
		// 3 bytes per rune: rune count stays below the cap, byte count does not.
		req := ChatMessageRequest{UserMessage: strings.Repeat("€", MaxMessageContentBytes/3+1)}
		if err := req.Validate(); err == nil {
			t.Error("expected validation error for oversized multi-byte message")
		}
	})
}

func TestSearchRequestValidate(t *testing.T) {
	threshold := func(v float64) *float64 { return &v }
	limit := func(v int) *int { return &v }

	tests := []struct {
		name    string
		req     SearchRequest
		wantErr bool
	}{
		{"query only", SearchRequest{Query: "sql injection"}, false},
		{"full request", SearchRequest{Query: "xss", Threshold: threshold(0.5), Limit: limit(3)}, false},
		{"missing query", SearchRequest{}, true},
		{"threshold above cosine range", SearchRequest{Query: "q", Threshold: threshold(1.5)}, true},
		{"threshold below cosine range", SearchRequest{Query: "q", Threshold: threshold(-1.5)}, true},
		{"zero limit", SearchRequest{Query: "q", Limit: limit(0)}, true},
		{"limit above cap", SearchRequest{Query: "q", Limit: limit(MaxSearchResultLimit + 1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventBotStatus, BotStatus{Status: BotStatusTyping})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Event != EventBotStatus {
		t.Errorf("event = %q, want %q", decoded.Event, EventBotStatus)
	}
	var status BotStatus
	if err := json.Unmarshal(decoded.Data, &status); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if status.Status != BotStatusTyping {
		t.Errorf("status = %q, want %q", status.Status, BotStatusTyping)
	}
}

func TestNewTurn(t *testing.T) {
	before := time.Now().UTC()
	turn := NewTurn(SenderUser, "hello")
	after := time.Now().UTC()

	if turn.Sender != SenderUser {
		t.Errorf("sender = %q", turn.Sender)
	}
	if turn.Message != "hello" {
		t.Errorf("message = %q", turn.Message)
	}
	if turn.AnswerTime.Before(before) || turn.AnswerTime.After(after) {
		t.Errorf("answerTime %v outside [%v, %v]", turn.AnswerTime, before, after)
	}
	if turn.MsgID != turn.AnswerTime.UnixMilli() {
		t.Errorf("msgId %d does not match answerTime %d", turn.MsgID, turn.AnswerTime.UnixMilli())
	}
}

func TestTurnWireFieldNames(t *testing.T) {
	// Field names are shared with the widget protocol and the on-disk log.
	raw, err := json.Marshal(NewTurn(SenderBot, "hi"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"msgId"`, `"message"`, `"sender"`, `"answerTime"`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("serialized turn missing %s: %s", field, raw)
		}
	}
}
