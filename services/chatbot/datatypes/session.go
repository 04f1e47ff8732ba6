package datatypes

import (
	"time"
)

// Sender values for a ConversationTurn.
const (
	SenderUser = "user"
	SenderBot  = "bot"
)

// ConversationMemory is the free-text state carried across turns. It is
// replaced wholesale after each successful generation and restored from the
// session snapshot on reconnect.
type ConversationMemory struct {
	PreviousTopic string `json:"previousTopic"`
	Summary       string `json:"summary"`
}

// ConversationTurn is one message (user or bot) in a conversation.
// Immutable once appended to the log; log order is conversation order.
//
// The JSON field names are part of the wire protocol shared with the chat
// widget and of the on-disk log format, so they stay camelCase.
type ConversationTurn struct {
	MsgID      int64     `json:"msgId"`
	Message    string    `json:"message"`
	Sender     string    `json:"sender"`
	AnswerTime time.Time `json:"answerTime"`
}

// NewTurn builds a turn stamped with the current wall clock. MsgID is
// derived from a millisecond clock; turns are appended strictly
// sequentially per session, so it is monotonic within one conversation.
func NewTurn(sender, message string) ConversationTurn {
	now := time.Now().UTC()
	return ConversationTurn{
		MsgID:      now.UnixMilli(),
		Message:    message,
		Sender:     sender,
		AnswerTime: now,
	}
}
