// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session tracks live chat sessions and the websocket connections
// attached to them.
//
// A session exists only while at least one connection is attached; state
// that must outlive the process (turn history, conversation memory) lives
// in the conversation package, and a session rehydrates from it on first
// attach.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/pkg/validation"
	"github.com/AleutianAI/AleutianChat/services/chatbot/conversation"
	"github.com/AleutianAI/AleutianChat/services/chatbot/datatypes"
)

// Sender is the write half of a websocket connection. Implementations must
// be safe for concurrent use; Send errors are logged and the connection is
// otherwise left to its own read-loop teardown.
type Sender interface {
	Send(env datatypes.Envelope) error
}

// =============================================================================
// Session
// =============================================================================

// Session is one conversation, shared by every browser tab that presents
// the same session cookie.
type Session struct {
	id string

	mu         sync.Mutex
	conns      map[Sender]struct{}
	processing bool
	memory     datatypes.ConversationMemory
}

// ID returns the immutable session identifier.
func (s *Session) ID() string { return s.id }

// BeginProcessing marks the session busy. It returns false when a message
// is already in flight; callers must reject the new message rather than
// queue it, so concurrent tabs cannot interleave turns.
func (s *Session) BeginProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return false
	}
	s.processing = true
	return true
}

// EndProcessing clears the busy flag. Safe to call on an idle session.
func (s *Session) EndProcessing() {
	s.mu.Lock()
	s.processing = false
	s.mu.Unlock()
}

// Memory returns the current conversation memory.
func (s *Session) Memory() datatypes.ConversationMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory
}

// SetMemory replaces the in-memory conversation memory wholesale. The
// caller is responsible for persisting it.
func (s *Session) SetMemory(mem datatypes.ConversationMemory) {
	s.mu.Lock()
	s.memory = mem
	s.mu.Unlock()
}

// Broadcast sends env to every attached connection. Individual send
// failures do not stop the fan-out; the first error is returned after all
// sends were attempted.
func (s *Session) Broadcast(env datatypes.Envelope) error {
	return s.fanOut(env, nil)
}

// BroadcastOthers sends env to every attached connection except skip.
// Used to mirror a user's own message into their other open tabs.
func (s *Session) BroadcastOthers(skip Sender, env datatypes.Envelope) error {
	return s.fanOut(env, skip)
}

func (s *Session) fanOut(env datatypes.Envelope, skip Sender) error {
	s.mu.Lock()
	targets := make([]Sender, 0, len(s.conns))
	for c := range s.conns {
		if c == skip {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.Unlock()

	var firstErr error
	for _, c := range targets {
		if err := c.Send(env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Session) attach(c Sender) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

// detach removes c and reports whether the session is now empty.
func (s *Session) detach(c Sender) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
	return len(s.conns) == 0
}

// =============================================================================
// Store
// =============================================================================

// Store owns the set of live sessions.
type Store struct {
	log    *conversation.FileLog
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewStore creates an empty store backed by the given conversation log.
func NewStore(log *conversation.FileLog, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		log:      log,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// NewSessionID mints a fresh session identifier. The minute-resolution
// timestamp prefix keeps the on-disk logs sortable by creation time.
func NewSessionID() string {
	return time.Now().Format("2006-01-02-15-04") + "_" + uuid.New().String()
}

// Attach binds conn to the session identified by id, creating and
// rehydrating the session if this is its first connection.
func (st *Store) Attach(id string, conn Sender) (*Session, error) {
	if err := validation.ValidateSessionID(id); err != nil {
		return nil, err
	}

	st.mu.Lock()
	sess, ok := st.sessions[id]
	if !ok {
		sess = &Session{
			id:    id,
			conns: make(map[Sender]struct{}),
		}
		sess.memory = st.recoverMemory(id)
		st.sessions[id] = sess
	}
	// Attach while still holding st.mu (lock order st.mu then sess.mu,
	// same as Detach). Attaching after the unlock would let a racing
	// last-connection Detach evict the session and strand conn on an
	// orphan while a later Attach mints a second Session for the id.
	sess.attach(conn)
	st.mu.Unlock()

	return sess, nil
}

// Detach removes conn from its session and reports whether the session was
// evicted (last connection gone). Turn history and memory stay on disk, so
// a later Attach with the same id resumes the conversation.
func (st *Store) Detach(sess *Session, conn Sender) bool {
	empty := sess.detach(conn)
	if !empty {
		return false
	}

	st.mu.Lock()
	// A new connection may have raced in between detach and this lock;
	// only evict if the session is still empty.
	sess.mu.Lock()
	stillEmpty := len(sess.conns) == 0
	sess.mu.Unlock()
	if stillEmpty {
		delete(st.sessions, sess.id)
	}
	st.mu.Unlock()
	return stillEmpty
}

// Get returns the live session for id, or nil when none is attached.
func (st *Store) Get(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sessions[id]
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// recoverMemory loads the persisted conversation memory, if any. A
// corrupt snapshot is not fatal: the session restarts with empty memory
// and the damage is logged.
func (st *Store) recoverMemory(id string) datatypes.ConversationMemory {
	mem, ok, err := st.log.LoadMemory(id)
	if err != nil {
		if errors.Is(err, conversation.ErrCorruptLog) {
			st.logger.Warn("discarding corrupt memory snapshot", "session_id", id)
		} else {
			st.logger.Error("loading memory snapshot", "session_id", id, "error", err)
		}
		return datatypes.ConversationMemory{}
	}
	if !ok {
		return datatypes.ConversationMemory{}
	}
	return mem
}
