// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation provides append-only persistence of per-session
// message history and conversational memory.
//
// History is the source of truth, not a side effect: the user turn is
// written before generation starts, the bot turn after it finishes, and a
// reconnecting client replays the log, not anything held in memory.
//
// Storage layout under the configured data directory:
//
//	<dir>/conversations/<sessionID>   append-only turn log
//	<dir>/sessions/<sessionID>        memory snapshot (whole-file overwrite)
//
// The turn log is a sequence of JSON records each followed by a ","
// separator. An interrupted append can leave a dangling separator or a
// truncated trailing record; recovery drops that tail. Anything else that
// fails to parse is a corruption error surfaced to the caller.
package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/AleutianChat/pkg/validation"
	"github.com/AleutianAI/AleutianChat/services/chatbot/datatypes"
)

// recordSeparator terminates every appended turn record. The format is
// shared with existing on-disk logs and must not change.
const recordSeparator = ","

// ErrCorruptLog reports a stored log that fails to parse even after the
// interrupted tail is trimmed. The affected session's prior history is
// unavailable, but the session stays usable going forward.
var ErrCorruptLog = errors.New("conversation: stored log is corrupt")

// FileLog persists turns and memory snapshots as plain files keyed by
// session identifier.
//
// Appends for one session are strictly sequential (the per-session
// admission guard serializes turns), so FileLog does no locking of its
// own; distinct sessions write to distinct files.
type FileLog struct {
	turnsDir  string
	memoryDir string
	logger    *slog.Logger
}

// NewFileLog creates the storage directories under dir if needed.
func NewFileLog(dir string, logger *slog.Logger) (*FileLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &FileLog{
		turnsDir:  filepath.Join(dir, "conversations"),
		memoryDir: filepath.Join(dir, "sessions"),
		logger:    logger,
	}
	for _, d := range []string{l.turnsDir, l.memoryDir} {
		if err := os.MkdirAll(d, 0750); err != nil {
			return nil, fmt.Errorf("creating log directory %s: %w", d, err)
		}
	}
	return l, nil
}

// Append writes one serialized turn plus the record separator to the
// session's turn log, creating the log on first use.
func (l *FileLog) Append(sessionID string, turn datatypes.ConversationTurn) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}
	record, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshaling turn: %w", err)
	}

	path := filepath.Join(l.turnsDir, sessionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("opening turn log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(record, recordSeparator...)); err != nil {
		return fmt.Errorf("appending turn: %w", err)
	}
	l.logger.Debug("turn appended", "session_id", sessionID, "sender", turn.Sender, "msg_id", turn.MsgID)
	return nil
}

// LoadTurns returns the session's turns in append order, which is
// conversation order. A missing log yields an empty sequence. A truncated
// trailing record (interrupted append) is dropped; any other parse
// failure wraps ErrCorruptLog.
func (l *FileLog) LoadTurns(sessionID string) ([]datatypes.ConversationTurn, error) {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session id: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(l.turnsDir, sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading turn log: %w", err)
	}

	turns, err := parseTurns(data)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrCorruptLog, sessionID, err)
	}
	return turns, nil
}

// parseTurns decodes the record stream. Records never parse across the
// separator because each json.Decoder stops at the end of one value; the
// separator (and one dangling separator at EOF) is consumed between
// decodes.
func parseTurns(data []byte) ([]datatypes.ConversationTurn, error) {
	var turns []datatypes.ConversationTurn
	rest := bytes.TrimSpace(data)
	for len(rest) > 0 {
		dec := json.NewDecoder(bytes.NewReader(rest))
		var turn datatypes.ConversationTurn
		if err := dec.Decode(&turn); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				// The last append was cut off mid-record. Everything
				// before it is intact; drop only the partial tail.
				return turns, nil
			}
			return nil, err
		}
		turns = append(turns, turn)

		rest = bytes.TrimSpace(rest[dec.InputOffset():])
		if len(rest) == 0 {
			break
		}
		if rest[0] != recordSeparator[0] {
			return nil, fmt.Errorf("missing record separator before offset %d", len(data)-len(rest))
		}
		rest = bytes.TrimSpace(rest[1:])
	}
	return turns, nil
}

// SaveMemory replaces the session's memory snapshot wholesale. Only the
// latest memory matters, so this is an overwrite, not an append; the
// write goes through a temp file and rename so a crash never leaves a
// half-written snapshot.
func (l *FileLog) SaveMemory(sessionID string, memory datatypes.ConversationMemory) error {
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return fmt.Errorf("invalid session id: %w", err)
	}
	data, err := json.Marshal(memory)
	if err != nil {
		return fmt.Errorf("marshaling memory: %w", err)
	}

	path := filepath.Join(l.memoryDir, sessionID)
	tmp, err := os.CreateTemp(l.memoryDir, sessionID+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating memory temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing memory snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing memory temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing memory snapshot: %w", err)
	}
	l.logger.Debug("memory saved", "session_id", sessionID, "topic", memory.PreviousTopic)
	return nil
}

// LoadMemory restores the session's memory snapshot. The second return
// value is false when no snapshot exists for this session.
func (l *FileLog) LoadMemory(sessionID string) (datatypes.ConversationMemory, bool, error) {
	var memory datatypes.ConversationMemory
	if err := validation.ValidateSessionID(sessionID); err != nil {
		return memory, false, fmt.Errorf("invalid session id: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(l.memoryDir, sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return memory, false, nil
	}
	if err != nil {
		return memory, false, fmt.Errorf("reading memory snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &memory); err != nil {
		return memory, false, fmt.Errorf("%w: memory snapshot for session %s: %v", ErrCorruptLog, sessionID, err)
	}
	return memory, true, nil
}
