// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/chatbot/datatypes"
)

// ErrLoadFailed wraps every batch-ingestion failure. The load is
// all-or-nothing: when it is returned, the previously serving index (if
// any) remains in effect.
var ErrLoadFailed = errors.New("knowledge: index load failed")

// CSV column headers the tabular source must provide. Extra columns are
// ignored; header order does not matter.
const (
	columnQuestion = "Question"
	columnAnswer   = "Answer"
)

// LoadCSV ingests a tabular question/answer source: every accepted row
// becomes one KnowledgeEntry, all questions are embedded in one batch, and
// the whole index is swapped atomically. Rows with an empty question or
// answer are skipped, matching the upstream dataset convention.
//
// Returns the number of entries now serving. Any failure — unreadable
// input, missing columns, embedder error, inconsistent vectors — aborts
// the load with ErrLoadFailed and keeps the previous snapshot.
func (ix *Index) LoadCSV(ctx context.Context, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // ragged rows are tolerated, short ones skipped

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("%w: reading header: %v", ErrLoadFailed, err)
	}
	questionCol, answerCol := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case columnQuestion:
			questionCol = i
		case columnAnswer:
			answerCol = i
		}
	}
	if questionCol < 0 || answerCol < 0 {
		return 0, fmt.Errorf("%w: header must contain %q and %q columns", ErrLoadFailed, columnQuestion, columnAnswer)
	}

	var entries []datatypes.KnowledgeEntry
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("%w: reading row: %v", ErrLoadFailed, err)
		}
		if questionCol >= len(row) || answerCol >= len(row) {
			continue
		}
		question := strings.TrimSpace(row[questionCol])
		answer := strings.TrimSpace(row[answerCol])
		if question == "" || answer == "" {
			continue
		}
		entries = append(entries, datatypes.KnowledgeEntry{Question: question, Answer: answer})
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("%w: no usable rows", ErrLoadFailed)
	}

	questions := make([]string, len(entries))
	for i := range entries {
		questions[i] = entries[i].Question
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, questions)
	if err != nil {
		return 0, fmt.Errorf("%w: embedding %d questions: %v", ErrLoadFailed, len(questions), err)
	}
	if len(vectors) != len(entries) {
		return 0, fmt.Errorf("%w: embedder returned %d vectors for %d questions", ErrLoadFailed, len(vectors), len(entries))
	}
	for i := range entries {
		entries[i].Embedding = vectors[i]
	}

	if err := ix.Swap(entries); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	return len(entries), nil
}

// LoadFile is LoadCSV over a file path.
func (ix *Index) LoadFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: opening %s: %v", ErrLoadFailed, path, err)
	}
	defer f.Close()
	return ix.LoadCSV(ctx, f)
}
