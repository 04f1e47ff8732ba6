// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package knowledge provides the in-memory retrieval index that grounds
// generation prompts.
//
// The index holds (question, answer, embedding) triples and answers cosine
// similarity queries against them. It is loaded in one all-or-nothing batch
// and read-only afterward; a reload builds a complete replacement snapshot
// and swaps it atomically, so an in-flight search sees either the old or
// the new index in full, never a partial mix.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"

	"github.com/AleutianAI/AleutianChat/services/chatbot/datatypes"
	"github.com/AleutianAI/AleutianChat/services/llm"
)

// ErrVectorMismatch reports a data-integrity failure inside the index: an
// entry whose embedding is empty, non-finite, or of a different
// dimensionality than the query. This is never a normal "no match" case
// and is surfaced instead of being scored as zero.
var ErrVectorMismatch = errors.New("knowledge: embedding vectors are invalid or mismatched")

// snapshot is one immutable generation of the index. Entries keep their
// load order; search ties are broken by that order.
type snapshot struct {
	entries    []datatypes.KnowledgeEntry
	dimensions int
}

// Index answers similarity queries over the loaded knowledge entries.
//
// All methods are safe for concurrent use. Search never mutates the index;
// Swap publishes a fully-built replacement.
type Index struct {
	embedder llm.Embedder
	logger   *slog.Logger

	current atomic.Pointer[snapshot]
}

// NewIndex creates an empty index. Searches against an empty index return
// no results without calling the embedder.
func NewIndex(embedder llm.Embedder, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Index{embedder: embedder, logger: logger}
	ix.current.Store(&snapshot{})
	return ix
}

// Len returns the number of entries in the serving snapshot.
func (ix *Index) Len() int {
	return len(ix.current.Load().entries)
}

// Dimensions returns the embedding dimensionality of the serving snapshot,
// or 0 when the index is empty.
func (ix *Index) Dimensions() int {
	return ix.current.Load().dimensions
}

// Swap validates entries and publishes them as the new serving snapshot.
//
// Every embedding must be non-empty and share one dimensionality; on any
// violation the previous snapshot stays in effect and the error describes
// the offending entry. Callers pass ownership of the slice.
func (ix *Index) Swap(entries []datatypes.KnowledgeEntry) error {
	next := &snapshot{entries: entries}
	for i, entry := range entries {
		if len(entry.Embedding) == 0 {
			return fmt.Errorf("%w: entry %d (%q) has an empty embedding", ErrVectorMismatch, i, entry.Question)
		}
		if next.dimensions == 0 {
			next.dimensions = len(entry.Embedding)
		} else if len(entry.Embedding) != next.dimensions {
			return fmt.Errorf("%w: entry %d (%q) has %d dimensions, index has %d",
				ErrVectorMismatch, i, entry.Question, len(entry.Embedding), next.dimensions)
		}
	}
	ix.current.Store(next)
	ix.logger.Info("knowledge index swapped", "entries", len(entries), "dimensions", next.dimensions)
	return nil
}

// Search embeds the query and returns the entries whose cosine similarity
// meets threshold, sorted by similarity descending (ties in load order),
// capped at limit. An empty result is a valid outcome.
//
// Errors: an embedder failure is returned as-is (the backend was
// unreachable); a dimensionality or vector-content problem wraps
// ErrVectorMismatch. The per-call work is recomputed every time; results
// are not cached.
func (ix *Index) Search(ctx context.Context, query string, threshold float64, limit int) ([]datatypes.SearchResult, error) {
	snap := ix.current.Load()
	if len(snap.entries) == 0 {
		return nil, nil
	}

	queryVector, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	results := make([]datatypes.SearchResult, 0, len(snap.entries))
	for i, entry := range snap.entries {
		similarity, err := cosineSimilarity(queryVector, entry.Embedding)
		if err != nil {
			return nil, fmt.Errorf("entry %d (%q): %w", i, entry.Question, err)
		}
		if similarity >= threshold {
			results = append(results, datatypes.SearchResult{
				Question:   entry.Question,
				Answer:     entry.Answer,
				Similarity: similarity,
			})
		}
	}

	// Stable sort keeps load order for equal similarities.
	sort.SliceStable(results, func(a, b int) bool {
		return results[a].Similarity > results[b].Similarity
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// cosineSimilarity computes dot(a,b) / (‖a‖·‖b‖) in float64.
//
// Empty vectors, length mismatches, zero magnitudes and non-finite values
// all wrap ErrVectorMismatch: each means the stored data or the embedding
// backend broke the index invariant, and a silent 0 would mask that.
func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("%w: empty vector", ErrVectorMismatch)
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d dimensions", ErrVectorMismatch, len(a), len(b))
	}

	var dot, magA, magB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0, fmt.Errorf("%w: zero-magnitude vector", ErrVectorMismatch)
	}

	similarity := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	if math.IsNaN(similarity) || math.IsInf(similarity, 0) {
		return 0, fmt.Errorf("%w: non-finite similarity", ErrVectorMismatch)
	}
	return similarity, nil
}
