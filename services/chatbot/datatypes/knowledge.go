// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// KnowledgeEntry is one stored question/answer pair plus its embedding
// vector. Entries are loaded in one batch and read-only afterward; every
// embedding in one index has the same dimensionality.
type KnowledgeEntry struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Embedding []float32 `json:"-"`
}

// SearchResult is one retrieval hit: the matched entry with its cosine
// similarity against the query.
type SearchResult struct {
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	Similarity float64 `json:"similarity"`
}

// SearchRequest is the body of the ad-hoc POST /v1/knowledge/search
// endpoint. Threshold and Limit fall back to the service defaults when nil.
type SearchRequest struct {
	Query     string   `json:"query" validate:"required,maxbytes"`
	Threshold *float64 `json:"threshold,omitempty" validate:"omitempty,gte=-1,lte=1"`
	Limit     *int     `json:"limit,omitempty" validate:"omitempty,gte=1,lte=50"`
}

// Validate checks the request against the registered rules.
func (r *SearchRequest) Validate() error {
	return chatValidate.Struct(r)
}

// UploadResponse reports the outcome of a knowledge CSV ingestion.
type UploadResponse struct {
	Message string `json:"message"`
	Total   int    `json:"total"`
}
