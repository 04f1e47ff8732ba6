// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers provides HTTP and websocket handlers for the chatbot
// service.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/chatbot/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chatbot/knowledge"
	"github.com/AleutianAI/AleutianChat/services/chatbot/observability"
)

// maxUploadBytes caps the CSV upload size.
const maxUploadBytes = 32 * 1024 * 1024 // 32MB

// Default retrieval parameters for the ad-hoc search endpoint, matching
// the pipeline's own retrieval settings.
const (
	defaultSearchThreshold = 0.5
	defaultSearchLimit     = 3
)

// UploadKnowledge replaces the knowledge index from an uploaded CSV file.
//
// The file goes in the "file" multipart field and needs Question and
// Answer columns. The swap is all-or-nothing: on any error the previous
// index keeps serving.
func UploadKnowledge(index *knowledge.Index, metrics *observability.ChatMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing multipart field 'file'"})
			return
		}
		if fileHeader.Size > maxUploadBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "knowledge file too large"})
			return
		}

		f, err := fileHeader.Open()
		if err != nil {
			slog.Error("opening knowledge upload", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read upload"})
			return
		}
		defer f.Close()

		n, err := index.LoadCSV(c.Request.Context(), f)
		metrics.RecordReload(n, err)
		if err != nil {
			slog.Error("knowledge upload rejected", "filename", fileHeader.Filename, "error", err)
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}

		slog.Info("knowledge index replaced", "filename", fileHeader.Filename, "entries", n)
		c.JSON(http.StatusOK, datatypes.UploadResponse{
			Message: "knowledge base updated",
			Total:   n,
		})
	}
}

// SearchKnowledge runs one retrieval query against the live index.
// Intended for curating the knowledge base; the chat pipeline does its own
// retrieval.
func SearchKnowledge(index *knowledge.Index) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SearchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		threshold := defaultSearchThreshold
		if req.Threshold != nil {
			threshold = *req.Threshold
		}
		limit := defaultSearchLimit
		if req.Limit != nil {
			limit = *req.Limit
		}

		results, err := index.Search(c.Request.Context(), req.Query, threshold, limit)
		if err != nil {
			slog.Error("knowledge search failed", "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "search unavailable"})
			return
		}
		if results == nil {
			results = []datatypes.SearchResult{}
		}
		c.JSON(http.StatusOK, gin.H{"results": results, "total": len(results)})
	}
}
