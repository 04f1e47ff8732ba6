// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianChat/services/chatbot/conversation"
	"github.com/AleutianAI/AleutianChat/services/chatbot/handlers"
	"github.com/AleutianAI/AleutianChat/services/chatbot/knowledge"
	"github.com/AleutianAI/AleutianChat/services/chatbot/observability"
	"github.com/AleutianAI/AleutianChat/services/chatbot/services"
	"github.com/AleutianAI/AleutianChat/services/chatbot/session"
)

func SetupRoutes(router *gin.Engine, store *session.Store, pipeline *services.Pipeline,
	index *knowledge.Index, log *conversation.FileLog, metrics *observability.ChatMetrics) {

	router.GET("/health", handlers.HealthCheck(index, store))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		v1.GET("/chat/ws", handlers.HandleChatWebSocket(store, pipeline, log, metrics))
		knowledgeGroup := v1.Group("/knowledge")
		{
			knowledgeGroup.POST("/upload", handlers.UploadKnowledge(index, metrics))
			knowledgeGroup.POST("/search", handlers.SearchKnowledge(index))
		}
	}
}
