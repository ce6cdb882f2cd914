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

	"github.com/AleutianAI/AleutianChat/services/chat/handlers"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
	"github.com/AleutianAI/AleutianChat/services/session"
)

// Deps carries the wired components the route table needs.
//
// # Description
//
// Deps decouples route registration from service construction so the
// router can be assembled in tests with fakes for any component.
//
// # Required Fields
//
//   - Auth: API key authenticator guarding the /v1 group
//   - Stream: Chat streaming handler
//   - Store: Session store for the session admin endpoints
//
// # Optional Fields
//
//   - IngestURL: Document ingestion service base URL. When empty the
//     upload and file listing routes are not registered.
//   - Model: Model name reported by /health
type Deps struct {
	Auth      *middleware.Authenticator
	Stream    handlers.StreamHandler
	Store     *session.Store
	IngestURL string
	Model     string
}

// SetupRoutes registers all HTTP routes on the router.
//
// /health and /metrics are unauthenticated; everything under /v1
// requires a bearer API key.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.Health(deps.Model))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.KeyAuthMiddleware(deps.Auth))
	{
		v1.POST("/chat", deps.Stream.HandleChatStream)

		v1.GET("/session/:sessionId", handlers.GetSession(deps.Store))
		v1.DELETE("/session/:sessionId", handlers.DeleteSession(deps.Store))

		if deps.IngestURL != "" {
			v1.POST("/upload", handlers.UploadDocument(deps.IngestURL))
			v1.GET("/files", handlers.ListFiles(deps.IngestURL))
		}
	}
}
