// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
	"github.com/AleutianAI/AleutianChat/services/chat/middleware"
	"github.com/AleutianAI/AleutianChat/services/session"
)

// GetSession handles GET /v1/session/:sessionId.
//
// Returns session metadata only; stored turn content never leaves the
// server through this endpoint. Sessions owned by a different client are
// reported as not found rather than forbidden, so the endpoint does not
// confirm which session IDs exist.
func GetSession(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		clientID := middleware.GetClientID(c)

		sess, err := store.Load(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "session not found"})
				return
			}
			slog.Error("session lookup failed", "session_id", id, "error", err)
			c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Error: "session store unavailable"})
			return
		}
		if sess.ClientID != clientID {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "session not found"})
			return
		}

		c.JSON(http.StatusOK, datatypes.SessionInfo{
			SessionID:    sess.ID,
			MessageCount: len(sess.Turns),
			HasSynopsis:  sess.Synopsis != "",
			CreatedAt:    sess.Created.Unix(),
			LastActiveAt: sess.LastActive.Unix(),
		})
	}
}

// DeleteSession handles DELETE /v1/session/:sessionId.
//
// Deletion is idempotent: removing an unknown session succeeds. A session
// owned by a different client is left untouched but still reported as
// deleted, for the same enumeration-resistance reason as GetSession.
func DeleteSession(store *session.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		clientID := middleware.GetClientID(c)

		sess, err := store.Load(c.Request.Context(), id)
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			c.JSON(http.StatusOK, datatypes.SessionDeleted{SessionID: id, Deleted: true})
			return
		case err != nil:
			slog.Error("session lookup failed", "session_id", id, "error", err)
			c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Error: "session store unavailable"})
			return
		case sess.ClientID != clientID:
			c.JSON(http.StatusOK, datatypes.SessionDeleted{SessionID: id, Deleted: true})
			return
		}

		if err := store.Delete(c.Request.Context(), id); err != nil {
			slog.Error("session delete failed", "session_id", id, "error", err)
			c.JSON(http.StatusServiceUnavailable, datatypes.ErrorResponse{Error: "session store unavailable"})
			return
		}

		slog.Info("session deleted", "session_id", id)
		c.JSON(http.StatusOK, datatypes.SessionDeleted{SessionID: id, Deleted: true})
	}
}
