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
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// maxUploadBytes caps uploaded documents at 50MB.
const maxUploadBytes = 50 << 20

// allowedUploadExtensions are the document types the ingestion service
// can process.
var allowedUploadExtensions = map[string]bool{
	".pdf":  true,
	".txt":  true,
	".md":   true,
	".docx": true,
	".csv":  true,
}

// uploadClient is shared across requests. Ingestion of large documents
// is slow, so the timeout is generous.
var uploadClient = &http.Client{Timeout: 5 * time.Minute}

// UploadDocument handles POST /v1/upload.
//
// # Description
//
// Accepts a multipart document upload, validates extension and size, and
// forwards the file to the ingestion service. Chunking, embedding, and
// indexing happen entirely in that service; this endpoint is a guarded
// pass-through so clients only ever talk to the chat API surface.
//
// # Inputs (multipart form)
//
//   - file: The document. Required.
//   - source: Display label for the document. Defaults to the filename.
//
// # Outputs
//
//   - 201 with the ingestion service response on success.
//   - 400 for missing file, unsupported extension, or oversize payload.
//   - 502 when the ingestion service is unreachable or fails.
func UploadDocument(ingestURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "missing file field"})
			return
		}

		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		if !allowedUploadExtensions[ext] {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: fmt.Sprintf("unsupported file type %q", ext),
			})
			return
		}
		if fileHeader.Size > maxUploadBytes {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				Error: fmt.Sprintf("file exceeds maximum size of %d bytes", maxUploadBytes),
			})
			return
		}

		source := c.PostForm("source")
		if source == "" {
			source = fileHeader.Filename
		}

		file, err := fileHeader.Open()
		if err != nil {
			slog.Error("failed to open uploaded file", "filename", fileHeader.Filename, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to read upload"})
			return
		}
		defer file.Close()

		status, body, err := forwardToIngest(c, ingestURL, fileHeader.Filename, source, file)
		if err != nil {
			slog.Error("ingestion forward failed", "source", source, "error", err)
			c.JSON(http.StatusBadGateway, datatypes.ErrorResponse{Error: "ingestion service unavailable"})
			return
		}

		slog.Info("document forwarded to ingestion", "source", source, "status", status)
		c.Data(status, "application/json", body)
	}
}

// forwardToIngest re-wraps the upload as a multipart POST to the
// ingestion service and returns its response.
func forwardToIngest(c *gin.Context, ingestURL, filename, source string, file multipart.File) (int, []byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return 0, nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, io.LimitReader(file, maxUploadBytes)); err != nil {
		return 0, nil, fmt.Errorf("copy upload: %w", err)
	}
	if err := mw.WriteField("source", source); err != nil {
		return 0, nil, fmt.Errorf("write source field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return 0, nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost,
		strings.TrimSuffix(ingestURL, "/")+"/v1/ingest", &buf)
	if err != nil {
		return 0, nil, fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := uploadClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("call ingest service: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read ingest response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// ListFiles handles GET /v1/files.
//
// Proxies the ingestion service's source listing so clients can see which
// documents back the knowledge base without a second API surface.
func ListFiles(ingestURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet,
			strings.TrimSuffix(ingestURL, "/")+"/v1/files", nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to build request"})
			return
		}

		resp, err := uploadClient.Do(req)
		if err != nil {
			slog.Error("file listing failed", "error", err)
			c.JSON(http.StatusBadGateway, datatypes.ErrorResponse{Error: "ingestion service unavailable"})
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			c.JSON(http.StatusBadGateway, datatypes.ErrorResponse{Error: "ingestion service unavailable"})
			return
		}
		c.Data(resp.StatusCode, "application/json", body)
	}
}
