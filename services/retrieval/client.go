// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval provides read-only semantic search over the
// document knowledge base in Weaviate.
//
// Retrieval is a best-effort prompt enrichment: every failure path
// (store down, no passages above the similarity floor, retrieval
// disabled) degrades to an empty result so the chat turn proceeds
// without augmentation instead of failing.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("aleutian.chat.retrieval")

// ChunkClassName is the Weaviate class holding ingested document
// chunks.
const ChunkClassName = "DocumentChunk"

// Passage is one retrieved document chunk.
//
// Similarity is cosine similarity in [-1, 1], converted from
// Weaviate's certainty score (certainty = (1 + cosine) / 2).
type Passage struct {
	Source     string
	FileType   string
	Content    string
	Similarity float64
}

// Client performs nearText retrieval against Weaviate.
//
// A nil weaviate client (retrieval disabled) is valid; Retrieve then
// always returns an empty slice.
type Client struct {
	weaviate *weaviate.Client
	logger   *slog.Logger
}

// NewClient creates a retrieval client. Pass a nil weaviate client to
// disable retrieval.
func NewClient(wv *weaviate.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{weaviate: wv, logger: logger}
}

// Enabled reports whether a vector store is configured.
func (c *Client) Enabled() bool { return c != nil && c.weaviate != nil }

// chunkResponse is the typed GraphQL response shape for ChunkClassName.
type chunkResponse struct {
	Get struct {
		DocumentChunk []struct {
			Content    string `json:"content"`
			Source     string `json:"source"`
			FileType   string `json:"file_type"`
			Additional struct {
				Certainty float64 `json:"certainty"`
			} `json:"_additional"`
		} `json:"DocumentChunk"`
	} `json:"Get"`
}

// Retrieve returns up to topK passages semantically similar to query,
// highest similarity first, excluding passages below minSimilarity
// (cosine).
//
// # Description
//
// Runs a nearText query against the document chunk class. Weaviate
// applies the similarity floor server-side via certainty; results are
// additionally filtered and sorted client-side so callers can rely on
// the contract regardless of store version quirks.
//
// # Outputs
//
//   - []Passage: Empty (never nil error) when retrieval is disabled,
//     the store is unreachable, or nothing clears the floor. Failures
//     are logged, not returned.
func (c *Client) Retrieve(ctx context.Context, query string, topK int, minSimilarity float64) []Passage {
	if !c.Enabled() || strings.TrimSpace(query) == "" || topK <= 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.Int("top_k", topK),
		attribute.Float64("min_similarity", minSimilarity),
	)

	minCertainty := float32((minSimilarity + 1) / 2)

	nearText := c.weaviate.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query}).
		WithCertainty(minCertainty)

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source"},
		{Name: "file_type"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	result, err := c.weaviate.GraphQL().Get().
		WithClassName(ChunkClassName).
		WithNearText(nearText).
		WithLimit(topK).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		c.logger.Error("retrieval query failed, continuing without context", "error", err)
		return nil
	}
	if len(result.Errors) > 0 {
		c.logger.Error("retrieval query returned GraphQL errors, continuing without context",
			"error", result.Errors[0].Message,
		)
		return nil
	}

	// Round-trip through JSON for a typed response
	jsonBytes, err := json.Marshal(result.Data)
	if err != nil {
		c.logger.Error("marshal retrieval response", "error", err)
		return nil
	}
	var typed chunkResponse
	if err := json.Unmarshal(jsonBytes, &typed); err != nil {
		c.logger.Error("unmarshal retrieval response", "error", err)
		return nil
	}

	passages := make([]Passage, 0, len(typed.Get.DocumentChunk))
	for _, chunk := range typed.Get.DocumentChunk {
		similarity := CertaintyToCosine(chunk.Additional.Certainty)
		if similarity < minSimilarity {
			continue
		}
		passages = append(passages, Passage{
			Source:     chunk.Source,
			FileType:   chunk.FileType,
			Content:    chunk.Content,
			Similarity: similarity,
		})
	}
	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].Similarity > passages[j].Similarity
	})

	span.SetAttributes(attribute.Int("passages", len(passages)))
	c.logger.Info("retrieval complete",
		"requested", topK,
		"returned", len(passages),
	)
	return passages
}

// CertaintyToCosine converts a Weaviate certainty score to cosine
// similarity: cosine = 2*certainty - 1.
func CertaintyToCosine(certainty float64) float64 {
	return 2*certainty - 1
}

// BuildContext formats passages into the reference block appended to
// the system prompt. Returns "" for an empty passage list.
func BuildContext(passages []Passage) string {
	if len(passages) == 0 {
		return ""
	}

	parts := make([]string, 0, len(passages))
	for i, p := range passages {
		label := p.Source
		if label == "" {
			label = "unknown"
		}
		if p.FileType != "" {
			label = fmt.Sprintf("%s (%s)", label, p.FileType)
		}
		parts = append(parts, fmt.Sprintf("[%d] (source: %s, similarity: %.2f)\n%s",
			i+1, label, p.Similarity, p.Content))
	}

	return "\n\n## REFERENCE DATA\n" +
		"The following information is from your knowledge base. Use this data to inform " +
		"your answers. If there is a conflict between your training data and the reference " +
		"data below, prefer the reference data.\n\n" +
		strings.Join(parts, "\n\n---\n\n")
}
