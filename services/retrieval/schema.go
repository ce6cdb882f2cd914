// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// ChunkSchema returns the class definition for ingested document
// chunks. The vectorizer module configured on the Weaviate deployment
// embeds content at ingest time; nearText queries reuse it.
func ChunkSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       ChunkClassName,
		Description: "A chunk of an ingested document with provenance metadata.",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Original file name or path the chunk came from.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "file_type",
				DataType:        []string{"text"},
				Description:     "File extension of the source (pdf, txt, md, docx, csv).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// EnsureSchema creates the document chunk class if it does not exist.
//
// Unlike ingest-side tooling, the chat service treats schema creation
// failure as non-fatal: retrieval degrades to empty results until the
// store recovers.
func EnsureSchema(ctx context.Context, client *weaviate.Client, logger *slog.Logger) error {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	class := ChunkSchema()
	_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err == nil {
		logger.Debug("weaviate schema exists", "class", class.Class)
		return nil
	}

	logger.Info("creating weaviate schema", "class", class.Class)
	if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create schema for class %s: %w", class.Class, err)
	}
	return nil
}
