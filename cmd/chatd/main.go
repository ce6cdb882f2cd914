// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatd starts the AleutianChat HTTP server.
//
// This is the main entry point for the containerized chat service.
// It reads configuration from environment variables (a local .env
// file is loaded first if present) and starts the server.
//
// # Environment Variables
//
//   - CHAT_PORT: HTTP server port (default: 8083)
//   - LLM_URL: OpenAI-compatible upstream base URL
//   - LLM_API_KEY: Upstream API key (falls back to /run/secrets/llm_api_key)
//   - LLM_MODEL: Upstream model name (required)
//   - CLIENT_API_KEYS: Comma-separated client bearer keys (required)
//   - SYSTEM_PROMPT_PATH: File holding the system prompt (optional)
//   - DATA_DIR: Session store directory (default: ./data/sessions)
//   - INGEST_URL: Document ingestion service URL (optional)
//   - WEAVIATE_URL: Weaviate vector DB URL (optional)
//   - RAG_ENABLED: Enable vector retrieval (default: false)
//   - RAG_TOP_K: Passages per query (default: 5)
//   - RAG_MIN_SIMILARITY: Similarity floor (default: 0.3)
//   - MAX_TOKENS_CONTEXT: Prompt token budget (default: 28000)
//   - MAX_MESSAGE_LENGTH: Message length cap (default: 2000)
//   - RATE_LIMIT_PER_MIN: Per-client minute rate limit (default: 20)
//   - RATE_LIMIT_PER_HOUR_SESSION: Per-session hour rate limit (default: 100)
//   - MAX_TURNS_PER_SESSION: Retained turns cap (default: 50)
//   - SESSION_TTL: Idle session expiry (default: 24h)
//   - GUARDRAIL_RULES_PATH: YAML rule file, hot-reloaded (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//
// # Usage
//
//	# Build
//	go build -o chatd ./cmd/chatd
//
//	# Run
//	./chatd
//
//	# Or via container
//	podman-compose up chat
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/AleutianAI/AleutianChat/pkg/logging"
	"github.com/AleutianAI/AleutianChat/services/chat"
)

func main() {
	// A missing .env is fine; containers inject real env vars.
	_ = godotenv.Load()

	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		Service: "chat",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	cfg := chat.Config{
		Port:                    getEnvInt("CHAT_PORT", 8083),
		LLMURL:                  os.Getenv("LLM_URL"),
		LLMAPIKey:               loadLLMAPIKey(),
		LLMModel:                os.Getenv("LLM_MODEL"),
		APIKeys:                 splitCommaList(os.Getenv("CLIENT_API_KEYS")),
		SystemPrompt:            loadSystemPrompt(),
		DataDir:                 getEnvString("DATA_DIR", "./data/sessions"),
		IngestURL:               os.Getenv("INGEST_URL"),
		WeaviateURL:             os.Getenv("WEAVIATE_URL"),
		RAGEnabled:              getEnvBool("RAG_ENABLED", false),
		RAGTopK:                 getEnvInt("RAG_TOP_K", 5),
		RAGMinSimilarity:        getEnvFloat("RAG_MIN_SIMILARITY", 0.3),
		MaxTokensContext:        getEnvInt("MAX_TOKENS_CONTEXT", 28000),
		MaxMessageLength:        getEnvInt("MAX_MESSAGE_LENGTH", 2000),
		RateLimitPerMinute:      getEnvInt("RATE_LIMIT_PER_MIN", 20),
		RateLimitPerHourSession: getEnvInt("RATE_LIMIT_PER_HOUR_SESSION", 100),
		MaxTurnsPerSession:      getEnvInt("MAX_TURNS_PER_SESSION", 50),
		SessionTTL:              getEnvDuration("SESSION_TTL", 24*time.Hour),
		GuardrailRulesPath:      os.Getenv("GUARDRAIL_RULES_PATH"),
		OTelEndpoint:            getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "aleutian-otel-collector:4317"),
		Logger:                  logger.Slog(),
	}

	if cfg.LLMModel == "" {
		log.Fatal("LLM_MODEL is required")
	}
	if len(cfg.APIKeys) == 0 {
		log.Fatal("CLIENT_API_KEYS is required")
	}

	slog.Info("starting chat service",
		"port", cfg.Port,
		"model", cfg.LLMModel,
		"rag_enabled", cfg.RAGEnabled,
		"weaviate_url", cfg.WeaviateURL,
	)

	svc, err := chat.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create chat service: %v", err)
	}

	if err := svc.Run(); err != nil {
		log.Fatalf("Chat service error: %v", err)
	}
}

// loadLLMAPIKey prefers the env var, then the container secret mount.
func loadLLMAPIKey() string {
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		return key
	}
	if data, err := os.ReadFile("/run/secrets/llm_api_key"); err == nil {
		return strings.TrimSpace(string(data))
	}
	return ""
}

// loadSystemPrompt reads the prompt file named by SYSTEM_PROMPT_PATH.
// Returns "" (service default) when unset or unreadable.
func loadSystemPrompt() string {
	path := os.Getenv("SYSTEM_PROMPT_PATH")
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("could not read system prompt file, using default",
			"path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// splitCommaList splits a comma-separated list, trimming whitespace
// and dropping empty entries.
func splitCommaList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns the environment variable as float64 or a default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration returns the environment variable as a duration or a
// default. Accepts Go duration syntax ("24h", "90m").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
