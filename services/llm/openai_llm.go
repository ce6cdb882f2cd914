// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianChat/services/chat/datatypes"
)

// UpstreamError wraps a failure reported by the LLM backend.
//
// Partial indicates that some content was already delivered to the
// stream callback before the failure.
type UpstreamError struct {
	Op      string
	Partial bool
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("llm upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstreamError reports whether err is (or wraps) an UpstreamError.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint
// (OpenAI, vLLM, llama.cpp server, LM Studio).
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// OpenAIConfig configures the client. BaseURL may be empty for the
// OpenAI default endpoint.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Logger  *slog.Logger
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	cfg.Logger.Info("initializing LLM client",
		"model", cfg.Model,
		"base_url", clientCfg.BaseURL,
		"api_key_present", cfg.APIKey != "",
	)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: cfg.Logger,
	}, nil
}

// Generate implements the LLMClient interface.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return o.Chat(ctx, []datatypes.Message{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}, params)
}

// Chat implements the LLMClient interface.
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	req := o.buildRequest(messages, params)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		o.logger.Error("LLM chat completion failed", "error", err)
		return "", &UpstreamError{Op: "chat", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &UpstreamError{Op: "chat", Err: fmt.Errorf("no choices returned")}
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements the LLMClient interface.
//
// Deltas are forwarded to callback in arrival order. A mid-stream
// transport failure delivers one StreamEventError to the callback and
// returns an UpstreamError with Partial set; content already delivered
// remains valid and the caller decides what to persist.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message,
	params GenerationParams, callback StreamCallback) error {

	req := o.buildRequest(messages, params)
	req.Stream = true

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		o.logger.Error("LLM stream open failed", "error", err)
		return &UpstreamError{Op: "stream open", Err: err}
	}
	defer stream.Close()

	delivered := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Error("LLM stream dropped", "error", err, "partial", delivered)
			_ = callback(StreamEvent{Type: StreamEventError, Err: err})
			return &UpstreamError{Op: "stream recv", Partial: delivered, Err: err}
		}

		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		delivered = true
		if err := callback(StreamEvent{Type: StreamEventToken, Content: delta}); err != nil {
			return err
		}
	}
}

func (o *OpenAIClient) buildRequest(messages []datatypes.Message, params GenerationParams) openai.ChatCompletionRequest {
	oaMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		oaMessages = append(oaMessages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: oaMessages,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

var _ LLMClient = (*OpenAIClient)(nil)
