// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrSessionNotFound is returned when a session ID does not exist
	// or has expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStoreUnavailable wraps store-level failures. Callers should
	// fail the request fast with a retryable error rather than
	// silently losing data.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// =============================================================================
// Domain Types
// =============================================================================

// Turn is one message in a session's history. Immutable once stored;
// only removed by trimming or summarisation.
//
// Tokens caches the full chat-framing cost of the turn (content plus
// per-message overhead) at creation time so budget checks never
// re-tokenize history.
//
// Incomplete marks a turn whose generation was cut off mid-stream.
// Suspect marks a turn that tripped the output guardrail; suspect
// turns are excluded from future context assembly.
type Turn struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Tokens     int       `json:"tokens"`
	Timestamp  time.Time `json:"timestamp"`
	Incomplete bool      `json:"incomplete,omitempty"`
	Suspect    bool      `json:"suspect,omitempty"`
}

// Session is one client conversation.
//
// Invariant (maintained by the Trimmer, not the Store): the total
// token count of synopsis plus retained turns never exceeds the
// configured context budget after a turn completes.
type Session struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	Synopsis   string    `json:"synopsis,omitempty"`
	Turns      []Turn    `json:"turns"`
	Created    time.Time `json:"created"`
	LastActive time.Time `json:"last_active"`
}

// ContextTurns returns the turns eligible for prompt assembly,
// excluding turns flagged by the output guardrail.
func (s *Session) ContextTurns() []Turn {
	out := make([]Turn, 0, len(s.Turns))
	for _, t := range s.Turns {
		if t.Suspect {
			continue
		}
		out = append(out, t)
	}
	return out
}

// =============================================================================
// Store
// =============================================================================

const sessionKeyPrefix = "chat:session:"

// StoreConfig bounds session records.
type StoreConfig struct {
	// TTL is the idle expiry; each write refreshes it.
	TTL time.Duration

	// MaxTurns caps retained turns per session; older turns are
	// dropped first.
	MaxTurns int
}

// Store persists sessions in BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Badger transactions provide serializable
// isolation; concurrent writers to the same session retry on conflict.
type Store struct {
	db     *badger.DB
	ttl    time.Duration
	max    int
	logger *slog.Logger
}

// NewStore creates a Store on an open database.
func NewStore(db *badger.DB, cfg StoreConfig, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	return &Store{db: db, ttl: cfg.TTL, max: cfg.MaxTurns, logger: logger}
}

// NewSessionID returns a fresh 16-character session identifier.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

// Create makes and persists a fresh session owned by clientID.
func (s *Store) Create(ctx context.Context, clientID string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:         NewSessionID(),
		ClientID:   clientID,
		Turns:      []Turn{},
		Created:    now,
		LastActive: now,
	}
	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("session created", "session_id", sess.ID)
	return sess, nil
}

// Load fetches a session by ID. Returns ErrSessionNotFound for
// missing or expired sessions.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sess Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load session: %v", ErrStoreUnavailable, err)
	}
	return &sess, nil
}

// LoadOrCreate fetches the session if id names a live one owned by
// clientID, otherwise creates a fresh session. A session owned by a
// different client is treated as not found rather than leaked.
func (s *Store) LoadOrCreate(ctx context.Context, id, clientID string) (*Session, bool, error) {
	if id != "" {
		sess, err := s.Load(ctx, id)
		switch {
		case err == nil:
			if sess.ClientID == clientID {
				return sess, false, nil
			}
			s.logger.Warn("session ownership mismatch, issuing fresh session",
				"session_id", id,
			)
		case !errors.Is(err, ErrSessionNotFound):
			return nil, false, err
		}
	}
	sess, err := s.Create(ctx, clientID)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// Append adds turns to a session's history, capping retained turns at
// MaxTurns (oldest dropped first), and persists with a refreshed TTL.
// Returns the updated session.
func (s *Store) Append(ctx context.Context, id string, turns ...Turn) (*Session, error) {
	sess, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Turns = append(sess.Turns, turns...)
	if len(sess.Turns) > s.max {
		sess.Turns = sess.Turns[len(sess.Turns)-s.max:]
	}
	sess.LastActive = time.Now().UTC()
	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Replace overwrites a session's synopsis and turn list in one write.
// Used after trimming/summarisation so history and synopsis stay
// consistent.
func (s *Store) Replace(ctx context.Context, id, synopsis string, turns []Turn) (*Session, error) {
	sess, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	sess.Synopsis = synopsis
	sess.Turns = turns
	if len(sess.Turns) > s.max {
		sess.Turns = sess.Turns[len(sess.Turns)-s.max:]
	}
	sess.LastActive = time.Now().UTC()
	if err := s.put(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes a session. Deleting a missing session is not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
	if err != nil {
		return fmt.Errorf("%w: delete session: %v", ErrStoreUnavailable, err)
	}
	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// put serializes and writes a session with a refreshed TTL.
func (s *Store) put(ctx context.Context, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(sessionKey(sess.ID), data).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("%w: save session: %v", ErrStoreUnavailable, err)
	}
	return nil
}
