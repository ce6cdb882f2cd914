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
	"errors"
	"fmt"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const rateKeyPrefix = "chat:rate:"

// Rate-limit scopes.
const (
	RateScopeClient  = "client"
	RateScopeSession = "session"
)

// rateConflictRetries bounds optimistic-transaction retries when
// concurrent requests increment the same bucket.
const rateConflictRetries = 8

// MinuteBucket returns the per-minute bucket label for t.
func MinuteBucket(t time.Time) string {
	return t.UTC().Format("200601021504")
}

// HourBucket returns the per-hour bucket label for t.
func HourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}

// IncrementRate atomically increments the counter for
// (scope, key, bucket) and reports whether the request is allowed.
//
// # Description
//
// The read-increment-write runs inside a single Badger transaction;
// Badger's serializable snapshot isolation turns concurrent increments
// of the same bucket into conflicts, which are retried. The counter is
// always incremented, including for the rejected request — the
// invariant is that a bucket's count never passes the ceiling without
// the triggering request being rejected.
//
// The bucket entry carries window as its TTL, so stale buckets expire
// on their own.
//
// # Outputs
//
//   - bool: true when the incremented count is within ceiling.
//   - error: ErrStoreUnavailable-wrapped on store failure. Callers
//     must treat an error as a rejection, not an allow.
func (s *Store) IncrementRate(ctx context.Context, scope, key, bucket string,
	ceiling int, window time.Duration) (bool, error) {

	storeKey := []byte(fmt.Sprintf("%s%s:%s:%s", rateKeyPrefix, scope, key, bucket))

	var count int
	var err error
	for attempt := 0; attempt < rateConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		count, err = s.incrementOnce(storeKey, window)
		if err == nil {
			break
		}
		if !errors.Is(err, badger.ErrConflict) {
			return false, fmt.Errorf("%w: increment rate: %v", ErrStoreUnavailable, err)
		}
	}
	if err != nil {
		return false, fmt.Errorf("%w: increment rate: %v", ErrStoreUnavailable, err)
	}

	allowed := count <= ceiling
	if !allowed {
		s.logger.Warn("rate limit exceeded",
			"scope", scope,
			"bucket", bucket,
			"count", count,
			"ceiling", ceiling,
		)
	}
	return allowed, nil
}

// incrementOnce performs a single transactional read-increment-write.
func (s *Store) incrementOnce(storeKey []byte, window time.Duration) (int, error) {
	count := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			count = 1
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				prev, convErr := strconv.Atoi(string(val))
				if convErr != nil {
					// Corrupt counter: reset rather than wedge the bucket
					prev = 0
				}
				count = prev + 1
				return nil
			}); err != nil {
				return err
			}
		}
		entry := badger.NewEntry(storeKey, []byte(strconv.Itoa(count))).WithTTL(window)
		return txn.SetEntry(entry)
	})
	return count, err
}
