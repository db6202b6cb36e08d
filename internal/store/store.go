// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store defines the coordination store shared by all domainwatch
// workers and implements it on top of Redis.
//
// All coordination state (due queues, leases, locks, result records, failure
// counters, cached asset indexes and purge queues) lives in the store. No
// worker keeps authoritative state in memory, so any number of worker
// processes may run concurrently.
package store

import (
	"context"
	"fmt"
	"time"

	"go.chromium.org/luci/common/errors/errtag"
)

// Unavailable is an error tag applied to errors caused by the store being
// unreachable (as opposed to the store rejecting a command).
//
// Errors tagged with Unavailable are also tagged as transient.
var Unavailable = errtag.Make("coordination store is unavailable", true)

// Store is the atomic coordination store.
//
// Conditional set-if-absent is the only mutual exclusion primitive. Everything
// else is either idempotent or monotonic and safe under races.
type Store interface {
	// Get returns the value stored under the key.
	//
	// Returns (nil, false, nil) if there's no such key.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// SetWithExpiry unconditionally stores the value with the given TTL.
	SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetIfAbsent stores the value only if the key doesn't exist yet.
	//
	// Returns true if the value was stored.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes the keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// DeleteIfValue removes the key only if it currently holds the value.
	//
	// Returns true if the key was removed.
	DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error)
	// Exists returns true if the key exists.
	Exists(ctx context.Context, key string) (bool, error)
	// IncrWithExpiry increments an integer counter and (re)sets its TTL.
	//
	// Returns the value after the increment.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SortedSetAdd adds the member or overwrites its score.
	SortedSetAdd(ctx context.Context, setKey string, score float64, member string) error
	// SortedSetAddIfLower adds the member if it's absent or if its current score
	// is higher than the given one.
	//
	// Returns true if the score was written.
	SortedSetAddIfLower(ctx context.Context, setKey string, score float64, member string) (bool, error)
	// SortedSetScore returns the score of the member.
	SortedSetScore(ctx context.Context, setKey, member string) (float64, bool, error)
	// SortedSetRangeByScore returns members with min <= score <= max, ordered by
	// score, skipping `offset` members and returning at most `limit` of them.
	//
	// Use math.Inf to express unbounded ranges.
	SortedSetRangeByScore(ctx context.Context, setKey string, min, max float64, offset, limit int) ([]string, error)
	// SortedSetRemove removes the members. Missing members are ignored.
	SortedSetRemove(ctx context.Context, setKey string, members ...string) error
	// SortedSetRemoveUpTo removes the members whose score is not above max.
	//
	// Members rescored above max in the meantime are kept. Returns the number
	// of removed members.
	SortedSetRemoveUpTo(ctx context.Context, setKey string, max float64, members ...string) (int, error)
}

// DueKey is the key of the sorted set with next-due timestamps of the given
// category.
func DueKey(category string) string {
	return "due:" + category
}

// LeaseKey is the key of the drain lease of a (category, domain) pair.
func LeaseKey(category, domain string) string {
	return fmt.Sprintf("lease:%s:%s", category, domain)
}

// LockKey is the key of the lock protecting the resource.
func LockKey(resource string) string {
	return "lock:" + resource
}

// ResultKey is the key of the record signaling that work on the resource has
// completed.
func ResultKey(resource string) string {
	return "result:" + resource
}

// BackoffKey is the key of the consecutive failure counter of a
// (category, domain) pair.
func BackoffKey(category, domain string) string {
	return fmt.Sprintf("backoff:%s:%s", category, domain)
}

// PurgeKey is the key of the sorted set with storage objects of the given kind
// scheduled for deletion.
func PurgeKey(kind string) string {
	return "purge:" + kind
}

// Millis converts a time to a sorted set score.
func Millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// FromMillis converts a sorted set score back to a time.
func FromMillis(ms float64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}
