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

// Package duequeue implements the ledger of what needs revalidating and when.
//
// For each category there's a sorted set mapping domains to their next due
// time (ms since epoch). The drain claims due pairs through short-lived
// leases, and consecutive failures of a pair push it further into the future
// with an exponential backoff.
package duequeue

import (
	"context"
	"math"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/domainwatch/internal/category"
	"go.chromium.org/domainwatch/internal/store"
)

// leaseSentinel is the value of lease keys. Only the key presence matters.
var leaseSentinel = []byte("1")

// Index is the due queue index.
type Index struct {
	store store.Store
	lease time.Duration
}

// NewIndex returns an Index that claims pairs for the given lease duration.
func NewIndex(s store.Store, lease time.Duration) *Index {
	return &Index{store: s, lease: lease}
}

// Schedule sets the next due time of the pair, overwriting the current one.
//
// Used after a genuine revalidation computed a fresh TTL, which may move the
// due time later.
func (x *Index) Schedule(ctx context.Context, c category.Category, domain string, at time.Time) error {
	if err := x.store.SortedSetAdd(ctx, store.DueKey(string(c)), store.Millis(at), domain); err != nil {
		return errors.Fmt("scheduling %s of %q: %w", c, domain, err)
	}
	return nil
}

// ScheduleIfEarlier sets the next due time of the pair to `at` unless it is
// already due earlier.
//
// The stored due time never increases: it becomes min(current, at). Safe to
// call concurrently. Returns true if the due time was updated.
func (x *Index) ScheduleIfEarlier(ctx context.Context, c category.Category, domain string, at time.Time) (bool, error) {
	written, err := x.store.SortedSetAddIfLower(ctx, store.DueKey(string(c)), store.Millis(at), domain)
	if err != nil {
		return false, errors.Fmt("scheduling %s of %q if earlier: %w", c, domain, err)
	}
	return written, nil
}

// NextDue returns the next due time of the pair, if it is scheduled.
func (x *Index) NextDue(ctx context.Context, c category.Category, domain string) (time.Time, bool, error) {
	ms, ok, err := x.store.SortedSetScore(ctx, store.DueKey(string(c)), domain)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return store.FromMillis(ms), true, nil
}

// Due returns up to `limit` domains whose next due time is not after `now`.
//
// The order is whatever the store returns, i.e. by due time.
func (x *Index) Due(ctx context.Context, c category.Category, now time.Time, limit int) ([]string, error) {
	domains, err := x.store.SortedSetRangeByScore(ctx, store.DueKey(string(c)), math.Inf(-1), store.Millis(now), 0, limit)
	if err != nil {
		return nil, errors.Fmt("reading due %s entries: %w", c, err)
	}
	return domains, nil
}

// Remove removes the domains from the category's due queue.
func (x *Index) Remove(ctx context.Context, c category.Category, domains ...string) error {
	if err := x.store.SortedSetRemove(ctx, store.DueKey(string(c)), domains...); err != nil {
		return errors.Fmt("removing %d %s entries: %w", len(domains), c, err)
	}
	return nil
}

// RemoveDue removes the domains from the category's due queue unless they
// were rescheduled past `asOf`.
//
// Used to consume drained entries without clobbering due times written after
// the entries were read.
func (x *Index) RemoveDue(ctx context.Context, c category.Category, asOf time.Time, domains ...string) error {
	if _, err := x.store.SortedSetRemoveUpTo(ctx, store.DueKey(string(c)), store.Millis(asOf), domains...); err != nil {
		return errors.Fmt("removing %d due %s entries: %w", len(domains), c, err)
	}
	return nil
}

// ClaimLease tries to claim the pair for draining.
//
// Returns false if the pair is already claimed. The claim expires on its own
// after the lease duration.
func (x *Index) ClaimLease(ctx context.Context, c category.Category, domain string) (bool, error) {
	ok, err := x.store.SetIfAbsent(ctx, store.LeaseKey(string(c), domain), leaseSentinel, x.lease)
	if err != nil {
		return false, errors.Fmt("claiming lease on %s of %q: %w", c, domain, err)
	}
	return ok, nil
}

// ReleaseLease releases the claim early, so the pair can be drained again.
func (x *Index) ReleaseLease(ctx context.Context, c category.Category, domain string) error {
	if err := x.store.Delete(ctx, store.LeaseKey(string(c), domain)); err != nil {
		return errors.Fmt("releasing lease on %s of %q: %w", c, domain, err)
	}
	return nil
}

// ScheduleIn is a shortcut for Schedule(now + d).
func (x *Index) ScheduleIn(ctx context.Context, c category.Category, domain string, d time.Duration) error {
	return x.Schedule(ctx, c, domain, clock.Now(ctx).Add(d))
}
