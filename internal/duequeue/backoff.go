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

package duequeue

import (
	"context"
	"strconv"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/domainwatch/internal/category"
	"go.chromium.org/domainwatch/internal/store"
)

// Backoff is an exponential backoff curve: min(Max, Base * 2^failures).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter is a fraction in [0, 1] of the delay added at random.
	//
	// Since a delay at most doubles between consecutive failures, additive
	// jitter of at most 100% keeps delays non-decreasing.
	Jitter float64
}

// Delay returns the delay after the given number of consecutive failures.
func (b Backoff) Delay(ctx context.Context, failures int64) time.Duration {
	if failures < 0 {
		failures = 0
	}
	d := b.Max
	if failures < 62 && b.Base <= b.Max>>failures {
		d = b.Base << failures
	}
	if b.Jitter > 0 {
		d += time.Duration(mathrand.Float64(ctx) * b.Jitter * float64(d))
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Failure describes a recorded failure.
type Failure struct {
	// Count is the number of consecutive failures, including this one.
	Count int64
	// Delay is the backoff delay applied.
	Delay time.Duration
	// RetryAt is when the pair is due again.
	RetryAt time.Time
}

// Tracker counts consecutive failures of (category, domain) pairs and
// reschedules failed pairs with a backoff.
type Tracker struct {
	store   store.Store
	index   *Index
	backoff Backoff
}

// NewTracker returns a Tracker rescheduling pairs in the given index.
func NewTracker(s store.Store, x *Index, b Backoff) *Tracker {
	return &Tracker{store: s, index: x, backoff: b}
}

// RecordFailure increments the failure counter of the pair and reschedules it
// to now + backoff delay.
func (t *Tracker) RecordFailure(ctx context.Context, c category.Category, domain string) (Failure, error) {
	// Counters of pairs that stopped failing without a successful revalidation
	// (e.g. removed domains) go away on their own.
	n, err := t.store.IncrWithExpiry(ctx, store.BackoffKey(string(c), domain), 2*t.backoff.Max)
	if err != nil {
		return Failure{}, errors.Fmt("incrementing failures of %s of %q: %w", c, domain, err)
	}
	f := Failure{Count: n, Delay: t.backoff.Delay(ctx, n)}
	f.RetryAt = clock.Now(ctx).Add(f.Delay)
	if err := t.index.Schedule(ctx, c, domain, f.RetryAt); err != nil {
		return f, err
	}
	return f, nil
}

// Reset zeroes the failure counter of the pair. A no-op if there's none.
func (t *Tracker) Reset(ctx context.Context, c category.Category, domain string) error {
	if err := t.store.Delete(ctx, store.BackoffKey(string(c), domain)); err != nil {
		return errors.Fmt("resetting failures of %s of %q: %w", c, domain, err)
	}
	return nil
}

// Failures returns the number of consecutive failures of the pair.
func (t *Tracker) Failures(ctx context.Context, c category.Category, domain string) (int64, error) {
	blob, ok, err := t.store.Get(ctx, store.BackoffKey(string(c), domain))
	switch {
	case err != nil:
		return 0, errors.Fmt("reading failures of %s of %q: %w", c, domain, err)
	case !ok:
		return 0, nil
	}
	n, err := strconv.ParseInt(string(blob), 10, 64)
	if err != nil {
		return 0, errors.Fmt("bad failure counter of %s of %q: %w", c, domain, err)
	}
	return n, nil
}
