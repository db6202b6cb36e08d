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

package singleflight

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/domainwatch/internal/failure"
	"go.chromium.org/domainwatch/internal/store"
)

// Outcome is the outcome of Locker.Claim.
type Outcome int

const (
	// Acquired means the caller holds the lock and must do the work.
	Acquired Outcome = iota
	// Completed means someone else did the work while the caller waited.
	Completed
	// GaveUp means the caller gave up waiting.
	GaveUp
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Completed:
		return "completed"
	case GaveUp:
		return "gave_up"
	}
	return "unknown"
}

// LockOptions configure a Locker.
type LockOptions struct {
	// PollInterval is how often waiters check for a result.
	PollInterval time.Duration
	// MaxWait is how long waiters wait for a result before giving up.
	MaxWait time.Duration
	// ResultTTL is how long result records live.
	ResultTTL time.Duration
	// FailOpen, if set, treats an unreachable store as an acquired lock.
	FailOpen bool
}

// Locker hands out distributed locks on named resources.
//
// A lock is a key with a TTL holding a random owner token. Only the owner can
// release it. A holder that dies without releasing blocks the resource for at
// most the lock TTL.
type Locker struct {
	store store.Store
	opts  LockOptions
}

// NewLocker returns a Locker on top of the store.
func NewLocker(s store.Store, opts LockOptions) *Locker {
	return &Locker{store: s, opts: opts}
}

// Lock is a held lock.
type Lock struct {
	locker   *Locker
	resource string
	token    []byte
	// failedOpen is true if the store was unreachable when acquiring.
	failedOpen bool
}

// FailedOpen is true if the lock was granted without the store confirming it.
func (lk *Lock) FailedOpen() bool {
	return lk.failedOpen
}

// Release releases the lock if it's still held by this owner.
//
// Errors are logged and ignored: the lock expires on its own.
func (lk *Lock) Release(ctx context.Context) {
	deleted, err := lk.locker.store.DeleteIfValue(ctx, store.LockKey(lk.resource), lk.token)
	switch {
	case lk.failedOpen:
		// Nothing to release most likely.
	case err != nil:
		failure.BestEffort(ctx, err, "releasing lock on "+lk.resource)
	case !deleted:
		logging.Warningf(ctx, "Lock on %q expired before it was released", lk.resource)
	}
}

// TryAcquire makes a single attempt at acquiring the lock on the resource.
//
// Returns (nil, nil) if the lock is held by someone else.
func (l *Locker) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	token := []byte(uuid.NewString())
	switch ok, err := l.store.SetIfAbsent(ctx, store.LockKey(resource), token, ttl); {
	case err == nil && ok:
		return &Lock{locker: l, resource: resource, token: token}, nil
	case err == nil:
		return nil, nil
	case store.Unavailable.In(err) && l.opts.FailOpen:
		logging.WithError(err).Warningf(ctx, "Store is unavailable, proceeding without a lock on %q", resource)
		return &Lock{locker: l, resource: resource, token: token, failedOpen: true}, nil
	default:
		return nil, errors.Fmt("acquiring lock on %q: %w", resource, err)
	}
}

// Done returns true if there's a fresh result record for the resource.
func (l *Locker) Done(ctx context.Context, resource string) (bool, error) {
	return l.store.Exists(ctx, store.ResultKey(resource))
}

// MarkDone writes the result record for the resource.
func (l *Locker) MarkDone(ctx context.Context, resource string) error {
	now := strconv.FormatInt(clock.Now(ctx).UnixMilli(), 10)
	if err := l.store.SetWithExpiry(ctx, store.ResultKey(resource), []byte(now), l.opts.ResultTTL); err != nil {
		return errors.Fmt("writing result record of %q: %w", resource, err)
	}
	return nil
}

// Claim acquires the lock on the resource or waits for whoever holds it to
// finish.
//
// `done` reports whether the work on the resource has completed. If nil, the
// presence of the resource's result record is used.
//
// If the lock is free, returns Acquired right away. Otherwise polls `done`
// every PollInterval for up to MaxWait. If the lock disappears without the
// work being done (e.g. the holder crashed and the lock expired), tries to
// acquire it again. A lock acquired this way is returned only if the work is
// still not done.
//
// The returned Lock is non-nil only with Acquired outcome. Errors are returned
// only if the lock couldn't be attempted at all or the context expired.
func (l *Locker) Claim(ctx context.Context, resource string, ttl time.Duration, done func(context.Context) (bool, error)) (*Lock, Outcome, error) {
	if done == nil {
		done = func(ctx context.Context) (bool, error) { return l.Done(ctx, resource) }
	}

	lk, err := l.TryAcquire(ctx, resource, ttl)
	switch {
	case err != nil:
		return nil, GaveUp, err
	case lk != nil:
		return lk, Acquired, nil
	}

	deadline := clock.Now(ctx).Add(l.opts.MaxWait)
	for {
		switch finished, err := done(ctx); {
		case err != nil:
			logging.WithError(err).Warningf(ctx, "Failed to check whether %q is done", resource)
		case finished:
			return nil, Completed, nil
		}

		if !clock.Now(ctx).Before(deadline) {
			logging.Warningf(ctx, "Gave up waiting for %q after %s", resource, l.opts.MaxWait)
			return nil, GaveUp, nil
		}
		if r := <-clock.After(ctx, l.opts.PollInterval); r.Err != nil {
			return nil, GaveUp, r.Err
		}

		if held, err := l.store.Exists(ctx, store.LockKey(resource)); err != nil || held {
			continue
		}
		lk, err := l.TryAcquire(ctx, resource, ttl)
		if err != nil || lk == nil {
			continue
		}
		// The holder may have finished right before its lock went away.
		if finished, err := done(ctx); err == nil && finished {
			lk.Release(ctx)
			return nil, Completed, nil
		}
		logging.Infof(ctx, "Lock on %q was abandoned, taking over", resource)
		return lk, Acquired, nil
	}
}
