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

// Package purge deletes materialized assets whose cache entries expired.
//
// The materializer adds the storage key of every produced object to a purge
// queue of its kind, scored by the expiry time of the cache entry. The Pruner
// deletes objects that are past their expiry and forgets them.
package purge

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/sync/parallel"

	"go.chromium.org/domainwatch/internal/failure"
	"go.chromium.org/domainwatch/internal/metrics"
	"go.chromium.org/domainwatch/internal/store"
)

// ErrNotFound is returned by ObjectDeleter if the object doesn't exist.
var ErrNotFound = errors.New("object not found")

// ObjectDeleter deletes stored objects.
type ObjectDeleter interface {
	// Delete deletes the object, returning ErrNotFound if it's already gone.
	Delete(ctx context.Context, key string) error
}

// ObjectDeleterFunc implements ObjectDeleter.
type ObjectDeleterFunc func(ctx context.Context, key string) error

// Delete calls the function.
func (f ObjectDeleterFunc) Delete(ctx context.Context, key string) error {
	return f(ctx, key)
}

// Options configure a Pruner.
type Options struct {
	// Kinds are the purge queues to prune.
	Kinds []string
	// Batch is the maximum number of objects deleted per kind per pass.
	Batch int
	// QPS limits the rate of delete calls.
	QPS float64
	// Workers is the number of concurrent delete calls. Defaults to 8.
	Workers int
}

// Report describes a prune pass.
type Report struct {
	Deleted int
	Missing int
	Failed  int
}

// Pruner deletes expired objects.
type Pruner struct {
	store   store.Store
	deleter ObjectDeleter
	opts    Options
	limiter *rate.Limiter
}

// NewPruner returns a Pruner deleting objects through the deleter.
func NewPruner(s store.Store, d ObjectDeleter, opts Options) *Pruner {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	return &Pruner{
		store:   s,
		deleter: d,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.QPS), 1),
	}
}

// Prune makes a single pass over all purge queues.
//
// Objects that were deleted or are already missing are removed from their
// queue. Objects that failed to be deleted stay and are retried next time.
// Errors of individual kinds are returned as errors.MultiError.
func (p *Pruner) Prune(ctx context.Context) (*Report, error) {
	now := clock.Now(ctx)
	r := &Report{}
	var merr errors.MultiError
	for _, kind := range p.opts.Kinds {
		if err := p.pruneKind(logging.SetField(ctx, "kind", kind), kind, now, r); err != nil {
			merr = append(merr, err)
		}
	}
	logging.Infof(ctx, "Pruned %d objects (%d already missing, %d failed)", r.Deleted, r.Missing, r.Failed)
	if len(merr) != 0 {
		return r, merr
	}
	return r, nil
}

func (p *Pruner) pruneKind(ctx context.Context, kind string, now time.Time, r *Report) error {
	setKey := store.PurgeKey(kind)
	keys, err := p.store.SortedSetRangeByScore(ctx, setKey, math.Inf(-1), store.Millis(now), 0, p.opts.Batch)
	if err != nil {
		return errors.Fmt("reading %s purge queue: %w", kind, err)
	}
	if len(keys) == 0 {
		return nil
	}

	var m sync.Mutex
	var done []string
	err = parallel.WorkPool(p.opts.Workers, func(work chan<- func() error) {
		for _, key := range keys {
			work <- func() error {
				if err := p.limiter.Wait(ctx); err != nil {
					return err
				}
				result := "OK"
				err := p.deleter.Delete(ctx, key)
				switch {
				case errors.Is(err, ErrNotFound):
					result = "missing"
				case err != nil:
					metrics.PurgeDeleted.Add(ctx, 1, kind, "error")
					return errors.Fmt("deleting %q: %w", key, err)
				}
				metrics.PurgeDeleted.Add(ctx, 1, kind, result)

				m.Lock()
				defer m.Unlock()
				done = append(done, key)
				if result == "OK" {
					r.Deleted++
				} else {
					r.Missing++
				}
				return nil
			}
		}
	})
	if merr, ok := err.(errors.MultiError); ok {
		r.Failed += len(merr)
	}

	// Objects re-produced in the meantime have a later expiry, keep them.
	_, rerr := p.store.SortedSetRemoveUpTo(ctx, setKey, store.Millis(now), done...)
	failure.BestEffort(ctx, rerr, "forgetting purged "+kind+" objects")

	if err != nil {
		return errors.Fmt("pruning %s objects: %w", kind, err)
	}
	return nil
}
