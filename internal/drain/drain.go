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

// Package drain periodically moves due (category, domain) pairs from due
// queues to revalidation workers.
//
// Pairs are claimed through leases, so concurrent drains (e.g. the in-process
// loop of several replicas plus a cron job) never emit the same pair twice
// within a lease duration. Pairs of the same domain are coalesced into a
// single work item.
package drain

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/domainwatch/internal/category"
	"go.chromium.org/domainwatch/internal/config"
	"go.chromium.org/domainwatch/internal/duequeue"
	"go.chromium.org/domainwatch/internal/events"
	"go.chromium.org/domainwatch/internal/failure"
	"go.chromium.org/domainwatch/internal/metrics"
)

// Options configure a Scheduler.
type Options struct {
	// CategoryBatch is the maximum number of due entries read per category.
	CategoryBatch int
	// GlobalBudget is the maximum number of distinct domains per run.
	GlobalBudget int
	// EmitBatch is the maximum number of work items emitted at once.
	EmitBatch int
	// Interval is the cadence of Loop.
	Interval time.Duration
}

// Report describes a drain run.
type Report struct {
	// Claimed is the number of claimed (category, domain) pairs.
	Claimed int
	// Busy is the number of due pairs already claimed by another drain.
	Busy int
	// Emitted is the number of emitted work items.
	Emitted int
	// Unemitted is the number of work items that failed to be emitted.
	Unemitted int
}

// Scheduler drains due queues.
type Scheduler struct {
	index      *duequeue.Index
	emitter    events.Emitter
	categories []category.Category
	opts       Options
}

// NewScheduler returns a Scheduler draining all categories.
//
// EmitBatch outside of [1, config.MaxEmitBatch] is replaced with
// config.MaxEmitBatch.
func NewScheduler(x *duequeue.Index, e events.Emitter, opts Options) *Scheduler {
	if opts.EmitBatch <= 0 || opts.EmitBatch > config.MaxEmitBatch {
		opts.EmitBatch = config.MaxEmitBatch
	}
	return &Scheduler{
		index:      x,
		emitter:    e,
		categories: category.All,
		opts:       opts,
	}
}

// Run drains due pairs once.
//
// Categories are visited in a fixed order and each contributes at most
// CategoryBatch pairs. A domain counts once against GlobalBudget no matter how
// many of its categories are due.
//
// Per-category and per-batch failures don't stop the run. They are returned
// together as errors.MultiError along with the report of what was done.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	start := clock.Now(ctx)
	defer func() {
		metrics.DrainDuration.Add(ctx, float64(clock.Since(ctx, start).Milliseconds()))
	}()

	r := &Report{}
	var merr errors.MultiError

	domains := stringset.New(s.opts.GlobalBudget)
	var order []string
	pending := map[string][]category.Category{}

	for _, c := range s.categories {
		remaining := s.opts.GlobalBudget - domains.Len()
		if remaining <= 0 {
			break
		}
		due, err := s.index.Due(ctx, c, start, min(s.opts.CategoryBatch, remaining))
		if err != nil {
			logging.WithError(err).Errorf(ctx, "Failed to read due %s entries", c)
			merr = append(merr, err)
			continue
		}
		for _, d := range due {
			if !domains.Has(d) && domains.Len() >= s.opts.GlobalBudget {
				break
			}
			switch claimed, err := s.index.ClaimLease(ctx, c, d); {
			case err != nil:
				logging.WithError(err).Warningf(ctx, "Skipping %s of %q", c, d)
				continue
			case !claimed:
				r.Busy++
				continue
			}
			r.Claimed++
			metrics.DrainClaimed.Add(ctx, 1, string(c))
			if domains.Add(d) {
				order = append(order, d)
			}
			pending[d] = append(pending[d], c)
		}
	}

	items := make([]events.WorkItem, len(order))
	for i, d := range order {
		items[i] = events.WorkItem{Domain: d, Categories: pending[d]}
	}
	for len(items) > 0 {
		n := min(len(items), s.opts.EmitBatch)
		batch := items[:n]
		items = items[n:]
		if err := s.emit(ctx, batch, start); err != nil {
			merr = append(merr, err)
			r.Unemitted += len(batch)
		} else {
			r.Emitted += len(batch)
		}
	}

	logging.Infof(ctx, "Drained %d pairs of %d domains (%d busy, %d items not emitted)",
		r.Claimed, len(order), r.Busy, r.Unemitted)
	if len(merr) != 0 {
		return r, merr
	}
	return r, nil
}

// emit emits the batch and removes its pairs, due as of `asOf`, from due
// queues.
//
// If the batch can't be emitted, releases its leases so the next run picks
// the pairs up again.
func (s *Scheduler) emit(ctx context.Context, batch []events.WorkItem, asOf time.Time) error {
	byCategory := map[category.Category][]string{}
	for _, item := range batch {
		for _, c := range item.Categories {
			byCategory[c] = append(byCategory[c], item.Domain)
		}
	}

	if err := s.emitter.Emit(ctx, batch); err != nil {
		metrics.DrainEmitted.Add(ctx, int64(len(batch)), "error")
		logging.WithError(err).Errorf(ctx, "Failed to emit %d work items", len(batch))
		for c, ds := range byCategory {
			for _, d := range ds {
				failure.BestEffort(ctx, s.index.ReleaseLease(ctx, c, d), "releasing the lease")
			}
		}
		return errors.Fmt("emitting %d work items: %w", len(batch), err)
	}
	metrics.DrainEmitted.Add(ctx, int64(len(batch)), "OK")

	// Workers may have processed and rescheduled some pairs already, keep
	// those. A failure here means the pairs will be emitted again once their
	// leases expire.
	for c, ds := range byCategory {
		failure.BestEffort(ctx, s.index.RemoveDue(ctx, c, asOf, ds...), "removing drained entries")
	}
	return nil
}
