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

// Package revalidate implements workers refreshing categories of domains.
//
// A worker handles one work item at a time. Categories of an item are
// processed one after another, each under its own distributed lock, and a
// failure of one category never prevents others from being processed.
package revalidate

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/runtime/paniccatcher"
	"go.chromium.org/luci/server/pubsub"

	"go.chromium.org/domainwatch/internal/category"
	"go.chromium.org/domainwatch/internal/duequeue"
	"go.chromium.org/domainwatch/internal/events"
	"go.chromium.org/domainwatch/internal/failure"
	"go.chromium.org/domainwatch/internal/metrics"
	"go.chromium.org/domainwatch/internal/singleflight"
)

// Outcome is what happened to a category of a work item.
type Outcome string

const (
	// Refreshed means the category was refreshed successfully.
	Refreshed Outcome = "refreshed"
	// Failed means the refresh failed and was rescheduled with a backoff.
	Failed Outcome = "failed"
	// Skipped means another worker refreshed (or is refreshing) the category.
	Skipped Outcome = "skipped"
	// Unknown means there's no such category or no refresher for it.
	//
	// Known categories without a refresher are postponed by the fallback
	// horizon.
	Unknown Outcome = "unknown"
)

// CategoryReport describes the processing of one category of a work item.
type CategoryReport struct {
	Category category.Category
	Outcome  Outcome
	// Err is the refresh error for Failed outcome, or the error postponing a
	// category with Unknown outcome.
	Err error
	// Retry is the recorded failure for Failed outcome.
	//
	// Nil if the failure couldn't be recorded, in which case the pair is not
	// rescheduled.
	Retry *duequeue.Failure
}

// Report describes the processing of a work item.
type Report struct {
	Domain     string
	Categories []CategoryReport
}

// Count returns the number of categories with the given outcome.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, c := range r.Categories {
		if c.Outcome == o {
			n++
		}
	}
	return n
}

// Unrecorded returns categories that were left without being rescheduled.
func (r *Report) Unrecorded() []category.Category {
	var out []category.Category
	for _, c := range r.Categories {
		switch {
		case c.Outcome == Failed && c.Retry == nil:
			out = append(out, c.Category)
		case c.Outcome == Unknown && c.Err != nil:
			out = append(out, c.Category)
		}
	}
	return out
}

// Options configure a Worker.
type Options struct {
	// LockTTL is the TTL of per-category revalidation locks.
	LockTTL time.Duration
	// FallbackHorizon is how far into the future a refreshed pair is scheduled
	// unless the refresher scheduled it earlier.
	FallbackHorizon time.Duration
}

// Worker refreshes categories of domains.
type Worker struct {
	registry *category.Registry
	index    *duequeue.Index
	tracker  *duequeue.Tracker
	locker   *singleflight.Locker
	opts     Options
}

// NewWorker returns a worker using refreshers from the registry.
func NewWorker(r *category.Registry, x *duequeue.Index, t *duequeue.Tracker, l *singleflight.Locker, opts Options) *Worker {
	return &Worker{
		registry: r,
		index:    x,
		tracker:  t,
		locker:   l,
		opts:     opts,
	}
}

// Process refreshes all categories of the work item.
//
// Never fails as a whole: per-category results are in the report.
func (w *Worker) Process(ctx context.Context, item *events.WorkItem) *Report {
	ctx = logging.SetField(ctx, "domain", item.Domain)
	r := &Report{
		Domain:     item.Domain,
		Categories: make([]CategoryReport, 0, len(item.Categories)),
	}
	for _, c := range item.Categories {
		cr := w.processCategory(logging.SetField(ctx, "category", string(c)), c, item.Domain)
		metrics.RevalidateOutcomes.Add(ctx, 1, string(c), string(cr.Outcome))
		r.Categories = append(r.Categories, cr)
	}
	return r
}

func (w *Worker) processCategory(ctx context.Context, c category.Category, domain string) CategoryReport {
	refresher := w.registry.Get(c)
	if refresher == nil {
		return w.postpone(ctx, c, domain)
	}

	resource := category.Resource(c, domain)
	lk, outcome, err := w.locker.Claim(ctx, resource, w.opts.LockTTL, nil)
	switch {
	case err != nil:
		return w.failed(ctx, c, domain, err)
	case outcome == singleflight.Completed:
		logging.Infof(ctx, "Already refreshed by someone else")
		return CategoryReport{Category: c, Outcome: Skipped}
	case outcome == singleflight.GaveUp:
		logging.Warningf(ctx, "Someone else is still refreshing, skipping")
		return CategoryReport{Category: c, Outcome: Skipped}
	}
	defer lk.Release(ctx)

	// Consume the entry that made the pair due, so the fallback below can land.
	start := clock.Now(ctx)
	failure.BestEffort(ctx, w.index.RemoveDue(ctx, c, start, domain), "consuming the due entry")

	err = w.refresh(ctx, refresher, domain)
	result := Refreshed
	if err != nil {
		result = Failed
	}
	metrics.RevalidateDuration.Add(ctx, float64(clock.Since(ctx, start).Milliseconds()), string(c), string(result))
	if err != nil {
		return w.failed(ctx, c, domain, err)
	}

	// The refresher may have scheduled the pair already, possibly earlier.
	_, err = w.index.ScheduleIfEarlier(ctx, c, domain, clock.Now(ctx).Add(w.opts.FallbackHorizon))
	failure.BestEffort(ctx, err, "scheduling the fallback revalidation")
	failure.BestEffort(ctx, w.tracker.Reset(ctx, c, domain), "resetting failures")
	failure.BestEffort(ctx, w.locker.MarkDone(ctx, resource), "writing the result record")
	return CategoryReport{Category: c, Outcome: Refreshed}
}

// postpone reschedules a pair that has no refresher.
//
// The drain removed its due entry already, so the pair would never be due
// again otherwise. Categories that don't exist at all are dropped.
func (w *Worker) postpone(ctx context.Context, c category.Category, domain string) CategoryReport {
	cr := CategoryReport{Category: c, Outcome: Unknown}
	if _, err := category.Parse(string(c)); err != nil {
		logging.Errorf(ctx, "Unknown category %q, skipping", c)
		return cr
	}
	logging.Errorf(ctx, "No refresher for category %q, postponing by %s", c, w.opts.FallbackHorizon)
	now := clock.Now(ctx)
	failure.BestEffort(ctx, w.index.RemoveDue(ctx, c, now, domain), "consuming the due entry")
	if _, err := w.index.ScheduleIfEarlier(ctx, c, domain, now.Add(w.opts.FallbackHorizon)); err != nil {
		logging.WithError(err).Errorf(ctx, "Failed to postpone")
		cr.Err = err
	}
	return cr
}

// refresh calls the refresher, converting panics to errors.
func (w *Worker) refresh(ctx context.Context, r category.Refresher, domain string) (err error) {
	defer paniccatcher.Catch(func(p *paniccatcher.Panic) {
		logging.Errorf(ctx, "Caught panic: %s\n%s", p.Reason, p.Stack)
		err = errors.Fmt("panic while refreshing: %s", p.Reason)
	})
	return r.Refresh(ctx, domain)
}

func (w *Worker) failed(ctx context.Context, c category.Category, domain string, err error) CategoryReport {
	logging.WithError(err).Errorf(ctx, "Failed to refresh")
	cr := CategoryReport{Category: c, Outcome: Failed, Err: err}
	switch f, rerr := w.tracker.RecordFailure(ctx, c, domain); {
	case rerr != nil:
		logging.WithError(rerr).Errorf(ctx, "Failed to record the failure")
	default:
		logging.Infof(ctx, "Failure #%d, retrying in %s", f.Count, f.Delay)
		cr.Retry = &f
	}
	return cr
}

// Handle is a Pub/Sub push handler processing a work item.
//
// Malformed items are dropped. If some category failed and couldn't be
// rescheduled, returns a transient error so the item is redelivered.
func (w *Worker) Handle(ctx context.Context, msg pubsub.Message) error {
	item, err := events.Decode(msg.Data)
	if err != nil {
		return errors.Fmt("message %s: %w", msg.MessageID, err)
	}
	if item.Domain, err = category.NormalizeDomain(item.Domain); err != nil {
		return errors.Fmt("message %s: %w", msg.MessageID, err)
	}

	r := w.Process(ctx, item)
	logging.Infof(ctx, "Processed %q: %d refreshed, %d failed, %d skipped, %d unknown",
		r.Domain, r.Count(Refreshed), r.Count(Failed), r.Count(Skipped), r.Count(Unknown))
	if lost := r.Unrecorded(); len(lost) != 0 {
		return transient.Tag.Apply(errors.Fmt("failed to reschedule %q of %q", lost, r.Domain))
	}
	return nil
}
