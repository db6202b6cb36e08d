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

// Package config holds the tunables of the revalidation backend.
package config

import (
	"flag"
	"net/url"
	"strings"
	"time"

	"go.chromium.org/luci/common/errors"
	luciflag "go.chromium.org/luci/common/flag"
)

// MaxEmitBatch is the largest number of work items emitted in one call.
const MaxEmitBatch = 200

// Options are the revalidation backend options.
//
// Use Default to get options populated with documented defaults, then
// optionally Register them as command line flags.
type Options struct {
	// DrainInterval is how often the in-process drain loop runs.
	//
	// Zero disables the loop; the drain then runs only via the cron endpoint.
	DrainInterval time.Duration
	// CategoryBatch is the maximum number of due domains read per category per
	// drain run.
	CategoryBatch int
	// GlobalBudget is the maximum number of distinct domains emitted by a single
	// drain run.
	GlobalBudget int
	// EmitBatch is the number of work items per emission, at most MaxEmitBatch.
	EmitBatch int
	// LeaseDuration is how long a drain claim of a (category, domain) pair is
	// considered in flight.
	LeaseDuration time.Duration

	// LockTTLMin and LockTTLMax clamp TTLs of materializer locks.
	LockTTLMin time.Duration
	LockTTLMax time.Duration
	// RevalidationLockTTL is the TTL of per (category, domain) execution locks.
	RevalidationLockTTL time.Duration
	// ResultTTL is the TTL of records signaling completed work.
	ResultTTL time.Duration
	// PollInterval is how often waiters check for another owner's result.
	PollInterval time.Duration
	// MaxWait bounds how long waiters wait for another owner's result.
	MaxWait time.Duration
	// LockFailOpen makes lock acquisition succeed when the store is unreachable.
	LockFailOpen bool

	// FallbackHorizon is how far in the future a successfully revalidated pair
	// is rescheduled if nothing scheduled it earlier.
	FallbackHorizon time.Duration
	// BackoffBase and BackoffMax define the failure backoff curve:
	// min(BackoffMax, BackoffBase * 2^failures).
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// BackoffJitter is the fraction (0..1) of additive random jitter.
	BackoffJitter float64

	// RevalidateTopic is the Cloud Pub/Sub topic receiving work items, as
	// "projects/<project>/topics/<topic>".
	RevalidateTopic string
	// FetcherURL is the base URL of the service fetching category data.
	FetcherURL string

	// BadgeTTL is how long a rendered status badge is served before it is
	// rendered again.
	BadgeTTL time.Duration

	// PurgeBucket is the Cloud Storage bucket holding materialized assets.
	//
	// Badges are uploaded there too. Empty disables badges and pruning.
	PurgeBucket string
	// PurgeKinds are the purge queues drained by the pruner.
	PurgeKinds []string
	// PurgeBatch is the maximum number of objects deleted per queue per pass.
	PurgeBatch int
	// PurgeQPS limits the rate of object deletions.
	PurgeQPS float64
}

// Default returns options populated with defaults.
func Default() Options {
	return Options{
		DrainInterval:       2 * time.Minute,
		CategoryBatch:       100,
		GlobalBudget:        500,
		EmitBatch:           MaxEmitBatch,
		LeaseDuration:       10 * time.Minute,
		LockTTLMin:          5 * time.Second,
		LockTTLMax:          120 * time.Second,
		RevalidationLockTTL: 60 * time.Second,
		ResultTTL:           2 * time.Minute,
		PollInterval:        250 * time.Millisecond,
		MaxWait:             25 * time.Second,
		LockFailOpen:        true,
		FallbackHorizon:     time.Hour,
		BackoffBase:         5 * time.Minute,
		BackoffMax:          24 * time.Hour,
		BackoffJitter:       0.2,
		BadgeTTL:            6 * time.Hour,
		PurgeKinds:          []string{"badge"},
		PurgeBatch:          500,
		PurgeQPS:            50,
	}
}

// Register registers the command line flags.
//
// Current values of `o` are used as flag defaults.
func (o *Options) Register(f *flag.FlagSet) {
	f.DurationVar(&o.DrainInterval, "drain-interval", o.DrainInterval,
		`How often to drain due revalidations in-process. 0 to rely on the cron endpoint only.`)
	f.IntVar(&o.CategoryBatch, "drain-category-batch", o.CategoryBatch,
		`Maximum number of due domains to read per category per drain run.`)
	f.IntVar(&o.GlobalBudget, "drain-global-budget", o.GlobalBudget,
		`Maximum number of distinct domains emitted per drain run.`)
	f.IntVar(&o.EmitBatch, "drain-emit-batch", o.EmitBatch,
		`Number of work items per emission, at most 200.`)
	f.DurationVar(&o.LeaseDuration, "lease-duration", o.LeaseDuration,
		`How long a drained (category, domain) claim stays in flight.`)
	f.DurationVar(&o.LockTTLMin, "lock-ttl-min", o.LockTTLMin,
		`Lower bound of materializer lock TTLs.`)
	f.DurationVar(&o.LockTTLMax, "lock-ttl-max", o.LockTTLMax,
		`Upper bound of materializer lock TTLs.`)
	f.DurationVar(&o.RevalidationLockTTL, "revalidation-lock-ttl", o.RevalidationLockTTL,
		`TTL of the lock held while refreshing a (category, domain) pair.`)
	f.DurationVar(&o.ResultTTL, "result-ttl", o.ResultTTL,
		`TTL of records signaling completed work.`)
	f.DurationVar(&o.PollInterval, "poll-interval", o.PollInterval,
		`How often to poll for a result produced by another worker.`)
	f.DurationVar(&o.MaxWait, "max-wait", o.MaxWait,
		`How long to wait for a result produced by another worker.`)
	f.BoolVar(&o.LockFailOpen, "lock-fail-open", o.LockFailOpen,
		`If set, treat an unreachable store as a successfully acquired lock.`)
	f.DurationVar(&o.FallbackHorizon, "fallback-horizon", o.FallbackHorizon,
		`How far ahead to reschedule a successfully refreshed pair if nothing else did.`)
	f.DurationVar(&o.BackoffBase, "backoff-base", o.BackoffBase,
		`Base delay of the failure backoff.`)
	f.DurationVar(&o.BackoffMax, "backoff-max", o.BackoffMax,
		`Maximum delay of the failure backoff.`)
	f.Float64Var(&o.BackoffJitter, "backoff-jitter", o.BackoffJitter,
		`Fraction of random jitter added to backoff delays, in [0, 1].`)
	f.StringVar(&o.RevalidateTopic, "revalidate-topic", o.RevalidateTopic,
		`Cloud Pub/Sub topic for work items as "projects/<project>/topics/<topic>".`)
	f.StringVar(&o.FetcherURL, "fetcher-url", o.FetcherURL,
		`Base URL of the service fetching category data. Empty disables refreshing.`)
	f.DurationVar(&o.BadgeTTL, "badge-ttl", o.BadgeTTL,
		`How long a rendered status badge is served before it is rendered again.`)
	f.StringVar(&o.PurgeBucket, "purge-bucket", o.PurgeBucket,
		`Cloud Storage bucket with materialized assets. Empty disables badges and pruning.`)
	f.Var(&purgeKindsFlag{kinds: &o.PurgeKinds}, "purge-kind",
		`Purge queue to prune. May be repeated, replaces the default.`)
	f.IntVar(&o.PurgeBatch, "purge-batch", o.PurgeBatch,
		`Maximum number of objects deleted per purge queue per pass.`)
	f.Float64Var(&o.PurgeQPS, "purge-qps", o.PurgeQPS,
		`Maximum rate of object deletions.`)
}

// purgeKindsFlag is a repeated flag whose first occurrence drops the defaults.
type purgeKindsFlag struct {
	kinds *[]string
	seen  bool
}

func (f *purgeKindsFlag) String() string {
	if f.kinds == nil {
		return ""
	}
	return strings.Join(*f.kinds, ", ")
}

func (f *purgeKindsFlag) Set(v string) error {
	if !f.seen {
		f.seen = true
		*f.kinds = nil
	}
	return luciflag.StringSlice(f.kinds).Set(v)
}

func (f *purgeKindsFlag) Get() any {
	return *f.kinds
}

// Validate returns an error if options are inconsistent.
func (o *Options) Validate() error {
	var merr errors.MultiError
	check := func(ok bool, format string, args ...any) {
		if !ok {
			merr = append(merr, errors.Fmt(format, args...))
		}
	}

	check(o.DrainInterval >= 0, "-drain-interval must not be negative")
	check(o.CategoryBatch > 0, "-drain-category-batch must be positive")
	check(o.GlobalBudget > 0, "-drain-global-budget must be positive")
	check(o.EmitBatch > 0 && o.EmitBatch <= MaxEmitBatch, "-drain-emit-batch must be in [1, %d]", MaxEmitBatch)
	check(o.LeaseDuration >= time.Second, "-lease-duration must be at least 1s")
	check(o.LockTTLMin >= time.Second, "-lock-ttl-min must be at least 1s")
	check(o.LockTTLMax >= o.LockTTLMin, "-lock-ttl-max must not be less than -lock-ttl-min")
	check(o.RevalidationLockTTL >= time.Second, "-revalidation-lock-ttl must be at least 1s")
	check(o.ResultTTL >= time.Second, "-result-ttl must be at least 1s")
	check(o.PollInterval > 0, "-poll-interval must be positive")
	check(o.MaxWait >= 0, "-max-wait must not be negative")
	check(o.FallbackHorizon > 0, "-fallback-horizon must be positive")
	check(o.BackoffBase > 0, "-backoff-base must be positive")
	check(o.BackoffMax >= o.BackoffBase, "-backoff-max must not be less than -backoff-base")
	check(o.BackoffJitter >= 0 && o.BackoffJitter <= 1, "-backoff-jitter must be in [0, 1]")
	check(o.BadgeTTL >= time.Minute, "-badge-ttl must be at least 1m")
	if o.RevalidateTopic != "" {
		_, _, err := o.TopicID()
		check(err == nil, "-revalidate-topic: %s", err)
	}
	if o.FetcherURL != "" {
		u, err := url.Parse(o.FetcherURL)
		check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
			"-fetcher-url must be an absolute http(s) URL")
	}
	if o.PurgeBucket != "" {
		check(len(o.PurgeKinds) > 0, "-purge-kind is required with -purge-bucket")
		check(o.PurgeBatch > 0, "-purge-batch must be positive")
		check(o.PurgeQPS > 0, "-purge-qps must be positive")
	}

	if len(merr) == 0 {
		return nil
	}
	return merr
}

// TopicID splits RevalidateTopic into the cloud project and the topic ID.
func (o *Options) TopicID() (project, topic string, err error) {
	parts := strings.Split(o.RevalidateTopic, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "topics" || parts[1] == "" || parts[3] == "" {
		return "", "", errors.Fmt("topic %q doesn't look like projects/<project>/topics/<topic>", o.RevalidateTopic)
	}
	return parts[1], parts[3], nil
}
