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

// Package singleflight makes sure expensive assets (screenshots, rendered
// reports) are produced at most once at a time across all processes.
//
// Concurrent callers asking for the same asset are collapsed: one of them
// acquires a lock in the coordination store and produces the asset, others
// wait for the published result. Produced assets (and "legitimately not
// found" results) are cached in an index entry for the asset's TTL.
package singleflight

import (
	"context"
	"encoding/json"
	"time"

	inproc "golang.org/x/sync/singleflight"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/domainwatch/internal/failure"
	"go.chromium.org/domainwatch/internal/metrics"
	"go.chromium.org/domainwatch/internal/store"
)

// Asset is what a Producer produced.
type Asset struct {
	// URL is where the asset can be fetched from.
	//
	// Empty means the asset legitimately doesn't exist. This is cached as a
	// negative result.
	URL string
	// Key is the storage object key of the asset, if any.
	//
	// Objects with keys are scheduled for deletion when the cache entry
	// expires.
	Key string
	// Metrics are arbitrary numbers describing the production, for logs.
	Metrics map[string]float64
}

// Producer produces an asset.
type Producer interface {
	Produce(ctx context.Context) (Asset, error)
}

// ProducerFunc implements Producer.
type ProducerFunc func(ctx context.Context) (Asset, error)

// Produce calls the function.
func (f ProducerFunc) Produce(ctx context.Context) (Asset, error) {
	return f(ctx)
}

// Request identifies the asset to get or create.
type Request struct {
	// IndexKey is the key of the cache entry of the asset.
	IndexKey string
	// LockKey names the lock guarding production of the asset.
	LockKey string
	// TTL is how long the produced asset stays cached.
	TTL time.Duration
	// PurgeQueue, if set, is the kind of purge queue the produced object is
	// added to.
	PurgeQueue string
}

// Source says where a Result came from.
type Source int

const (
	// CacheHit means the asset was found in the index.
	CacheHit Source = iota
	// Negative means the index has a cached "not found" result.
	Negative
	// Produced means the caller produced the asset.
	Produced
	// Waited means someone else produced the asset while the caller waited.
	Waited
	// TimedOut means the caller gave up waiting for someone else.
	TimedOut
)

func (s Source) String() string {
	switch s {
	case CacheHit:
		return "cache_hit"
	case Negative:
		return "negative"
	case Produced:
		return "produced"
	case Waited:
		return "waited"
	case TimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Result is the result of GetOrCreate.
type Result struct {
	// URL is the asset URL. Empty if Found is false.
	URL string
	// Found is true if the asset is available.
	Found bool
	// Source is where the result came from.
	Source Source
}

// entry is the JSON-serialized cache index entry.
type entry struct {
	URL         *string `json:"url"`
	ObjectKey   string  `json:"objectKey,omitempty"`
	ExpiresAtMs int64   `json:"expiresAtMs"`
}

// Options configure a Materializer.
type Options struct {
	LockOptions
	// LockTTLMin and LockTTLMax bound the lock TTL derived from the asset TTL.
	LockTTLMin time.Duration
	LockTTLMax time.Duration
}

// Materializer produces assets at most once at a time.
type Materializer struct {
	store  store.Store
	locker *Locker
	opts   Options
	group  inproc.Group
}

// NewMaterializer returns a Materializer on top of the store.
func NewMaterializer(s store.Store, opts Options) *Materializer {
	return &Materializer{
		store:  s,
		locker: NewLocker(s, opts.LockOptions),
		opts:   opts,
	}
}

// GetOrCreate returns the cached asset or produces it.
//
// Calls from the same process with the same IndexKey share a single call. The
// shared call doesn't inherit cancellation of any caller: a caller that stops
// waiting gets a TimedOut result, while the call continues and populates the
// cache for others. It is bounded by the lock TTL plus MaxWait.
//
// Producer errors are returned as is and are not cached. If the caller gives
// up waiting for another producer, returns a TimedOut result without error.
func (m *Materializer) GetOrCreate(ctx context.Context, req Request, p Producer) (Result, error) {
	switch {
	case req.IndexKey == "":
		return Result{}, errors.New("IndexKey is required")
	case req.LockKey == "":
		return Result{}, errors.New("LockKey is required")
	case req.TTL <= 0:
		return Result{}, errors.Fmt("TTL must be positive, got %s", req.TTL)
	}

	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(req.IndexKey, func() (any, error) {
		ctx, cancel := clock.WithTimeout(shared, m.lockTTL(req.TTL)+m.opts.MaxWait)
		defer cancel()
		return m.getOrCreate(ctx, req, p)
	})

	var res Result
	select {
	case r := <-ch:
		if r.Err != nil {
			metrics.MaterializeResults.Add(ctx, 1, "error")
			return Result{}, r.Err
		}
		res = r.Val.(Result)
	case <-ctx.Done():
		logging.Warningf(ctx, "Stopped waiting for %q: %s", req.IndexKey, ctx.Err())
		res = Result{Source: TimedOut}
	}
	metrics.MaterializeResults.Add(ctx, 1, res.Source.String())
	return res, nil
}

func (m *Materializer) getOrCreate(ctx context.Context, req Request, p Producer) (Result, error) {
	if res, ok := m.cached(ctx, req.IndexKey); ok {
		return res, nil
	}

	indexed := func(ctx context.Context) (bool, error) {
		_, ok, err := m.readIndex(ctx, req.IndexKey)
		return ok, err
	}
	lk, outcome, err := m.locker.Claim(ctx, req.LockKey, m.lockTTL(req.TTL), indexed)
	switch {
	case err != nil:
		return Result{}, err
	case outcome == GaveUp:
		return Result{Source: TimedOut}, nil
	case outcome == Completed:
		res, ok := m.cached(ctx, req.IndexKey)
		if !ok {
			// The entry expired already.
			return Result{Source: TimedOut}, nil
		}
		if res.Found {
			res.Source = Waited
		}
		return res, nil
	}
	defer lk.Release(ctx)

	if res, ok := m.cached(ctx, req.IndexKey); ok {
		return res, nil
	}
	return m.produce(ctx, req, p)
}

// produce calls the producer and publishes its result. Must be called under
// the lock.
func (m *Materializer) produce(ctx context.Context, req Request, p Producer) (Result, error) {
	started := clock.Now(ctx)
	out, err := p.Produce(ctx)
	if err != nil {
		return Result{}, errors.Fmt("producing %q: %w", req.IndexKey, err)
	}
	now := clock.Now(ctx)
	logging.Debugf(ctx, "Produced %q in %s (metrics %v)", req.IndexKey, now.Sub(started), out.Metrics)

	e := entry{
		ObjectKey:   out.Key,
		ExpiresAtMs: now.Add(req.TTL).UnixMilli(),
	}
	if out.URL != "" {
		e.URL = &out.URL
	}
	if blob, err := json.Marshal(&e); err != nil {
		return Result{}, errors.Fmt("serializing index entry: %w", err)
	} else if err := m.store.SetWithExpiry(ctx, req.IndexKey, blob, req.TTL); err != nil {
		// The asset exists, just not cached.
		failure.BestEffort(ctx, err, "writing index entry "+req.IndexKey)
	}

	if req.PurgeQueue != "" && out.Key != "" {
		err := m.store.SortedSetAdd(ctx, store.PurgeKey(req.PurgeQueue), float64(e.ExpiresAtMs), out.Key)
		failure.BestEffort(ctx, err, "scheduling purge of "+out.Key)
	}
	failure.BestEffort(ctx, m.locker.MarkDone(ctx, req.LockKey), "marking "+req.LockKey+" as done")

	return Result{URL: out.URL, Found: out.URL != "", Source: Produced}, nil
}

// cached returns the result stored in the index, if any.
//
// Unreadable entries are treated as missing.
func (m *Materializer) cached(ctx context.Context, key string) (Result, bool) {
	e, ok, err := m.readIndex(ctx, key)
	switch {
	case err != nil:
		logging.WithError(err).Warningf(ctx, "Failed to read index entry %q", key)
		return Result{}, false
	case !ok:
		return Result{}, false
	case e.URL == nil:
		return Result{Source: Negative}, true
	default:
		return Result{URL: *e.URL, Found: true, Source: CacheHit}, true
	}
}

func (m *Materializer) readIndex(ctx context.Context, key string) (*entry, bool, error) {
	blob, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	e := &entry{}
	if err := json.Unmarshal(blob, e); err != nil {
		return nil, false, failure.Malformed.Apply(errors.Fmt("bad index entry %q: %w", key, err))
	}
	return e, true, nil
}

func (m *Materializer) lockTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl < m.opts.LockTTLMin:
		return m.opts.LockTTLMin
	case m.opts.LockTTLMax > 0 && ttl > m.opts.LockTTLMax:
		return m.opts.LockTTLMax
	}
	return ttl
}
