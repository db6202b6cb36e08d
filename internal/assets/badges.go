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

// Package assets serves materialized per-domain assets.
//
// The only asset kind is a status badge: an SVG image summarizing the
// revalidation state of a domain. Badges are rendered at most once at a time
// across all processes, uploaded to Cloud Storage and cached for a TTL, after
// which the uploaded object is pruned.
package assets

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server/router"

	"go.chromium.org/domainwatch/internal/category"
	"go.chromium.org/domainwatch/internal/duequeue"
	"go.chromium.org/domainwatch/internal/failure"
	"go.chromium.org/domainwatch/internal/singleflight"
)

// BadgeKind is the purge queue kind of badge objects.
const BadgeKind = "badge"

// Badges renders and serves status badges.
type Badges struct {
	Materializer *singleflight.Materializer
	Index        *duequeue.Index
	Tracker      *duequeue.Tracker
	Uploader     Uploader
	// Categories are the categories shown on badges.
	Categories []category.Category
	// TTL is how long a rendered badge is served.
	TTL time.Duration
}

// Get returns the badge of the domain, rendering it if necessary.
//
// Domains nobody asked to revalidate have no badge.
func (b *Badges) Get(ctx context.Context, domain string) (singleflight.Result, error) {
	return b.Materializer.GetOrCreate(ctx, singleflight.Request{
		IndexKey:   "asset:badge:" + domain,
		LockKey:    "badge:" + domain,
		TTL:        b.TTL,
		PurgeQueue: BadgeKind,
	}, singleflight.ProducerFunc(func(ctx context.Context) (singleflight.Asset, error) {
		return b.render(ctx, domain)
	}))
}

func (b *Badges) render(ctx context.Context, domain string) (singleflight.Asset, error) {
	statuses, err := CollectStatus(ctx, b.Index, b.Tracker, b.Categories, domain)
	if err != nil {
		return singleflight.Asset{}, err
	}
	if len(statuses) == 0 {
		return singleflight.Asset{}, nil
	}

	now := clock.Now(ctx)
	blob, err := RenderBadge(domain, now, statuses)
	if err != nil {
		return singleflight.Asset{}, err
	}
	// A new object per rendering, the previous one is pruned on its own
	// schedule.
	key := fmt.Sprintf("badges/%s/%d.svg", domain, now.UnixMilli())
	url, err := b.Uploader.Upload(ctx, key, "image/svg+xml", blob)
	if err != nil {
		return singleflight.Asset{}, err
	}
	return singleflight.Asset{
		URL: url,
		Key: key,
		Metrics: map[string]float64{
			"categories": float64(len(statuses)),
			"bytes":      float64(len(blob)),
		},
	}, nil
}

// ServeBadge handles "GET .../:domain" by redirecting to the badge image.
func (b *Badges) ServeBadge(c *router.Context) {
	ctx := c.Request.Context()

	domain, err := category.NormalizeDomain(c.Params.ByName("domain"))
	if err != nil {
		http.Error(c.Writer, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := b.Get(ctx, domain)
	switch {
	case err != nil && failure.Classify(err) == failure.Recoverable:
		logging.WithError(err).Warningf(ctx, "Transient error rendering the badge of %q", domain)
		c.Writer.Header().Set("Retry-After", "5")
		http.Error(c.Writer, "Try again later", http.StatusServiceUnavailable)
	case err != nil:
		logging.WithError(err).Errorf(ctx, "Failed to render the badge of %q", domain)
		http.Error(c.Writer, "Internal server error", http.StatusInternalServerError)
	case res.Source == singleflight.TimedOut:
		c.Writer.Header().Set("Retry-After", "5")
		http.Error(c.Writer, "The badge is being rendered", http.StatusServiceUnavailable)
	case !res.Found:
		http.Error(c.Writer, fmt.Sprintf("No badge for %q", domain), http.StatusNotFound)
	default:
		http.Redirect(c.Writer, c.Request, res.URL, http.StatusFound)
	}
}
