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

// Package fetcher implements category refreshers backed by an external
// fetcher service.
//
// For each refresh the fetcher service is called with
//
//	POST <url>/<category>
//	{"domain": "example.com"}
//
// It looks the data up, persists it and replies with
//
//	{"ttlSeconds": 3600}
//
// telling how long the fetched data stays fresh, at most 30 days. Zero or a
// missing TTL leaves the scheduling to the worker's fallback horizon.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/domainwatch/internal/category"
	"go.chromium.org/domainwatch/internal/duequeue"
	"go.chromium.org/domainwatch/internal/failure"
)

const (
	// maxResponseSize limits how much of a response body is read.
	maxResponseSize = 64 * 1024
	// maxTTL caps TTLs reported by the fetcher service.
	maxTTL = 30 * 24 * time.Hour
)

type request struct {
	Domain string `json:"domain"`
}

type response struct {
	TTLSeconds int64 `json:"ttlSeconds"`
}

// Client calls the fetcher service.
type Client struct {
	// URL is the base URL of the fetcher service.
	URL string
	// HTTP is the client to use. Defaults to http.DefaultClient.
	HTTP *http.Client
	// Index is where refreshed pairs are scheduled.
	Index *duequeue.Index
}

// Register registers refreshers of all categories in the registry.
func (cl *Client) Register(r *category.Registry) {
	for _, c := range category.All {
		r.Register(c, cl.Refresher(c))
	}
}

// Refresher returns the refresher of a category.
func (cl *Client) Refresher(c category.Category) category.Refresher {
	return category.RefresherFunc(func(ctx context.Context, domain string) error {
		return cl.refresh(ctx, c, domain)
	})
}

func (cl *Client) refresh(ctx context.Context, c category.Category, domain string) error {
	body, err := json.Marshal(&request{Domain: domain})
	if err != nil {
		return errors.Fmt("serializing request: %w", err)
	}
	url := fmt.Sprintf("%s/%s", strings.TrimRight(cl.URL, "/"), c)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Fmt("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpc := cl.HTTP
	if httpc == nil {
		httpc = http.DefaultClient
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return transient.Tag.Apply(errors.Fmt("calling %s: %w", url, err))
	}
	defer resp.Body.Close()
	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return transient.Tag.Apply(errors.Fmt("reading response of %s: %w", url, err))
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return transient.Tag.Apply(errors.Fmt("%s replied HTTP %d: %s", url, resp.StatusCode, blob))
	case resp.StatusCode >= 300:
		return errors.Fmt("%s replied HTTP %d: %s", url, resp.StatusCode, blob)
	}

	var out response
	if len(blob) != 0 {
		if err := json.Unmarshal(blob, &out); err != nil {
			return errors.Fmt("bad response of %s: %w", url, err)
		}
	}
	if out.TTLSeconds <= 0 {
		return nil
	}
	ttl := maxTTL
	if out.TTLSeconds < int64(maxTTL/time.Second) {
		ttl = time.Duration(out.TTLSeconds) * time.Second
	}
	next := clock.Now(ctx).Add(ttl)
	if _, err := cl.Index.ScheduleIfEarlier(ctx, c, domain, next); err != nil {
		// The worker's fallback still reschedules the pair.
		failure.BestEffort(ctx, failure.Ignorable.Apply(err), "scheduling the next refresh")
	}
	return nil
}
