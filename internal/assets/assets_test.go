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

package assets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/server/router"

	"go.chromium.org/domainwatch/internal/category"
	"go.chromium.org/domainwatch/internal/duequeue"
	"go.chromium.org/domainwatch/internal/singleflight"
	"go.chromium.org/domainwatch/internal/store"
	"go.chromium.org/domainwatch/internal/store/storetest"
)

type fakeUploader struct {
	m       sync.Mutex
	err     error
	objects map[string]string
}

func (u *fakeUploader) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	u.m.Lock()
	defer u.m.Unlock()
	if u.err != nil {
		return "", u.err
	}
	if u.objects == nil {
		u.objects = map[string]string{}
	}
	u.objects[key] = string(data)
	return "https://example.test/" + key, nil
}

func TestRenderBadge(t *testing.T) {
	t.Parallel()

	ftt.Run("RenderBadge", t, func(t *ftt.Test) {
		now := testclock.TestRecentTimeUTC

		blob, err := RenderBadge("example.com", now, []Status{
			{Category: category.DNS, NextDue: now.Add(42 * time.Minute)},
			{Category: category.SEO, NextDue: now.Add(-time.Minute)},
			{Category: category.Certificates, NextDue: now.Add(time.Hour), Failures: 3},
		})
		assert.Loosely(t, err, should.BeNil)

		svg := string(blob)
		assert.Loosely(t, strings.HasPrefix(svg, "<svg"), should.BeTrue)
		assert.Loosely(t, svg, should.ContainSubstring(`height="80"`))
		assert.Loosely(t, svg, should.ContainSubstring("example.com"))
		assert.Loosely(t, svg, should.ContainSubstring("fresh, due 42 minutes from now"))
		assert.Loosely(t, svg, should.ContainSubstring("refreshing"))
		assert.Loosely(t, svg, should.ContainSubstring("failing (3)"))
	})

	ftt.Run("RenderBadge escapes", t, func(t *ftt.Test) {
		blob, err := RenderBadge("<script>", testclock.TestRecentTimeUTC, nil)
		assert.Loosely(t, err, should.BeNil)
		assert.Loosely(t, string(blob), should.NotContainSubstring("<script>"))
	})
}

func TestBadges(t *testing.T) {
	t.Parallel()

	ftt.Run("With badges", t, func(t *ftt.Test) {
		ctx, tc := testclock.UseTime(context.Background(), testclock.TestRecentTimeUTC.Round(time.Millisecond))
		now := tc.Now()

		s, err := miniredis.Run()
		assert.Loosely(t, err, should.BeNil)
		defer s.Close()
		s.SetTime(now)

		st := store.NewRedis(storetest.NewPool(s.Addr()))
		defer st.Close()

		x := duequeue.NewIndex(st, 10*time.Minute)
		tr := duequeue.NewTracker(st, x, duequeue.Backoff{Base: 5 * time.Minute, Max: 24 * time.Hour})
		up := &fakeUploader{}
		b := &Badges{
			Materializer: singleflight.NewMaterializer(st, singleflight.Options{
				LockOptions: singleflight.LockOptions{
					PollInterval: 10 * time.Millisecond,
					ResultTTL:    time.Minute,
				},
				LockTTLMin: 5 * time.Second,
				LockTTLMax: 2 * time.Minute,
			}),
			Index:      x,
			Tracker:    tr,
			Uploader:   up,
			Categories: category.All,
			TTL:        6 * time.Hour,
		}

		t.Run("Unknown domain has no badge", func(t *ftt.Test) {
			res, err := b.Get(ctx, "example.com")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, res.Found, should.BeFalse)
			assert.Loosely(t, up.objects, should.HaveLength(0))
		})

		t.Run("Renders once and purges later", func(t *ftt.Test) {
			assert.Loosely(t, x.Schedule(ctx, category.DNS, "example.com", now.Add(time.Hour)), should.BeNil)
			_, err := tr.RecordFailure(ctx, category.SEO, "example.com")
			assert.Loosely(t, err, should.BeNil)

			res, err := b.Get(ctx, "example.com")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, res.Found, should.BeTrue)
			assert.Loosely(t, res.Source, should.Equal(singleflight.Produced))

			key := "badges/example.com/" + strconv.FormatInt(now.UnixMilli(), 10) + ".svg"
			assert.Loosely(t, res.URL, should.Equal("https://example.test/"+key))
			assert.Loosely(t, up.objects[key], should.ContainSubstring("failing (1)"))

			score, err := s.ZScore("purge:badge", key)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, score, should.Equal(float64(now.Add(6*time.Hour).UnixMilli())))

			res, err = b.Get(ctx, "example.com")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, res.Source, should.Equal(singleflight.CacheHit))
			assert.Loosely(t, up.objects, should.HaveLength(1))
		})

		t.Run("Upload errors are not cached", func(t *ftt.Test) {
			assert.Loosely(t, x.Schedule(ctx, category.DNS, "example.com", now.Add(time.Hour)), should.BeNil)
			up.err = transient.Tag.Apply(errors.New("gcs is down"))

			_, err := b.Get(ctx, "example.com")
			assert.Loosely(t, err, should.ErrLike("gcs is down"))

			up.err = nil
			res, err := b.Get(ctx, "example.com")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, res.Source, should.Equal(singleflight.Produced))
		})

		t.Run("ServeBadge", func(t *ftt.Test) {
			r := router.New()
			r.GET("/badges/:domain", nil, b.ServeBadge)
			serve := func(path string) *httptest.ResponseRecorder {
				rec := httptest.NewRecorder()
				r.ServeHTTP(rec, httptest.NewRequest("GET", path, nil).WithContext(ctx))
				return rec
			}

			t.Run("Redirects", func(t *ftt.Test) {
				assert.Loosely(t, x.Schedule(ctx, category.DNS, "example.com", now.Add(time.Hour)), should.BeNil)
				rec := serve("/badges/Example.COM.")
				assert.Loosely(t, rec.Code, should.Equal(http.StatusFound))
				assert.Loosely(t, rec.Header().Get("Location"), should.HavePrefix("https://example.test/badges/example.com/"))
			})

			t.Run("Not found", func(t *ftt.Test) {
				rec := serve("/badges/example.com")
				assert.Loosely(t, rec.Code, should.Equal(http.StatusNotFound))
			})

			t.Run("Bad domain", func(t *ftt.Test) {
				rec := serve("/badges/localhost")
				assert.Loosely(t, rec.Code, should.Equal(http.StatusBadRequest))
			})

			t.Run("Transient error", func(t *ftt.Test) {
				assert.Loosely(t, x.Schedule(ctx, category.DNS, "example.com", now.Add(time.Hour)), should.BeNil)
				up.err = transient.Tag.Apply(errors.New("gcs is down"))
				rec := serve("/badges/example.com")
				assert.Loosely(t, rec.Code, should.Equal(http.StatusServiceUnavailable))
				assert.Loosely(t, rec.Header().Get("Retry-After"), should.Equal("5"))
			})

			t.Run("Fatal error", func(t *ftt.Test) {
				assert.Loosely(t, x.Schedule(ctx, category.DNS, "example.com", now.Add(time.Hour)), should.BeNil)
				up.err = errors.New("bucket is gone")
				rec := serve("/badges/example.com")
				assert.Loosely(t, rec.Code, should.Equal(http.StatusInternalServerError))
			})
		})
	})
}
