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
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/domainwatch/internal/store"
	"go.chromium.org/domainwatch/internal/store/storetest"
)

func testOptions() Options {
	return Options{
		LockOptions: LockOptions{
			PollInterval: 10 * time.Millisecond,
			MaxWait:      5 * time.Second,
			ResultTTL:    time.Minute,
			FailOpen:     true,
		},
		LockTTLMin: 5 * time.Second,
		LockTTLMax: 120 * time.Second,
	}
}

func TestLocker(t *testing.T) {
	t.Parallel()

	ftt.Run("With locker", t, func(t *ftt.Test) {
		ctx := context.Background()

		s, err := miniredis.Run()
		assert.Loosely(t, err, should.BeNil)
		defer s.Close()

		st := store.NewRedis(storetest.NewPool(s.Addr()))
		defer st.Close()
		l := NewLocker(st, testOptions().LockOptions)

		t.Run("TryAcquire is exclusive", func(t *ftt.Test) {
			lk, err := l.TryAcquire(ctx, "dns:example.com", time.Minute)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, lk, should.NotBeNil)
			assert.Loosely(t, lk.FailedOpen(), should.BeFalse)
			assert.Loosely(t, s.TTL("lock:dns:example.com"), should.Equal(time.Minute))

			other, err := l.TryAcquire(ctx, "dns:example.com", time.Minute)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, other, should.BeNil)

			lk.Release(ctx)
			assert.Loosely(t, s.Exists("lock:dns:example.com"), should.BeFalse)

			other, err = l.TryAcquire(ctx, "dns:example.com", time.Minute)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, other, should.NotBeNil)
		})

		t.Run("Release doesn't steal a lock from a new owner", func(t *ftt.Test) {
			lk, err := l.TryAcquire(ctx, "dns:example.com", time.Minute)
			assert.Loosely(t, err, should.BeNil)

			// Our lock expired and someone else took it.
			assert.Loosely(t, s.Set("lock:dns:example.com", "someone else"), should.BeNil)
			lk.Release(ctx)
			v, err := s.Get("lock:dns:example.com")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, v, should.Equal("someone else"))
		})

		t.Run("Claim", func(t *ftt.Test) {
			t.Run("free lock", func(t *ftt.Test) {
				lk, outcome, err := l.Claim(ctx, "dns:example.com", time.Minute, nil)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, outcome, should.Equal(Acquired))
				assert.Loosely(t, lk, should.NotBeNil)
			})

			t.Run("result appears while waiting", func(t *ftt.Test) {
				assert.Loosely(t, s.Set("lock:dns:example.com", "holder"), should.BeNil)
				go func() {
					time.Sleep(30 * time.Millisecond)
					_ = l.MarkDone(ctx, "dns:example.com")
				}()
				lk, outcome, err := l.Claim(ctx, "dns:example.com", time.Minute, nil)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, outcome, should.Equal(Completed))
				assert.Loosely(t, lk, should.BeNil)
			})

			t.Run("lock vanishes without a result", func(t *ftt.Test) {
				assert.Loosely(t, s.Set("lock:dns:example.com", "holder"), should.BeNil)
				go func() {
					time.Sleep(30 * time.Millisecond)
					s.Del("lock:dns:example.com")
				}()
				lk, outcome, err := l.Claim(ctx, "dns:example.com", time.Minute, nil)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, outcome, should.Equal(Acquired))
				assert.Loosely(t, lk, should.NotBeNil)
			})

			t.Run("gives up", func(t *ftt.Test) {
				assert.Loosely(t, s.Set("lock:dns:example.com", "holder"), should.BeNil)
				opts := testOptions().LockOptions
				opts.MaxWait = 50 * time.Millisecond
				l := NewLocker(st, opts)
				lk, outcome, err := l.Claim(ctx, "dns:example.com", time.Minute, nil)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, outcome, should.Equal(GaveUp))
				assert.Loosely(t, lk, should.BeNil)
			})
		})

		t.Run("MarkDone and Done", func(t *ftt.Test) {
			done, err := l.Done(ctx, "dns:example.com")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, done, should.BeFalse)

			assert.Loosely(t, l.MarkDone(ctx, "dns:example.com"), should.BeNil)
			assert.Loosely(t, s.TTL("result:dns:example.com"), should.Equal(time.Minute))

			done, err = l.Done(ctx, "dns:example.com")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, done, should.BeTrue)
		})
	})

	ftt.Run("With unreachable store", t, func(t *ftt.Test) {
		ctx := context.Background()
		st := store.NewRedis(storetest.NewPool("127.0.0.1:1"))
		defer st.Close()

		t.Run("fail open", func(t *ftt.Test) {
			l := NewLocker(st, testOptions().LockOptions)
			lk, err := l.TryAcquire(ctx, "dns:example.com", time.Minute)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, lk.FailedOpen(), should.BeTrue)
			lk.Release(ctx)
		})

		t.Run("fail closed", func(t *ftt.Test) {
			opts := testOptions().LockOptions
			opts.FailOpen = false
			l := NewLocker(st, opts)
			_, err := l.TryAcquire(ctx, "dns:example.com", time.Minute)
			assert.Loosely(t, store.Unavailable.In(err), should.BeTrue)
		})
	})
}

func TestMaterializer(t *testing.T) {
	t.Parallel()

	ftt.Run("With materializer", t, func(t *ftt.Test) {
		ctx := context.Background()

		s, err := miniredis.Run()
		assert.Loosely(t, err, should.BeNil)
		defer s.Close()

		st := store.NewRedis(storetest.NewPool(s.Addr()))
		defer st.Close()
		m := NewMaterializer(st, testOptions())

		req := Request{
			IndexKey: "shot:example.com",
			LockKey:  "shot:example.com",
			TTL:      time.Hour,
		}

		var calls atomic.Int32
		producer := func(url string, delay time.Duration) Producer {
			return ProducerFunc(func(ctx context.Context) (Asset, error) {
				calls.Add(1)
				time.Sleep(delay)
				return Asset{URL: url}, nil
			})
		}

		t.Run("concurrent callers in different processes", func(t *ftt.Test) {
			// Each Materializer stands for a separate process.
			ms := []*Materializer{m, NewMaterializer(st, testOptions())}
			results := make([]Result, len(ms))
			errs := make([]error, len(ms))

			var wg sync.WaitGroup
			for i, m := range ms {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i], errs[i] = m.GetOrCreate(ctx, req, producer("https://x", 50*time.Millisecond))
				}()
			}
			wg.Wait()

			assert.Loosely(t, calls.Load(), should.Equal(int32(1)))
			for i := range ms {
				assert.Loosely(t, errs[i], should.BeNil)
				assert.Loosely(t, results[i].URL, should.Equal("https://x"))
				assert.Loosely(t, results[i].Found, should.BeTrue)
			}
			assert.Loosely(t, s.Exists("lock:shot:example.com"), should.BeFalse)
		})

		t.Run("concurrent callers in one process", func(t *ftt.Test) {
			results := make([]Result, 10)
			errs := make([]error, 10)
			var wg sync.WaitGroup
			for i := range results {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i], errs[i] = m.GetOrCreate(ctx, req, producer("https://x", 20*time.Millisecond))
				}()
			}
			wg.Wait()

			assert.Loosely(t, calls.Load(), should.Equal(int32(1)))
			for i := range results {
				assert.Loosely(t, errs[i], should.BeNil)
				assert.Loosely(t, results[i].URL, should.Equal("https://x"))
			}
		})

		t.Run("a caller giving up doesn't cancel others", func(t *ftt.Test) {
			started := make(chan struct{})
			slow := ProducerFunc(func(ctx context.Context) (Asset, error) {
				calls.Add(1)
				close(started)
				select {
				case <-time.After(50 * time.Millisecond):
					return Asset{URL: "https://x"}, nil
				case <-ctx.Done():
					return Asset{}, ctx.Err()
				}
			})

			impatient, cancel := context.WithCancel(ctx)
			var first Result
			var firstErr error
			done := make(chan struct{})
			go func() {
				defer close(done)
				first, firstErr = m.GetOrCreate(impatient, req, slow)
			}()
			<-started

			var second Result
			var secondErr error
			joined := make(chan struct{})
			go func() {
				defer close(joined)
				second, secondErr = m.GetOrCreate(ctx, req, slow)
			}()
			time.Sleep(10 * time.Millisecond)
			cancel()

			<-done
			assert.Loosely(t, firstErr, should.BeNil)
			assert.Loosely(t, first, should.Match(Result{Source: TimedOut}))

			<-joined
			assert.Loosely(t, secondErr, should.BeNil)
			assert.Loosely(t, second, should.Match(Result{URL: "https://x", Found: true, Source: Produced}))
			assert.Loosely(t, calls.Load(), should.Equal(int32(1)))
			assert.Loosely(t, s.Exists("shot:example.com"), should.BeTrue)
		})

		t.Run("cache hit", func(t *ftt.Test) {
			res, err := m.GetOrCreate(ctx, req, producer("https://x", 0))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, res, should.Match(Result{URL: "https://x", Found: true, Source: Produced}))

			res, err = m.GetOrCreate(ctx, req, producer("https://y", 0))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, res, should.Match(Result{URL: "https://x", Found: true, Source: CacheHit}))
			assert.Loosely(t, calls.Load(), should.Equal(int32(1)))
			assert.Loosely(t, s.TTL("shot:example.com"), should.Equal(time.Hour))
		})

		t.Run("negative results are cached", func(t *ftt.Test) {
			res, err := m.GetOrCreate(ctx, req, producer("", 0))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, res, should.Match(Result{Source: Produced}))

			res, err = m.GetOrCreate(ctx, req, producer("https://x", 0))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, res, should.Match(Result{Source: Negative}))
			assert.Loosely(t, calls.Load(), should.Equal(int32(1)))

			blob, err := s.Get("shot:example.com")
			assert.Loosely(t, err, should.BeNil)
			var raw map[string]any
			assert.Loosely(t, json.Unmarshal([]byte(blob), &raw), should.BeNil)
			url, ok := raw["url"]
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, url, should.BeNil)
		})

		t.Run("producer errors are not cached", func(t *ftt.Test) {
			boom := ProducerFunc(func(context.Context) (Asset, error) {
				calls.Add(1)
				return Asset{}, errors.New("renderer crashed")
			})
			_, err := m.GetOrCreate(ctx, req, boom)
			assert.Loosely(t, err, should.ErrLike("renderer crashed"))
			assert.Loosely(t, s.Exists("lock:shot:example.com"), should.BeFalse)
			assert.Loosely(t, s.Exists("shot:example.com"), should.BeFalse)

			res, err := m.GetOrCreate(ctx, req, producer("https://x", 0))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, res.Source, should.Equal(Produced))
			assert.Loosely(t, calls.Load(), should.Equal(int32(2)))
		})

		t.Run("another producer holds the lock", func(t *ftt.Test) {
			assert.Loosely(t, s.Set("lock:shot:example.com", "holder"), should.BeNil)

			t.Run("and publishes a result", func(t *ftt.Test) {
				go func() {
					time.Sleep(30 * time.Millisecond)
					_ = s.Set("shot:example.com", `{"url":"https://other","expiresAtMs":0}`)
				}()
				res, err := m.GetOrCreate(ctx, req, producer("https://x", 0))
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, res, should.Match(Result{URL: "https://other", Found: true, Source: Waited}))
				assert.Loosely(t, calls.Load(), should.BeZero)
			})

			t.Run("and crashes", func(t *ftt.Test) {
				go func() {
					time.Sleep(30 * time.Millisecond)
					s.Del("lock:shot:example.com")
				}()
				res, err := m.GetOrCreate(ctx, req, producer("https://x", 0))
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, res, should.Match(Result{URL: "https://x", Found: true, Source: Produced}))
				assert.Loosely(t, calls.Load(), should.Equal(int32(1)))
			})

			t.Run("for too long", func(t *ftt.Test) {
				opts := testOptions()
				opts.MaxWait = 50 * time.Millisecond
				m := NewMaterializer(st, opts)
				res, err := m.GetOrCreate(ctx, req, producer("https://x", 0))
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, res, should.Match(Result{Source: TimedOut}))
				assert.Loosely(t, calls.Load(), should.BeZero)
				assert.Loosely(t, s.Exists("shot:example.com"), should.BeFalse)
			})
		})

		t.Run("purge queue", func(t *ftt.Test) {
			ctx, tc := testclock.UseTime(ctx, testclock.TestRecentTimeUTC.Round(time.Millisecond))
			req.PurgeQueue = "screenshot"
			withKey := ProducerFunc(func(context.Context) (Asset, error) {
				return Asset{URL: "https://x", Key: "shots/example.com.png"}, nil
			})
			_, err := m.GetOrCreate(ctx, req, withKey)
			assert.Loosely(t, err, should.BeNil)

			score, err := s.ZScore("purge:screenshot", "shots/example.com.png")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, score, should.Equal(float64(tc.Now().Add(time.Hour).UnixMilli())))
		})

		t.Run("bad requests", func(t *ftt.Test) {
			_, err := m.GetOrCreate(ctx, Request{LockKey: "l", TTL: time.Hour}, producer("", 0))
			assert.Loosely(t, err, should.ErrLike("IndexKey is required"))
			_, err = m.GetOrCreate(ctx, Request{IndexKey: "i", TTL: time.Hour}, producer("", 0))
			assert.Loosely(t, err, should.ErrLike("LockKey is required"))
			_, err = m.GetOrCreate(ctx, Request{IndexKey: "i", LockKey: "l"}, producer("", 0))
			assert.Loosely(t, err, should.ErrLike("TTL must be positive"))
		})

		t.Run("lock TTL is clamped", func(t *ftt.Test) {
			assert.Loosely(t, m.lockTTL(time.Second), should.Equal(5*time.Second))
			assert.Loosely(t, m.lockTTL(time.Minute), should.Equal(time.Minute))
			assert.Loosely(t, m.lockTTL(time.Hour), should.Equal(120*time.Second))
		})
	})

	ftt.Run("With unreachable store", t, func(t *ftt.Test) {
		ctx := context.Background()
		st := store.NewRedis(storetest.NewPool("127.0.0.1:1"))
		defer st.Close()

		req := Request{IndexKey: "shot:example.com", LockKey: "shot:example.com", TTL: time.Hour}
		produce := ProducerFunc(func(context.Context) (Asset, error) {
			return Asset{URL: "https://x"}, nil
		})

		t.Run("fail open", func(t *ftt.Test) {
			res, err := NewMaterializer(st, testOptions()).GetOrCreate(ctx, req, produce)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, res, should.Match(Result{URL: "https://x", Found: true, Source: Produced}))
		})

		t.Run("fail closed", func(t *ftt.Test) {
			opts := testOptions()
			opts.FailOpen = false
			_, err := NewMaterializer(st, opts).GetOrCreate(ctx, req, produce)
			assert.Loosely(t, store.Unavailable.In(err), should.BeTrue)
		})
	})
}
