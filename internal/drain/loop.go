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

package drain

import (
	"context"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/runtime/paniccatcher"
)

// progressLogger logs at most once per `every`.
type progressLogger struct {
	every time.Duration
	m     sync.Mutex
	last  time.Time
}

func (pl *progressLogger) Infof(ctx context.Context, format string, args ...any) {
	now := clock.Now(ctx)
	pl.m.Lock()
	defer pl.m.Unlock()
	if pl.last.IsZero() || now.Sub(pl.last) >= pl.every {
		logging.Infof(ctx, format, args...)
		pl.last = now
	}
}

// Loop runs Run every Interval until the context is cancelled.
//
// Runs are at least Interval apart, +-10% to desynchronize replicas. Panics
// and errors are logged.
func (s *Scheduler) Loop(ctx context.Context) {
	defer logging.Warningf(ctx, "Exiting the drain loop")

	call := func(ctx context.Context) {
		defer paniccatcher.Catch(func(p *paniccatcher.Panic) {
			logging.Errorf(ctx, "Caught panic: %s\n%s", p.Reason, p.Stack)
		})
		if _, err := s.Run(ctx); err != nil {
			logging.Errorf(ctx, "Drain failed: %s", err)
		}
	}

	iterations := 0
	progress := progressLogger{every: 5 * time.Minute}
	for ctx.Err() == nil {
		iterations++
		progress.Infof(ctx, "Drain iteration #%d", iterations)
		start := clock.Now(ctx)
		call(ctx)

		if sleep := s.opts.Interval - clock.Since(ctx, start); sleep > 0 {
			sleep = sleep - sleep/10 + time.Duration(mathrand.Intn(ctx, int(sleep/5)+1))
			if r := <-clock.After(ctx, sleep); r.Err != nil {
				return
			}
		}
	}
}
