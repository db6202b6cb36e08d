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

package config

import (
	"flag"
	"testing"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestOptions(t *testing.T) {
	t.Parallel()

	ftt.Run("Options", t, func(t *ftt.Test) {
		opts := Default()

		t.Run("Defaults are valid", func(t *ftt.Test) {
			assert.Loosely(t, opts.Validate(), should.BeNil)
			assert.Loosely(t, opts.LeaseDuration, should.Equal(10*time.Minute))
		})

		t.Run("Flags", func(t *ftt.Test) {
			fs := flag.NewFlagSet("test", flag.ContinueOnError)
			opts.Register(fs)
			err := fs.Parse([]string{
				"-drain-global-budget", "10",
				"-lease-duration", "90s",
				"-lock-fail-open=false",
				"-revalidate-topic", "projects/p/topics/revalidate",
				"-purge-bucket", "assets",
				"-purge-kind", "og-image",
				"-fetcher-url", "https://fetcher.example.com/v1",
			})
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, opts.GlobalBudget, should.Equal(10))
			assert.Loosely(t, opts.LeaseDuration, should.Equal(90*time.Second))
			assert.Loosely(t, opts.LockFailOpen, should.BeFalse)
			assert.Loosely(t, opts.PurgeKinds, should.Match([]string{"og-image"}))
			assert.Loosely(t, opts.Validate(), should.BeNil)

			project, topic, err := opts.TopicID()
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, project, should.Equal("p"))
			assert.Loosely(t, topic, should.Equal("revalidate"))
		})

		t.Run("Purge kinds", func(t *ftt.Test) {
			parse := func(args ...string) []string {
				opts := Default()
				fs := flag.NewFlagSet("test", flag.ContinueOnError)
				opts.Register(fs)
				assert.Loosely(t, fs.Parse(args), should.BeNil)
				return opts.PurgeKinds
			}
			assert.Loosely(t, parse(), should.Match([]string{"badge"}))
			assert.Loosely(t, parse("-purge-kind", "og-image", "-purge-kind", "badge"), should.Match([]string{"og-image", "badge"}))
			assert.Loosely(t, Default().PurgeKinds, should.Match([]string{"badge"}))
		})

		t.Run("Validate", func(t *ftt.Test) {
			opts.EmitBatch = 500
			opts.BackoffMax = time.Second
			opts.BackoffJitter = 2
			opts.RevalidateTopic = "revalidate"
			opts.FetcherURL = "fetcher.example.com"
			merr, ok := opts.Validate().(errors.MultiError)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, merr, should.HaveLength(5))
			assert.Loosely(t, merr[0], should.ErrLike("-drain-emit-batch must be in [1, 200]"))
			assert.Loosely(t, merr[1], should.ErrLike("-backoff-max must not be less than -backoff-base"))
			assert.Loosely(t, merr[2], should.ErrLike("-backoff-jitter"))
			assert.Loosely(t, merr[3], should.ErrLike("doesn't look like projects/<project>/topics/<topic>"))
			assert.Loosely(t, merr[4], should.ErrLike("-fetcher-url must be an absolute http(s) URL"))
		})
	})
}
