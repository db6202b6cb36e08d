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

// Binary backend drains due revalidations, refreshes domains and serves
// status badges.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
	"google.golang.org/grpc"

	"go.chromium.org/luci/auth/scopes"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/server"
	"go.chromium.org/luci/server/auth"
	"go.chromium.org/luci/server/cron"
	"go.chromium.org/luci/server/module"
	"go.chromium.org/luci/server/pubsub"
	"go.chromium.org/luci/server/redisconn"
	"go.chromium.org/luci/server/router"

	"go.chromium.org/domainwatch/internal/assets"
	"go.chromium.org/domainwatch/internal/category"
	"go.chromium.org/domainwatch/internal/config"
	"go.chromium.org/domainwatch/internal/drain"
	"go.chromium.org/domainwatch/internal/duequeue"
	"go.chromium.org/domainwatch/internal/events"
	"go.chromium.org/domainwatch/internal/fetcher"
	"go.chromium.org/domainwatch/internal/purge"
	"go.chromium.org/domainwatch/internal/revalidate"
	"go.chromium.org/domainwatch/internal/singleflight"
	"go.chromium.org/domainwatch/internal/store"
)

func main() {
	modules := []module.Module{
		cron.NewModuleFromFlags(),
		pubsub.NewModuleFromFlags(),
		redisconn.NewModuleFromFlags(),
	}

	opts := config.Default()
	opts.Register(flag.CommandLine)

	server.Main(nil, modules, func(srv *server.Server) error {
		if err := opts.Validate(); err != nil {
			return err
		}

		srv.Routes.GET("/", router.MiddlewareChain{}, func(c *router.Context) {
			io.WriteString(c.Writer, "OK")
		})

		// The pool is owned and closed by the redisconn module.
		pool := redisconn.GetPool(srv.Context)
		if pool == nil {
			return errors.New("-redis-addr is required")
		}
		st := store.NewRedis(pool)

		index := duequeue.NewIndex(st, opts.LeaseDuration)
		tracker := duequeue.NewTracker(st, index, duequeue.Backoff{
			Base:   opts.BackoffBase,
			Max:    opts.BackoffMax,
			Jitter: opts.BackoffJitter,
		})
		lockOpts := singleflight.LockOptions{
			PollInterval: opts.PollInterval,
			MaxWait:      opts.MaxWait,
			ResultTTL:    opts.ResultTTL,
			FailOpen:     opts.LockFailOpen,
		}

		// Refreshing categories of domains.
		var registry category.Registry
		if opts.FetcherURL != "" {
			tr, err := auth.GetRPCTransport(srv.Context, auth.AsSelf, auth.WithIDTokenAudience(opts.FetcherURL))
			if err != nil {
				return errors.Fmt("fetcher transport: %w", err)
			}
			cl := &fetcher.Client{URL: opts.FetcherURL, HTTP: &http.Client{Transport: tr}, Index: index}
			cl.Register(&registry)
			logging.Infof(srv.Context, "Refreshing %q through %s", registry.Categories(), opts.FetcherURL)
		} else {
			logging.Warningf(srv.Context, "-fetcher-url is not set, due revalidations will be postponed")
		}
		worker := revalidate.NewWorker(&registry, index, tracker, singleflight.NewLocker(st, lockOpts), revalidate.Options{
			LockTTL:         opts.RevalidationLockTTL,
			FallbackHorizon: opts.FallbackHorizon,
		})
		pubsub.Default.RegisterHandler("revalidate", worker.Handle)

		// Draining due queues into the work item topic.
		if opts.RevalidateTopic != "" {
			emitter, err := newEmitter(srv.Context, &opts)
			if err != nil {
				return err
			}
			srv.RegisterCleanup(func(context.Context) { emitter.Stop() })

			sched := drain.NewScheduler(index, emitter, drain.Options{
				CategoryBatch: opts.CategoryBatch,
				GlobalBudget:  opts.GlobalBudget,
				EmitBatch:     opts.EmitBatch,
				Interval:      opts.DrainInterval,
			})
			cron.RegisterHandler("drain-due", func(ctx context.Context) error {
				_, err := sched.Run(ctx)
				return err
			})
			if opts.DrainInterval > 0 {
				srv.RunInBackground("domainwatch.drain", sched.Loop)
			}
		} else {
			logging.Warningf(srv.Context, "-revalidate-topic is not set, due revalidations are not drained")
		}

		// Materialized assets and their pruning.
		if opts.PurgeBucket != "" {
			gcs, err := newStorageClient(srv.Context)
			if err != nil {
				return err
			}
			srv.RegisterCleanup(func(context.Context) { gcs.Close() })

			badges := &assets.Badges{
				Materializer: singleflight.NewMaterializer(st, singleflight.Options{
					LockOptions: lockOpts,
					LockTTLMin:  opts.LockTTLMin,
					LockTTLMax:  opts.LockTTLMax,
				}),
				Index:      index,
				Tracker:    tracker,
				Uploader:   assets.NewGCSUploader(gcs, opts.PurgeBucket),
				Categories: category.All,
				TTL:        opts.BadgeTTL,
			}
			srv.Routes.GET("/badges/:domain", router.MiddlewareChain{}, badges.ServeBadge)

			pruner := purge.NewPruner(st, purge.NewGCSDeleter(gcs, opts.PurgeBucket), purge.Options{
				Kinds: opts.PurgeKinds,
				Batch: opts.PurgeBatch,
				QPS:   opts.PurgeQPS,
			})
			cron.RegisterHandler("prune-assets", func(ctx context.Context) error {
				_, err := pruner.Prune(ctx)
				return err
			})
		}

		return nil
	})
}

func newEmitter(ctx context.Context, opts *config.Options) (*events.PubSubEmitter, error) {
	project, topic, err := opts.TopicID()
	if err != nil {
		return nil, err
	}
	creds, err := auth.GetPerRPCCredentials(ctx, auth.AsSelf, auth.WithScopes(scopes.CloudScopeSet()...))
	if err != nil {
		return nil, errors.Fmt("failed to get per RPC credentials: %w", err)
	}
	return events.NewPubSubEmitter(ctx, project, topic,
		option.WithGRPCDialOption(grpc.WithPerRPCCredentials(creds)),
	)
}

func newStorageClient(ctx context.Context) (*storage.Client, error) {
	tr, err := auth.GetRPCTransport(ctx, auth.AsSelf, auth.WithScopes(scopes.CloudScopeSet()...))
	if err != nil {
		return nil, errors.Fmt("storage transport: %w", err)
	}
	client, err := storage.NewClient(ctx, option.WithHTTPClient(&http.Client{Transport: tr}))
	if err != nil {
		return nil, errors.Fmt("new storage client: %w", err)
	}
	return client, nil
}
