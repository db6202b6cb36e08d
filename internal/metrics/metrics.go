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

// Package metrics defines tsmon metrics reported by the revalidation backend.
package metrics

import (
	"go.chromium.org/luci/common/tsmon/distribution"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/common/tsmon/types"
)

var (
	// DrainClaimed counts (category, domain) pairs claimed by drain runs.
	DrainClaimed = metric.NewCounter(
		"domainwatch/drain/claimed",
		"Number of due (category, domain) pairs claimed by drain runs",
		nil,
		field.String("category"),
	)

	// DrainEmitted counts work items emitted by drain runs.
	DrainEmitted = metric.NewCounter(
		"domainwatch/drain/emitted",
		"Number of work items emitted by drain runs",
		nil,
		field.String("result"), // OK | error
	)

	// DrainDuration is the duration of drain runs.
	DrainDuration = metric.NewCumulativeDistribution(
		"domainwatch/drain/duration",
		"Duration of drain runs",
		&types.MetricMetadata{Units: types.Milliseconds},
		distribution.DefaultBucketer,
	)

	// RevalidateOutcomes counts processed (category, domain) pairs by outcome.
	RevalidateOutcomes = metric.NewCounter(
		"domainwatch/revalidate/outcomes",
		"Number of (category, domain) pairs processed by revalidation workers",
		nil,
		field.String("category"),
		field.String("outcome"), // refreshed | failed | skipped | unknown
	)

	// RevalidateDuration is the duration of category refreshes.
	RevalidateDuration = metric.NewCumulativeDistribution(
		"domainwatch/revalidate/duration",
		"Duration of category refreshes",
		&types.MetricMetadata{Units: types.Milliseconds},
		distribution.DefaultBucketer,
		field.String("category"),
		field.String("outcome"), // refreshed | failed
	)

	// MaterializeResults counts GetOrCreate calls by how they were served.
	MaterializeResults = metric.NewCounter(
		"domainwatch/singleflight/results",
		"Number of materializer calls by the source of the result",
		nil,
		field.String("source"), // cache_hit | negative | produced | waited | timed_out | error
	)

	// PurgeDeleted counts storage objects processed by the pruner.
	PurgeDeleted = metric.NewCounter(
		"domainwatch/purge/deleted",
		"Number of storage objects processed by the pruner",
		nil,
		field.String("kind"),
		field.String("result"), // OK | missing | error
	)
)
