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

// Package events defines revalidation work items and how they are delivered
// from the drain to revalidation workers.
package events

import (
	"context"
	"encoding/json"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/domainwatch/internal/category"
	"go.chromium.org/domainwatch/internal/failure"
)

// WorkItem asks to revalidate some categories of a domain.
type WorkItem struct {
	Domain     string              `json:"domain"`
	Categories []category.Category `json:"categories"`
}

// Validate checks the item is well-formed.
//
// Unknown categories are not an error: workers report and skip them.
func (w *WorkItem) Validate() error {
	switch {
	case w.Domain == "":
		return failure.Malformed.Apply(errors.New("work item has no domain"))
	case len(w.Categories) == 0:
		return failure.Malformed.Apply(errors.Fmt("work item for %q has no categories", w.Domain))
	}
	return nil
}

// Decode parses and validates a JSON-encoded work item.
func Decode(blob []byte) (*WorkItem, error) {
	w := &WorkItem{}
	if err := json.Unmarshal(blob, w); err != nil {
		return nil, failure.Malformed.Apply(errors.Fmt("bad work item: %w", err))
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Emitter delivers work items to revalidation workers.
//
// Delivery is at-least-once. Emit either delivers all items or returns an
// error, in which case some of the items may still have been delivered.
type Emitter interface {
	Emit(ctx context.Context, items []WorkItem) error
}

// EmitterFunc implements Emitter.
type EmitterFunc func(ctx context.Context, items []WorkItem) error

// Emit calls the function.
func (f EmitterFunc) Emit(ctx context.Context, items []WorkItem) error {
	return f(ctx, items)
}
