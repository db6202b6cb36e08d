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

// Package failure classifies errors produced by the revalidation machinery.
//
// Every per-item boundary (a drained category, a work item, a category within
// a work item, a purged object) uses this package to decide how loudly to
// report an error. No classified error is allowed to abort sibling items.
package failure

import (
	"context"

	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
)

// Class is a coarse classification of an error.
type Class int

const (
	// Fatal errors won't go away by retrying the same input.
	Fatal Class = iota
	// Recoverable errors are expected to go away on their own, e.g. because
	// the store was briefly unreachable or a key will expire.
	Recoverable
)

func (c Class) String() string {
	if c == Recoverable {
		return "recoverable"
	}
	return "fatal"
}

// Malformed tags errors caused by invalid input, e.g. an unparsable work
// item. Such errors short-circuit only the item they were found in.
var Malformed = errtag.Make("malformed input", true)

// Ignorable tags errors of best-effort operations that are safe to drop.
var Ignorable = errtag.Make("ignorable failure", true)

// Classify returns the class of the error.
//
// Transient and Ignorable errors are Recoverable. Everything else, including
// Malformed errors, is Fatal.
func Classify(err error) Class {
	if transient.Tag.In(err) || Ignorable.In(err) {
		return Recoverable
	}
	return Fatal
}

// BestEffort logs a failed best-effort operation and swallows the error.
//
// Recoverable errors are logged as warnings, fatal ones as errors. `what`
// describes the operation, e.g. "removing drained entries".
func BestEffort(ctx context.Context, err error, what string) {
	if err == nil {
		return
	}
	if Classify(err) == Recoverable {
		logging.Warningf(ctx, "Ignoring failure %s: %s", what, err)
	} else {
		logging.Errorf(ctx, "Ignoring failure %s: %s", what, err)
	}
}
