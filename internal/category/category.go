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

// Package category defines the categories of domain data kept fresh by the
// revalidation backend and the contract of their refreshers.
package category

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/net/idna"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/domainwatch/internal/failure"
)

// Category is one kind of domain data, e.g. DNS records.
type Category string

const (
	Registration Category = "registration"
	DNS          Category = "dns"
	Certificates Category = "certificates"
	Headers      Category = "headers"
	Hosting      Category = "hosting"
	SEO          Category = "seo"
)

// All lists all known categories in the order the drain visits them.
var All = []Category{Registration, DNS, Certificates, Headers, Hosting, SEO}

// Parse returns the category with the given name.
func Parse(name string) (Category, error) {
	for _, c := range All {
		if string(c) == name {
			return c, nil
		}
	}
	return "", failure.Malformed.Apply(errors.Fmt("unknown category %q", name))
}

// NormalizeDomain returns the canonical ASCII form of a domain name.
//
// The name is lower-cased, the trailing dot is dropped and internationalized
// labels are converted to punycode.
func NormalizeDomain(domain string) (string, error) {
	d := strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if d == "" {
		return "", failure.Malformed.Apply(errors.New("empty domain"))
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", failure.Malformed.Apply(errors.Fmt("bad domain %q: %w", domain, err))
	}
	if !strings.Contains(ascii, ".") {
		return "", failure.Malformed.Apply(errors.Fmt("bad domain %q: not a fully qualified name", domain))
	}
	return ascii, nil
}

// Resource is the name of the resource locked while the (category, domain)
// pair is being refreshed.
func Resource(c Category, domain string) string {
	return fmt.Sprintf("%s:%s", c, domain)
}

// Refresher refreshes one category of data for a domain.
//
// Refresh performs the external lookup, persists the results and schedules
// the next revalidation of the pair itself. It must be idempotent, since work
// items are delivered at least once. Returning an error signals a failure.
type Refresher interface {
	Refresh(ctx context.Context, domain string) error
}

// RefresherFunc implements Refresher with a function.
type RefresherFunc func(ctx context.Context, domain string) error

// Refresh implements Refresher.
func (f RefresherFunc) Refresh(ctx context.Context, domain string) error {
	return f(ctx, domain)
}

// Registry maps categories to their refreshers.
//
// The zero value is ready to use. Safe for concurrent use.
type Registry struct {
	m sync.RWMutex
	r map[Category]Refresher
}

// Register registers a refresher of a category.
//
// Panics if the category is unknown or already has a refresher.
func (r *Registry) Register(c Category, refresher Refresher) {
	if _, err := Parse(string(c)); err != nil {
		panic(err)
	}
	r.m.Lock()
	defer r.m.Unlock()
	if r.r == nil {
		r.r = make(map[Category]Refresher, len(All))
	}
	if _, ok := r.r[c]; ok {
		panic(fmt.Sprintf("refresher of %q is already registered", c))
	}
	r.r[c] = refresher
}

// Get returns the refresher of a category or nil if there's none.
func (r *Registry) Get(c Category) Refresher {
	r.m.RLock()
	defer r.m.RUnlock()
	return r.r[c]
}

// Categories returns categories with registered refreshers, sorted.
func (r *Registry) Categories() []Category {
	r.m.RLock()
	defer r.m.RUnlock()
	out := make([]Category, 0, len(r.r))
	for c := range r.r {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
