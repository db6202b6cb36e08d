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
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/dustin/go-humanize"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/domainwatch/internal/category"
	"go.chromium.org/domainwatch/internal/duequeue"
)

// Status is the revalidation status of a category of a domain.
type Status struct {
	Category category.Category
	// NextDue is when the category is due next. Zero if it isn't scheduled.
	NextDue time.Time
	// Failures is the number of consecutive refresh failures.
	Failures int64
}

// Scheduled is true if the category is in its due queue.
func (s Status) Scheduled() bool {
	return !s.NextDue.IsZero()
}

// CollectStatus reads statuses of the given categories of a domain.
//
// Categories that are neither scheduled nor failing are omitted.
func CollectStatus(ctx context.Context, x *duequeue.Index, t *duequeue.Tracker, cats []category.Category, domain string) ([]Status, error) {
	var out []Status
	for _, c := range cats {
		next, ok, err := x.NextDue(ctx, c, domain)
		if err != nil {
			return nil, errors.Fmt("reading next due %s of %q: %w", c, domain, err)
		}
		failures, err := t.Failures(ctx, c, domain)
		if err != nil {
			return nil, errors.Fmt("reading %s failures of %q: %w", c, domain, err)
		}
		if !ok && failures == 0 {
			continue
		}
		st := Status{Category: c, Failures: failures}
		if ok {
			st.NextDue = next
		}
		out = append(out, st)
	}
	return out, nil
}

const (
	badgeRowHeight = 20
	badgeWidth     = 320
)

var badgeTmpl = template.Must(template.New("badge").Parse(
	`<svg xmlns="http://www.w3.org/2000/svg" width="{{.Width}}" height="{{.Height}}">` +
		`<rect width="100%" height="100%" fill="#24292f"/>` +
		`<text x="8" y="15" fill="#ffffff" font-family="monospace" font-size="12">{{.Domain}}</text>` +
		`{{range .Rows}}` +
		`<text x="8" y="{{.Y}}" fill="{{.Color}}" font-family="monospace" font-size="12">{{.Text}}</text>` +
		`{{end}}` +
		`</svg>`))

type badgeRow struct {
	Y     int
	Color string
	Text  string
}

// RenderBadge renders statuses as an SVG image.
func RenderBadge(domain string, now time.Time, statuses []Status) ([]byte, error) {
	rows := make([]badgeRow, len(statuses))
	for i, st := range statuses {
		row := badgeRow{Y: (i+2)*badgeRowHeight - 5, Color: "#3fb950"}
		switch {
		case st.Failures > 0:
			row.Color = "#f85149"
			row.Text = fmt.Sprintf("%-9s failing (%d)", st.Category, st.Failures)
		case !st.NextDue.After(now):
			row.Color = "#d29922"
			row.Text = fmt.Sprintf("%-9s refreshing", st.Category)
		default:
			row.Text = fmt.Sprintf("%-9s fresh, due %s", st.Category, humanize.RelTime(st.NextDue, now, "ago", "from now"))
		}
		rows[i] = row
	}

	var buf bytes.Buffer
	err := badgeTmpl.Execute(&buf, map[string]any{
		"Width":  badgeWidth,
		"Height": (len(rows) + 1) * badgeRowHeight,
		"Domain": domain,
		"Rows":   rows,
	})
	if err != nil {
		return nil, errors.Fmt("rendering badge: %w", err)
	}
	return buf.Bytes(), nil
}
