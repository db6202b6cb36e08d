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

package events

import (
	"context"
	"fmt"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/domainwatch/internal/category"
	"go.chromium.org/domainwatch/internal/config"
	"go.chromium.org/domainwatch/internal/failure"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	ftt.Run("Decode", t, func(t *ftt.Test) {
		t.Run("OK", func(t *ftt.Test) {
			w, err := Decode([]byte(`{"domain": "example.com", "categories": ["dns", "seo"]}`))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, w, should.Match(&WorkItem{
				Domain:     "example.com",
				Categories: []category.Category{category.DNS, category.SEO},
			}))
		})

		t.Run("unknown categories are passed through", func(t *ftt.Test) {
			w, err := Decode([]byte(`{"domain": "example.com", "categories": ["weather"]}`))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, w.Categories, should.Match([]category.Category{"weather"}))
		})

		t.Run("malformed", func(t *ftt.Test) {
			cases := map[string]string{
				`not json`:                       "bad work item",
				`{"categories": ["dns"]}`:        "work item has no domain",
				`{"domain": "example.com"}`:      `work item for "example.com" has no categories`,
				`{"domain": 1, "categories": []}`: "bad work item",
			}
			for blob, msg := range cases {
				_, err := Decode([]byte(blob))
				assert.Loosely(t, err, should.ErrLike(msg))
				assert.Loosely(t, failure.Malformed.In(err), should.BeTrue)
			}
		})
	})
}

func TestPubSubEmitter(t *testing.T) {
	t.Parallel()

	ftt.Run("With fake pubsub", t, func(t *ftt.Test) {
		ctx := context.Background()
		srv, client, err := setupTestPubsub(ctx, "proj")
		assert.Loosely(t, err, should.BeNil)
		defer func() { _ = srv.Close() }()

		topic, err := client.CreateTopic(ctx, "revalidate")
		assert.Loosely(t, err, should.BeNil)

		e := newPubSubEmitter(client, "proj", "revalidate")
		defer e.Stop()

		items := []WorkItem{
			{Domain: "a.com", Categories: []category.Category{category.DNS}},
			{Domain: "b.com", Categories: []category.Category{category.DNS, category.SEO}},
		}

		t.Run("ok", func(t *ftt.Test) {
			assert.Loosely(t, e.Emit(ctx, items), should.BeNil)

			msgs := srv.Messages()
			assert.Loosely(t, msgs, should.HaveLength(2))
			got := map[string]*WorkItem{}
			for _, msg := range msgs {
				w, err := Decode(msg.Data)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, msg.Attributes["domain"], should.Equal(w.Domain))
				got[w.Domain] = w
			}
			assert.Loosely(t, got, should.Match(map[string]*WorkItem{
				"a.com": &items[0],
				"b.com": &items[1],
			}))
		})

		t.Run("missing topic", func(t *ftt.Test) {
			assert.Loosely(t, topic.Delete(ctx), should.BeNil)
			err := e.Emit(ctx, items)
			assert.Loosely(t, err, should.ErrLike("failed to publish 2 of 2 work items"))
			assert.Loosely(t, transient.Tag.In(err), should.BeTrue)
		})

		t.Run("too many items", func(t *ftt.Test) {
			many := make([]WorkItem, config.MaxEmitBatch+1)
			for i := range many {
				many[i] = WorkItem{Domain: fmt.Sprintf("d%d.com", i), Categories: []category.Category{category.DNS}}
			}
			assert.Loosely(t, e.Emit(ctx, many), should.ErrLike("too many work items"))
			assert.Loosely(t, srv.Messages(), should.HaveLength(0))
		})

		t.Run("stopped", func(t *ftt.Test) {
			e.Stop()
			assert.Loosely(t, e.Emit(ctx, items), should.ErrLike("already stopped"))
		})
	})
}

// setupTestPubsub creates a new fake Pub/Sub server and the client connection
// to the server.
func setupTestPubsub(ctx context.Context, cloudProject string) (*pstest.Server, *pubsub.Client, error) {
	srv := pstest.NewServer()
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	client, err := pubsub.NewClient(ctx, cloudProject, option.WithGRPCConn(conn))
	if err != nil {
		return nil, nil, err
	}
	return srv, client, nil
}
