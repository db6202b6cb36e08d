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
	"encoding/json"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/domainwatch/internal/config"
)

// PubSubEmitter publishes work items to a Cloud Pub/Sub topic, one message
// per item.
type PubSubEmitter struct {
	client *pubsub.Client
	topic  *pubsub.Topic

	m       sync.Mutex
	stopped bool
}

// NewPubSubEmitter creates a client publishing to the given topic.
func NewPubSubEmitter(ctx context.Context, project, topicID string, opts ...option.ClientOption) (*PubSubEmitter, error) {
	client, err := pubsub.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, errors.Fmt("failed to create a pubsub client for %s: %w", project, err)
	}
	return newPubSubEmitter(client, project, topicID), nil
}

func newPubSubEmitter(client *pubsub.Client, project, topicID string) *PubSubEmitter {
	return &PubSubEmitter{
		client: client,
		topic:  client.TopicInProject(topicID, project),
	}
}

// Emit publishes the items and waits for all of them to be acknowledged.
//
// At most config.MaxEmitBatch items can be published at once. Publish errors
// are transient.
func (e *PubSubEmitter) Emit(ctx context.Context, items []WorkItem) error {
	if len(items) > config.MaxEmitBatch {
		return errors.Fmt("too many work items in a batch: %d > %d", len(items), config.MaxEmitBatch)
	}

	e.m.Lock()
	stopped := e.stopped
	e.m.Unlock()
	if stopped {
		return errors.New("the emitter has already stopped")
	}

	results := make([]*pubsub.PublishResult, len(items))
	for i := range items {
		data, err := json.Marshal(&items[i])
		if err != nil {
			return errors.Fmt("cannot compose the pubsub msg: %w", err)
		}
		results[i] = e.topic.Publish(ctx, &pubsub.Message{
			Data:       data,
			Attributes: map[string]string{"domain": items[i].Domain},
		})
	}

	var merr errors.MultiError
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			merr = append(merr, err)
		}
	}
	if len(merr) != 0 {
		return transient.Tag.Apply(errors.Fmt("failed to publish %d of %d work items to %s: %w",
			len(merr), len(items), e.topic, merr))
	}
	return nil
}

// Stop flushes pending messages and closes the client.
func (e *PubSubEmitter) Stop() {
	e.m.Lock()
	defer e.m.Unlock()
	if e.stopped {
		return
	}
	e.topic.Stop()
	_ = e.client.Close()
	e.stopped = true
}
