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

package purge

import (
	"context"

	"cloud.google.com/go/storage"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

// GCSDeleter deletes objects from a Cloud Storage bucket.
type GCSDeleter struct {
	bucket *storage.BucketHandle
}

// NewGCSDeleter returns a deleter of objects in the bucket.
//
// The client is owned by the caller.
func NewGCSDeleter(client *storage.Client, bucket string) *GCSDeleter {
	return &GCSDeleter{bucket: client.Bucket(bucket)}
}

// Delete implements ObjectDeleter.
func (d *GCSDeleter) Delete(ctx context.Context, key string) error {
	switch err := d.bucket.Object(key).Delete(ctx); {
	case errors.Is(err, storage.ErrObjectNotExist):
		return ErrNotFound
	case err != nil:
		return transient.Tag.Apply(errors.Fmt("deleting gs object %q: %w", key, err))
	}
	return nil
}
