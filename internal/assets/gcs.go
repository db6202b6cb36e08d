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
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
)

// Uploader stores rendered assets.
type Uploader interface {
	// Upload stores the object and returns its public URL.
	Upload(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// GCSUploader uploads objects to a Cloud Storage bucket.
type GCSUploader struct {
	bucket *storage.BucketHandle
	name   string
}

// NewGCSUploader returns an uploader into the bucket.
//
// The client is owned by the caller.
func NewGCSUploader(client *storage.Client, bucket string) *GCSUploader {
	return &GCSUploader{bucket: client.Bucket(bucket), name: bucket}
}

// Upload implements Uploader.
func (u *GCSUploader) Upload(ctx context.Context, key, contentType string, data []byte) (string, error) {
	w := u.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=300"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", transient.Tag.Apply(errors.Fmt("writing gs://%s/%s: %w", u.name, key, err))
	}
	if err := w.Close(); err != nil {
		return "", transient.Tag.Apply(errors.Fmt("finalizing gs://%s/%s: %w", u.name, key, err))
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", u.name, key), nil
}
