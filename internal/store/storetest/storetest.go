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

// Package storetest contains helpers for testing code that uses the
// coordination store.
package storetest

import (
	"context"

	"github.com/gomodule/redigo/redis"

	"go.chromium.org/luci/server/redisconn"
)

// NewPool returns a Redis connection pool dialing the given "host:port",
// usually of a miniredis server.
func NewPool(addr string) *redis.Pool {
	return &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", addr)
		},
	}
}

// UsePool installs a pool dialing the given "host:port" into the context, the
// way the redisconn server module does in production.
func UsePool(ctx context.Context, addr string) context.Context {
	return redisconn.UsePool(ctx, NewPool(addr))
}
