// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package daemon

import (
	"context"
	"encoding/json"
	"log/slog"

	ilog "github.com/benediktbwimmer/apphub-core/internal/log"
	"github.com/benediktbwimmer/apphub-core/internal/registry"
	"github.com/redis/go-redis/v9"
)

// redisPublisher implements registry.Publisher over a shared Redis
// connection, broadcasting invalidation messages to every other
// control-plane instance. Inline mode wires no publisher at all, per
// §4.F "Inline mode skips the broadcast".
type redisPublisher struct {
	client *redis.Client
}

func (p *redisPublisher) Publish(ctx context.Context, channel string, message []byte) error {
	return p.client.Publish(ctx, channel, message).Err()
}

// subscribeInvalidations runs a subscriber loop on the
// service-registry:invalidate channel, forwarding each remote message to
// the registry. Returns a stop function; the loop also ends with ctx.
func subscribeInvalidations(ctx context.Context, client *redis.Client, reg *registry.Registry, logger *slog.Logger) (stop func()) {
	sub := client.Subscribe(ctx, registry.InvalidateChannel)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m registry.InvalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					logger.WarnContext(ctx, "malformed registry invalidation message", ilog.Error(err))
					continue
				}
				reg.OnRemoteInvalidate(m)
			}
		}
	}()

	return func() {
		_ = sub.Close()
		<-done
	}
}
