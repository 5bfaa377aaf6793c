// Copyright 2026 fanjia1024
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

package wakeup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue 基于 Redis Pub/Sub 的跨进程唤醒通道。
// API 进程 Notify，worker 进程 Wait；订阅断开时 Wait 退化为纯超时。
type RedisQueue struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	channel string
	msgs    <-chan *redis.Message
}

// NewRedisQueue 连接 Redis 并订阅唤醒频道
func NewRedisQueue(ctx context.Context, addr, channel string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	pubsub := client.Subscribe(ctx, channel)
	return &RedisQueue{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		msgs:    pubsub.Channel(),
	}, nil
}

func (q *RedisQueue) Notify(ctx context.Context) {
	// 失败忽略：下一个轮询 tick 兜底
	_ = q.client.Publish(ctx, q.channel, "1").Err()
}

func (q *RedisQueue) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case _, ok := <-q.msgs:
		return ok
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (q *RedisQueue) Close() {
	_ = q.pubsub.Close()
	_ = q.client.Close()
}
