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

// Package wakeup 轮询器的唤醒通道。正确性完全由轮询 + 租约回收保证，
// 唤醒只是缩短新消息入库到被领取之间的空转延迟，丢失通知无害。
package wakeup

import (
	"context"
	"time"
)

// Queue 唤醒通道
type Queue interface {
	// Notify 提示有新消息入库。尽力而为，不阻塞调用方。
	Notify(ctx context.Context)
	// Wait 阻塞至有通知、超时或 ctx 取消。收到通知返回 true。
	Wait(ctx context.Context, timeout time.Duration) bool
	// Close 释放资源
	Close()
}

// MemQueue 进程内唤醒通道。多进程部署用 RedisQueue。
type MemQueue struct {
	ch chan struct{}
}

// NewMemQueue 创建进程内通道
func NewMemQueue() *MemQueue {
	return &MemQueue{ch: make(chan struct{}, 1)}
}

func (q *MemQueue) Notify(context.Context) {
	select {
	case q.ch <- struct{}{}:
	default:
		// 已有待处理通知，合并
	}
}

func (q *MemQueue) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (q *MemQueue) Close() {}
