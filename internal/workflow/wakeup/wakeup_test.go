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
	"testing"
	"time"
)

func TestMemQueueNotifyThenWait(t *testing.T) {
	q := NewMemQueue()
	defer q.Close()

	q.Notify(context.Background())
	if !q.Wait(context.Background(), time.Second) {
		t.Fatal("expected notification")
	}
}

func TestMemQueueWaitTimeout(t *testing.T) {
	q := NewMemQueue()
	defer q.Close()

	start := time.Now()
	if q.Wait(context.Background(), 20*time.Millisecond) {
		t.Fatal("unexpected notification")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("returned before timeout")
	}
}

func TestMemQueueCoalesces(t *testing.T) {
	q := NewMemQueue()
	defer q.Close()

	ctx := context.Background()
	q.Notify(ctx)
	q.Notify(ctx)
	q.Notify(ctx)

	if !q.Wait(ctx, time.Second) {
		t.Fatal("expected notification")
	}
	// 多次 Notify 合并为一次
	if q.Wait(ctx, 20*time.Millisecond) {
		t.Error("notifications should coalesce")
	}
}

func TestMemQueueWaitCancelled(t *testing.T) {
	q := NewMemQueue()
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	if q.Wait(ctx, time.Minute) {
		t.Fatal("unexpected notification")
	}
}
