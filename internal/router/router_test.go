package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// captureHandler 把两条路径收到的条目写入通道
type captureHandler struct {
	immediate chan *Item
	context   chan *Item
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{
		immediate: make(chan *Item, 16),
		context:   make(chan *Item, 16),
	}
}

func (h *captureHandler) HandleImmediate(ctx context.Context, item *Item) { h.immediate <- item }
func (h *captureHandler) HandleContext(ctx context.Context, item *Item)   { h.context <- item }

func TestPopOrderByPriority(t *testing.T) {
	r := NewRouter(16, newCaptureHandler(), zap.NewNop())

	r.Push(NewItem(KindGeneral, 0))
	r.Push(NewItem(KindGeofence, 0.5))
	r.Push(NewItem(KindSOS, 1.0))
	r.Push(NewItem(KindRoutine, 0))

	assert.Equal(t, KindSOS, r.pop().Kind)
	assert.Equal(t, KindGeofence, r.pop().Kind)
	assert.Equal(t, KindRoutine, r.pop().Kind)
	assert.Equal(t, KindGeneral, r.pop().Kind)
	assert.Nil(t, r.pop())
}

func TestPopSamePriorityBySeverityThenFIFO(t *testing.T) {
	r := NewRouter(16, newCaptureHandler(), zap.NewNop())

	low := NewItem(KindGeofence, 0.3)
	high := NewItem(KindGeofence, 0.9)
	r.Push(low)
	r.Push(high)

	assert.Same(t, high, r.pop())
	assert.Same(t, low, r.pop())

	first := NewItem(KindRoutine, 0.5)
	second := NewItem(KindRoutine, 0.5)
	r.Push(first)
	r.Push(second)

	// 同优先级同严重度按入队顺序
	assert.Same(t, first, r.pop())
	assert.Same(t, second, r.pop())
}

func TestOverflowDropsLowestPriority(t *testing.T) {
	r := NewRouter(2, newCaptureHandler(), zap.NewNop())

	r.Push(NewItem(KindGeneral, 0))
	r.Push(NewItem(KindRoutine, 0))
	ok := r.Push(NewItem(KindSOS, 1.0))

	assert.True(t, ok)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, KindSOS, r.pop().Kind)
	// 被丢弃的是最低优先级的 general
	assert.Equal(t, KindRoutine, r.pop().Kind)
}

func TestOverflowRejectsLowerPriorityArrival(t *testing.T) {
	r := NewRouter(2, newCaptureHandler(), zap.NewNop())

	first := NewItem(KindGeofence, 0.5)
	second := NewItem(KindGeofence, 0.4)
	r.Push(first)
	r.Push(second)

	// 新条目优先级低于队列中所有条目：拒绝新条目，不淘汰队内条目
	ok := r.Push(NewItem(KindGeneral, 0))
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())
	assert.Same(t, first, r.pop())
	assert.Same(t, second, r.pop())
}

func TestOverflowRejectsEqualPriorityArrival(t *testing.T) {
	r := NewRouter(2, newCaptureHandler(), zap.NewNop())

	first := NewItem(KindRoutine, 0)
	second := NewItem(KindRoutine, 0)
	r.Push(first)
	r.Push(second)

	// 同优先级保持先到先留
	ok := r.Push(NewItem(KindRoutine, 0))
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())
	assert.Same(t, first, r.pop())
	assert.Same(t, second, r.pop())
}

func TestOverflowNeverDropsSOS(t *testing.T) {
	r := NewRouter(2, newCaptureHandler(), zap.NewNop())

	r.Push(NewItem(KindSOS, 1.0))
	r.Push(NewItem(KindSOS, 0.9))

	// 队列全是紧急条目时，低优先级新条目被拒绝
	ok := r.Push(NewItem(KindGeneral, 0))
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())

	// 新的紧急条目允许暂时超出容量
	ok = r.Push(NewItem(KindSOS, 0.8))
	assert.True(t, ok)
	assert.Equal(t, 3, r.Len())
}

func TestRunRoutesByThreshold(t *testing.T) {
	handler := newCaptureHandler()
	r := NewRouter(16, handler, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	sos := NewItem(KindSOS, 1.0)
	routine := NewItem(KindRoutine, 0)
	r.Push(sos)
	r.Push(routine)

	select {
	case item := <-handler.immediate:
		assert.Same(t, sos, item)
	case <-time.After(time.Second):
		t.Fatal("immediate item not delivered")
	}

	select {
	case item := <-handler.context:
		require.Same(t, routine, item)
		// 低优先级条目转发前附加处理建议
		assert.Equal(t, "forward_to_dialogue", item.Recommendation)
	case <-time.After(time.Second):
		t.Fatal("context item not delivered")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	r := NewRouter(16, newCaptureHandler(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("router did not stop on cancel")
	}
}
