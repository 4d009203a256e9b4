// Package router 提供守护输出的优先级路由
//
// 优先级：emergency/SOS(4) > 围栏违规(3) > 隐式紧急(2) > 唤醒词/日常(1) > 一般(0)，
// 同优先级按严重度排序。单消费者循环弹出最高优先级条目：
// 优先级 >= 2 走即时处理路径（绕过常规批处理），其余附加建议后转入会话/上下文路径。
//
// 生产者永不阻塞：队列有界，溢出时拒绝不高于队内最低优先级的新条目；
// 只有新条目优先级更高时才丢弃队列中最旧的最低优先级条目。紧急条目永不丢弃。
package router

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wisefido-guard/internal/models"
)

// ItemKind 条目类型
type ItemKind string

const (
	KindSOS        ItemKind = "sos"
	KindGeofence   ItemKind = "geofence_violation"
	KindImplicit   ItemKind = "implicit_urgent"
	KindRoutine    ItemKind = "routine"
	KindGeneral    ItemKind = "general"
)

// 类型到优先级的映射
var kindPriority = map[ItemKind]int{
	KindSOS:      4,
	KindGeofence: 3,
	KindImplicit: 2,
	KindRoutine:  1,
	KindGeneral:  0,
}

// immediateThreshold 走即时路径的最低优先级
const immediateThreshold = 2

// Item 路由条目（携带产生它的决策与信号上下文）
type Item struct {
	HomeID         string
	Kind           ItemKind
	Priority       int
	Severity       float64 // 次级排序键（异常分/紧急度归一化）
	EnqueuedAt     time.Time
	Recommendation string // 低优先级条目转发前附加的处理建议

	Decision *models.Decision
	Signal   *models.SignalEvent
	Sample   *models.GeofenceSample
	Request  *models.GuardRequest

	seq uint64 // 入队序号，保证同优先级 FIFO
}

// NewItem 创建条目（优先级由类型决定）
func NewItem(kind ItemKind, severity float64) *Item {
	return &Item{
		Kind:       kind,
		Priority:   kindPriority[kind],
		Severity:   severity,
		EnqueuedAt: time.Now(),
	}
}

// Handler 下游处理接口
type Handler interface {
	// HandleImmediate 即时处理路径（紧急条目）
	HandleImmediate(ctx context.Context, item *Item)
	// HandleContext 会话/上下文路径（附加建议的低优先级条目）
	HandleContext(ctx context.Context, item *Item)
}

// Router 守护路由器（有界优先队列 + 单消费者）
type Router struct {
	capacity int
	handler  Handler
	logger   *zap.Logger

	mu      sync.Mutex
	queue   itemHeap
	nextSeq uint64
	dropped uint64

	wake chan struct{}
}

// NewRouter 创建路由器
func NewRouter(capacity int, handler Handler, logger *zap.Logger) *Router {
	if capacity <= 0 {
		capacity = 256
	}
	return &Router{
		capacity: capacity,
		handler:  handler,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Push 入队（永不阻塞）
// 队列满时只有新条目优先级严格高于队内最低优先级条目才淘汰后者，
// 否则拒绝新条目（整个系统里最低优先级的就是新来的那条）。
// 紧急条目（SOS）永不被丢弃，队列全部为紧急条目时允许暂时超出容量
func (r *Router) Push(item *Item) bool {
	r.mu.Lock()

	item.seq = r.nextSeq
	r.nextSeq++

	if len(r.queue) >= r.capacity {
		victim := r.lowestLocked()
		if victim >= 0 && item.Priority > r.queue[victim].Priority {
			dropped := r.queue[victim]
			heap.Remove(&r.queue, victim)
			r.dropped++
			r.logger.Warn("Guard queue overflow, dropped item",
				zap.String("kind", string(dropped.Kind)),
				zap.Int("priority", dropped.Priority),
				zap.Uint64("dropped_total", r.dropped),
			)
		} else if item.Priority < kindPriority[KindSOS] {
			// 新条目不比队列中任何条目优先，且不是紧急条目：拒绝新条目
			r.dropped++
			r.mu.Unlock()
			r.logger.Warn("Guard queue overflow, rejected item",
				zap.String("kind", string(item.Kind)),
				zap.Int("priority", item.Priority),
			)
			return false
		}
	}

	heap.Push(&r.queue, item)
	r.mu.Unlock()

	// 唤醒消费者（非阻塞）
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return true
}

// Run 单消费者处理循环（阻塞直到 ctx 取消）
func (r *Router) Run(ctx context.Context) {
	r.logger.Info("Guard router started",
		zap.Int("capacity", r.capacity),
	)

	for {
		item := r.pop()
		if item == nil {
			select {
			case <-ctx.Done():
				r.logger.Info("Guard router stopped")
				return
			case <-r.wake:
				continue
			}
		}

		if item.Priority >= immediateThreshold {
			r.handler.HandleImmediate(ctx, item)
		} else {
			item.Recommendation = recommend(item)
			r.handler.HandleContext(ctx, item)
		}

		// 每个条目处理后检查取消，避免长队列下延迟退出
		select {
		case <-ctx.Done():
			r.logger.Info("Guard router stopped")
			return
		default:
		}
	}
}

// Len 当前队列长度（诊断用）
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// pop 弹出最高优先级条目（空队列返回 nil）
func (r *Router) pop() *Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return nil
	}
	return heap.Pop(&r.queue).(*Item)
}

// lowestLocked 找到最旧的最低优先级条目下标（调用方持锁）
func (r *Router) lowestLocked() int {
	idx := -1
	for i := range r.queue {
		if idx < 0 {
			idx = i
			continue
		}
		cur, low := r.queue[i], r.queue[idx]
		if cur.Priority < low.Priority ||
			(cur.Priority == low.Priority && cur.seq < low.seq) {
			idx = i
		}
	}
	return idx
}

// recommend 为低优先级条目生成处理建议
func recommend(item *Item) string {
	switch item.Kind {
	case KindRoutine:
		return "forward_to_dialogue"
	default:
		if item.Severity > 0.3 {
			return "monitor_closely"
		}
		return "log_only"
	}
}

// itemHeap 大顶堆：优先级高者先出，同优先级按严重度降序，再按入队顺序
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	if h[i].Severity != h[j].Severity {
		return h[i].Severity > h[j].Severity
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) {
	*h = append(*h, x.(*Item))
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
