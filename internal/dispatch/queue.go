package dispatch

import "sync/atomic"

type node[T any] struct {
	next atomic.Pointer[node[T]]
	val  T
}

// Queue 无锁多生产者单消费者队列（无界）。
// 生产者只做一次原子交换；消费侧需由调用方保证单线程。
type Queue[T any] struct {
	head atomic.Pointer[node[T]] // 最近入队的节点
	tail *node[T]                // 哨兵，仅消费者访问
	size atomic.Int64
}

// NewQueue 创建队列
func NewQueue[T any]() *Queue[T] {
	stub := &node[T]{}
	q := &Queue[T]{tail: stub}
	q.head.Store(stub)
	return q
}

// Push 入队，可并发调用
func (q *Queue[T]) Push(v T) {
	n := &node[T]{val: v}
	q.size.Add(1)
	prev := q.head.Swap(n)
	prev.next.Store(n)
}

// Pop 出队，仅允许单个消费者调用
func (q *Queue[T]) Pop() (T, bool) {
	next := q.tail.next.Load()
	if next == nil {
		var zero T
		return zero, false
	}
	q.tail = next
	v := next.val
	var zero T
	next.val = zero
	q.size.Add(-1)
	return v, true
}

// Drain 取出当前可见的全部元素，保持入队顺序
func (q *Queue[T]) Drain() []T {
	var out []T
	for {
		v, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Len 近似长度
func (q *Queue[T]) Len() int {
	return int(q.size.Load())
}
