package capture

// pendingQueue 单个 URL 上尚未匹配响应的请求，按到达顺序排列。
// 被淘汰的条目不立即移除，出队时跳过。
type pendingQueue struct {
	items []*entry
	head  int
}

func (q *pendingQueue) push(e *entry) {
	q.items = append(q.items, e)
}

// popLive 弹出最早的未淘汰条目
func (q *pendingQueue) popLive() *entry {
	for q.head < len(q.items) {
		e := q.items[q.head]
		q.items[q.head] = nil
		q.head++
		if !e.ex.Evicted {
			q.compact()
			return e
		}
	}
	q.compact()
	return nil
}

// trimFront 丢弃队首连续的已淘汰条目
func (q *pendingQueue) trimFront() {
	for q.head < len(q.items) && q.items[q.head].ex.Evicted {
		q.items[q.head] = nil
		q.head++
	}
	q.compact()
}

func (q *pendingQueue) empty() bool {
	return q.head >= len(q.items)
}

func (q *pendingQueue) len() int {
	return len(q.items) - q.head
}

func (q *pendingQueue) compact() {
	switch {
	case q.head >= len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head > 32 && q.head*2 > len(q.items):
		n := copy(q.items, q.items[q.head:])
		for i := n; i < len(q.items); i++ {
			q.items[i] = nil
		}
		q.items = q.items[:n]
		q.head = 0
	}
}
