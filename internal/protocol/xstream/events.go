// Package xstream 实现双子流应用层协议
package xstream

import (
	"sync"

	"github.com/solarw/netcom/pkg/interfaces"
)

// eventQueue 无界事件队列
//
// 生产侧（配对表、流终止回调、清理 goroutine）从不阻塞；
// 泵 goroutine 按序把事件搬运到对外通道。队列关闭后丢弃
// 新事件，残留事件全部交付完才关闭对外通道。
type eventQueue struct {
	mu     sync.Mutex
	items  []interfaces.XStreamEvent
	signal chan struct{}
	closed bool
}

// newEventQueue 创建事件队列
func newEventQueue() *eventQueue {
	return &eventQueue{
		signal: make(chan struct{}, 1),
	}
}

// push 入队一个事件
func (q *eventQueue) push(ev interfaces.XStreamEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		logger.Debug("事件队列已关闭，丢弃事件")
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// close 关停队列
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pump 把事件按序搬运到 out，队列关停且排空后关闭 out
func (q *eventQueue) pump(out chan<- interfaces.XStreamEvent) {
	for {
		q.mu.Lock()
		batch := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, ev := range batch {
			out <- ev
		}

		if closed {
			// 关停后可能还有最后一批
			q.mu.Lock()
			rest := q.items
			q.items = nil
			q.mu.Unlock()
			for _, ev := range rest {
				out <- ev
			}
			close(out)
			return
		}

		<-q.signal
	}
}
