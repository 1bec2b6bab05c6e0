package debugger

import (
	"fmt"
	"time"
)

// EventBacklog 有界的事件队列，用于在调度协程之外等待事件
// 队列满时监听器会阻塞调度协程，使用方需要及时消费
type EventBacklog struct {
	events chan *DebugEvent
}

func NewEventBacklog(size int) *EventBacklog {
	return &EventBacklog{
		events: make(chan *DebugEvent, size),
	}
}

// Listener 返回写入队列的监听器
func (b *EventBacklog) Listener() DebugListener {
	return func(event *DebugEvent) {
		b.events <- event
	}
}

// Events 事件通道
func (b *EventBacklog) Events() <-chan *DebugEvent {
	return b.events
}

// Wait 等待n个事件
func (b *EventBacklog) Wait(timeout time.Duration, n int) ([]*DebugEvent, error) {
	answer := make([]*DebugEvent, 0, n)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for len(answer) < n {
		select {
		case event := <-b.events:
			answer = append(answer, event)
		case <-timer.C:
			return answer, fmt.Errorf("timeout waiting for events: got %d of %d", len(answer), n)
		}
	}
	return answer, nil
}

// Drain 取出当前队列中的所有事件，不阻塞
func (b *EventBacklog) Drain() []*DebugEvent {
	var answer []*DebugEvent
	for {
		select {
		case event := <-b.events:
			answer = append(answer, event)
		default:
			return answer
		}
	}
}
