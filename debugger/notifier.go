package debugger

import (
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/utils"
	"github.com/sirupsen/logrus"
)

// Notifier 事件总线，事件类型 -> 按订阅顺序排列的监听器
type Notifier struct {
	lock sync.RWMutex
	// subscribers 每种事件一个有序的 handle -> DebugListener 映射
	subscribers map[constants.DebugEventType]*linkedhashmap.Map
	handles     map[string][]constants.DebugEventType
}

func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[constants.DebugEventType]*linkedhashmap.Map),
		handles:     make(map[string][]constants.DebugEventType),
	}
}

// Subscribe 订阅事件，kinds为空时订阅所有事件
func (n *Notifier) Subscribe(listener DebugListener, kinds ...constants.DebugEventType) string {
	if len(kinds) == 0 {
		kinds = constants.AllDebugEventTypes
	}
	handle := utils.GetUUID()
	n.lock.Lock()
	defer n.lock.Unlock()
	for _, kind := range kinds {
		m, ok := n.subscribers[kind]
		if !ok {
			m = linkedhashmap.New()
			n.subscribers[kind] = m
		}
		m.Put(handle, listener)
	}
	n.handles[handle] = kinds
	return handle
}

// Unsubscribe 取消订阅，未知句柄忽略
func (n *Notifier) Unsubscribe(handle string) {
	n.lock.Lock()
	defer n.lock.Unlock()
	for _, kind := range n.handles[handle] {
		if m, ok := n.subscribers[kind]; ok {
			m.Remove(handle)
		}
	}
	delete(n.handles, handle)
}

// Notify 按订阅顺序同步调用监听器
func (n *Notifier) Notify(event *DebugEvent) {
	n.lock.RLock()
	var listeners []DebugListener
	if m, ok := n.subscribers[event.Type]; ok {
		for _, value := range m.Values() {
			listeners = append(listeners, value.(DebugListener))
		}
	}
	n.lock.RUnlock()
	for _, listener := range listeners {
		notifyListener(listener, event)
	}
}

func notifyListener(listener DebugListener, event *DebugEvent) {
	defer func() {
		if err := recover(); err != nil {
			logrus.Errorf("[Notifier] listener panic on %s, err = %v", event.Type, err)
		}
	}()
	listener(event)
}
