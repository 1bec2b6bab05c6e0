package vm_debugger

import (
	"fmt"
	"sync"

	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/debugger"
	e "github.com/fansqz/debug-controller/error"
)

// ThreadManager 记录目标程序中的线程
// 挂起的线程组成一个栈，栈顶是最近一次挂起或被选中的线程
type ThreadManager struct {
	lock sync.RWMutex
	// threads 线程id -> 线程，按首次观察到的顺序，包含已经死亡的线程
	threads *linkedhashmap.Map
	// suspended 挂起线程栈，下标0为栈顶
	suspended *arraylist.List
	current   *debugger.DebugThreadData
}

func NewThreadManager() *ThreadManager {
	return &ThreadManager{
		threads:   linkedhashmap.New(),
		suspended: arraylist.New(),
	}
}

// Observe 获取线程，第一次观察到时创建；已经死亡的线程返回nil
func (t *ThreadManager) Observe(id int64, name string) *debugger.DebugThreadData {
	t.lock.Lock()
	defer t.lock.Unlock()
	if value, ok := t.threads.Get(id); ok {
		thread := value.(*debugger.DebugThreadData)
		if thread.Status == constants.ThreadDead {
			return nil
		}
		if thread.Name == "" {
			thread.Name = name
		}
		return thread
	}
	thread := &debugger.DebugThreadData{
		UniqueID: id,
		Name:     name,
		Status:   constants.ThreadRunning,
	}
	t.threads.Put(id, thread)
	return thread
}

// Get 获取线程，不存在返回nil
func (t *ThreadManager) Get(id int64) *debugger.DebugThreadData {
	t.lock.RLock()
	defer t.lock.RUnlock()
	if value, ok := t.threads.Get(id); ok {
		return value.(*debugger.DebugThreadData).Copy()
	}
	return nil
}

// Suspend 挂起线程，压入栈顶并成为当前线程
func (t *ThreadManager) Suspend(id int64, location *debugger.Location) *debugger.DebugThreadData {
	t.lock.Lock()
	defer t.lock.Unlock()
	value, ok := t.threads.Get(id)
	if !ok {
		return nil
	}
	thread := value.(*debugger.DebugThreadData)
	t.removeSuspended(thread)
	thread.Status = constants.ThreadSuspended
	thread.SuspendCount++
	if location != nil {
		thread.Location = location
	}
	t.suspended.Insert(0, thread)
	t.current = thread
	return thread.Copy()
}

// Resume 线程继续执行，仍然保持为当前线程
func (t *ThreadManager) Resume(id int64) *debugger.DebugThreadData {
	t.lock.Lock()
	defer t.lock.Unlock()
	value, ok := t.threads.Get(id)
	if !ok {
		return nil
	}
	thread := value.(*debugger.DebugThreadData)
	t.removeSuspended(thread)
	thread.Status = constants.ThreadRunning
	thread.ResumeCount++
	return thread.Copy()
}

// Die 线程死亡，返回死亡的线程以及它是否为当前线程
func (t *ThreadManager) Die(id int64) (*debugger.DebugThreadData, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	value, ok := t.threads.Get(id)
	if !ok {
		return nil, false
	}
	thread := value.(*debugger.DebugThreadData)
	if thread.Status == constants.ThreadDead {
		return nil, false
	}
	t.removeSuspended(thread)
	thread.Status = constants.ThreadDead
	wasCurrent := t.current == thread
	if wasCurrent {
		t.current = nil
	}
	return thread.Copy(), wasCurrent
}

// SwitchTo 把挂起的线程移到栈顶并设为当前线程
func (t *ThreadManager) SwitchTo(id int64) (*debugger.DebugThreadData, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	value, ok := t.threads.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown thread %d", e.ErrIllegalState, id)
	}
	thread := value.(*debugger.DebugThreadData)
	if thread.Status != constants.ThreadSuspended {
		return nil, fmt.Errorf("%w: thread %d", e.ErrThreadNotSuspended, id)
	}
	t.removeSuspended(thread)
	t.suspended.Insert(0, thread)
	t.current = thread
	return thread.Copy(), nil
}

func (t *ThreadManager) removeSuspended(thread *debugger.DebugThreadData) {
	if index := t.suspended.IndexOf(thread); index >= 0 {
		t.suspended.Remove(index)
	}
}

// IsCurrent 是否为当前线程
func (t *ThreadManager) IsCurrent(id int64) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.current != nil && t.current.UniqueID == id
}

// Current 当前线程，没有时返回nil
func (t *ThreadManager) Current() *debugger.DebugThreadData {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.current.Copy()
}

// ThreadAt 挂起线程栈中的第index个线程
func (t *ThreadManager) ThreadAt(index int) (*debugger.DebugThreadData, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	value, ok := t.suspended.Get(index)
	if !ok {
		return nil, fmt.Errorf("%w: no suspended thread at index %d", e.ErrIllegalState, index)
	}
	return value.(*debugger.DebugThreadData).Copy(), nil
}

// Top 栈顶的挂起线程，没有时返回nil
func (t *ThreadManager) Top() *debugger.DebugThreadData {
	thread, err := t.ThreadAt(0)
	if err != nil {
		return nil
	}
	return thread
}

// SuspendedThreads 按栈顺序返回挂起线程
func (t *ThreadManager) SuspendedThreads() []*debugger.DebugThreadData {
	t.lock.RLock()
	defer t.lock.RUnlock()
	answer := make([]*debugger.DebugThreadData, 0, t.suspended.Size())
	for _, value := range t.suspended.Values() {
		answer = append(answer, value.(*debugger.DebugThreadData).Copy())
	}
	return answer
}

// Threads 存活的线程
func (t *ThreadManager) Threads() []*debugger.DebugThreadData {
	t.lock.RLock()
	defer t.lock.RUnlock()
	var answer []*debugger.DebugThreadData
	for _, value := range t.threads.Values() {
		thread := value.(*debugger.DebugThreadData)
		if thread.Status != constants.ThreadDead {
			answer = append(answer, thread.Copy())
		}
	}
	return answer
}

// Clear 清空所有线程
func (t *ThreadManager) Clear() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.threads.Clear()
	t.suspended.Clear()
	t.current = nil
}
