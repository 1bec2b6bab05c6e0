package vm_debugger

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/fansqz/debug-controller/debugger"
)

// breakpointSet 以 (源码单元, 行号) 为键的有序断点集合
// 集合中的断点视为不可变，修改时整体替换
type breakpointSet struct {
	lock        sync.RWMutex
	breakpoints *linkedhashmap.Map
}

func newBreakpointSet() breakpointSet {
	return breakpointSet{breakpoints: linkedhashmap.New()}
}

func breakpointKey(file string, line int) string {
	return fmt.Sprintf("%s:%d", file, line)
}

func (s *breakpointSet) put(bp *debugger.Breakpoint) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.breakpoints.Put(breakpointKey(bp.File, bp.Line), bp)
}

// Get 获取某一行上的断点
func (s *breakpointSet) Get(file string, line int) *debugger.Breakpoint {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if value, ok := s.breakpoints.Get(breakpointKey(file, line)); ok {
		return value.(*debugger.Breakpoint)
	}
	return nil
}

// Remove 删除并返回某一行上的断点
func (s *breakpointSet) Remove(file string, line int) *debugger.Breakpoint {
	s.lock.Lock()
	defer s.lock.Unlock()
	key := breakpointKey(file, line)
	value, ok := s.breakpoints.Get(key)
	if !ok {
		return nil
	}
	s.breakpoints.Remove(key)
	return value.(*debugger.Breakpoint)
}

// List 按插入顺序返回所有断点
func (s *breakpointSet) List() []*debugger.Breakpoint {
	return s.filter(func(*debugger.Breakpoint) bool { return true })
}

// ListByFile 返回某个源码单元上的断点
func (s *breakpointSet) ListByFile(file string) []*debugger.Breakpoint {
	return s.filter(func(bp *debugger.Breakpoint) bool { return bp.File == file })
}

func (s *breakpointSet) filter(accept func(*debugger.Breakpoint) bool) []*debugger.Breakpoint {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var answer []*debugger.Breakpoint
	for _, value := range s.breakpoints.Values() {
		bp := value.(*debugger.Breakpoint)
		if accept(bp) {
			answer = append(answer, bp)
		}
	}
	return answer
}

func (s *breakpointSet) Size() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.breakpoints.Size()
}

// Clear 清空并返回原有断点
func (s *breakpointSet) Clear() []*debugger.Breakpoint {
	list := s.List()
	s.lock.Lock()
	defer s.lock.Unlock()
	s.breakpoints.Clear()
	return list
}

// BreakpointManager 已经在目标程序中生效的断点
type BreakpointManager struct {
	breakpointSet
}

func NewBreakpointManager() *BreakpointManager {
	return &BreakpointManager{breakpointSet: newBreakpointSet()}
}

// Add 添加断点，同一行上已有的断点会被替换
func (b *BreakpointManager) Add(bp *debugger.Breakpoint) {
	b.put(bp)
}

// GetByRequest 根据目标中的断点请求查找断点
func (b *BreakpointManager) GetByRequest(requestID int) *debugger.Breakpoint {
	if requestID == 0 {
		return nil
	}
	for _, bp := range b.List() {
		if bp.RequestID == requestID {
			return bp
		}
	}
	return nil
}

// GetByLocation 根据目标报告的位置查找断点
func (b *BreakpointManager) GetByLocation(location *debugger.Location) *debugger.Breakpoint {
	if location == nil {
		return nil
	}
	for _, bp := range b.List() {
		if bp.Line != location.Line {
			continue
		}
		if bp.TypeName == location.TypeName || sameFile(bp.File, location.File) {
			return bp
		}
	}
	return nil
}

func sameFile(a string, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return filepath.Clean(a) == filepath.Clean(b)
}

// PendingRequestManager 所在类型尚未加载的断点
type PendingRequestManager struct {
	breakpointSet
}

func NewPendingRequestManager() *PendingRequestManager {
	return &PendingRequestManager{breakpointSet: newBreakpointSet()}
}

// Add 记录待定断点
func (p *PendingRequestManager) Add(bp *debugger.Breakpoint) {
	p.put(bp)
}

// TakeByType 取出所有等待某个类型加载的断点
func (p *PendingRequestManager) TakeByType(typeName string) []*debugger.Breakpoint {
	p.lock.Lock()
	defer p.lock.Unlock()
	var answer []*debugger.Breakpoint
	for _, value := range p.breakpoints.Values() {
		bp := value.(*debugger.Breakpoint)
		if bp.TypeName == typeName {
			answer = append(answer, bp)
		}
	}
	for _, bp := range answer {
		p.breakpoints.Remove(breakpointKey(bp.File, bp.Line))
	}
	return answer
}
