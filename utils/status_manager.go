package utils

import "sync"

const (
	// Init 调试器尚未启动
	Init = "Init"
	// Ready 调试器已经连接目标程序，可以接收命令
	Ready = "ready"
	// Finish 调试结束状态，关闭流程开始后即进入该状态
	Finish = "finish"
)

// StatusManager 记录调试器的状态的
type StatusManager struct {
	lock   sync.RWMutex
	status string
}

func NewStatusManager() *StatusManager {
	return &StatusManager{
		status: Init,
	}
}

func (s *StatusManager) Set(status string) {
	defer s.lock.Unlock()
	s.lock.Lock()
	s.status = status
}

func (s *StatusManager) Get() string {
	defer s.lock.RUnlock()
	s.lock.RLock()
	return s.status
}

// CompareAndSet 状态为old时切换为new，返回是否切换成功
func (s *StatusManager) CompareAndSet(old string, new string) bool {
	defer s.lock.Unlock()
	s.lock.Lock()
	if s.status != old {
		return false
	}
	s.status = new
	return true
}

func (s *StatusManager) Is(statusList ...string) bool {
	defer s.lock.RUnlock()
	s.lock.RLock()
	for _, status := range statusList {
		if s.status == status {
			return true
		}
	}
	return false
}
