package debugger

import (
	"context"
	"sync"

	"github.com/fansqz/debug-controller/constants"
)

// TargetEventType 目标程序上报的事件类型
type TargetEventType string

const (
	TargetTypeLoaded         TargetEventType = "typeLoaded"
	TargetBreakpointHit      TargetEventType = "breakpointHit"
	TargetStepCompleted      TargetEventType = "stepCompleted"
	TargetThreadSuspended    TargetEventType = "threadSuspended"
	TargetThreadStarted      TargetEventType = "threadStarted"
	TargetThreadDeath        TargetEventType = "threadDeath"
	TargetInteractionStarted TargetEventType = "interactionStarted"
	TargetInteractionEnded   TargetEventType = "interactionEnded"
	TargetOutput             TargetEventType = "output"
	TargetDisconnected       TargetEventType = "disconnected"
)

// TargetEvent 目标程序事件
type TargetEvent struct {
	Type       TargetEventType
	ThreadID   int64
	ThreadName string
	// TypeName 加载的类型，TargetTypeLoaded使用
	TypeName string
	Location *Location
	// RequestID 命中的断点请求，TargetBreakpointHit使用
	RequestID int
	Output    string

	// ack 不为nil时，目标程序会等待调度器处理完该事件后再继续执行
	ack  chan struct{}
	once sync.Once
}

// NewAckTargetEvent 创建一个需要确认的事件
func NewAckTargetEvent(event *TargetEvent) (*TargetEvent, <-chan struct{}) {
	event.ack = make(chan struct{})
	return event, event.ack
}

// Done 确认事件处理完成
func (e *TargetEvent) Done() {
	e.once.Do(func() {
		if e.ack != nil {
			close(e.ack)
		}
	})
}

// Target 被调试的目标程序
// 影响目标执行的方法在效果被观察到之前就返回，效果通过Events异步上报
type Target interface {
	// Attach 连接目标程序，返回时事件流已经可用
	Attach(ctx context.Context) error
	// Detach 断开目标程序，之后Events会被关闭
	Detach(ctx context.Context) error
	// Events 目标事件流，关闭表示目标断开
	Events() <-chan *TargetEvent
	// IsTypeLoaded 类型是否已经加载
	IsTypeLoaded(typeName string) bool
	// CreateBreakpointRequest 在已加载类型上创建断点请求，行上没有代码时返回错误
	CreateBreakpointRequest(ctx context.Context, location *Location) (int, error)
	// DeleteBreakpointRequest 删除断点请求
	DeleteBreakpointRequest(ctx context.Context, requestID int) error
	// Resume 恢复线程
	Resume(ctx context.Context, threadID int64) error
	// Step 线程单步
	Step(ctx context.Context, threadID int64, stepType constants.StepType) error
	// Frames 获取挂起线程的栈帧，栈顶在前
	Frames(ctx context.Context, threadID int64) ([]*StackFrame, error)
}
