package constants

// DebugEventType 调试器对外发布的事件类型
type DebugEventType string

const (
	// DebuggerStarted 调试器启动完成
	DebuggerStarted DebugEventType = "debuggerStarted"
	// DebuggerShutdown 调试器关闭，是一次会话中的最后一个事件
	DebuggerShutdown DebugEventType = "debuggerShutdown"
	// BreakpointSet 断点被设置（包括尚未加载的类型上的待定断点）
	BreakpointSet DebugEventType = "breakpointSet"
	// BreakpointReached 线程命中断点
	BreakpointReached DebugEventType = "breakpointReached"
	// BreakpointRemoved 断点被移除
	BreakpointRemoved DebugEventType = "breakpointRemoved"
	// ThreadLocationUpdated 当前线程所在位置发生变化
	ThreadLocationUpdated DebugEventType = "threadLocationUpdated"
	// CurrThreadSuspended 当前线程被挂起
	CurrThreadSuspended DebugEventType = "currThreadSuspended"
	// CurrThreadResumed 当前线程继续执行
	CurrThreadResumed DebugEventType = "currThreadResumed"
	// CurrThreadDied 当前线程结束
	CurrThreadDied DebugEventType = "currThreadDied"
	// StepRequested 单步请求已发出
	StepRequested DebugEventType = "stepRequested"
	// InteractionEnded 一次交互运行结束
	InteractionEnded DebugEventType = "interactionEnded"
)

// AllDebugEventTypes 所有事件类型
var AllDebugEventTypes = []DebugEventType{
	DebuggerStarted,
	DebuggerShutdown,
	BreakpointSet,
	BreakpointReached,
	BreakpointRemoved,
	ThreadLocationUpdated,
	CurrThreadSuspended,
	CurrThreadResumed,
	CurrThreadDied,
	StepRequested,
	InteractionEnded,
}

// StoppedReasonType 线程挂起的原因
type StoppedReasonType string

const (
	BreakpointStopped StoppedReasonType = "breakpoint"
	StepStopped       StoppedReasonType = "step"
	PauseStopped      StoppedReasonType = "pause"
	// ThreadSwitched 切换当前线程
	ThreadSwitched StoppedReasonType = "switch"
)

// StepType 单步调试类型
type StepType string

const (
	StepIn   StepType = "stepIn"
	StepOut  StepType = "stepOut"
	StepOver StepType = "stepOver"
)

// ThreadStatus 线程状态
type ThreadStatus string

const (
	ThreadRunning   ThreadStatus = "running"
	ThreadSuspended ThreadStatus = "suspended"
	ThreadDead      ThreadStatus = "dead"
)

// NoValue 无法求值的监视表达式的值
const NoValue = "<not found>"

// TargetMode 调试目标类型
type TargetMode string

const (
	// DapTarget 通过DAP协议连接的调试适配器
	DapTarget TargetMode = "dap"
	// SimTarget 由场景文件驱动的模拟目标
	SimTarget TargetMode = "sim"
)
