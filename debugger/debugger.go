package debugger

import (
	"context"

	"github.com/fansqz/debug-controller/constants"
)

// DebugListener 调试事件监听器，在调度协程上同步调用
// 监听器内部只能调用查询方法，不能同步发起命令
type DebugListener func(event *DebugEvent)

// Debugger
// 进程级调试控制器：连接目标程序，管理断点、线程、单步与监视表达式，
// 并把每一次状态变化按顺序通知给监听器。
// 需要保证并发安全
type Debugger interface {
	// Startup 连接目标程序并启动调试器
	Startup(ctx context.Context) error
	// Shutdown 关闭调试器，未启动时不做任何事
	Shutdown(ctx context.Context) error
	// IsReady 调试器是否可以接收命令
	IsReady() bool

	// ToggleBreakpoint 在源码单元的某一行切换断点
	ToggleBreakpoint(ctx context.Context, unit *SourceUnit, offset int, line int) error
	// SetBreakpointEnabled 启用或禁用某一行上的断点
	SetBreakpointEnabled(ctx context.Context, unit *SourceUnit, line int, enabled bool) error
	// GetBreakpoints 返回所有断点（包括待定断点），按创建顺序
	GetBreakpoints() []*Breakpoint
	// OpenSourceUnit 记录一个打开的源码单元，用于定位源文件
	OpenSourceUnit(unit *SourceUnit)
	// CloseSourceUnit 关闭源码单元，移除其上的所有断点
	CloseSourceUnit(ctx context.Context, unit *SourceUnit) error

	// Step 当前线程单步
	Step(ctx context.Context, stepType constants.StepType) error
	// Resume 当前线程继续执行
	Resume(ctx context.Context) error
	// SetCurrentThread 切换当前线程
	SetCurrentThread(ctx context.Context, threadID int64) error
	// GetCurrentThread 获取当前线程，没有时返回nil
	GetCurrentThread() *DebugThreadData
	// GetThreadAt 获取挂起线程栈中第index个线程，0为栈顶
	GetThreadAt(index int) (*DebugThreadData, error)
	// GetThreads 获取所有存活的线程
	GetThreads() []*DebugThreadData
	// GetStackTrace 获取挂起线程的栈帧
	GetStackTrace(ctx context.Context, threadID int64) ([]*StackFrame, error)

	// AddWatch 添加监视表达式
	AddWatch(ctx context.Context, expression string) error
	// RemoveWatch 删除第index个监视表达式
	RemoveWatch(ctx context.Context, index int) error
	// RemoveAllWatches 删除所有监视表达式
	RemoveAllWatches(ctx context.Context) error
	// GetWatches 在当前线程的栈顶重新计算所有监视表达式
	GetWatches(ctx context.Context) ([]*DebugWatchData, error)

	// GetPackageDir 根据全限定类型名计算包目录
	GetPackageDir(typeName string) string
	// SetSearchPaths 更新源文件搜索路径
	SetSearchPaths(paths []string)

	// AddListener 订阅事件，kinds为空时订阅所有事件，返回订阅句柄
	AddListener(listener DebugListener, kinds ...constants.DebugEventType) string
	// RemoveListener 取消订阅
	RemoveListener(handle string)
}
