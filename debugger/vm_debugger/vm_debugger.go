package vm_debugger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/debugger"
	sourceutil "github.com/fansqz/debug-controller/debugger/utils"
	e "github.com/fansqz/debug-controller/error"
	"github.com/fansqz/debug-controller/utils"
	"github.com/fansqz/debug-controller/utils/gosync"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// VMDebugger 进程级调试器
// 所有状态变化都在调度协程上串行执行：调用方的命令以闭包形式提交，
// 目标程序的事件从Target.Events读取，监听器在同一个协程上按订阅顺序同步调用。
type VMDebugger struct {
	target        debugger.Target
	statusManager *utils.StatusManager
	notifier      *debugger.Notifier
	metrics       *debugMetrics
	resolver      *LocationResolver

	breakpointManager     *BreakpointManager
	pendingRequestManager *PendingRequestManager
	threadManager         *ThreadManager
	watchManager          *WatchManager

	// 以下字段只在调度协程上读写
	interactionActive bool
	breakpointSeq     int64

	// lifecycleLock 串行化启动与关闭
	lifecycleLock sync.Mutex
	loopLock      sync.RWMutex
	loop          *eventLoop
}

type eventLoop struct {
	commands chan *command
	done     chan struct{}
	cancel   context.CancelFunc
}

type command struct {
	name   string
	fn     func() error
	result chan error
}

func NewVMDebugger(option *debugger.StartOption) *VMDebugger {
	return &VMDebugger{
		target:                option.Target,
		statusManager:         utils.NewStatusManager(),
		notifier:              debugger.NewNotifier(),
		metrics:               newDebugMetrics(option.Registerer),
		resolver:              NewLocationResolver(option.SearchPaths, option.SourceExtension),
		breakpointManager:     NewBreakpointManager(),
		pendingRequestManager: NewPendingRequestManager(),
		threadManager:         NewThreadManager(),
		watchManager:          NewWatchManager(),
	}
}

// Startup 连接目标程序并启动调度协程
func (v *VMDebugger) Startup(ctx context.Context) error {
	v.lifecycleLock.Lock()
	defer v.lifecycleLock.Unlock()
	logrus.Infof("[VMDebugger] Startup")
	if v.statusManager.Is(utils.Ready) {
		return nil
	}
	v.releaseLoop()
	if err := v.target.Attach(ctx); err != nil {
		logrus.Errorf("[Startup] attach target fail, err = %v", err)
		return fmt.Errorf("%w: %v", e.ErrAttachFailed, err)
	}

	v.breakpointManager.Clear()
	v.pendingRequestManager.Clear()
	v.threadManager.Clear()
	v.watchManager.Clear()
	v.interactionActive = false
	v.updateGauges()

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &eventLoop{
		commands: make(chan *command),
		done:     make(chan struct{}),
		cancel:   cancel,
	}
	v.setLoop(loop)
	v.statusManager.Set(utils.Ready)
	// 调度协程启动前通知，保证DebuggerStarted先于任何目标事件
	v.notify(debugger.NewDebugEvent(constants.DebuggerStarted))
	gosync.Go(loopCtx, func(ctx context.Context) {
		v.run(ctx, loop)
	})
	return nil
}

// Shutdown 关闭调试器，未启动时直接返回
func (v *VMDebugger) Shutdown(ctx context.Context) error {
	v.lifecycleLock.Lock()
	defer v.lifecycleLock.Unlock()
	if v.getLoop() == nil {
		return nil
	}
	if !v.statusManager.Is(utils.Ready) {
		// 目标断开时已经隐式关闭
		v.releaseLoop()
		return nil
	}
	logrus.Infof("[VMDebugger] Shutdown")
	err := v.exec(ctx, "shutdown", func() error {
		return v.shutdown(ctx, true)
	})
	v.releaseLoop()
	return err
}

// shutdown 在调度协程上执行，detach为false表示目标已经断开
func (v *VMDebugger) shutdown(ctx context.Context, detach bool) error {
	if !v.statusManager.CompareAndSet(utils.Ready, utils.Finish) {
		return nil
	}
	var result *multierror.Error
	if v.interactionActive {
		v.interactionActive = false
		v.notify(debugger.NewDebugEvent(constants.InteractionEnded))
	}
	for _, bp := range v.allBreakpoints() {
		if detach && bp.RequestID != 0 {
			if err := v.target.DeleteBreakpointRequest(ctx, bp.RequestID); err != nil {
				result = multierror.Append(result, fmt.Errorf("delete breakpoint %s:%d: %w", bp.File, bp.Line, err))
			}
		}
		v.breakpointManager.Remove(bp.File, bp.Line)
		v.pendingRequestManager.Remove(bp.File, bp.Line)
		v.notify(debugger.NewBreakpointEvent(constants.BreakpointRemoved, bp))
	}
	v.watchManager.Clear()
	v.threadManager.Clear()
	v.updateGauges()
	if detach {
		if err := v.target.Detach(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("detach target: %w", err))
		}
	}
	v.notify(debugger.NewDebugEvent(constants.DebuggerShutdown))
	if err := result.ErrorOrNil(); err != nil {
		logrus.Errorf("[Shutdown] err = %v", err)
		return err
	}
	return nil
}

// IsReady 调试器是否可以接收命令
func (v *VMDebugger) IsReady() bool {
	return v.statusManager.Is(utils.Ready)
}

func (v *VMDebugger) checkReady() error {
	if !v.IsReady() {
		return e.ErrDebuggerIsClosed
	}
	return nil
}

// BreakpointManager 生效断点的注册表
func (v *VMDebugger) BreakpointManager() *BreakpointManager {
	return v.breakpointManager
}

// PendingRequestManager 待定断点的注册表
func (v *VMDebugger) PendingRequestManager() *PendingRequestManager {
	return v.pendingRequestManager
}

// ToggleBreakpoint 切换断点
func (v *VMDebugger) ToggleBreakpoint(ctx context.Context, unit *debugger.SourceUnit, offset int, line int) error {
	if unit == nil {
		return fmt.Errorf("%w: nil source unit", e.ErrUnknownLocation)
	}
	logrus.Infof("[VMDebugger] ToggleBreakpoint %s:%d", unit.Path, line)
	return v.exec(ctx, "toggleBreakpoint", func() error {
		if err := v.checkReady(); err != nil {
			return err
		}
		if line < 1 || line > unit.LineCount() {
			return fmt.Errorf("%w: %s has no line %d", e.ErrUnknownLocation, unit.Path, line)
		}
		if _, err := sourceutil.LineOfOffset(unit.Code, offset); err != nil {
			return err
		}
		v.resolver.OpenUnit(unit)
		if bp := v.findBreakpoint(unit.Path, line); bp != nil {
			v.removeBreakpoint(ctx, bp)
			return nil
		}

		typeName, err := sourceutil.TypeNameAt(unit.Language, unit.Code, offset)
		if err != nil {
			return err
		}
		bp := debugger.NewBreakpoint(unit, offset, line, typeName)
		v.breakpointSeq++
		bp.Seq = v.breakpointSeq
		if v.target.IsTypeLoaded(typeName) {
			requestID, err := v.target.CreateBreakpointRequest(ctx, bp.Location())
			if err != nil {
				return fmt.Errorf("%w: %s:%d: %v", e.ErrUnknownLocation, unit.Path, line, err)
			}
			bp.RequestID = requestID
			v.breakpointManager.Add(bp)
		} else {
			bp.Pending = true
			v.pendingRequestManager.Add(bp)
		}
		v.updateGauges()
		v.notify(debugger.NewBreakpointEvent(constants.BreakpointSet, bp))
		return nil
	})
}

// SetBreakpointEnabled 启用或禁用断点，不产生通知
func (v *VMDebugger) SetBreakpointEnabled(ctx context.Context, unit *debugger.SourceUnit, line int, enabled bool) error {
	if unit == nil {
		return fmt.Errorf("%w: nil source unit", e.ErrUnknownLocation)
	}
	return v.exec(ctx, "setBreakpointEnabled", func() error {
		if err := v.checkReady(); err != nil {
			return err
		}
		bp := v.findBreakpoint(unit.Path, line)
		if bp == nil {
			return fmt.Errorf("%w: no breakpoint on %s:%d", e.ErrUnknownLocation, unit.Path, line)
		}
		if bp.Enabled == enabled {
			return nil
		}
		changed := bp.Copy()
		changed.Enabled = enabled
		if bp.Pending {
			v.pendingRequestManager.Add(changed)
			return nil
		}
		if enabled {
			requestID, err := v.target.CreateBreakpointRequest(ctx, changed.Location())
			if err != nil {
				return fmt.Errorf("%w: %s:%d: %v", e.ErrUnknownLocation, unit.Path, line, err)
			}
			changed.RequestID = requestID
		} else if bp.RequestID != 0 {
			if err := v.target.DeleteBreakpointRequest(ctx, bp.RequestID); err != nil {
				return err
			}
			changed.RequestID = 0
		}
		v.breakpointManager.Add(changed)
		return nil
	})
}

// GetBreakpoints 所有断点，按创建顺序
func (v *VMDebugger) GetBreakpoints() []*debugger.Breakpoint {
	list := v.allBreakpoints()
	answer := make([]*debugger.Breakpoint, 0, len(list))
	for _, bp := range list {
		answer = append(answer, bp.Copy())
	}
	return answer
}

func (v *VMDebugger) allBreakpoints() []*debugger.Breakpoint {
	return bySeq(append(v.breakpointManager.List(), v.pendingRequestManager.List()...))
}

// fileBreakpoints 某个文件上的所有断点，按创建顺序
func (v *VMDebugger) fileBreakpoints(file string) []*debugger.Breakpoint {
	return bySeq(append(v.breakpointManager.ListByFile(file), v.pendingRequestManager.ListByFile(file)...))
}

func bySeq(list []*debugger.Breakpoint) []*debugger.Breakpoint {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Seq < list[j].Seq
	})
	return list
}

func (v *VMDebugger) findBreakpoint(file string, line int) *debugger.Breakpoint {
	if bp := v.breakpointManager.Get(file, line); bp != nil {
		return bp
	}
	return v.pendingRequestManager.Get(file, line)
}

// removeBreakpoint 删除断点并通知，目标删除失败时只记录日志
func (v *VMDebugger) removeBreakpoint(ctx context.Context, bp *debugger.Breakpoint) {
	if bp.Pending {
		v.pendingRequestManager.Remove(bp.File, bp.Line)
	} else {
		if bp.RequestID != 0 {
			if err := v.target.DeleteBreakpointRequest(ctx, bp.RequestID); err != nil {
				logrus.Warnf("[removeBreakpoint] delete request %d fail, err = %v", bp.RequestID, err)
			}
		}
		v.breakpointManager.Remove(bp.File, bp.Line)
	}
	v.updateGauges()
	v.notify(debugger.NewBreakpointEvent(constants.BreakpointRemoved, bp))
}

// OpenSourceUnit 记录打开的源码单元
func (v *VMDebugger) OpenSourceUnit(unit *debugger.SourceUnit) {
	v.resolver.OpenUnit(unit)
}

// CloseSourceUnit 关闭源码单元并移除其上的所有断点
func (v *VMDebugger) CloseSourceUnit(ctx context.Context, unit *debugger.SourceUnit) error {
	if unit == nil {
		return nil
	}
	v.resolver.CloseUnit(unit)
	if v.getLoop() == nil {
		return nil
	}
	err := v.exec(ctx, "closeSourceUnit", func() error {
		if !v.IsReady() {
			return nil
		}
		for _, bp := range v.fileBreakpoints(unit.Path) {
			v.removeBreakpoint(ctx, bp)
		}
		return nil
	})
	if errors.Is(err, e.ErrDebuggerIsClosed) {
		return nil
	}
	return err
}

// Step 当前线程单步
func (v *VMDebugger) Step(ctx context.Context, stepType constants.StepType) error {
	logrus.Infof("[VMDebugger] Step %s", stepType)
	return v.exec(ctx, "step", func() error {
		thread, err := v.suspendedCurrentThread()
		if err != nil {
			return err
		}
		if err = v.target.Step(ctx, thread.UniqueID, stepType); err != nil {
			logrus.Errorf("[Step] thread %d step fail, err = %v", thread.UniqueID, err)
			return err
		}
		thread = v.threadManager.Resume(thread.UniqueID)
		v.updateGauges()
		v.notify(debugger.NewStepEvent(stepType))
		v.notify(debugger.NewThreadEvent(constants.CurrThreadResumed, thread))
		return nil
	})
}

// Resume 当前线程继续执行
func (v *VMDebugger) Resume(ctx context.Context) error {
	logrus.Infof("[VMDebugger] Resume")
	return v.exec(ctx, "resume", func() error {
		thread, err := v.suspendedCurrentThread()
		if err != nil {
			return err
		}
		if err = v.target.Resume(ctx, thread.UniqueID); err != nil {
			logrus.Errorf("[Resume] thread %d resume fail, err = %v", thread.UniqueID, err)
			return err
		}
		thread = v.threadManager.Resume(thread.UniqueID)
		v.updateGauges()
		v.notify(debugger.NewThreadEvent(constants.CurrThreadResumed, thread))
		return nil
	})
}

func (v *VMDebugger) suspendedCurrentThread() (*debugger.DebugThreadData, error) {
	if err := v.checkReady(); err != nil {
		return nil, err
	}
	thread := v.threadManager.Current()
	if thread == nil || thread.Status != constants.ThreadSuspended {
		return nil, e.ErrThreadNotSuspended
	}
	return thread, nil
}

// SetCurrentThread 切换当前线程，不会恢复或挂起目标中的线程
func (v *VMDebugger) SetCurrentThread(ctx context.Context, threadID int64) error {
	logrus.Infof("[VMDebugger] SetCurrentThread %d", threadID)
	return v.exec(ctx, "setCurrentThread", func() error {
		if err := v.checkReady(); err != nil {
			return err
		}
		if v.threadManager.IsCurrent(threadID) {
			if current := v.threadManager.Current(); current.Status == constants.ThreadSuspended {
				return nil
			}
		}
		thread, err := v.threadManager.SwitchTo(threadID)
		if err != nil {
			return err
		}
		v.notify(debugger.NewLocationEvent(thread, v.resolver.Resolve(thread.Location)))
		v.notify(debugger.NewSuspendedEvent(thread, constants.ThreadSwitched))
		return nil
	})
}

// GetCurrentThread 当前线程
func (v *VMDebugger) GetCurrentThread() *debugger.DebugThreadData {
	return v.threadManager.Current()
}

// GetThreadAt 挂起线程栈中的第index个线程
func (v *VMDebugger) GetThreadAt(index int) (*debugger.DebugThreadData, error) {
	return v.threadManager.ThreadAt(index)
}

// GetThreads 存活的线程
func (v *VMDebugger) GetThreads() []*debugger.DebugThreadData {
	return v.threadManager.Threads()
}

// GetStackTrace 挂起线程的栈帧
func (v *VMDebugger) GetStackTrace(ctx context.Context, threadID int64) ([]*debugger.StackFrame, error) {
	if err := v.checkReady(); err != nil {
		return nil, err
	}
	thread := v.threadManager.Get(threadID)
	if thread == nil || thread.Status != constants.ThreadSuspended {
		return nil, fmt.Errorf("%w: thread %d", e.ErrThreadNotSuspended, threadID)
	}
	return v.target.Frames(ctx, threadID)
}

// AddWatch 添加监视表达式
func (v *VMDebugger) AddWatch(ctx context.Context, expression string) error {
	return v.exec(ctx, "addWatch", func() error {
		if err := v.checkReady(); err != nil {
			return err
		}
		v.watchManager.Add(expression)
		return nil
	})
}

// RemoveWatch 删除监视表达式
func (v *VMDebugger) RemoveWatch(ctx context.Context, index int) error {
	return v.exec(ctx, "removeWatch", func() error {
		if err := v.checkReady(); err != nil {
			return err
		}
		return v.watchManager.Remove(index)
	})
}

// RemoveAllWatches 删除所有监视表达式
func (v *VMDebugger) RemoveAllWatches(ctx context.Context) error {
	return v.exec(ctx, "removeAllWatches", func() error {
		if err := v.checkReady(); err != nil {
			return err
		}
		v.watchManager.Clear()
		return nil
	})
}

// GetWatches 在当前线程栈顶重新计算监视表达式
// 可以在监听器中调用
func (v *VMDebugger) GetWatches(ctx context.Context) ([]*debugger.DebugWatchData, error) {
	if err := v.checkReady(); err != nil {
		return nil, err
	}
	thread := v.threadManager.Current()
	if thread == nil || thread.Status != constants.ThreadSuspended {
		return v.watchManager.Reset(), nil
	}
	frames, err := v.target.Frames(ctx, thread.UniqueID)
	if err != nil || len(frames) == 0 {
		logrus.Debugf("[GetWatches] no frame for thread %d, err = %v", thread.UniqueID, err)
		return v.watchManager.Reset(), nil
	}
	return v.watchManager.Evaluate(frames[0]), nil
}

// GetPackageDir 包目录
func (v *VMDebugger) GetPackageDir(typeName string) string {
	return GetPackageDir(typeName)
}

// SetSearchPaths 更新源文件搜索路径，对之后的位置更新生效
func (v *VMDebugger) SetSearchPaths(paths []string) {
	logrus.Infof("[VMDebugger] SetSearchPaths %v", paths)
	v.resolver.SetSearchPaths(paths)
}

func (v *VMDebugger) AddListener(listener debugger.DebugListener, kinds ...constants.DebugEventType) string {
	return v.notifier.Subscribe(listener, kinds...)
}

func (v *VMDebugger) RemoveListener(handle string) {
	v.notifier.Unsubscribe(handle)
}

func (v *VMDebugger) notify(event *debugger.DebugEvent) {
	v.metrics.notifications.WithLabelValues(string(event.Type)).Inc()
	v.notifier.Notify(event)
}

func (v *VMDebugger) updateGauges() {
	v.metrics.activeBreakpoints.Set(float64(v.breakpointManager.Size()))
	v.metrics.pendingBreakpoints.Set(float64(v.pendingRequestManager.Size()))
	v.metrics.suspendedThreads.Set(float64(len(v.threadManager.SuspendedThreads())))
}

// exec 把命令提交到调度协程并等待执行结果
func (v *VMDebugger) exec(ctx context.Context, name string, fn func() error) error {
	loop := v.getLoop()
	if loop == nil {
		return e.ErrDebuggerIsClosed
	}
	cmd := &command{name: name, fn: fn, result: make(chan error, 1)}
	select {
	case loop.commands <- cmd:
	case <-loop.done:
		return e.ErrDebuggerIsClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-loop.done:
		select {
		case err := <-cmd.result:
			return err
		default:
			return e.ErrDebuggerIsClosed
		}
	}
}

func (v *VMDebugger) getLoop() *eventLoop {
	v.loopLock.RLock()
	defer v.loopLock.RUnlock()
	return v.loop
}

func (v *VMDebugger) setLoop(loop *eventLoop) {
	v.loopLock.Lock()
	defer v.loopLock.Unlock()
	v.loop = loop
}

// releaseLoop 停止调度协程并等待退出
func (v *VMDebugger) releaseLoop() {
	loop := v.getLoop()
	if loop == nil {
		return
	}
	loop.cancel()
	<-loop.done
	v.setLoop(nil)
}
