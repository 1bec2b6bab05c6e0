package vm_debugger

import (
	"context"
	"fmt"

	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/debugger"
	"github.com/fansqz/debug-controller/utils"
	"github.com/sirupsen/logrus"
)

// run 调度协程，串行处理命令与目标事件
func (v *VMDebugger) run(ctx context.Context, loop *eventLoop) {
	defer close(loop.done)
	events := v.target.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-loop.commands:
			cmd.result <- v.execute(cmd)
		case event, ok := <-events:
			if !ok {
				if v.IsReady() {
					v.onDisconnected(ctx)
				}
				return
			}
			v.handleTargetEvent(ctx, event)
			event.Done()
			if event.Type == debugger.TargetDisconnected {
				return
			}
		}
	}
}

func (v *VMDebugger) execute(cmd *command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("[VMDebugger] command %s panic: %v", cmd.name, r)
			err = fmt.Errorf("command %s panic: %v", cmd.name, r)
		}
	}()
	return cmd.fn()
}

// handleTargetEvent 处理目标程序上报的事件
func (v *VMDebugger) handleTargetEvent(ctx context.Context, event *debugger.TargetEvent) {
	if !v.statusManager.Is(utils.Ready) {
		return
	}
	v.metrics.targetEvents.WithLabelValues(string(event.Type)).Inc()
	switch event.Type {
	case debugger.TargetTypeLoaded:
		v.onTypeLoaded(ctx, event)
	case debugger.TargetThreadStarted:
		v.threadManager.Observe(event.ThreadID, event.ThreadName)
	case debugger.TargetBreakpointHit:
		v.onBreakpointHit(event)
	case debugger.TargetStepCompleted:
		v.onThreadSuspended(event, constants.StepStopped)
	case debugger.TargetThreadSuspended:
		v.onThreadSuspended(event, constants.PauseStopped)
	case debugger.TargetThreadDeath:
		v.onThreadDeath(event)
	case debugger.TargetInteractionStarted:
		v.interactionActive = true
	case debugger.TargetInteractionEnded:
		if v.interactionActive {
			v.interactionActive = false
			v.notify(debugger.NewDebugEvent(constants.InteractionEnded))
		}
	case debugger.TargetOutput:
		logrus.Infof("[VMDebugger] target output: %s", event.Output)
	case debugger.TargetDisconnected:
		v.onDisconnected(ctx)
	default:
		logrus.Warnf("[VMDebugger] unknown target event %s", event.Type)
	}
}

// onTypeLoaded 类型加载后把等待它的待定断点转为生效断点，不产生通知
func (v *VMDebugger) onTypeLoaded(ctx context.Context, event *debugger.TargetEvent) {
	pending := v.pendingRequestManager.TakeByType(event.TypeName)
	for _, bp := range pending {
		promoted := bp.Copy()
		promoted.Pending = false
		if promoted.Enabled {
			requestID, err := v.target.CreateBreakpointRequest(ctx, promoted.Location())
			if err != nil {
				logrus.Warnf("[onTypeLoaded] breakpoint %s:%d cannot be resolved in %s, err = %v",
					promoted.File, promoted.Line, event.TypeName, err)
			} else {
				promoted.RequestID = requestID
			}
		}
		v.breakpointManager.Add(promoted)
	}
	if len(pending) > 0 {
		logrus.Infof("[VMDebugger] %s loaded, %d pending breakpoints resolved", event.TypeName, len(pending))
		v.updateGauges()
	}
}

// onBreakpointHit 线程命中断点：挂起、位置更新、命中断点
func (v *VMDebugger) onBreakpointHit(event *debugger.TargetEvent) {
	if v.threadManager.Observe(event.ThreadID, event.ThreadName) == nil {
		return
	}
	bp := v.breakpointManager.GetByRequest(event.RequestID)
	if bp == nil {
		bp = v.breakpointManager.GetByLocation(event.Location)
	}
	v.suspendCurrentThread(event.ThreadID, event.Location, constants.BreakpointStopped)
	if bp == nil {
		logrus.Warnf("[onBreakpointHit] no breakpoint registered at %s", event.Location)
		return
	}
	v.notify(debugger.NewBreakpointEvent(constants.BreakpointReached, bp))
}

// onThreadSuspended 单步完成或目标主动挂起
func (v *VMDebugger) onThreadSuspended(event *debugger.TargetEvent, reason constants.StoppedReasonType) {
	if v.threadManager.Observe(event.ThreadID, event.ThreadName) == nil {
		return
	}
	v.suspendCurrentThread(event.ThreadID, event.Location, reason)
}

func (v *VMDebugger) suspendCurrentThread(threadID int64, location *debugger.Location, reason constants.StoppedReasonType) {
	thread := v.threadManager.Suspend(threadID, location)
	v.updateGauges()
	v.notify(debugger.NewSuspendedEvent(thread, reason))
	v.notify(debugger.NewLocationEvent(thread, v.resolver.Resolve(thread.Location)))
}

// onThreadDeath 当前线程死亡时通知，并切换到下一个挂起的线程
func (v *VMDebugger) onThreadDeath(event *debugger.TargetEvent) {
	thread, wasCurrent := v.threadManager.Die(event.ThreadID)
	if thread == nil {
		return
	}
	v.updateGauges()
	if !wasCurrent {
		return
	}
	v.notify(debugger.NewThreadEvent(constants.CurrThreadDied, thread))
	next := v.threadManager.Top()
	if next == nil {
		return
	}
	next, err := v.threadManager.SwitchTo(next.UniqueID)
	if err != nil {
		logrus.Errorf("[onThreadDeath] switch to thread fail, err = %v", err)
		return
	}
	v.notify(debugger.NewSuspendedEvent(next, constants.ThreadSwitched))
	v.notify(debugger.NewLocationEvent(next, v.resolver.Resolve(next.Location)))
}

// onDisconnected 目标断开，隐式关闭调试器
func (v *VMDebugger) onDisconnected(ctx context.Context) {
	logrus.Warnf("[VMDebugger] target disconnected")
	for _, thread := range v.threadManager.SuspendedThreads() {
		dead, _ := v.threadManager.Die(thread.UniqueID)
		if dead != nil {
			v.notify(debugger.NewThreadEvent(constants.CurrThreadDied, dead))
		}
	}
	_ = v.shutdown(ctx, false)
	if err := v.target.Detach(ctx); err != nil {
		logrus.Debugf("[onDisconnected] detach target, err = %v", err)
	}
}
