package sim_target

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/debugger"
	e "github.com/fansqz/debug-controller/error"
	"github.com/fansqz/debug-controller/utils/gosync"
	"github.com/sirupsen/logrus"
)

// SimTarget 由场景驱动的模拟目标程序
// 线程按场景中的顺序依次执行，直到挂起或结束，结果是确定的
type SimTarget struct {
	scenario  *Scenario
	attachErr error

	lock          sync.Mutex
	session       *simSession
	loaded        map[string]bool
	requests      map[int]*debugger.Location
	nextRequestID int
	nextThreadID  int64
	threads       map[int64]*simThread
	running       bool
}

// simSession 一次连接
type simSession struct {
	events    chan *debugger.TargetEvent
	commands  chan *simCommand
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *simSession) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

type simThread struct {
	id     int64
	script *ThreadScript
	pc     int
	status constants.ThreadStatus
	step   *stepRequest
}

func (t *simThread) current() *TraceStep {
	if t.pc < 0 || t.pc >= len(t.script.Trace) {
		return nil
	}
	return t.script.Trace[t.pc]
}

type stepRequest struct {
	stepType constants.StepType
	depth    int
}

// completedBy 单步是否在step处完成
func (r *stepRequest) completedBy(step *TraceStep) bool {
	switch r.stepType {
	case constants.StepOver:
		return step.Depth <= r.depth
	case constants.StepOut:
		return step.Depth < r.depth
	default:
		return true
	}
}

type simCommandType string

const (
	interactCommand simCommandType = "interact"
	advanceCommand  simCommandType = "advance"
)

type simCommand struct {
	commandType simCommandType
	thread      *simThread
}

func NewSimTarget(scenario *Scenario) *SimTarget {
	return &SimTarget{
		scenario: scenario,
	}
}

// SetAttachError 之后的Attach都会返回err
func (s *SimTarget) SetAttachError(err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.attachErr = err
}

func (s *SimTarget) Attach(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.attachErr != nil {
		return s.attachErr
	}
	if s.session != nil {
		s.session.close()
	}
	session := &simSession{
		events:   make(chan *debugger.TargetEvent, 256),
		commands: make(chan *simCommand, 64),
		closed:   make(chan struct{}),
	}
	s.session = session
	s.loaded = make(map[string]bool)
	s.requests = make(map[int]*debugger.Location)
	s.threads = make(map[int64]*simThread)
	s.running = false
	gosync.Go(ctx, func(ctx context.Context) {
		s.loop(session)
	})
	logrus.Infof("[SimTarget] attached")
	return nil
}

// Detach 断开连接，事件流随后关闭
func (s *SimTarget) Detach(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.session != nil {
		s.session.close()
	}
	return nil
}

// Disconnect 模拟目标程序意外退出
func (s *SimTarget) Disconnect() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.session != nil {
		s.session.close()
	}
}

func (s *SimTarget) Events() <-chan *debugger.TargetEvent {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.session == nil {
		return nil
	}
	return s.session.events
}

func (s *SimTarget) IsTypeLoaded(typeName string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.loaded[typeName]
}

func (s *SimTarget) CreateBreakpointRequest(ctx context.Context, location *debugger.Location) (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.loaded[location.TypeName] {
		return 0, fmt.Errorf("type %s is not loaded", location.TypeName)
	}
	if !s.scenario.executableLines(location.TypeName)[location.Line] {
		return 0, fmt.Errorf("%w: no code at %s:%d", e.ErrUnknownLocation, location.TypeName, location.Line)
	}
	s.nextRequestID++
	copied := *location
	s.requests[s.nextRequestID] = &copied
	return s.nextRequestID, nil
}

func (s *SimTarget) DeleteBreakpointRequest(ctx context.Context, requestID int) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.requests[requestID]; !ok {
		return fmt.Errorf("unknown breakpoint request %d", requestID)
	}
	delete(s.requests, requestID)
	return nil
}

// Interact 开始一次交互运行，所有线程从头开始执行
func (s *SimTarget) Interact(ctx context.Context) error {
	return s.submit(&simCommand{commandType: interactCommand})
}

func (s *SimTarget) Resume(ctx context.Context, threadID int64) error {
	thread, err := s.resumeThread(threadID, nil)
	if err != nil {
		return err
	}
	return s.submit(&simCommand{commandType: advanceCommand, thread: thread})
}

func (s *SimTarget) Step(ctx context.Context, threadID int64, stepType constants.StepType) error {
	thread, err := s.resumeThread(threadID, &stepRequest{stepType: stepType})
	if err != nil {
		return err
	}
	return s.submit(&simCommand{commandType: advanceCommand, thread: thread})
}

func (s *SimTarget) resumeThread(threadID int64, step *stepRequest) (*simThread, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	thread, ok := s.threads[threadID]
	if !ok || thread.status != constants.ThreadSuspended {
		return nil, fmt.Errorf("thread %d is not suspended", threadID)
	}
	if step != nil {
		step.depth = thread.current().Depth
	}
	thread.step = step
	thread.status = constants.ThreadRunning
	return thread, nil
}

func (s *SimTarget) submit(cmd *simCommand) error {
	s.lock.Lock()
	session := s.session
	s.lock.Unlock()
	if session == nil {
		return e.ErrTargetNotAttached
	}
	select {
	case <-session.closed:
		return e.ErrTargetNotAttached
	default:
	}
	select {
	case session.commands <- cmd:
		return nil
	case <-session.closed:
		return e.ErrTargetNotAttached
	}
}

// Frames 挂起线程的栈帧，由轨迹中调用深度更浅的步骤推出调用者
func (s *SimTarget) Frames(ctx context.Context, threadID int64) ([]*debugger.StackFrame, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	thread, ok := s.threads[threadID]
	if !ok || thread.status != constants.ThreadSuspended {
		return nil, fmt.Errorf("thread %d is not suspended", threadID)
	}
	top := thread.current()
	frames := []*debugger.StackFrame{s.frameOf(top, 0)}
	depth := top.Depth
	for i := thread.pc - 1; i >= 0 && depth > 0; i-- {
		step := thread.script.Trace[i]
		if step.isCode() && step.Depth < depth {
			frames = append(frames, s.frameOf(step, len(frames)))
			depth = step.Depth
		}
	}
	return frames, nil
}

// Assign 修改挂起线程栈顶中的变量，模拟在控制台中赋值
func (s *SimTarget) Assign(threadID int64, name string, value interface{}) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	thread, ok := s.threads[threadID]
	if !ok || thread.status != constants.ThreadSuspended {
		return fmt.Errorf("thread %d is not suspended", threadID)
	}
	step := thread.current()
	if _, ok := step.Locals[name]; ok {
		step.Locals[name] = value
		return nil
	}
	if _, ok := step.This[name]; ok && !step.Static {
		step.This[name] = value
		return nil
	}
	for _, statics := range step.Statics {
		if _, ok := statics.Fields[name]; ok {
			statics.Fields[name] = value
			return nil
		}
	}
	return fmt.Errorf("%w: %s", e.ErrEvaluationFailed, name)
}

func (s *SimTarget) frameOf(step *TraceStep, id int) *debugger.StackFrame {
	frame := &debugger.StackFrame{
		ID:       id,
		Name:     step.Method,
		Location: s.locationOf(step),
		Static:   step.Static,
		Locals:   copyFields(step.Locals),
		This:     copyFields(step.This),
	}
	for _, outer := range step.Outer {
		frame.Outer = append(frame.Outer, copyFields(outer))
	}
	for _, statics := range step.Statics {
		frame.Statics = append(frame.Statics, &debugger.StaticFields{
			TypeName: statics.TypeName,
			Fields:   copyFields(statics.Fields),
		})
	}
	return frame
}

func (s *SimTarget) locationOf(step *TraceStep) *debugger.Location {
	file := step.File
	if file == "" {
		file = s.scenario.fileOf(step.Type)
	}
	return &debugger.Location{
		TypeName: step.Type,
		File:     file,
		Method:   step.Method,
		Line:     step.Line,
	}
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	answer := make(map[string]interface{}, len(fields))
	for key, value := range fields {
		answer[key] = value
	}
	return answer
}

// loop 模拟目标的执行协程
func (s *SimTarget) loop(session *simSession) {
	defer close(session.events)
	for {
		select {
		case <-session.closed:
			return
		case cmd := <-session.commands:
			switch cmd.commandType {
			case interactCommand:
				s.interact(session)
			case advanceCommand:
				s.advance(session, cmd.thread)
			}
		}
	}
}

func (s *SimTarget) interact(session *simSession) {
	s.lock.Lock()
	if s.running {
		s.lock.Unlock()
		logrus.Warnf("[SimTarget] interaction already running")
		return
	}
	s.running = true
	threads := make([]*simThread, 0, len(s.scenario.Threads))
	for _, script := range s.scenario.Threads {
		s.nextThreadID++
		thread := &simThread{
			id:     s.nextThreadID,
			script: script,
			pc:     -1,
			status: constants.ThreadRunning,
		}
		s.threads[thread.id] = thread
		threads = append(threads, thread)
	}
	s.lock.Unlock()

	if !s.emit(session, &debugger.TargetEvent{Type: debugger.TargetInteractionStarted}) {
		return
	}
	for _, thread := range threads {
		if !s.emit(session, &debugger.TargetEvent{
			Type:       debugger.TargetThreadStarted,
			ThreadID:   thread.id,
			ThreadName: thread.script.Name,
		}) {
			return
		}
	}
	for _, thread := range threads {
		s.advance(session, thread)
	}
}

// advance 线程向前执行，直到单步完成、命中断点或者结束
func (s *SimTarget) advance(session *simSession, thread *simThread) {
	for {
		s.lock.Lock()
		if thread.pc+1 >= len(thread.script.Trace) {
			thread.status = constants.ThreadDead
			thread.step = nil
			ended := s.allDead()
			if ended {
				s.running = false
			}
			s.lock.Unlock()
			if !s.emit(session, s.threadEvent(debugger.TargetThreadDeath, thread, nil)) {
				return
			}
			if ended {
				s.emit(session, &debugger.TargetEvent{Type: debugger.TargetInteractionEnded})
			}
			return
		}
		thread.pc++
		step := thread.current()

		if step.Load != "" {
			loaded := s.loaded[step.Load]
			s.loaded[step.Load] = true
			s.lock.Unlock()
			if loaded {
				continue
			}
			event, ack := debugger.NewAckTargetEvent(s.threadEvent(debugger.TargetTypeLoaded, thread, nil))
			event.TypeName = step.Load
			if !s.emit(session, event) {
				return
			}
			select {
			case <-ack:
			case <-session.closed:
				return
			}
			continue
		}
		if step.Output != "" {
			s.lock.Unlock()
			event := s.threadEvent(debugger.TargetOutput, thread, nil)
			event.Output = step.Output
			if !s.emit(session, event) {
				return
			}
			continue
		}

		location := s.locationOf(step)
		if thread.step != nil && thread.step.completedBy(step) {
			thread.step = nil
			thread.status = constants.ThreadSuspended
			s.lock.Unlock()
			s.emit(session, s.threadEvent(debugger.TargetStepCompleted, thread, location))
			return
		}
		if requestID := s.breakpointAt(step); requestID != 0 {
			thread.step = nil
			thread.status = constants.ThreadSuspended
			s.lock.Unlock()
			event := s.threadEvent(debugger.TargetBreakpointHit, thread, location)
			event.RequestID = requestID
			s.emit(session, event)
			return
		}
		s.lock.Unlock()
	}
}

// breakpointAt 调用方持有锁
func (s *SimTarget) breakpointAt(step *TraceStep) int {
	var ids []int
	for id, location := range s.requests {
		if location.TypeName == step.Type && location.Line == step.Line {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0
	}
	sort.Ints(ids)
	return ids[0]
}

// allDead 调用方持有锁
func (s *SimTarget) allDead() bool {
	for _, thread := range s.threads {
		if thread.status != constants.ThreadDead {
			return false
		}
	}
	return true
}

func (s *SimTarget) threadEvent(eventType debugger.TargetEventType, thread *simThread, location *debugger.Location) *debugger.TargetEvent {
	return &debugger.TargetEvent{
		Type:       eventType,
		ThreadID:   thread.id,
		ThreadName: thread.script.Name,
		Location:   location,
	}
}

func (s *SimTarget) emit(session *simSession, event *debugger.TargetEvent) bool {
	select {
	case session.events <- event:
		return true
	case <-session.closed:
		return false
	}
}
