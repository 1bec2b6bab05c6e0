package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/debugger"
	sourceutil "github.com/fansqz/debug-controller/debugger/utils"
	"github.com/fansqz/debug-controller/utils"
	"github.com/fansqz/debug-controller/utils/gosync"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// SessionOption 会话参数
type SessionOption struct {
	// Launch configurationDone时开始一次交互运行，为空时目标自己运行
	Launch      func(ctx context.Context) error
	Language    constants.LanguageType
	IdleTimeout time.Duration
}

// DebugSession 调试会话
type DebugSession struct {
	id   string
	conn net.Conn
	// rw is used to read requests and write events/responses
	rw *bufio.ReadWriter

	debugger debugger.Debugger
	option   *SessionOption

	// sendQueue is used to capture messages from multiple goroutines
	// while writing them to the client connection from a single goroutine
	// via sendFromQueue. Closing this channel will signal the sendFromQueue
	// goroutine that it can exit.
	sendQueue chan dap.Message
	sendWg    sync.WaitGroup

	backlog  *debugger.EventBacklog
	handle   string
	stopping chan struct{}
	idle     *utils.TimeoutManager

	lock sync.Mutex
	// units 客户端设置过断点的源文件
	units map[string]*debugger.SourceUnit
	// sourcePaths 线程当前位置对应的本地文件
	sourcePaths map[int64]string
}

// handleConnection handles a connection from a single client.
// It reads and decodes the incoming data and dispatches it
// to the request handlers. Debug events are forwarded to the
// client by a separate goroutine.
func handleConnection(ctx context.Context, conn net.Conn, d debugger.Debugger, option *SessionOption) {
	session := &DebugSession{
		id:          utils.GetUUID(),
		conn:        conn,
		rw:          bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		debugger:    d,
		option:      option,
		sendQueue:   make(chan dap.Message),
		backlog:     debugger.NewEventBacklog(256),
		stopping:    make(chan struct{}),
		idle:        utils.NewTimeoutManager(),
		units:       make(map[string]*debugger.SourceUnit),
		sourcePaths: make(map[int64]string),
	}
	logrus.Infof("[DebugSession] %s connected from %s", session.id, conn.RemoteAddr())
	session.serve(ctx)
	logrus.Infof("[DebugSession] %s closed", session.id)
}

func (s *DebugSession) serve(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()
	senderDone := make(chan struct{})
	gosync.Go(ctx, func(ctx context.Context) {
		defer close(senderDone)
		s.sendFromQueue()
	})
	s.handle = s.debugger.AddListener(s.backlog.Listener())
	s.sendWg.Add(1)
	gosync.Go(ctx, func(ctx context.Context) {
		defer s.sendWg.Done()
		s.forwardEvents()
	})
	if s.option.IdleTimeout > 0 {
		s.idle.Start(ctx, s.option.IdleTimeout, func() {
			logrus.Warnf("[DebugSession] %s idle timeout", s.id)
			_ = s.conn.Close()
		})
	}

	for {
		request, err := dap.ReadProtocolMessage(s.rw.Reader)
		if err != nil {
			var decodeErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &decodeErr) {
				s.send(newErrorResponse(decodeErr.Seq, decodeErr.FieldValue, decodeErr.Error()))
				continue
			}
			if !errors.Is(err, io.EOF) {
				logrus.Warnf("[DebugSession] %s read fail, err = %v", s.id, err)
			}
			break
		}
		s.idle.Reset()
		if !s.dispatchRequest(ctx, request) {
			break
		}
	}

	s.idle.Chancel()
	s.debugger.RemoveListener(s.handle)
	close(s.stopping)
	s.sendWg.Wait()
	close(s.sendQueue)
	<-senderDone
	_ = s.conn.Close()
}

// dispatchRequest 处理一个请求，返回false表示会话结束
func (s *DebugSession) dispatchRequest(ctx context.Context, request dap.Message) bool {
	switch request := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(ctx, request)
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpointsRequest(ctx, request)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDoneRequest(ctx, request)
	case *dap.ContinueRequest:
		s.onContinueRequest(ctx, request)
	case *dap.NextRequest:
		s.onStepRequest(ctx, &request.Request, request.Arguments.ThreadId, constants.StepOver, &dap.NextResponse{})
	case *dap.StepInRequest:
		s.onStepRequest(ctx, &request.Request, request.Arguments.ThreadId, constants.StepIn, &dap.StepInResponse{})
	case *dap.StepOutRequest:
		s.onStepRequest(ctx, &request.Request, request.Arguments.ThreadId, constants.StepOut, &dap.StepOutResponse{})
	case *dap.ThreadsRequest:
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		s.onStackTraceRequest(ctx, request)
	case *dap.EvaluateRequest:
		s.onEvaluateRequest(ctx, request)
	case *dap.TerminateRequest:
		s.onTerminateRequest(ctx, request)
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(ctx, request)
		return false
	default:
		if req, ok := request.(dap.RequestMessage); ok {
			base := req.GetRequest()
			s.send(newErrorResponse(base.Seq, base.Command, fmt.Sprintf("%s is not yet supported", base.Command)))
			return true
		}
		logrus.Warnf("[DebugSession] unable to process %#v", request)
	}
	return true
}

// send Message放入发送队列
func (s *DebugSession) send(message dap.Message) {
	s.sendQueue <- message
}

// sendFromQueue 把队列中的消息依次写给客户端
func (s *DebugSession) sendFromQueue() {
	for message := range s.sendQueue {
		if err := dap.WriteProtocolMessage(s.rw.Writer, message); err != nil {
			logrus.Debugf("[DebugSession] write fail, err = %v", err)
			continue
		}
		_ = s.rw.Flush()
	}
}

// forwardEvents 把调试事件转为DAP事件，结束前发送队列中剩余的事件
func (s *DebugSession) forwardEvents() {
	for {
		select {
		case <-s.stopping:
			for _, event := range s.backlog.Drain() {
				s.forward(event)
			}
			return
		case event := <-s.backlog.Events():
			s.forward(event)
		}
	}
}

func (s *DebugSession) forward(event *debugger.DebugEvent) {
	for _, message := range s.toDapEvents(event) {
		s.send(message)
	}
}

func (s *DebugSession) toDapEvents(event *debugger.DebugEvent) []dap.Message {
	switch event.Type {
	case constants.CurrThreadSuspended:
		stopped := &dap.StoppedEvent{Event: *newEvent("stopped")}
		stopped.Body.ThreadId = int(event.Thread.UniqueID)
		stopped.Body.Reason = string(event.Reason)
		if event.Reason == constants.ThreadSwitched {
			stopped.Body.Reason = "pause"
			stopped.Body.Description = "thread switched"
		}
		return []dap.Message{stopped}
	case constants.ThreadLocationUpdated:
		if event.Thread == nil {
			return nil
		}
		s.lock.Lock()
		s.sourcePaths[event.Thread.UniqueID] = event.SourcePath
		s.lock.Unlock()
	case constants.CurrThreadResumed:
		continued := &dap.ContinuedEvent{Event: *newEvent("continued")}
		continued.Body.ThreadId = int(event.Thread.UniqueID)
		return []dap.Message{continued}
	case constants.CurrThreadDied:
		thread := &dap.ThreadEvent{Event: *newEvent("thread")}
		thread.Body.Reason = "exited"
		thread.Body.ThreadId = int(event.Thread.UniqueID)
		return []dap.Message{thread}
	case constants.BreakpointSet, constants.BreakpointRemoved:
		breakpoint := &dap.BreakpointEvent{Event: *newEvent("breakpoint")}
		breakpoint.Body.Reason = "new"
		if event.Type == constants.BreakpointRemoved {
			breakpoint.Body.Reason = "removed"
		}
		breakpoint.Body.Breakpoint = toDapBreakpoint(event.Breakpoint)
		return []dap.Message{breakpoint}
	case constants.InteractionEnded:
		return []dap.Message{&dap.ExitedEvent{Event: *newEvent("exited")}}
	case constants.DebuggerShutdown:
		return []dap.Message{&dap.TerminatedEvent{Event: *newEvent("terminated")}}
	}
	return nil
}

func toDapBreakpoint(bp *debugger.Breakpoint) dap.Breakpoint {
	answer := dap.Breakpoint{
		Id:       int(bp.Seq),
		Verified: !bp.Pending && bp.Enabled,
		Line:     bp.Line,
		Source:   &dap.Source{Name: filepath.Base(bp.File), Path: bp.File},
	}
	if bp.Pending {
		answer.Message = fmt.Sprintf("waiting for %s to load", bp.TypeName)
	}
	return answer
}

// -----------------------------------------------------------------------
// Request Handlers

func (s *DebugSession) onInitializeRequest(ctx context.Context, request *dap.InitializeRequest) {
	if err := s.debugger.Startup(ctx); err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.InitializeResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsTerminateRequest = true
	response.Body.SupportsEvaluateForHovers = false
	response.Body.SupportsStepBack = false
	response.Body.SupportsSetVariable = false
	response.Body.SupportsConditionalBreakpoints = false
	response.Body.ExceptionBreakpointFilters = []dap.ExceptionBreakpointsFilter{}
	s.send(response)
	// 客户端随后发送断点配置，并以configurationDone结束
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
}

// unit 读取源文件，同一个文件只读取一次
func (s *DebugSession) unit(path string) (*debugger.SourceUnit, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if unit, ok := s.units[path]; ok {
		return unit, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	unit := debugger.NewSourceUnit(path, string(data), s.option.Language)
	s.units[path] = unit
	s.debugger.OpenSourceUnit(unit)
	return unit, nil
}

// onSetBreakpointsRequest 客户端每次发送一个文件的全部断点，与已有断点比较后切换差异部分
func (s *DebugSession) onSetBreakpointsRequest(ctx context.Context, request *dap.SetBreakpointsRequest) {
	path := request.Arguments.Source.Path
	unit, err := s.unit(path)
	if err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	lines := make([]int, 0, len(request.Arguments.Breakpoints))
	for _, bp := range request.Arguments.Breakpoints {
		lines = append(lines, bp.Line)
	}
	var current []int
	for _, bp := range s.debugger.GetBreakpoints() {
		if bp.File == path {
			current = append(current, bp.Line)
		}
	}

	failed := make(map[int]error)
	toggle := func(line int) {
		offset, err := sourceutil.OffsetOfLine(unit.Code, line)
		if err == nil {
			err = s.debugger.ToggleBreakpoint(ctx, unit, offset, line)
		}
		if err != nil {
			logrus.Warnf("[onSetBreakpointsRequest] toggle %s:%d fail, err = %v", path, line, err)
			failed[line] = err
		}
	}
	for _, line := range utils.SetDifference(current, lines) {
		toggle(line)
	}
	for _, line := range utils.SetDifference(lines, current) {
		toggle(line)
	}

	breakpoints := make(map[int]*debugger.Breakpoint)
	for _, bp := range s.debugger.GetBreakpoints() {
		if bp.File == path {
			breakpoints[bp.Line] = bp
		}
	}
	response := &dap.SetBreakpointsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Breakpoints = make([]dap.Breakpoint, len(lines))
	for i, line := range lines {
		if bp, ok := breakpoints[line]; ok {
			response.Body.Breakpoints[i] = toDapBreakpoint(bp)
			continue
		}
		response.Body.Breakpoints[i].Line = line
		if err, ok := failed[line]; ok {
			response.Body.Breakpoints[i].Message = err.Error()
		}
	}
	s.send(response)
}

func (s *DebugSession) onConfigurationDoneRequest(ctx context.Context, request *dap.ConfigurationDoneRequest) {
	if s.option.Launch != nil {
		if err := s.option.Launch(ctx); err != nil {
			s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
			return
		}
	}
	response := &dap.ConfigurationDoneResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	s.send(response)
}

// selectThread 请求中的线程不是当前线程时先切换
func (s *DebugSession) selectThread(ctx context.Context, threadID int) error {
	current := s.debugger.GetCurrentThread()
	if current != nil && current.UniqueID == int64(threadID) {
		return nil
	}
	return s.debugger.SetCurrentThread(ctx, int64(threadID))
}

func (s *DebugSession) onContinueRequest(ctx context.Context, request *dap.ContinueRequest) {
	err := s.selectThread(ctx, request.Arguments.ThreadId)
	if err == nil {
		err = s.debugger.Resume(ctx)
	}
	if err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.ContinueResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	s.send(response)
}

func (s *DebugSession) onStepRequest(ctx context.Context, request *dap.Request, threadID int, stepType constants.StepType, response dap.ResponseMessage) {
	err := s.selectThread(ctx, threadID)
	if err == nil {
		err = s.debugger.Step(ctx, stepType)
	}
	if err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	*response.GetResponse() = *newResponse(request.Seq, request.Command)
	s.send(response)
}

func (s *DebugSession) onThreadsRequest(request *dap.ThreadsRequest) {
	response := &dap.ThreadsResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Threads = []dap.Thread{}
	for _, thread := range s.debugger.GetThreads() {
		response.Body.Threads = append(response.Body.Threads, dap.Thread{Id: int(thread.UniqueID), Name: thread.Name})
	}
	s.send(response)
}

func (s *DebugSession) onStackTraceRequest(ctx context.Context, request *dap.StackTraceRequest) {
	threadID := int64(request.Arguments.ThreadId)
	frames, err := s.debugger.GetStackTrace(ctx, threadID)
	if err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	s.lock.Lock()
	topPath := s.sourcePaths[threadID]
	s.lock.Unlock()

	response := &dap.StackTraceResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.StackFrames = make([]dap.StackFrame, 0, len(frames))
	for i, frame := range frames {
		stackFrame := dap.StackFrame{
			Id:     int(threadID)*1000 + i,
			Name:   frame.Name,
			Column: 1,
		}
		if frame.Location != nil {
			stackFrame.Line = frame.Location.Line
			path := frame.Location.File
			if i == 0 && topPath != "" {
				path = topPath
			}
			if path != "" {
				stackFrame.Source = &dap.Source{Name: filepath.Base(path), Path: path}
			}
		}
		response.Body.StackFrames = append(response.Body.StackFrames, stackFrame)
	}
	response.Body.TotalFrames = len(frames)
	s.send(response)
}

// onEvaluateRequest 表达式作为监视表达式登记，在当前线程的栈顶求值
func (s *DebugSession) onEvaluateRequest(ctx context.Context, request *dap.EvaluateRequest) {
	expression := request.Arguments.Expression
	watches, err := s.debugger.GetWatches(ctx)
	if err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	registered := false
	for _, watch := range watches {
		if watch.Name == expression {
			registered = true
		}
	}
	if !registered {
		if err = s.debugger.AddWatch(ctx, expression); err != nil {
			s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
			return
		}
		if watches, err = s.debugger.GetWatches(ctx); err != nil {
			s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
			return
		}
	}
	value := constants.NoValue
	for _, watch := range watches {
		if watch.Name == expression {
			value = watch.Value
		}
	}
	if value == constants.NoValue {
		s.send(newErrorResponse(request.Seq, request.Command, fmt.Sprintf("cannot evaluate %s", expression)))
		return
	}
	response := &dap.EvaluateResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	response.Body.Result = value
	s.send(response)
}

func (s *DebugSession) onTerminateRequest(ctx context.Context, request *dap.TerminateRequest) {
	if err := s.debugger.Shutdown(ctx); err != nil {
		s.send(newErrorResponse(request.Seq, request.Command, err.Error()))
		return
	}
	response := &dap.TerminateResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	s.send(response)
}

func (s *DebugSession) onDisconnectRequest(ctx context.Context, request *dap.DisconnectRequest) {
	if err := s.debugger.Shutdown(ctx); err != nil {
		logrus.Warnf("[onDisconnectRequest] shutdown, err = %v", err)
	}
	response := &dap.DisconnectResponse{}
	response.Response = *newResponse(request.Seq, request.Command)
	s.send(response)
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}

func newResponse(requestSeq int, command string) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    command,
		RequestSeq: requestSeq,
		Success:    true,
	}
}

func newErrorResponse(requestSeq int, command string, message string) *dap.ErrorResponse {
	er := &dap.ErrorResponse{}
	er.Response = *newResponse(requestSeq, command)
	er.Success = false
	er.Message = message
	er.Body.Error = &dap.ErrorMessage{}
	er.Body.Error.Format = message
	er.Body.Error.Id = 12345
	return er
}
