package dap_target

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/debugger"
	e "github.com/fansqz/debug-controller/error"
	"github.com/fansqz/debug-controller/utils/gosync"
	"github.com/google/go-dap"
	"github.com/sirupsen/logrus"
)

// DapOption 连接调试适配器的参数
type DapOption struct {
	// Address 适配器的监听地址，Command不为空时忽略
	Address string
	// Command 启动适配器的命令，适配器需要打印监听地址
	Command []string
	// Request launch 或 attach
	Request string
	// Arguments launch/attach请求的参数，原样发送给适配器
	Arguments json.RawMessage
	Timeout   time.Duration
	// Dial 自定义连接方式
	Dial func(ctx context.Context) (io.ReadWriteCloser, error)
}

// DapTarget 通过调试适配器协议控制的目标程序
// 适配器负责类型加载前的断点延迟，所以所有类型都视为已经加载
type DapTarget struct {
	option *DapOption

	lock    sync.Mutex
	client  *dapClient
	process *adapterProcess
	events  chan *debugger.TargetEvent
	closed  chan struct{}
	// initialized 收到initialized事件后关闭
	initialized chan struct{}

	// requests 断点请求id -> 位置
	requests      map[int]*debugger.Location
	nextRequestID int
	// adapterIDs 适配器中的断点id -> 断点请求id
	adapterIDs  map[int]int
	threadNames map[int64]string
}

func NewDapTarget(option *DapOption) *DapTarget {
	if option.Timeout == 0 {
		option.Timeout = 10 * time.Second
	}
	if option.Request == "" {
		option.Request = "launch"
	}
	return &DapTarget{option: option}
}

func (d *DapTarget) Attach(ctx context.Context) error {
	logrus.Infof("[DapTarget] Attach")
	conn, process, err := d.connect(ctx)
	if err != nil {
		return err
	}
	client := newDapClient(conn)
	events := make(chan *debugger.TargetEvent, 256)
	closed := make(chan struct{})
	initialized := make(chan struct{})

	d.lock.Lock()
	d.client = client
	d.process = process
	d.events = events
	d.closed = closed
	d.initialized = initialized
	d.requests = make(map[int]*debugger.Location)
	d.adapterIDs = make(map[int]int)
	d.threadNames = make(map[int64]string)
	d.lock.Unlock()

	gosync.Go(context.Background(), func(ctx context.Context) {
		d.translate(client, events, closed, initialized)
	})

	if err = d.handshake(ctx, client, initialized); err != nil {
		logrus.Errorf("[DapTarget] handshake fail, err = %v", err)
		d.release()
		return err
	}
	d.emit(events, closed, &debugger.TargetEvent{Type: debugger.TargetInteractionStarted})
	return nil
}

func (d *DapTarget) connect(ctx context.Context) (io.ReadWriteCloser, *adapterProcess, error) {
	if d.option.Dial != nil {
		conn, err := d.option.Dial(ctx)
		return conn, nil, err
	}
	address := d.option.Address
	var process *adapterProcess
	if len(d.option.Command) > 0 {
		var err error
		process, address, err = startAdapter(ctx, d.option.Command, d.option.Timeout)
		if err != nil {
			return nil, nil, err
		}
	}
	dialer := net.Dialer{Timeout: d.option.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		process.Kill()
		return nil, nil, fmt.Errorf("dial adapter %s: %w", address, err)
	}
	return conn, process, nil
}

// handshake initialize -> launch/attach -> initialized事件 -> configurationDone
func (d *DapTarget) handshake(ctx context.Context, client *dapClient, initialized chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, d.option.Timeout)
	defer cancel()
	_, err := client.send(ctx, &dap.InitializeRequest{
		Request: client.newRequest("initialize"),
		Arguments: dap.InitializeRequestArguments{
			ClientID:        "debug-controller",
			ClientName:      "debug-controller",
			AdapterID:       "debug-controller",
			LinesStartAt1:   true,
			ColumnsStartAt1: true,
			PathFormat:      "path",
		},
	})
	if err != nil {
		return err
	}
	arguments := d.option.Arguments
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	var request dap.RequestMessage
	switch d.option.Request {
	case "attach":
		request = &dap.AttachRequest{Request: client.newRequest("attach"), Arguments: arguments}
	default:
		request = &dap.LaunchRequest{Request: client.newRequest("launch"), Arguments: arguments}
	}
	if _, err = client.send(ctx, request); err != nil {
		return err
	}
	select {
	case <-initialized:
	case <-ctx.Done():
		return fmt.Errorf("wait initialized event: %w", ctx.Err())
	}
	_, err = client.send(ctx, &dap.ConfigurationDoneRequest{Request: client.newRequest("configurationDone")})
	return err
}

// Detach 断开适配器，事件流随后关闭
func (d *DapTarget) Detach(ctx context.Context) error {
	d.lock.Lock()
	client := d.client
	d.lock.Unlock()
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := client.send(ctx, &dap.DisconnectRequest{Request: client.newRequest("disconnect")}); err != nil {
		logrus.Debugf("[DapTarget] disconnect, err = %v", err)
	}
	d.release()
	return nil
}

func (d *DapTarget) release() {
	d.lock.Lock()
	client := d.client
	process := d.process
	d.client = nil
	d.process = nil
	if d.closed != nil {
		select {
		case <-d.closed:
		default:
			close(d.closed)
		}
	}
	d.lock.Unlock()
	if client != nil {
		_ = client.Close()
	}
	process.Kill()
}

func (d *DapTarget) Events() <-chan *debugger.TargetEvent {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.events
}

func (d *DapTarget) IsTypeLoaded(typeName string) bool {
	return true
}

func (d *DapTarget) getClient() (*dapClient, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.client == nil {
		return nil, e.ErrTargetNotAttached
	}
	return d.client, nil
}

// CreateBreakpointRequest 适配器按文件设置断点，每次都发送该文件的全部断点
func (d *DapTarget) CreateBreakpointRequest(ctx context.Context, location *debugger.Location) (int, error) {
	if location.File == "" {
		return 0, fmt.Errorf("%w: no source file for %s", e.ErrUnknownLocation, location.TypeName)
	}
	d.lock.Lock()
	d.nextRequestID++
	requestID := d.nextRequestID
	copied := *location
	d.requests[requestID] = &copied
	d.lock.Unlock()

	if err := d.syncBreakpoints(ctx, location.File, requestID); err != nil {
		d.lock.Lock()
		delete(d.requests, requestID)
		d.lock.Unlock()
		return 0, err
	}
	return requestID, nil
}

func (d *DapTarget) DeleteBreakpointRequest(ctx context.Context, requestID int) error {
	d.lock.Lock()
	location, ok := d.requests[requestID]
	delete(d.requests, requestID)
	d.lock.Unlock()
	if !ok {
		return fmt.Errorf("unknown breakpoint request %d", requestID)
	}
	return d.syncBreakpoints(ctx, location.File, 0)
}

// syncBreakpoints 重新设置file上的断点，checkID不为0时检查该断点是否被适配器确认
func (d *DapTarget) syncBreakpoints(ctx context.Context, file string, checkID int) error {
	client, err := d.getClient()
	if err != nil {
		return err
	}
	d.lock.Lock()
	var ids []int
	for id, location := range d.requests {
		if location.File == file {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	lines := make([]dap.SourceBreakpoint, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, dap.SourceBreakpoint{Line: d.requests[id].Line})
	}
	d.lock.Unlock()

	response, err := client.send(ctx, &dap.SetBreakpointsRequest{
		Request: client.newRequest("setBreakpoints"),
		Arguments: dap.SetBreakpointsArguments{
			Source:      dap.Source{Path: file},
			Breakpoints: lines,
		},
	})
	if err != nil {
		return err
	}
	result, ok := response.(*dap.SetBreakpointsResponse)
	if !ok {
		return fmt.Errorf("unexpected response %T", response)
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	for adapterID, requestID := range d.adapterIDs {
		if location, ok := d.requests[requestID]; !ok || location.File == file {
			delete(d.adapterIDs, adapterID)
		}
	}
	for i, bp := range result.Body.Breakpoints {
		if i >= len(ids) {
			break
		}
		if ids[i] == checkID && !bp.Verified {
			return fmt.Errorf("%w: %s:%d %s", e.ErrUnknownLocation, file, lines[i].Line, bp.Message)
		}
		if bp.Id != 0 {
			d.adapterIDs[bp.Id] = ids[i]
		}
	}
	return nil
}

func (d *DapTarget) Resume(ctx context.Context, threadID int64) error {
	client, err := d.getClient()
	if err != nil {
		return err
	}
	_, err = client.send(ctx, &dap.ContinueRequest{
		Request:   client.newRequest("continue"),
		Arguments: dap.ContinueArguments{ThreadId: int(threadID), SingleThread: true},
	})
	return err
}

func (d *DapTarget) Step(ctx context.Context, threadID int64, stepType constants.StepType) error {
	client, err := d.getClient()
	if err != nil {
		return err
	}
	var request dap.RequestMessage
	switch stepType {
	case constants.StepIn:
		request = &dap.StepInRequest{
			Request:   client.newRequest("stepIn"),
			Arguments: dap.StepInArguments{ThreadId: int(threadID), SingleThread: true},
		}
	case constants.StepOut:
		request = &dap.StepOutRequest{
			Request:   client.newRequest("stepOut"),
			Arguments: dap.StepOutArguments{ThreadId: int(threadID), SingleThread: true},
		}
	default:
		request = &dap.NextRequest{
			Request:   client.newRequest("next"),
			Arguments: dap.NextArguments{ThreadId: int(threadID), SingleThread: true},
		}
	}
	_, err = client.send(ctx, request)
	return err
}

// Frames 挂起线程的栈帧，只有栈顶读取变量
func (d *DapTarget) Frames(ctx context.Context, threadID int64) ([]*debugger.StackFrame, error) {
	client, err := d.getClient()
	if err != nil {
		return nil, err
	}
	stackFrames, err := d.stackTrace(ctx, client, threadID, 0)
	if err != nil {
		return nil, err
	}
	frames := make([]*debugger.StackFrame, 0, len(stackFrames))
	for i, stackFrame := range stackFrames {
		location := locationOf(stackFrame)
		frame := &debugger.StackFrame{ID: i, Name: location.Method, Location: location}
		if i == 0 {
			if err = d.loadVariables(ctx, client, stackFrame.Id, frame); err != nil {
				return nil, err
			}
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

func (d *DapTarget) stackTrace(ctx context.Context, client *dapClient, threadID int64, levels int) ([]dap.StackFrame, error) {
	response, err := client.send(ctx, &dap.StackTraceRequest{
		Request:   client.newRequest("stackTrace"),
		Arguments: dap.StackTraceArguments{ThreadId: int(threadID), Levels: levels},
	})
	if err != nil {
		return nil, err
	}
	result, ok := response.(*dap.StackTraceResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T", response)
	}
	return result.Body.StackFrames, nil
}

// loadVariables 按作用域读取变量：局部变量和参数、this、静态字段
func (d *DapTarget) loadVariables(ctx context.Context, client *dapClient, frameID int, frame *debugger.StackFrame) error {
	response, err := client.send(ctx, &dap.ScopesRequest{
		Request:   client.newRequest("scopes"),
		Arguments: dap.ScopesArguments{FrameId: frameID},
	})
	if err != nil {
		return err
	}
	scopes, ok := response.(*dap.ScopesResponse)
	if !ok {
		return fmt.Errorf("unexpected response %T", response)
	}
	frame.Static = true
	for _, scope := range scopes.Body.Scopes {
		variables, err := d.variables(ctx, client, scope.VariablesReference)
		if err != nil {
			return err
		}
		switch {
		case isStaticScope(scope):
			fields := make(map[string]interface{})
			for _, variable := range variables {
				fields[variable.Name] = parseValue(variable.Value)
			}
			frame.Statics = append(frame.Statics, &debugger.StaticFields{TypeName: frame.Location.TypeName, Fields: fields})
		default:
			if frame.Locals == nil {
				frame.Locals = make(map[string]interface{})
			}
			for _, variable := range variables {
				if variable.Name == "this" && variable.VariablesReference != 0 {
					this, err := d.variables(ctx, client, variable.VariablesReference)
					if err != nil {
						return err
					}
					frame.Static = false
					frame.This = make(map[string]interface{})
					for _, field := range this {
						frame.This[field.Name] = parseValue(field.Value)
					}
					continue
				}
				frame.Locals[variable.Name] = parseValue(variable.Value)
			}
		}
	}
	return nil
}

func (d *DapTarget) variables(ctx context.Context, client *dapClient, reference int) ([]dap.Variable, error) {
	if reference == 0 {
		return nil, nil
	}
	response, err := client.send(ctx, &dap.VariablesRequest{
		Request:   client.newRequest("variables"),
		Arguments: dap.VariablesArguments{VariablesReference: reference},
	})
	if err != nil {
		return nil, err
	}
	result, ok := response.(*dap.VariablesResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T", response)
	}
	return result.Body.Variables, nil
}

func isStaticScope(scope dap.Scope) bool {
	name := strings.ToLower(scope.Name)
	return strings.Contains(name, "static") || strings.Contains(name, "global")
}

// parseValue 把适配器显示的值转为可以求值的类型
func parseValue(value string) interface{} {
	switch value {
	case "null", "nil", "<nil>":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if s, err := strconv.Unquote(value); err == nil {
		return s
	}
	return value
}

// locationOf 栈帧名称形如 pkg.Type.method(args) 或 main.foo
func locationOf(frame dap.StackFrame) *debugger.Location {
	name := frame.Name
	if index := strings.Index(name, "("); index >= 0 {
		name = name[:index]
	}
	location := &debugger.Location{Method: name, Line: frame.Line}
	if index := strings.LastIndex(name, "."); index >= 0 {
		location.TypeName = name[:index]
		location.Method = name[index+1:]
	}
	if frame.Source != nil {
		location.File = frame.Source.Path
		if location.File == "" {
			location.File = frame.Source.Name
		}
	}
	return location
}

// translate 把适配器事件转为目标事件，连接断开时关闭事件流
func (d *DapTarget) translate(client *dapClient, events chan *debugger.TargetEvent, closed chan struct{}, initialized chan struct{}) {
	defer close(events)
	initializedOnce := sync.Once{}
	for message := range client.Events() {
		switch event := message.(type) {
		case *dap.InitializedEvent:
			initializedOnce.Do(func() {
				close(initialized)
			})
		case *dap.StoppedEvent:
			d.emit(events, closed, d.stoppedEvent(client, event))
		case *dap.ThreadEvent:
			threadID := int64(event.Body.ThreadId)
			switch event.Body.Reason {
			case "started":
				d.emit(events, closed, &debugger.TargetEvent{
					Type:       debugger.TargetThreadStarted,
					ThreadID:   threadID,
					ThreadName: d.threadName(client, threadID),
				})
			case "exited":
				d.emit(events, closed, &debugger.TargetEvent{Type: debugger.TargetThreadDeath, ThreadID: threadID})
			}
		case *dap.OutputEvent:
			d.emit(events, closed, &debugger.TargetEvent{Type: debugger.TargetOutput, Output: event.Body.Output})
		case *dap.TerminatedEvent:
			d.emit(events, closed, &debugger.TargetEvent{Type: debugger.TargetInteractionEnded})
			d.emit(events, closed, &debugger.TargetEvent{Type: debugger.TargetDisconnected})
		default:
			logrus.Debugf("[DapTarget] ignore event %s", message.GetEvent().Event)
		}
	}
}

func (d *DapTarget) stoppedEvent(client *dapClient, event *dap.StoppedEvent) *debugger.TargetEvent {
	threadID := int64(event.Body.ThreadId)
	answer := &debugger.TargetEvent{
		Type:       debugger.TargetThreadSuspended,
		ThreadID:   threadID,
		ThreadName: d.threadName(client, threadID),
	}
	switch event.Body.Reason {
	case "breakpoint":
		answer.Type = debugger.TargetBreakpointHit
		d.lock.Lock()
		for _, adapterID := range event.Body.HitBreakpointIds {
			if requestID, ok := d.adapterIDs[adapterID]; ok {
				answer.RequestID = requestID
				break
			}
		}
		d.lock.Unlock()
	case "step":
		answer.Type = debugger.TargetStepCompleted
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.option.Timeout)
	defer cancel()
	frames, err := d.stackTrace(ctx, client, threadID, 1)
	if err != nil || len(frames) == 0 {
		logrus.Warnf("[DapTarget] no location for thread %d, err = %v", threadID, err)
		return answer
	}
	answer.Location = locationOf(frames[0])
	return answer
}

// threadName 线程名称，第一次遇到时向适配器查询
func (d *DapTarget) threadName(client *dapClient, threadID int64) string {
	d.lock.Lock()
	name, ok := d.threadNames[threadID]
	d.lock.Unlock()
	if ok {
		return name
	}
	name = fmt.Sprintf("thread-%d", threadID)
	ctx, cancel := context.WithTimeout(context.Background(), d.option.Timeout)
	defer cancel()
	response, err := client.send(ctx, &dap.ThreadsRequest{Request: client.newRequest("threads")})
	if err == nil {
		if threads, ok := response.(*dap.ThreadsResponse); ok {
			for _, thread := range threads.Body.Threads {
				if int64(thread.Id) == threadID {
					name = thread.Name
				}
			}
		}
	}
	d.lock.Lock()
	d.threadNames[threadID] = name
	d.lock.Unlock()
	return name
}

func (d *DapTarget) emit(events chan *debugger.TargetEvent, closed chan struct{}, event *debugger.TargetEvent) {
	select {
	case events <- event:
	case <-closed:
	}
}
