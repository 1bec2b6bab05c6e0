package dap_target

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/debugger"
	e "github.com/fansqz/debug-controller/error"
	"github.com/google/go-dap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fooPath = "/src/a/Foo.java"

// fakeAdapter 在内存连接上模拟调试适配器
type fakeAdapter struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeLock sync.Mutex

	lock          sync.Mutex
	line          int
	codeLines     map[int]bool
	breakpointIDs map[int]int
	requests      chan dap.Message
}

func newFakeAdapter(conn net.Conn) *fakeAdapter {
	return &fakeAdapter{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		codeLines:     map[int]bool{10: true, 12: true},
		breakpointIDs: make(map[int]int),
		requests:      make(chan dap.Message, 64),
	}
}

func (f *fakeAdapter) send(message dap.Message) {
	f.writeLock.Lock()
	defer f.writeLock.Unlock()
	_ = dap.WriteProtocolMessage(f.conn, message)
}

func newResponse(request *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Type: "response"},
		Command:         request.Command,
		RequestSeq:      request.Seq,
		Success:         true,
	}
}

func newEvent(name string) dap.Event {
	return dap.Event{ProtocolMessage: dap.ProtocolMessage{Type: "event"}, Event: name}
}

func (f *fakeAdapter) serve() {
	for {
		message, err := dap.ReadProtocolMessage(f.reader)
		if err != nil {
			return
		}
		request, ok := message.(dap.RequestMessage)
		if !ok {
			continue
		}
		f.requests <- message
		base := request.GetRequest()
		switch request := message.(type) {
		case *dap.InitializeRequest:
			f.send(&dap.InitializeResponse{Response: newResponse(base)})
			f.send(&dap.InitializedEvent{Event: newEvent("initialized")})
		case *dap.SetBreakpointsRequest:
			f.send(f.setBreakpoints(request))
		case *dap.StackTraceRequest:
			f.send(f.stackTrace(request))
		case *dap.ScopesRequest:
			f.send(&dap.ScopesResponse{
				Response: newResponse(base),
				Body: dap.ScopesResponseBody{Scopes: []dap.Scope{
					{Name: "Locals", VariablesReference: 1},
					{Name: "Static", VariablesReference: 2},
				}},
			})
		case *dap.VariablesRequest:
			f.send(&dap.VariablesResponse{
				Response: newResponse(base),
				Body:     dap.VariablesResponseBody{Variables: variablesOf(request.Arguments.VariablesReference)},
			})
		case *dap.ThreadsRequest:
			f.send(&dap.ThreadsResponse{
				Response: newResponse(base),
				Body:     dap.ThreadsResponseBody{Threads: []dap.Thread{{Id: 1, Name: "main"}}},
			})
		case *dap.DisconnectRequest:
			f.send(&dap.DisconnectResponse{Response: newResponse(base)})
			_ = f.conn.Close()
			return
		default:
			response := newResponse(base)
			f.send(&response)
		}
	}
}

func (f *fakeAdapter) setBreakpoints(request *dap.SetBreakpointsRequest) *dap.SetBreakpointsResponse {
	f.lock.Lock()
	defer f.lock.Unlock()
	response := &dap.SetBreakpointsResponse{Response: newResponse(&request.Request)}
	for _, bp := range request.Arguments.Breakpoints {
		if !f.codeLines[bp.Line] {
			response.Body.Breakpoints = append(response.Body.Breakpoints, dap.Breakpoint{Message: "no code"})
			continue
		}
		if _, ok := f.breakpointIDs[bp.Line]; !ok {
			f.breakpointIDs[bp.Line] = 100 + len(f.breakpointIDs)
		}
		response.Body.Breakpoints = append(response.Body.Breakpoints, dap.Breakpoint{
			Id:       f.breakpointIDs[bp.Line],
			Verified: true,
			Line:     bp.Line,
		})
	}
	return response
}

func (f *fakeAdapter) stackTrace(request *dap.StackTraceRequest) *dap.StackTraceResponse {
	f.lock.Lock()
	line := f.line
	f.lock.Unlock()
	frames := []dap.StackFrame{
		{Id: 1000, Name: "a.Foo.bar(int)", Source: &dap.Source{Path: fooPath}, Line: line},
		{Id: 1001, Name: "a.Foo.main", Source: &dap.Source{Path: fooPath}, Line: 20},
	}
	if request.Arguments.Levels > 0 {
		frames = frames[:request.Arguments.Levels]
	}
	return &dap.StackTraceResponse{
		Response: newResponse(&request.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: frames, TotalFrames: 2},
	}
}

func variablesOf(reference int) []dap.Variable {
	switch reference {
	case 1:
		return []dap.Variable{
			{Name: "x", Value: "1"},
			{Name: "s", Value: "\"hi\""},
			{Name: "this", Value: "Foo@1", VariablesReference: 3},
		}
	case 2:
		return []dap.Variable{{Name: "count", Value: "5"}}
	case 3:
		return []dap.Variable{{Name: "y", Value: "2.5"}}
	}
	return nil
}

func (f *fakeAdapter) stop(reason string, line int, hits ...int) {
	f.lock.Lock()
	f.line = line
	f.lock.Unlock()
	f.send(&dap.StoppedEvent{
		Event: newEvent("stopped"),
		Body:  dap.StoppedEventBody{Reason: reason, ThreadId: 1, HitBreakpointIds: hits},
	})
}

func (f *fakeAdapter) breakpointID(line int) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.breakpointIDs[line]
}

// expectRequest 等待适配器收到某个命令
func (f *fakeAdapter) expectRequest(t *testing.T, command string) {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case message := <-f.requests:
			if message.(dap.RequestMessage).GetRequest().Command == command {
				return
			}
		case <-timeout:
			t.Fatalf("adapter did not receive %s", command)
		}
	}
}

func nextEvent(t *testing.T, target *DapTarget) *debugger.TargetEvent {
	select {
	case event, ok := <-target.Events():
		require.True(t, ok, "events closed")
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for target event")
		return nil
	}
}

func newTestTarget(t *testing.T) (*DapTarget, *fakeAdapter) {
	clientConn, adapterConn := net.Pipe()
	adapter := newFakeAdapter(adapterConn)
	go adapter.serve()
	target := NewDapTarget(&DapOption{
		Timeout: 5 * time.Second,
		Dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
			return clientConn, nil
		},
	})
	require.Nil(t, target.Attach(context.Background()))
	t.Cleanup(func() {
		_ = target.Detach(context.Background())
	})
	return target, adapter
}

func TestDapTargetSession(t *testing.T) {
	target, adapter := newTestTarget(t)
	ctx := context.Background()
	adapter.expectRequest(t, "configurationDone")
	assert.Equal(t, debugger.TargetInteractionStarted, nextEvent(t, target).Type)
	assert.True(t, target.IsTypeLoaded("a.Foo"))

	first, err := target.CreateBreakpointRequest(ctx, &debugger.Location{TypeName: "a.Foo", File: fooPath, Line: 10})
	require.Nil(t, err)
	_, err = target.CreateBreakpointRequest(ctx, &debugger.Location{TypeName: "a.Foo", File: fooPath, Line: 11})
	assert.True(t, errors.Is(err, e.ErrUnknownLocation))
	_, err = target.CreateBreakpointRequest(ctx, &debugger.Location{TypeName: "a.Foo", Line: 11})
	assert.True(t, errors.Is(err, e.ErrUnknownLocation))
	second, err := target.CreateBreakpointRequest(ctx, &debugger.Location{TypeName: "a.Foo", File: fooPath, Line: 12})
	require.Nil(t, err)
	assert.NotEqual(t, first, second)

	adapter.stop("breakpoint", 10, adapter.breakpointID(10))
	hit := nextEvent(t, target)
	assert.Equal(t, debugger.TargetBreakpointHit, hit.Type)
	assert.Equal(t, first, hit.RequestID)
	assert.Equal(t, int64(1), hit.ThreadID)
	assert.Equal(t, "main", hit.ThreadName)
	assert.Equal(t, &debugger.Location{TypeName: "a.Foo", File: fooPath, Method: "bar", Line: 10}, hit.Location)

	frames, err := target.Frames(ctx, 1)
	require.Nil(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "bar", frames[0].Name)
	assert.False(t, frames[0].Static)
	assert.Equal(t, map[string]interface{}{"x": 1, "s": "hi"}, frames[0].Locals)
	assert.Equal(t, map[string]interface{}{"y": 2.5}, frames[0].This)
	require.Len(t, frames[0].Statics, 1)
	assert.Equal(t, "a.Foo", frames[0].Statics[0].TypeName)
	assert.Equal(t, 5, frames[0].Statics[0].Fields["count"])
	assert.Equal(t, "main", frames[1].Name)
	assert.Nil(t, frames[1].Locals)

	require.Nil(t, target.Step(ctx, 1, constants.StepOver))
	adapter.expectRequest(t, "next")
	adapter.stop("step", 12)
	step := nextEvent(t, target)
	assert.Equal(t, debugger.TargetStepCompleted, step.Type)
	assert.Equal(t, 12, step.Location.Line)

	require.Nil(t, target.Step(ctx, 1, constants.StepOut))
	adapter.expectRequest(t, "stepOut")
	adapter.stop("pause", 20)
	assert.Equal(t, debugger.TargetThreadSuspended, nextEvent(t, target).Type)
	require.Nil(t, target.Resume(ctx, 1))
	adapter.expectRequest(t, "continue")

	adapter.send(&dap.ThreadEvent{Event: newEvent("thread"), Body: dap.ThreadEventBody{Reason: "started", ThreadId: 2}})
	started := nextEvent(t, target)
	assert.Equal(t, debugger.TargetThreadStarted, started.Type)
	assert.Equal(t, "thread-2", started.ThreadName)
	adapter.send(&dap.ThreadEvent{Event: newEvent("thread"), Body: dap.ThreadEventBody{Reason: "exited", ThreadId: 2}})
	assert.Equal(t, debugger.TargetThreadDeath, nextEvent(t, target).Type)
	adapter.send(&dap.OutputEvent{Event: newEvent("output"), Body: dap.OutputEventBody{Output: "hello\n"}})
	output := nextEvent(t, target)
	assert.Equal(t, debugger.TargetOutput, output.Type)
	assert.Equal(t, "hello\n", output.Output)

	require.Nil(t, target.DeleteBreakpointRequest(ctx, first))
	assert.NotNil(t, target.DeleteBreakpointRequest(ctx, first))

	adapter.send(&dap.TerminatedEvent{Event: newEvent("terminated")})
	assert.Equal(t, debugger.TargetInteractionEnded, nextEvent(t, target).Type)
	assert.Equal(t, debugger.TargetDisconnected, nextEvent(t, target).Type)

	events := target.Events()
	require.Nil(t, target.Detach(ctx))
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("events not closed")
	}
	assert.True(t, errors.Is(target.Resume(ctx, 1), e.ErrTargetNotAttached))
}

func TestDapTargetAttachFailure(t *testing.T) {
	target := NewDapTarget(&DapOption{
		Dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
			return nil, errors.New("refused")
		},
	})
	assert.NotNil(t, target.Attach(context.Background()))
	assert.Nil(t, target.Events())
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, 42, parseValue("42"))
	assert.Equal(t, -3, parseValue("-3"))
	assert.Equal(t, 1.5, parseValue("1.5"))
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, "monkey", parseValue("\"monkey\""))
	assert.Nil(t, parseValue("null"))
	assert.Nil(t, parseValue("nil"))
	assert.Equal(t, "Foo@1", parseValue("Foo@1"))
}

func TestLocationOf(t *testing.T) {
	location := locationOf(dap.StackFrame{Name: "main.foo", Line: 3, Source: &dap.Source{Name: "main.go"}})
	assert.Equal(t, &debugger.Location{TypeName: "main", File: "main.go", Method: "foo", Line: 3}, location)
	location = locationOf(dap.StackFrame{Name: "run", Line: 7})
	assert.Equal(t, &debugger.Location{Method: "run", Line: 7}, location)
}

func TestListenPattern(t *testing.T) {
	match := listenPattern.FindStringSubmatch("DAP server listening at: 127.0.0.1:38697")
	require.NotNil(t, match)
	assert.Equal(t, "127.0.0.1:38697", match[1])
	assert.Nil(t, listenPattern.FindStringSubmatch("starting"))
}
