package sim_target

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/debugger"
	e "github.com/fansqz/debug-controller/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioYaml = `
types:
  - name: Foo
    file: Foo.java
    lines: [20]
threads:
  - name: main
    trace:
      - load: Foo
      - {type: Foo, method: main, line: 3, static: true}
      - {output: "hello"}
      - {type: Foo, method: bar, line: 10, depth: 1, locals: {x: 1}, this: {y: 2}}
      - {type: Foo, method: bar, line: 11, depth: 1, locals: {x: 2}, this: {y: 2}}
      - {type: Foo, method: main, line: 4, static: true}
`

// nextEvent 读取下一个目标事件，加载事件自动确认
func nextEvent(t *testing.T, target *SimTarget) *debugger.TargetEvent {
	select {
	case event, ok := <-target.Events():
		require.True(t, ok, "events closed")
		event.Done()
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for target event")
		return nil
	}
}

func nextEventTypes(t *testing.T, target *SimTarget, n int) []debugger.TargetEventType {
	var answer []debugger.TargetEventType
	for i := 0; i < n; i++ {
		answer = append(answer, nextEvent(t, target).Type)
	}
	return answer
}

func newAttachedTarget(t *testing.T) *SimTarget {
	scenario, err := ParseScenario([]byte(scenarioYaml))
	require.Nil(t, err)
	target := NewSimTarget(scenario)
	require.Nil(t, target.Attach(context.Background()))
	t.Cleanup(func() {
		_ = target.Detach(context.Background())
	})
	return target
}

func TestParseScenario(t *testing.T) {
	scenario, err := ParseScenario([]byte(scenarioYaml))
	require.Nil(t, err)
	require.Len(t, scenario.Threads, 1)
	assert.Equal(t, "Foo.java", scenario.fileOf("Foo"))
	assert.Equal(t, map[int]bool{3: true, 4: true, 10: true, 11: true, 20: true}, scenario.executableLines("Foo"))

	_, err = ParseScenario([]byte("types: []\n"))
	assert.NotNil(t, err)
	_, err = ParseScenario([]byte("threads:\n  - trace:\n      - {type: Foo}\n"))
	assert.NotNil(t, err)
	scenario, err = ParseScenario([]byte("threads:\n  - trace: []\n"))
	require.Nil(t, err)
	assert.Equal(t, "thread-1", scenario.Threads[0].Name)
}

func TestRunWithoutBreakpoints(t *testing.T) {
	target := newAttachedTarget(t)
	ctx := context.Background()
	assert.False(t, target.IsTypeLoaded("Foo"))

	require.Nil(t, target.Interact(ctx))
	started := nextEvent(t, target)
	assert.Equal(t, debugger.TargetInteractionStarted, started.Type)
	thread := nextEvent(t, target)
	assert.Equal(t, debugger.TargetThreadStarted, thread.Type)
	assert.Equal(t, "main", thread.ThreadName)
	loaded := nextEvent(t, target)
	assert.Equal(t, debugger.TargetTypeLoaded, loaded.Type)
	assert.Equal(t, "Foo", loaded.TypeName)
	output := nextEvent(t, target)
	assert.Equal(t, debugger.TargetOutput, output.Type)
	assert.Equal(t, "hello", output.Output)
	assert.Equal(t, []debugger.TargetEventType{debugger.TargetThreadDeath, debugger.TargetInteractionEnded},
		nextEventTypes(t, target, 2))
	assert.True(t, target.IsTypeLoaded("Foo"))
}

func TestBreakpointAndStep(t *testing.T) {
	target := newAttachedTarget(t)
	ctx := context.Background()

	_, err := target.CreateBreakpointRequest(ctx, &debugger.Location{TypeName: "Foo", Line: 3})
	assert.NotNil(t, err)

	require.Nil(t, target.Interact(ctx))
	assert.Equal(t, []debugger.TargetEventType{debugger.TargetInteractionStarted, debugger.TargetThreadStarted},
		nextEventTypes(t, target, 2))
	// 类型加载事件确认之前线程不会继续执行
	loaded, ok := <-target.Events()
	require.True(t, ok)
	assert.Equal(t, debugger.TargetTypeLoaded, loaded.Type)
	requestID, err := target.CreateBreakpointRequest(ctx, &debugger.Location{TypeName: "Foo", Line: 10})
	require.Nil(t, err)
	_, err = target.CreateBreakpointRequest(ctx, &debugger.Location{TypeName: "Foo", Line: 5})
	assert.True(t, errors.Is(err, e.ErrUnknownLocation))
	loaded.Done()

	assert.Equal(t, debugger.TargetOutput, nextEvent(t, target).Type)
	hit := nextEvent(t, target)
	assert.Equal(t, debugger.TargetBreakpointHit, hit.Type)
	assert.Equal(t, requestID, hit.RequestID)
	assert.Equal(t, 10, hit.Location.Line)
	assert.Equal(t, "Foo.java", hit.Location.File)

	frames, err := target.Frames(ctx, hit.ThreadID)
	require.Nil(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "bar", frames[0].Name)
	assert.Equal(t, 1, frames[0].Locals["x"])
	assert.Equal(t, 2, frames[0].This["y"])
	assert.Equal(t, "main", frames[1].Name)
	assert.True(t, frames[1].Static)

	// 单步跳出回到main
	require.Nil(t, target.Step(ctx, hit.ThreadID, constants.StepOut))
	step := nextEvent(t, target)
	assert.Equal(t, debugger.TargetStepCompleted, step.Type)
	assert.Equal(t, 4, step.Location.Line)

	err = target.Resume(ctx, 100)
	assert.NotNil(t, err)
	require.Nil(t, target.DeleteBreakpointRequest(ctx, requestID))
	assert.NotNil(t, target.DeleteBreakpointRequest(ctx, requestID))

	require.Nil(t, target.Resume(ctx, hit.ThreadID))
	assert.Equal(t, []debugger.TargetEventType{debugger.TargetThreadDeath, debugger.TargetInteractionEnded},
		nextEventTypes(t, target, 2))
	_, err = target.Frames(ctx, hit.ThreadID)
	assert.NotNil(t, err)
}

func TestAssign(t *testing.T) {
	target := newAttachedTarget(t)
	ctx := context.Background()
	require.Nil(t, target.Interact(ctx))
	nextEventTypes(t, target, 2)
	loaded := <-target.Events()
	_, err := target.CreateBreakpointRequest(ctx, &debugger.Location{TypeName: "Foo", Line: 11})
	require.Nil(t, err)
	loaded.Done()
	assert.Equal(t, debugger.TargetOutput, nextEvent(t, target).Type)
	hit := nextEvent(t, target)
	require.Equal(t, debugger.TargetBreakpointHit, hit.Type)

	require.Nil(t, target.Assign(hit.ThreadID, "x", 42))
	require.Nil(t, target.Assign(hit.ThreadID, "y", 43))
	err = target.Assign(hit.ThreadID, "z", 44)
	assert.True(t, errors.Is(err, e.ErrEvaluationFailed))
	frames, err := target.Frames(ctx, hit.ThreadID)
	require.Nil(t, err)
	assert.Equal(t, 42, frames[0].Locals["x"])
	assert.Equal(t, 43, frames[0].This["y"])
}

func TestDetachClosesEvents(t *testing.T) {
	target := newAttachedTarget(t)
	events := target.Events()
	require.Nil(t, target.Detach(context.Background()))
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("events not closed")
	}
	err := target.Interact(context.Background())
	assert.True(t, errors.Is(err, e.ErrTargetNotAttached))

	target.SetAttachError(errors.New("refused"))
	assert.NotNil(t, target.Attach(context.Background()))
}
