package vm_debugger

import (
	"errors"
	"testing"

	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/debugger"
	e "github.com/fansqz/debug-controller/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nv = constants.NoValue

func TestEvaluateExpression(t *testing.T) {
	frame := &debugger.StackFrame{
		Locals: map[string]interface{}{"x": 1, "name": "monkey", "empty": nil},
		This:   map[string]interface{}{"x": 2, "y": 3},
		Outer:  []map[string]interface{}{{"y": 4, "z": 5}},
		Statics: []*debugger.StaticFields{
			{TypeName: "a.Outer$Inner", Fields: map[string]interface{}{"z": 6, "s": 7}},
			{TypeName: "a.Outer", Fields: map[string]interface{}{"s": 8, "t": 9}},
		},
	}
	env := BuildEnv(frame)
	cases := []struct {
		expression string
		value      string
	}{
		{"x", "1"},
		{"this.x", "2"},
		{"y", "3"},
		{"z", "5"},
		{"s", "7"},
		{"t", "9"},
		{"Outer.s", "8"},
		{"Inner.z", "6"},
		{"name", "monkey"},
		{"empty", "null"},
		{"x + y * 2", "7"},
		{"x > 0 && y < 10", "true"},
	}
	for _, c := range cases {
		t.Run(c.expression, func(t *testing.T) {
			value, err := EvaluateExpression(c.expression, env)
			assert.Nil(t, err)
			assert.Equal(t, c.value, value)
		})
	}

	_, err := EvaluateExpression("asdf", env)
	assert.True(t, errors.Is(err, e.ErrEvaluationFailed))
	_, err = EvaluateExpression("x +", env)
	assert.True(t, errors.Is(err, e.ErrEvaluationFailed))
}

func TestBuildEnvStaticFrame(t *testing.T) {
	frame := &debugger.StackFrame{
		Static: true,
		Locals: map[string]interface{}{"z": 3},
		This:   map[string]interface{}{"x": 2},
		Outer:  []map[string]interface{}{{"y": 4}},
	}
	env := BuildEnv(frame)
	assert.Equal(t, map[string]interface{}{"z": 3}, env)
	assert.Empty(t, BuildEnv(nil))
}

func TestWatchManager(t *testing.T) {
	manager := NewWatchManager()
	manager.Add("x")
	manager.Add("y")
	manager.Add("x")
	assert.Equal(t, 3, manager.Size())

	watches := manager.Evaluate(&debugger.StackFrame{Locals: map[string]interface{}{"x": 1}})
	assert.Equal(t, []*debugger.DebugWatchData{
		{Name: "x", Value: "1"},
		{Name: "y", Value: nv},
		{Name: "x", Value: "1"},
	}, watches)
	assert.Equal(t, watches, manager.List())

	assert.Nil(t, manager.Remove(1))
	err := manager.Remove(5)
	assert.True(t, errors.Is(err, e.ErrIllegalState))
	for _, watch := range manager.Reset() {
		assert.Equal(t, "x", watch.Name)
		assert.Equal(t, nv, watch.Value)
	}
	manager.Clear()
	assert.Equal(t, 0, manager.Size())
}

func TestWatchesInnerClasses(t *testing.T) {
	h := newTestHelper(t, "monkey_inner.yaml")
	h.startup()
	unit := javaUnit("Monkey.java", monkeyWithInnerClass)

	for _, name := range []string{"foo", "innerFoo", "innerInnerFoo", "innerMethodFoo", "asdf",
		"foo + innerFoo", "this.innerInnerFoo", "Monkey.foo"} {
		require.Nil(t, h.debugger.AddWatch(h.ctx, name))
	}
	// 还没有挂起的线程
	assert.Equal(t, []string{nv, nv, nv, nv, nv, nv, nv, nv}, h.watchValues())

	require.Nil(t, h.toggle(unit, "foo++;", 10))
	events := h.waitForEvents(constants.BreakpointSet)
	assert.Equal(t, "Monkey$MonkeyInner$MonkeyInnerInner", events[0].Breakpoint.TypeName)
	h.interact()
	h.waitForEvents(constants.CurrThreadSuspended, constants.ThreadLocationUpdated, constants.BreakpointReached)
	assert.Equal(t, []string{"6", "8", "10", "12", nv, "14", "10", "6"}, h.watchValues())

	for i := 0; i < 4; i++ {
		require.Nil(t, h.debugger.Step(h.ctx, constants.StepOver))
		h.waitForEvents(constants.StepRequested, constants.CurrThreadResumed,
			constants.CurrThreadSuspended, constants.ThreadLocationUpdated)
	}
	assert.Equal(t, []string{"7", "9", "11", "13", nv, "16", "11", "7"}, h.watchValues())

	// 进入静态方法后只能看到静态字段
	require.Nil(t, h.debugger.Step(h.ctx, constants.StepIn))
	events = h.waitForEvents(constants.StepRequested, constants.CurrThreadResumed,
		constants.CurrThreadSuspended, constants.ThreadLocationUpdated)
	assert.Equal(t, 25, events[3].Location.Line)
	assert.Equal(t, []string{"7", nv, nv, nv, nv, nv, nv, "7"}, h.watchValues())

	// 回到实例方法后重新可以求值
	require.Nil(t, h.debugger.Step(h.ctx, constants.StepOut))
	events = h.waitForEvents(constants.StepRequested, constants.CurrThreadResumed,
		constants.CurrThreadSuspended, constants.ThreadLocationUpdated)
	assert.Equal(t, 15, events[3].Location.Line)
	assert.Equal(t, []string{"7", "9", "11", "13", nv, "16", "11", "7"}, h.watchValues())

	require.Nil(t, h.debugger.RemoveWatch(h.ctx, 4))
	watches, err := h.debugger.GetWatches(h.ctx)
	require.Nil(t, err)
	assert.Len(t, watches, 7)
	assert.Equal(t, "foo + innerFoo", watches[4].Name)
	err = h.debugger.RemoveWatch(h.ctx, 10)
	assert.True(t, errors.Is(err, e.ErrIllegalState))

	// 线程结束后无法求值
	require.Nil(t, h.debugger.Resume(h.ctx))
	h.waitForEvents(constants.CurrThreadResumed, constants.CurrThreadDied, constants.InteractionEnded)
	assert.Equal(t, []string{nv, nv, nv, nv, nv, nv, nv}, h.watchValues())

	require.Nil(t, h.debugger.RemoveAllWatches(h.ctx))
	assert.Empty(t, h.watchValues())
}

func TestWatchesAfterAssign(t *testing.T) {
	h := newTestHelper(t, "monkey_inner.yaml")
	h.startup()
	unit := javaUnit("Monkey.java", monkeyWithInnerClass)

	require.Nil(t, h.debugger.AddWatch(h.ctx, "innerInnerFoo"))
	require.Nil(t, h.debugger.AddWatch(h.ctx, "innerMethodFoo"))
	require.Nil(t, h.toggle(unit, "foo++;", 10))
	h.waitForEvents(constants.BreakpointSet)
	h.interact()
	h.waitForEvents(constants.CurrThreadSuspended, constants.ThreadLocationUpdated, constants.BreakpointReached)
	assert.Equal(t, []string{"10", "12"}, h.watchValues())

	thread := h.debugger.GetCurrentThread()
	require.NotNil(t, thread)
	require.Nil(t, h.target.Assign(thread.UniqueID, "innerInnerFoo", 100))
	require.Nil(t, h.target.Assign(thread.UniqueID, "innerMethodFoo", "changed"))
	assert.Equal(t, []string{"100", "changed"}, h.watchValues())
}

func TestWatchesNestedStatics(t *testing.T) {
	h := newTestHelper(t, "monkey_static_stuff.yaml")
	h.startup()
	unit := javaUnit("MonkeyStaticStuff.java", monkeyStaticStuff)

	for _, name := range []string{"foo", "innerFoo", "twoDeepFoo", "threeDeepFoo",
		"MonkeyTwoDeep.twoDeepFoo", "MonkeyInner.innerFoo", "this"} {
		require.Nil(t, h.debugger.AddWatch(h.ctx, name))
	}
	require.Nil(t, h.toggle(unit, "System.out.println(MonkeyTwoDeep.twoDeepFoo);", 10))
	events := h.waitForEvents(constants.BreakpointSet)
	assert.Equal(t, "MonkeyStaticStuff$MonkeyInner$MonkeyTwoDeep$MonkeyThreeDeep", events[0].Breakpoint.TypeName)

	h.interact()
	h.waitForEvents(constants.CurrThreadSuspended, constants.ThreadLocationUpdated, constants.BreakpointReached)
	assert.Equal(t, []string{"6", "8", "13", "18", "13", "8", nv}, h.watchValues())
}
