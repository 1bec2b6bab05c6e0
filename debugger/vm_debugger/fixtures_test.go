package vm_debugger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/debugger"
	"github.com/fansqz/debug-controller/debugger/sim_target"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const debugClass = "class DrJavaDebugClass {\n" +
	"  public void foo() {\n" +
	"    System.out.println(\"Foo Line 1\");\n" +
	"    bar();\n" +
	"    System.out.println(\"Foo Line 3\");\n" +
	"  }\n" +
	"  public void bar() {\n" +
	"    System.out.println(\"Bar Line 1\");\n" +
	"    System.out.println(\"Bar Line 2\");\n" +
	"  }\n" +
	"}\n" +
	"class DrJavaDebugClass2 {\n" +
	"  public void baz() {\n" +
	"    System.out.println(\"Baz Line 1\");\n" +
	"    new DrJavaDebugClass().bar();\n" +
	"  }\n" +
	"}"

const debugClassWithPackage = "package a;\n" +
	"public class DrJavaDebugClassWithPackage {\n" +
	"  public void foo() {\n" +
	"    System.out.println(\"foo line 1\");\n" +
	"    System.out.println(\"foo line 2\");\n" +
	"  }\n" +
	"}"

const monkeyClass = "class Monkey {\n" +
	"  public static void main(String[] args) {\n" +
	"\n" +
	"    Thread t = new Thread(){\n" +
	"      public void run(){\n" +
	"       try{\n" +
	"         Thread.sleep(1000);\n" +
	"       }\n" +
	"       catch(InterruptedException e){\n" +
	"      }\n" +
	"      System.out.println(\"I'm a thread! Yeah!\");\n" +
	"      }\n" +
	"    };\n" +
	"    try{\n" +
	"      t.start();\n" +
	"      System.out.println(\"I just woke up.  I'm a big boy now.\");\n" +
	"      System.out.println(\"James likes bananas!\");\n" +
	"      System.out.println(\"Yes they do.\");\n" +
	"    }catch(Exception e){\n" +
	"      e.printStackTrace();\n" +
	"    }\n" +
	"  }\n" +
	"}\n"

const monkeyWithInnerClass = "class Monkey {\n" +
	"  static int foo = 6; \n" +
	"  class MonkeyInner { \n" +
	"    int innerFoo = 8;\n" +
	"    class MonkeyInnerInner { \n" +
	"      int innerInnerFoo = 10;\n" +
	"      public void innerMethod() { \n" +
	"        int innerMethodFoo;\n" +
	"        innerMethodFoo = 12;\n" +
	"        foo++;\n" +
	"        innerFoo++;\n" +
	"        innerInnerFoo++;\n" +
	"        innerMethodFoo++;\n" +
	"        staticMethod();\n" +
	"        System.out.println(\"innerMethodFoo: \" + innerMethodFoo);\n" +
	"      }\n" +
	"    }\n" +
	"  }\n" +
	"  public void bar() {\n" +
	"    MonkeyInner.MonkeyInnerInner mi = \n" +
	"      new MonkeyInner().new MonkeyInnerInner();\n" +
	"    mi.innerMethod();\n" +
	"  }\n" +
	"  public static void staticMethod() {\n" +
	"    int z = 3;\n" +
	"  }\n" +
	"}\n"

const monkeyStaticStuff = "class MonkeyStaticStuff {\n" +
	"  static int foo = 6;\n" +
	"  static class MonkeyInner {\n" +
	"    static int innerFoo = 8;\n" +
	"    static public class MonkeyTwoDeep {\n" +
	"      static int twoDeepFoo = 13;\n" +
	"      static class MonkeyThreeDeep {\n" +
	"        public static int threeDeepFoo = 18;\n" +
	"        public static void threeDeepMethod() {\n" +
	"          System.out.println(MonkeyTwoDeep.twoDeepFoo);\n" +
	"        }\n" +
	"      }\n" +
	"    }\n" +
	"  }\n" +
	"}"

// testHelper 驱动模拟目标并按顺序检查调试事件
type testHelper struct {
	t        *testing.T
	ctx      context.Context
	target   *sim_target.SimTarget
	debugger *VMDebugger
	backlog  *debugger.EventBacklog
}

func newTestHelper(t *testing.T, scenarioFile string, searchPaths ...string) *testHelper {
	scenario, err := sim_target.LoadScenario("testdata/" + scenarioFile)
	require.Nil(t, err)
	target := sim_target.NewSimTarget(scenario)
	h := &testHelper{
		t:      t,
		ctx:    context.Background(),
		target: target,
		debugger: NewVMDebugger(&debugger.StartOption{
			Target:      target,
			SearchPaths: searchPaths,
			Registerer:  prometheus.NewRegistry(),
		}),
		backlog: debugger.NewEventBacklog(128),
	}
	h.debugger.AddListener(h.backlog.Listener())
	t.Cleanup(func() {
		_ = h.debugger.Shutdown(context.Background())
	})
	return h
}

func (h *testHelper) startup() {
	require.Nil(h.t, h.debugger.Startup(h.ctx))
	h.waitForEvents(constants.DebuggerStarted)
}

// interact 开始一次交互运行
func (h *testHelper) interact() {
	require.Nil(h.t, h.target.Interact(h.ctx))
}

// toggle 在marker所在位置切换断点
func (h *testHelper) toggle(unit *debugger.SourceUnit, marker string, line int) error {
	index := strings.Index(unit.Code, marker)
	require.True(h.t, index >= 0, marker)
	return h.debugger.ToggleBreakpoint(h.ctx, unit, index, line)
}

// waitForEvents 按顺序等待事件
func (h *testHelper) waitForEvents(expected ...constants.DebugEventType) []*debugger.DebugEvent {
	events, err := h.backlog.Wait(5*time.Second, len(expected))
	assert.Nil(h.t, err)
	assert.Equal(h.t, expected, eventTypes(events))
	return events
}

// assertImmediateEvents 命令返回时这些事件必须已经发出
func (h *testHelper) assertImmediateEvents(expected ...constants.DebugEventType) []*debugger.DebugEvent {
	var events []*debugger.DebugEvent
	for range expected {
		select {
		case event := <-h.backlog.Events():
			events = append(events, event)
		default:
		}
	}
	assert.Equal(h.t, expected, eventTypes(events))
	return events
}

func (h *testHelper) assertNoEvents() {
	time.Sleep(50 * time.Millisecond)
	assert.Empty(h.t, eventTypes(h.backlog.Drain()))
}

func (h *testHelper) watchValues() []string {
	watches, err := h.debugger.GetWatches(h.ctx)
	assert.Nil(h.t, err)
	values := make([]string, 0, len(watches))
	for _, watch := range watches {
		values = append(values, watch.Value)
	}
	return values
}

func eventTypes(events []*debugger.DebugEvent) []constants.DebugEventType {
	var answer []constants.DebugEventType
	for _, event := range events {
		answer = append(answer, event.Type)
	}
	return answer
}

func javaUnit(path string, code string) *debugger.SourceUnit {
	return debugger.NewSourceUnit(path, code, constants.LanguageJava)
}
