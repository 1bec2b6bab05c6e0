package debugger

import (
	"fmt"
	"strings"

	"github.com/fansqz/debug-controller/constants"
	"github.com/prometheus/client_golang/prometheus"
)

// StartOption 创建调试器的参数
type StartOption struct {
	// Target 被调试的目标程序
	Target Target
	// SearchPaths 源文件搜索路径，支持doublestar通配符
	SearchPaths []string
	// SourceExtension 目标没有报告源文件名时使用的后缀
	SourceExtension string
	// Registerer 指标注册器，为空时使用独立的注册器
	Registerer prometheus.Registerer
}

// SourceUnit 编辑器中打开的源码单元
type SourceUnit struct {
	// Path 文件路径，同时作为源码单元的标识
	Path     string
	Code     string
	Language constants.LanguageType
}

func NewSourceUnit(path string, code string, language constants.LanguageType) *SourceUnit {
	return &SourceUnit{
		Path:     path,
		Code:     code,
		Language: language,
	}
}

// LineCount 源码行数
func (s *SourceUnit) LineCount() int {
	if s.Code == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s.Code, "\n"), "\n") + 1
}

// Location 目标程序中的一个代码位置
type Location struct {
	// TypeName 全限定的二进制类型名，比如 a.b.Outer$Inner
	TypeName string `json:"typeName"`
	// File 目标报告的源文件，可能为相对路径
	File   string `json:"file"`
	Method string `json:"method"`
	Line   int    `json:"line"`
}

func (l *Location) String() string {
	if l == nil {
		return "<unknown>"
	}
	return fmt.Sprintf("%s.%s:%d", l.TypeName, l.Method, l.Line)
}

// Breakpoint 表示断点
type Breakpoint struct {
	Unit     *SourceUnit `json:"-"`
	File     string      `json:"file"`
	Offset   int         `json:"offset"`
	Line     int         `json:"line"`
	TypeName string      `json:"typeName"`
	Enabled  bool        `json:"enabled"`
	// Pending 所在类型尚未加载
	Pending bool `json:"pending"`
	// RequestID 目标程序中的断点请求，0表示没有
	RequestID int `json:"-"`
	// Seq 创建顺序
	Seq int64 `json:"-"`
}

func NewBreakpoint(unit *SourceUnit, offset int, line int, typeName string) *Breakpoint {
	return &Breakpoint{
		Unit:     unit,
		File:     unit.Path,
		Offset:   offset,
		Line:     line,
		TypeName: typeName,
		Enabled:  true,
	}
}

// Location 断点在目标程序中的位置
func (b *Breakpoint) Location() *Location {
	return &Location{
		TypeName: b.TypeName,
		File:     b.File,
		Line:     b.Line,
	}
}

// Copy 返回快照
func (b *Breakpoint) Copy() *Breakpoint {
	if b == nil {
		return nil
	}
	answer := *b
	return &answer
}

// DebugThreadData 线程信息
type DebugThreadData struct {
	UniqueID     int64                  `json:"uniqueID"`
	Name         string                 `json:"name"`
	Status       constants.ThreadStatus `json:"status"`
	Location     *Location              `json:"location"`
	SuspendCount int                    `json:"suspendCount"`
	ResumeCount  int                    `json:"resumeCount"`
}

// Copy 返回快照
func (t *DebugThreadData) Copy() *DebugThreadData {
	if t == nil {
		return nil
	}
	answer := *t
	if t.Location != nil {
		location := *t.Location
		answer.Location = &location
	}
	return &answer
}

// DebugWatchData 监视表达式
type DebugWatchData struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StaticFields 某个类型的静态字段
type StaticFields struct {
	TypeName string                 `json:"typeName" yaml:"type"`
	Fields   map[string]interface{} `json:"fields" yaml:"fields"`
}

// StackFrame 栈帧，包含监视表达式求值所需的变量快照
type StackFrame struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Location *Location `json:"location"`
	// Static 是否处于静态上下文
	Static bool                   `json:"static"`
	Locals map[string]interface{} `json:"locals"`
	// This 接收者的字段，静态上下文中为nil
	This map[string]interface{} `json:"this"`
	// Outer 外部实例的字段，由内向外
	Outer []map[string]interface{} `json:"outer"`
	// Statics 声明类型及其外部类型的静态字段，由内向外
	Statics []*StaticFields `json:"statics"`
}

// DebugEvent 调试事件，创建后不再修改
type DebugEvent struct {
	Type       constants.DebugEventType    `json:"type"`
	Thread     *DebugThreadData            `json:"thread,omitempty"`
	Breakpoint *Breakpoint                 `json:"breakpoint,omitempty"`
	Location   *Location                   `json:"location,omitempty"`
	SourcePath string                      `json:"sourcePath,omitempty"`
	StepType   constants.StepType          `json:"stepType,omitempty"`
	Reason     constants.StoppedReasonType `json:"reason,omitempty"`
}

func NewDebugEvent(eventType constants.DebugEventType) *DebugEvent {
	return &DebugEvent{Type: eventType}
}

func NewBreakpointEvent(eventType constants.DebugEventType, breakpoint *Breakpoint) *DebugEvent {
	return &DebugEvent{
		Type:       eventType,
		Breakpoint: breakpoint.Copy(),
	}
}

func NewThreadEvent(eventType constants.DebugEventType, thread *DebugThreadData) *DebugEvent {
	return &DebugEvent{
		Type:   eventType,
		Thread: thread.Copy(),
	}
}

// NewSuspendedEvent 当前线程挂起事件
func NewSuspendedEvent(thread *DebugThreadData, reason constants.StoppedReasonType) *DebugEvent {
	return &DebugEvent{
		Type:   constants.CurrThreadSuspended,
		Thread: thread.Copy(),
		Reason: reason,
	}
}

// NewLocationEvent 线程位置更新事件，sourcePath为空表示找不到源文件
func NewLocationEvent(thread *DebugThreadData, sourcePath string) *DebugEvent {
	event := &DebugEvent{
		Type:       constants.ThreadLocationUpdated,
		Thread:     thread.Copy(),
		SourcePath: sourcePath,
	}
	if event.Thread != nil {
		event.Location = event.Thread.Location
	}
	return event
}

func NewStepEvent(stepType constants.StepType) *DebugEvent {
	return &DebugEvent{
		Type:     constants.StepRequested,
		StepType: stepType,
	}
}
