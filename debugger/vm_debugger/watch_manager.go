package vm_debugger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/fansqz/debug-controller/constants"
	"github.com/fansqz/debug-controller/debugger"
	e "github.com/fansqz/debug-controller/error"
	"github.com/sirupsen/logrus"
)

// WatchManager 监视表达式列表
type WatchManager struct {
	lock    sync.RWMutex
	watches []*debugger.DebugWatchData
}

func NewWatchManager() *WatchManager {
	return &WatchManager{}
}

// Add 添加监视表达式，允许重复
func (w *WatchManager) Add(name string) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.watches = append(w.watches, &debugger.DebugWatchData{Name: name, Value: constants.NoValue})
}

// Remove 删除第index个监视表达式
func (w *WatchManager) Remove(index int) error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if index < 0 || index >= len(w.watches) {
		return fmt.Errorf("%w: no watch at index %d", e.ErrIllegalState, index)
	}
	w.watches = append(w.watches[:index], w.watches[index+1:]...)
	return nil
}

func (w *WatchManager) Clear() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.watches = nil
}

func (w *WatchManager) Size() int {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return len(w.watches)
}

// List 返回上一次计算的结果
func (w *WatchManager) List() []*debugger.DebugWatchData {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.copyWatches()
}

// Reset 没有可用的栈帧时，所有表达式都无法求值
func (w *WatchManager) Reset() []*debugger.DebugWatchData {
	w.lock.Lock()
	defer w.lock.Unlock()
	for _, watch := range w.watches {
		watch.Value = constants.NoValue
	}
	return w.copyWatches()
}

// Evaluate 在栈帧上重新计算所有表达式
func (w *WatchManager) Evaluate(frame *debugger.StackFrame) []*debugger.DebugWatchData {
	env := BuildEnv(frame)
	w.lock.Lock()
	defer w.lock.Unlock()
	for _, watch := range w.watches {
		value, err := EvaluateExpression(watch.Name, env)
		if err != nil {
			logrus.Debugf("[WatchManager] evaluate %q fail, err = %v", watch.Name, err)
			watch.Value = constants.NoValue
			continue
		}
		watch.Value = value
	}
	return w.copyWatches()
}

func (w *WatchManager) copyWatches() []*debugger.DebugWatchData {
	answer := make([]*debugger.DebugWatchData, 0, len(w.watches))
	for _, watch := range w.watches {
		answer = append(answer, &debugger.DebugWatchData{Name: watch.Name, Value: watch.Value})
	}
	return answer
}

// BuildEnv 构造求值环境，优先级从低到高：
// 外部类型的静态字段、声明类型的静态字段、外部实例字段、接收者字段、局部变量
func BuildEnv(frame *debugger.StackFrame) map[string]interface{} {
	env := make(map[string]interface{})
	if frame == nil {
		return env
	}
	for i := len(frame.Statics) - 1; i >= 0; i-- {
		statics := frame.Statics[i]
		if statics == nil {
			continue
		}
		if name := simpleTypeName(statics.TypeName); name != "" {
			env[name] = statics.Fields
		}
		for key, value := range statics.Fields {
			env[key] = value
		}
	}
	if !frame.Static {
		for i := len(frame.Outer) - 1; i >= 0; i-- {
			for key, value := range frame.Outer[i] {
				env[key] = value
			}
		}
		for key, value := range frame.This {
			env[key] = value
		}
		if frame.This != nil {
			env["this"] = frame.This
		}
	}
	for key, value := range frame.Locals {
		env[key] = value
	}
	return env
}

// EvaluateExpression 计算表达式，名称无法解析或计算失败时返回ErrEvaluationFailed
func EvaluateExpression(expression string, env map[string]interface{}) (string, error) {
	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return "", fmt.Errorf("%w: %v", e.ErrEvaluationFailed, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return "", fmt.Errorf("%w: %v", e.ErrEvaluationFailed, err)
	}
	if output == nil {
		return "null", nil
	}
	return fmt.Sprint(output), nil
}

// simpleTypeName a.b.Outer$Inner -> Inner，匿名类没有简单名
func simpleTypeName(typeName string) string {
	name := typeName[strings.LastIndexAny(typeName, ".$")+1:]
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		return ""
	}
	return name
}
