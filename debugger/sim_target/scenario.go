package sim_target

import (
	"fmt"
	"os"

	"github.com/fansqz/debug-controller/debugger"
	"gopkg.in/yaml.v3"
)

// Scenario 模拟目标的执行脚本
//
//	types:
//	  - name: Monkey
//	    file: Monkey.java
//	    lines: [3, 4]
//	threads:
//	  - name: main
//	    trace:
//	      - load: Monkey
//	      - {type: Monkey, method: main, line: 15, static: true}
type Scenario struct {
	Types   []*TypeScript   `yaml:"types"`
	Threads []*ThreadScript `yaml:"threads"`
}

// TypeScript 类型声明，Lines为可以设置断点但脚本中没有执行到的行
type TypeScript struct {
	Name  string `yaml:"name"`
	File  string `yaml:"file"`
	Lines []int  `yaml:"lines"`
}

// ThreadScript 一个线程的执行轨迹
type ThreadScript struct {
	Name  string       `yaml:"name"`
	Trace []*TraceStep `yaml:"trace"`
}

// TraceStep 轨迹中的一步：加载类型、输出，或者执行某一行代码
type TraceStep struct {
	Load   string `yaml:"load,omitempty"`
	Output string `yaml:"output,omitempty"`

	Type   string `yaml:"type,omitempty"`
	File   string `yaml:"file,omitempty"`
	Method string `yaml:"method,omitempty"`
	Line   int    `yaml:"line,omitempty"`
	// Depth 调用深度，用于判断单步越过与单步跳出
	Depth  int  `yaml:"depth,omitempty"`
	Static bool `yaml:"static,omitempty"`

	Locals  map[string]interface{}   `yaml:"locals,omitempty"`
	This    map[string]interface{}   `yaml:"this,omitempty"`
	Outer   []map[string]interface{} `yaml:"outer,omitempty"`
	Statics []*debugger.StaticFields `yaml:"statics,omitempty"`
}

func (t *TraceStep) isCode() bool {
	return t.Load == "" && t.Output == ""
}

// LoadScenario 从yaml文件加载场景
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScenario(data)
}

// ParseScenario 解析yaml场景
func ParseScenario(data []byte) (*Scenario, error) {
	scenario := &Scenario{}
	if err := yaml.Unmarshal(data, scenario); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := scenario.validate(); err != nil {
		return nil, err
	}
	return scenario, nil
}

func (s *Scenario) validate() error {
	if len(s.Threads) == 0 {
		return fmt.Errorf("scenario has no threads")
	}
	for i, thread := range s.Threads {
		if thread.Name == "" {
			thread.Name = fmt.Sprintf("thread-%d", i+1)
		}
		for j, step := range thread.Trace {
			if step.isCode() && (step.Type == "" || step.Line <= 0) {
				return fmt.Errorf("thread %s step %d: code step needs type and line", thread.Name, j)
			}
		}
	}
	return nil
}

// fileOf 类型对应的源文件
func (s *Scenario) fileOf(typeName string) string {
	for _, t := range s.Types {
		if t.Name == typeName {
			return t.File
		}
	}
	return ""
}

// executableLines 类型上可以设置断点的行
func (s *Scenario) executableLines(typeName string) map[int]bool {
	lines := make(map[int]bool)
	for _, t := range s.Types {
		if t.Name == typeName {
			for _, line := range t.Lines {
				lines[line] = true
			}
		}
	}
	for _, thread := range s.Threads {
		for _, step := range thread.Trace {
			if step.isCode() && step.Type == typeName {
				lines[step.Line] = true
			}
		}
	}
	return lines
}
