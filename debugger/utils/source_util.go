package utils

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/fansqz/debug-controller/constants"
	e "github.com/fansqz/debug-controller/error"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
)

// TypeScope 源码中一个类型声明覆盖的字节范围
type TypeScope struct {
	// Name 二进制类型名，比如 a.b.Outer$Inner、Monkey$1
	Name  string
	Start uint32
	End   uint32
}

// java中可以直接声明成员类型的节点
var javaMemberContainers = map[string]bool{
	"program":                true,
	"class_body":             true,
	"interface_body":         true,
	"enum_body":              true,
	"enum_body_declarations": true,
	"annotation_type_body":   true,
}

var javaTypeDeclarations = map[string]bool{
	"class_declaration":           true,
	"interface_declaration":       true,
	"enum_declaration":            true,
	"record_declaration":          true,
	"annotation_type_declaration": true,
}

// TypeNameAt 计算源码中字符偏移offset处所在类型的全限定二进制名
func TypeNameAt(language constants.LanguageType, code string, offset int) (string, error) {
	byteOffset, err := byteOffsetOf(code, offset)
	if err != nil {
		return "", err
	}
	switch language {
	case constants.LanguageJava, "":
		scopes, err := AnalyzeJavaTypes(context.Background(), []byte(code))
		if err != nil {
			return "", err
		}
		var answer *TypeScope
		for i := range scopes {
			scope := &scopes[i]
			if scope.Start > byteOffset || byteOffset >= scope.End {
				continue
			}
			if answer == nil || scope.End-scope.Start < answer.End-answer.Start {
				answer = scope
			}
		}
		if answer == nil {
			return "", fmt.Errorf("%w: no type declared at offset %d", e.ErrUnknownLocation, offset)
		}
		return answer.Name, nil
	case constants.LanguageGo:
		return goTypeNameAt([]byte(code), byteOffset)
	default:
		return "", e.ErrLanguageNotSupported
	}
}

// AnalyzeJavaTypes 解析java源码，按源码顺序返回所有类型声明（包括匿名类和局部类）
func AnalyzeJavaTypes(ctx context.Context, content []byte) ([]TypeScope, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(java.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, err
	}
	root := tree.RootNode()
	a := &javaTypeAnalyzer{
		content:   content,
		anonymous: make(map[string]int),
		local:     make(map[string]int),
	}
	a.prefix = javaPackagePrefix(root, content)
	a.walk(root, "")
	return a.scopes, nil
}

type javaTypeAnalyzer struct {
	content []byte
	prefix  string
	scopes  []TypeScope
	// anonymous 每个外部类型下匿名类的计数
	anonymous map[string]int
	// local 每个外部类型下同名局部类的计数
	local map[string]int
}

func (a *javaTypeAnalyzer) walk(node *sitter.Node, enclosing string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch {
		case javaTypeDeclarations[child.Type()]:
			nameNode := child.ChildByFieldName("name")
			if nameNode == nil {
				a.walk(child, enclosing)
				continue
			}
			name := nameNode.Content(a.content)
			var binary string
			switch {
			case enclosing == "":
				binary = a.prefix + name
			case !javaMemberContainers[node.Type()]:
				key := enclosing + "$" + name
				a.local[key]++
				binary = fmt.Sprintf("%s$%d%s", enclosing, a.local[key], name)
			default:
				binary = enclosing + "$" + name
			}
			a.scopes = append(a.scopes, TypeScope{Name: binary, Start: child.StartByte(), End: child.EndByte()})
			a.walk(child, binary)
		case child.Type() == "object_creation_expression" || child.Type() == "enum_constant":
			a.walkAnonymousHost(child, enclosing)
		default:
			a.walk(child, enclosing)
		}
	}
}

// walkAnonymousHost new表达式或枚举常量，带class_body时声明了一个匿名类
func (a *javaTypeAnalyzer) walkAnonymousHost(node *sitter.Node, enclosing string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() != "class_body" || enclosing == "" {
			a.walk(child, enclosing)
			continue
		}
		a.anonymous[enclosing]++
		binary := fmt.Sprintf("%s$%d", enclosing, a.anonymous[enclosing])
		a.scopes = append(a.scopes, TypeScope{Name: binary, Start: child.StartByte(), End: child.EndByte()})
		a.walk(child, binary)
	}
}

// javaPackagePrefix 返回 "a.b." 形式的包前缀，默认包返回空串
func javaPackagePrefix(root *sitter.Node, content []byte) string {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child.Type() != "package_declaration" {
			continue
		}
		for j := 0; j < int(child.NamedChildCount()); j++ {
			name := child.NamedChild(j)
			if name.Type() == "scoped_identifier" || name.Type() == "identifier" {
				return strings.Join(strings.Fields(name.Content(content)), "") + "."
			}
		}
	}
	return ""
}

// goTypeNameAt go源码：包名，位于方法内时为 包名.接收者类型
func goTypeNameAt(content []byte, byteOffset uint32) (string, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return "", err
	}
	root := tree.RootNode()
	pkg := ""
	receiver := ""
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "package_clause":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				if child.NamedChild(j).Type() == "package_identifier" {
					pkg = child.NamedChild(j).Content(content)
				}
			}
		case "method_declaration":
			if child.StartByte() <= byteOffset && byteOffset < child.EndByte() {
				if r := child.ChildByFieldName("receiver"); r != nil {
					receiver = firstTypeIdentifier(r, content)
				}
			}
		}
	}
	if pkg == "" {
		return "", fmt.Errorf("%w: missing package clause", e.ErrUnknownLocation)
	}
	if receiver == "" {
		return pkg, nil
	}
	return pkg + "." + receiver, nil
}

func firstTypeIdentifier(node *sitter.Node, content []byte) string {
	if node.Type() == "type_identifier" {
		return node.Content(content)
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if name := firstTypeIdentifier(node.NamedChild(i), content); name != "" {
			return name
		}
	}
	return ""
}

// LineOfOffset 字符偏移所在的行号，从1开始
func LineOfOffset(code string, offset int) (int, error) {
	byteOffset, err := byteOffsetOf(code, offset)
	if err != nil {
		return 0, err
	}
	return strings.Count(code[:byteOffset], "\n") + 1, nil
}

// OffsetOfLine 某一行第一个非空白字符的字符偏移
func OffsetOfLine(code string, line int) (int, error) {
	if line < 1 {
		return 0, fmt.Errorf("%w: line %d", e.ErrUnknownLocation, line)
	}
	current := 1
	offset := 0
	lineStart := -1
	if line == 1 {
		lineStart = 0
	}
	for _, r := range code {
		if lineStart >= 0 {
			if r == '\n' || !unicode.IsSpace(r) {
				return offset, nil
			}
		} else if r == '\n' {
			current++
			if current == line {
				lineStart = offset + 1
			}
		}
		offset++
	}
	if lineStart >= 0 {
		return offset, nil
	}
	return 0, fmt.Errorf("%w: line %d", e.ErrUnknownLocation, line)
}

// byteOffsetOf 字符偏移转换为字节偏移
func byteOffsetOf(code string, offset int) (uint32, error) {
	if offset < 0 || offset > utf8.RuneCountInString(code) {
		return 0, fmt.Errorf("%w: offset %d out of range", e.ErrUnknownLocation, offset)
	}
	count := 0
	for i := range code {
		if count == offset {
			return uint32(i), nil
		}
		count++
	}
	return uint32(len(code)), nil
}
