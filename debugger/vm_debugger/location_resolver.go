package vm_debugger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/fansqz/debug-controller/debugger"
	"github.com/sirupsen/logrus"
)

// LocationResolver 把目标中的位置映射为本地源文件
// 查找顺序：目标报告的绝对路径、打开的源码单元、搜索路径
type LocationResolver struct {
	lock        sync.RWMutex
	searchPaths []string
	extension   string
	// units 打开的源码单元，按路径排序
	units *treemap.Map
}

func NewLocationResolver(searchPaths []string, extension string) *LocationResolver {
	if extension == "" {
		extension = ".java"
	}
	return &LocationResolver{
		searchPaths: append([]string(nil), searchPaths...),
		extension:   extension,
		units:       treemap.NewWithStringComparator(),
	}
}

// GetPackageDir a.b.C -> a/b/，没有包时返回空串
func GetPackageDir(typeName string) string {
	index := strings.LastIndex(typeName, ".")
	if index < 0 {
		return ""
	}
	return strings.ReplaceAll(typeName[:index], ".", string(filepath.Separator)) + string(filepath.Separator)
}

// outermostTypeName a.b.C$D -> C
func outermostTypeName(typeName string) string {
	name := typeName[strings.LastIndex(typeName, ".")+1:]
	if index := strings.Index(name, "$"); index >= 0 {
		name = name[:index]
	}
	return name
}

// RelativeSourcePath 根据包目录计算源文件的相对路径
func (l *LocationResolver) RelativeSourcePath(location *debugger.Location) string {
	if location == nil {
		return ""
	}
	name := ""
	if location.File != "" {
		name = filepath.Base(location.File)
	} else if location.TypeName != "" {
		name = outermostTypeName(location.TypeName) + l.extension
	}
	if name == "" {
		return ""
	}
	return GetPackageDir(location.TypeName) + name
}

// Resolve 查找位置对应的本地源文件，找不到时返回空串
func (l *LocationResolver) Resolve(location *debugger.Location) string {
	if location == nil {
		return ""
	}
	if filepath.IsAbs(location.File) && fileExists(location.File) {
		return location.File
	}
	relative := l.RelativeSourcePath(location)
	if relative == "" {
		return ""
	}
	l.lock.RLock()
	defer l.lock.RUnlock()
	suffix := "/" + filepath.ToSlash(relative)
	for _, key := range l.units.Keys() {
		path := filepath.ToSlash(key.(string))
		if path == filepath.ToSlash(relative) || strings.HasSuffix(path, suffix) {
			return key.(string)
		}
	}
	for _, dir := range l.expandSearchPaths() {
		candidate := filepath.Join(dir, relative)
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

// expandSearchPaths 展开带通配符的搜索路径，保持配置顺序
func (l *LocationResolver) expandSearchPaths() []string {
	var answer []string
	for _, dir := range l.searchPaths {
		if !strings.ContainsAny(dir, "*?[{") {
			answer = append(answer, dir)
			continue
		}
		matches, err := doublestar.FilepathGlob(dir)
		if err != nil {
			logrus.Warnf("[LocationResolver] bad search path %q, err = %v", dir, err)
			continue
		}
		for _, match := range matches {
			if info, err := os.Stat(match); err == nil && info.IsDir() {
				answer = append(answer, match)
			}
		}
	}
	return answer
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// SetSearchPaths 替换搜索路径
func (l *LocationResolver) SetSearchPaths(paths []string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.searchPaths = append([]string(nil), paths...)
}

func (l *LocationResolver) SearchPaths() []string {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return append([]string(nil), l.searchPaths...)
}

// OpenUnit 记录打开的源码单元
func (l *LocationResolver) OpenUnit(unit *debugger.SourceUnit) {
	if unit == nil || unit.Path == "" {
		return
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	l.units.Put(unit.Path, unit)
}

// CloseUnit 移除源码单元
func (l *LocationResolver) CloseUnit(unit *debugger.SourceUnit) {
	if unit == nil {
		return
	}
	l.lock.Lock()
	defer l.lock.Unlock()
	l.units.Remove(unit.Path)
}
