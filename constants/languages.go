package constants

type LanguageType string

const (
	LanguageJava LanguageType = "java"
	LanguageGo   LanguageType = "go"
)

// SourceExtension 语言对应的源文件后缀
func SourceExtension(language LanguageType) string {
	switch language {
	case LanguageGo:
		return ".go"
	default:
		return ".java"
	}
}
