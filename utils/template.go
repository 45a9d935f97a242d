package utils

import (
	"strings"
	"time"
)

// EscapeHTML 文案进入明信片 HTML 前转义，避免破坏排版
func EscapeHTML(text string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&#039;",
	)
	return r.Replace(text)
}

// FormatPostcardDate 明信片上的日期格式，例如 "January 2, 2006"
func FormatPostcardDate(t time.Time) string {
	return t.Format("January 2, 2006")
}

// SubstituteVariables 替换背面文案模板中的个性化占位符。
// 支持的占位符与前端编辑器保持一致：
// %FIRST_NAME% %LAST_NAME% %FULL_NAME% %AMOUNT% %EMAIL%
// %ADDRESS1% %ADDRESS2% %CITY% %STATE% %ZIP% %DONATION_DAY% %CURRENT_DAY%
func SubstituteVariables(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "%"+key+"%", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
