package util

import "strings"

// FirstNonEmpty 返回第一个非空 (trim 后) 的字符串。
//
// 用于字段别名取值: 多个候选键里取第一个有值的。
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
