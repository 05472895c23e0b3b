// schema.go — 提交请求的 JSON Schema 校验。
package gateway

import (
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// submitSchema 约束提交体的类型与边界。业务校验 (如 prompt 与
// inputImages 不可同时为空) 在 handler 中单独做, schema 只管形态。
const submitSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"prompt":          {"type": "string", "maxLength": 4000},
		"inputImages":     {"type": "array", "items": {"type": "string", "minLength": 1}, "maxItems": 8},
		"numImages":       {"type": "integer", "minimum": 1, "maximum": 8},
		"aspectRatio":     {"type": "string", "maxLength": 16},
		"albumId":         {"type": "string", "maxLength": 128},
		"styleTemplateId": {"type": "string", "maxLength": 128}
	},
	"additionalProperties": false
}`

var submitSchemaLoader = gojsonschema.NewStringLoader(submitSchema)

// validateSubmit 校验提交体，返回扁平化的错误描述 (空串表示通过)。
func validateSubmit(body []byte) string {
	result, err := gojsonschema.Validate(submitSchemaLoader, gojsonschema.NewBytesLoader(body))
	if err != nil {
		return "invalid JSON body"
	}
	if result.Valid() {
		return ""
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return strings.Join(msgs, "; ")
}
