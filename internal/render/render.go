package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/boxpilot/internal/compiler"
	"github.com/John-Robertt/boxpilot/internal/model"
)

type Target string

const (
	// TargetJSON is what the sing-box runtime consumes.
	TargetJSON Target = "json"
	// TargetYAML is a read-only view for humans; sing-box does not load it.
	TargetYAML Target = "yaml"
)

func ParseTarget(s string) (Target, bool) {
	switch Target(strings.ToLower(strings.TrimSpace(s))) {
	case "", TargetJSON:
		return TargetJSON, true
	case TargetYAML, "yml":
		return TargetYAML, true
	default:
		return "", false
	}
}

func (t Target) ContentType() string {
	if t == TargetYAML {
		return "application/yaml; charset=utf-8"
	}
	return "application/json; charset=utf-8"
}

type RenderError struct {
	AppError model.AppError
	Cause    error
}

func (e *RenderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

// Render serializes doc. Output is byte-for-byte stable for equal documents:
// struct fields marshal in declaration order and map keys are sorted.
func Render(target Target, doc *compiler.Document) ([]byte, error) {
	if doc == nil {
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    "INVALID_ARGUMENT",
				Message: "render input 不能为空",
				Stage:   "render",
			},
		}
	}
	switch target {
	case TargetJSON:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return nil, renderFailed(err)
		}
		return buf.Bytes(), nil
	case TargetYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, renderFailed(err)
		}
		if err := enc.Close(); err != nil {
			return nil, renderFailed(err)
		}
		return buf.Bytes(), nil
	default:
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    "UNSUPPORTED_TARGET",
				Message: fmt.Sprintf("不支持的 target：%s", target),
				Stage:   "render",
				Hint:    "expected: json | yaml",
			},
		}
	}
}

func renderFailed(err error) error {
	return &RenderError{
		AppError: model.AppError{
			Code:    "RENDER_FAILED",
			Message: "配置序列化失败",
			Stage:   "render",
		},
		Cause: err,
	}
}
