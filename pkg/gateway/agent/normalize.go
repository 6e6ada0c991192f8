package agent

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

type PartKind int

const (
	PartUnknown PartKind = iota
	PartText
	PartToolCall
	PartToolResult
)

func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartToolCall:
		return "tool_call"
	case PartToolResult:
		return "tool_result"
	default:
		return "unknown"
	}
}

// Part is one normalized content part of an upstream event.
type Part struct {
	Kind     PartKind
	Text     string
	Tool     string
	Args     map[string]any
	Response any
}

// Typed upstream events may expose their content through these accessors
// instead of being plain mappings.
type (
	contentEvent interface{ EventContent() any }
	partsContent interface{ ContentParts() []any }
	textPart     interface{ PartText() string }
)

// Normalize converts one upstream event into its content parts. Events
// without content and parts of unrecognized shape are dropped.
func Normalize(event any) []Part {
	switch ev := event.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return normalizeJSON(gjson.ParseBytes(ev))
	case []byte:
		return normalizeJSON(gjson.ParseBytes(ev))
	case string:
		return normalizeJSON(gjson.Parse(ev))
	case map[string]any:
		return normalizeContent(ev["content"])
	case contentEvent:
		return normalizeContent(ev.EventContent())
	default:
		return nil
	}
}

func normalizeContent(content any) []Part {
	var parts []any
	switch c := content.(type) {
	case map[string]any:
		parts, _ = c["parts"].([]any)
	case partsContent:
		parts = c.ContentParts()
	}
	out := make([]Part, 0, len(parts))
	for _, raw := range parts {
		if p, ok := normalizePart(raw); ok {
			out = append(out, p)
		}
	}
	return out
}

func normalizePart(raw any) (Part, bool) {
	switch p := raw.(type) {
	case map[string]any:
		if v, ok := p["text"]; ok {
			s, ok := v.(string)
			return Part{Kind: PartText, Text: s}, ok
		}
		if fc, ok := firstMap(p, "function_call", "functionCall"); ok {
			args, _ := fc["args"].(map[string]any)
			return Part{Kind: PartToolCall, Tool: nameOr(fc["name"]), Args: args}, true
		}
		if fr, ok := firstMap(p, "function_response", "functionResponse"); ok {
			resp, present := fr["response"]
			if !present {
				resp = map[string]any{}
			}
			return Part{Kind: PartToolResult, Tool: nameOr(fr["name"]), Response: resp}, true
		}
		return Part{}, false
	case textPart:
		if t := p.PartText(); t != "" {
			return Part{Kind: PartText, Text: t}, true
		}
	}
	return Part{}, false
}

func normalizeJSON(ev gjson.Result) []Part {
	if !ev.IsObject() {
		return nil
	}
	parts := ev.Get("content.parts")
	if !parts.IsArray() {
		return nil
	}
	var out []Part
	parts.ForEach(func(_, p gjson.Result) bool {
		if !p.IsObject() {
			return true
		}
		if t := p.Get("text"); t.Exists() {
			if t.Type == gjson.String {
				out = append(out, Part{Kind: PartText, Text: t.String()})
			}
			return true
		}
		if fc := firstJSON(p, "function_call", "functionCall"); fc.IsObject() {
			args, _ := fc.Get("args").Value().(map[string]any)
			out = append(out, Part{Kind: PartToolCall, Tool: jsonNameOr(fc.Get("name")), Args: args})
			return true
		}
		if fr := firstJSON(p, "function_response", "functionResponse"); fr.IsObject() {
			var resp any = map[string]any{}
			if r := fr.Get("response"); r.Exists() {
				resp = r.Value()
			}
			out = append(out, Part{Kind: PartToolResult, Tool: jsonNameOr(fr.Get("name")), Response: resp})
		}
		return true
	})
	return out
}

// ToolStatus classifies a tool response payload.
func ToolStatus(response any) string {
	if IsErrorResponse(response) {
		return "error"
	}
	return "success"
}

func IsErrorResponse(response any) bool {
	m, ok := response.(map[string]any)
	if !ok {
		return false
	}
	if s, _ := m["status"].(string); s == "error" {
		return true
	}
	_, has := m["error"]
	return has
}

var detailFields = []string{"message", "error", "detail", "reason"}

// ErrorDetail finds a human-readable failure reason, first at the top level
// and then inside the error/result/response containers.
func ErrorDetail(response any) string {
	m, ok := response.(map[string]any)
	if !ok {
		return ""
	}
	if s := firstText(m); s != "" {
		return s
	}
	for _, key := range []string{"error", "result", "response"} {
		if inner, ok := m[key].(map[string]any); ok {
			if s := firstText(inner); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstText(m map[string]any) string {
	for _, f := range detailFields {
		if s, ok := m[f].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstMap(m map[string]any, keys ...string) (map[string]any, bool) {
	for _, k := range keys {
		if v, ok := m[k].(map[string]any); ok {
			return v, true
		}
	}
	return nil, false
}

func firstJSON(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func nameOr(v any) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return "unknown"
}

func jsonNameOr(r gjson.Result) string {
	if r.Type == gjson.String && r.String() != "" {
		return r.String()
	}
	return "unknown"
}
