package progress

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

var summaryKeys = []string{
	"command", "cmd", "file_path", "filePath", "notebook_path", "path",
	"pattern", "query", "url", "description", "prompt",
}

var filePathKeys = []string{"file_path", "filePath", "notebook_path", "absolute_path", "path"}

func parseObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

// mergeInput overlays streamed input on the block's initial input.
func mergeInput(initial, streamed map[string]any) map[string]any {
	if len(streamed) == 0 {
		return initial
	}
	out := make(map[string]any, len(initial)+len(streamed))
	for k, v := range initial {
		out[k] = v
	}
	for k, v := range streamed {
		out[k] = v
	}
	return out
}

func summarizeInput(input map[string]any) string {
	for _, key := range summaryKeys {
		if v := stringField(input, key); v != "" {
			return clip(oneLine(v), summaryLimit)
		}
	}
	if cmd, ok := input["command"].([]any); ok {
		parts := make([]string, 0, len(cmd))
		for _, p := range cmd {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return clip(oneLine(strings.Join(parts, " ")), summaryLimit)
	}
	return ""
}

func filePathOf(input map[string]any) *string {
	for _, key := range filePathKeys {
		if v := stringField(input, key); v != "" {
			return &v
		}
	}
	return nil
}

func stringField(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	v, ok := input[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-3]) + "..."
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func sameHint(a, b Hint) bool {
	if a.Phase != b.Phase || a.Tool != b.Tool || a.Summary != b.Summary {
		return false
	}
	if a.FilePath == nil || b.FilePath == nil {
		return a.FilePath == nil && b.FilePath == nil
	}
	return *a.FilePath == *b.FilePath
}
