package llm

import "encoding/json"

// ParseOutput implements the total parsing function spec.md §6's
// LLM-invocation contract describes: the collaborator may return a
// structured JSON object or a text blob, and the core "attempts
// structured parsing and falls back to {"output": text}". It never
// errors — a response that is not a JSON object is wrapped as
// {"output": text}. A stage that needs different parsing sets its own
// stagerunner.Stage.ParseOutput.
func ParseOutput(text string) json.RawMessage {
	trimmed := []byte(text)
	var probe any
	if json.Unmarshal(trimmed, &probe) == nil {
		if _, isObject := probe.(map[string]any); isObject {
			return json.RawMessage(trimmed)
		}
	}
	fallback, _ := json.Marshal(map[string]string{"output": text})
	return fallback
}
