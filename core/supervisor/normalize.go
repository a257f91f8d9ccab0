package supervisor

import (
	"errors"
	"fmt"
)

// ErrEmptyChunk is the normalizer error produced for a nil or empty chunk.
var ErrEmptyChunk = errors.New("supervisor: normalizer received an empty chunk")

// FinishReasonClassifier lets a caller distinguish provider finish reasons
// (stop, length, content_filter, ...) instead of the default behavior of
// treating any non-empty finish reason as Complete. It receives the raw
// finish reason string found on the chunk and returns true if it should be
// treated as a normal Complete event. Returning false causes the chunk to be
// normalized as an Error instead, letting a wrapper guardrail rule classify
// it more richly. A nil classifier preserves the spec default: any non-empty
// value is Complete.
type FinishReasonClassifier func(reason string) bool

// NormalizerConfig tunes Normalize's behavior. The zero value reproduces the
// spec's default resolution order exactly.
type NormalizerConfig struct {
	// FinishReason overrides how a non-empty finish_reason field on an
	// OpenAI-shaped chunk is interpreted. Nil means "any non-null value is
	// Complete" (spec default). Chunks with type "finish" or "complete" are
	// always Complete and are not passed to it.
	FinishReason FinishReasonClassifier
}

// Normalize converts an opaque upstream chunk into an Event, applying the
// resolution order fixed by spec §4.1 / §6:
//
//  1. nil/empty chunk -> Error
//  2. already an Event -> pass through unchanged
//  3. explicit producer `type` field -> mapped per a fixed table
//  4. OpenAI-shaped {choices:[{delta:{content}, finish_reason?}]}
//  5. {delta:{text}}
//  6. plain string
//  7. fallback field extraction: text, content, delta, delta.content, token, message, data
//  8. otherwise -> Error
//
// Normalize is deterministic and allocates nothing beyond the returned Event
// for the pass-through and plain-string cases.
func Normalize(chunk any, cfg NormalizerConfig) Event {
	if chunk == nil {
		return newErrorEvent(fmt.Errorf("normalizer: %w", ErrEmptyChunk))
	}

	switch typed := chunk.(type) {
	case Event:
		if typed.Timestamp == 0 {
			typed.Timestamp = nowMillis()
		}
		return typed

	case string:
		if typed == "" {
			return newErrorEvent(fmt.Errorf("normalizer: %w", ErrEmptyChunk))
		}
		return newToken(typed)

	case map[string]any:
		return normalizeMap(typed, cfg)
	}

	return newErrorEvent(fmt.Errorf("normalizer: unrecognized chunk shape %T", chunk))
}

// normalizeMap implements steps 3-7 of the resolution order against a
// generic JSON-object-shaped chunk.
func normalizeMap(m map[string]any, cfg NormalizerConfig) Event {
	if producerType, ok := stringField(m, "type"); ok {
		if event, handled := normalizeByProducerType(m, producerType); handled {
			return event
		}
	}

	if event, ok := normalizeOpenAIShape(m, cfg); ok {
		return event
	}

	if delta, ok := m["delta"].(map[string]any); ok {
		if text, ok := stringField(delta, "text"); ok {
			return newToken(text)
		}
	}

	if value, ok := extractFallbackString(m); ok {
		return newToken(value)
	}

	return newErrorEvent(fmt.Errorf("normalizer: no recognizable field in chunk %v", keys(m)))
}

// normalizeByProducerType maps an explicit producer `type` field per the
// exhaustive table in spec §6.
func normalizeByProducerType(m map[string]any, producerType string) (Event, bool) {
	switch producerType {
	case "text-delta":
		if text, ok := stringField(m, "textDelta"); ok {
			return newToken(text), true
		}
	case "content-delta":
		if text, ok := stringField(m, "delta"); ok {
			return newToken(text), true
		}
		if text, ok := stringField(m, "content"); ok {
			return newToken(text), true
		}
	case "finish", "complete":
		return newComplete(), true
	case "error":
		if errVal, ok := m["error"]; ok {
			return newErrorEvent(asError(errVal)), true
		}
		if message, ok := stringField(m, "message"); ok {
			return newErrorEvent(fmt.Errorf("%s", message)), true
		}
		return newErrorEvent(fmt.Errorf("normalizer: error chunk missing error/message")), true
	case "tool-call", "function-call":
		return newMessage("", RoleAssistant), true
	}
	return Event{}, false
}

// normalizeOpenAIShape maps the {choices:[{delta:{content}, finish_reason?}]}
// shape used by OpenAI-compatible chat-completions streaming chunks.
func normalizeOpenAIShape(m map[string]any, cfg NormalizerConfig) (Event, bool) {
	choicesRaw, ok := m["choices"]
	if !ok {
		return Event{}, false
	}

	choices, ok := choicesRaw.([]any)
	if !ok || len(choices) == 0 {
		return Event{}, false
	}

	choice, ok := choices[0].(map[string]any)
	if !ok {
		return Event{}, false
	}

	if finishReason, ok := stringField(choice, "finish_reason"); ok && finishReason != "" {
		if cfg.FinishReason == nil || cfg.FinishReason(finishReason) {
			return newComplete(), true
		}
		return newErrorEvent(fmt.Errorf("normalizer: rejected finish_reason %q", finishReason)), true
	}

	if delta, ok := choice["delta"].(map[string]any); ok {
		if content, ok := stringField(delta, "content"); ok && content != "" {
			return newToken(content), true
		}
	}

	return Event{}, false
}

// extractFallbackString walks the fallback extraction order from spec §4.1
// step 7: text, content, delta, delta.content, token, message, data.
func extractFallbackString(m map[string]any) (string, bool) {
	if value, ok := stringField(m, "text"); ok {
		return value, true
	}
	if value, ok := stringField(m, "content"); ok {
		return value, true
	}
	if value, ok := m["delta"].(string); ok {
		return value, true
	}
	if delta, ok := m["delta"].(map[string]any); ok {
		if value, ok := stringField(delta, "content"); ok {
			return value, true
		}
	}
	if value, ok := stringField(m, "token"); ok {
		return value, true
	}
	if value, ok := stringField(m, "message"); ok {
		return value, true
	}
	if value, ok := stringField(m, "data"); ok {
		return value, true
	}
	return "", false
}

func stringField(m map[string]any, key string) (string, bool) {
	value, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

func asError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	return fmt.Errorf("%v", v)
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
