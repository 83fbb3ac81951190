package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/couchcryptid/place2polygon/internal/domain"
)

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?(.*?)```")

// parseJSON decodes model output that should be JSON. It tries, in order:
// the whole text, the outermost bracketed substring, and the text with code
// fences and surrounding prose removed. Failure is ErrContractViolation.
func parseJSON(text string) (any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty response", domain.ErrContractViolation)
	}

	var v any
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v, nil
	}

	for _, pair := range bracketOrder(text) {
		if sub, ok := between(text, pair[0], pair[1]); ok {
			if err := json.Unmarshal([]byte(sub), &v); err == nil {
				return v, nil
			}
		}
	}

	cleaned := fenceRe.ReplaceAllString(text, "$1")
	if start := strings.IndexAny(cleaned, "[{"); start >= 0 {
		cleaned = cleaned[start:]
	}
	if end := strings.LastIndexAny(cleaned, "]}"); end >= 0 {
		cleaned = cleaned[:end+1]
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &v); err == nil {
		return v, nil
	}

	return nil, fmt.Errorf("%w: no JSON found in %d bytes of output", domain.ErrContractViolation, len(text))
}

// bracketOrder tries whichever bracket kind opens first.
func bracketOrder(text string) [][2]byte {
	obj, arr := strings.IndexByte(text, '{'), strings.IndexByte(text, '[')
	if arr >= 0 && (obj < 0 || arr < obj) {
		return [][2]byte{{'[', ']'}, {'{', '}'}}
	}
	return [][2]byte{{'{', '}'}, {'[', ']'}}
}

func between(text string, open, closing byte) (string, bool) {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, closing)
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// verdict is the tier-2 validation answer.
type verdict struct {
	IsMatch    bool
	Confidence float64
	Reasoning  string
}

// parseVerdict reads {"is_match": bool, "confidence": number}. A confidence
// strictly between 0 and 1 is read as a fraction and scaled to 0-100; whole
// numbers are already on the 0-100 scale the prompt asks for.
func parseVerdict(text string) (verdict, error) {
	v, err := parseJSON(text)
	if err != nil {
		return verdict{}, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return verdict{}, fmt.Errorf("%w: validation response is not an object", domain.ErrContractViolation)
	}
	isMatch, ok := obj["is_match"].(bool)
	if !ok {
		return verdict{}, fmt.Errorf("%w: is_match missing or not a boolean", domain.ErrContractViolation)
	}
	conf, ok := number(obj["confidence"])
	if !ok {
		return verdict{}, fmt.Errorf("%w: confidence missing or not a number", domain.ErrContractViolation)
	}
	if conf > 0 && conf < 1 {
		conf *= 100
	}
	reasoning, _ := obj["reasoning"].(string)
	return verdict{IsMatch: isMatch, Confidence: conf, Reasoning: reasoning}, nil
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
