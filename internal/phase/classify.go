package phase

import (
	"bytes"
	"encoding/json"
)

// envelope holds the fields shared by every payload.
type envelope struct {
	Phase   Kind `json:"phase"`
	Version *int `json:"v"`
}

// Classify decodes a raw payload into its phase variant. It never panics;
// any mismatch (invalid JSON, non-object, unknown discriminator, unsupported
// version, ill-typed variant fields) yields nil, false.
func Classify(raw []byte) (Data, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if env.Version != nil && *env.Version != Version {
		return nil, false
	}

	switch env.Phase {
	case KindLevelSelect:
		return decodeAs[LevelSelect](raw)
	case KindDiagnostic:
		return decodeAs[Diagnostic](raw)
	case KindQuiz:
		return decodeAs[Quiz](raw)
	case KindCodeReview:
		return decodeAs[CodeReview](raw)
	case KindTextDiagnosticResult:
		return decodeAs[TextDiagnosticResult](raw)
	default:
		return nil, false
	}
}

// decodeAs unmarshals raw into the variant T. The discriminator field is
// ignored by the variant structs.
func decodeAs[T Data](raw []byte) (Data, bool) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}
