package generative

import (
	"encoding/json"
	"strings"

	"github.com/fyrsmithlabs/agentfactory/internal/spec"
)

// Envelope is the mandatory response shape from every role execution.
type Envelope struct {
	Confidence *float64        `json:"confidence"`
	Result     json.RawMessage `json:"result"`
}

// ExtractEnvelope parses a model response into its envelope. Markdown
// code fences around the JSON are tolerated; everything else is not.
// Missing confidence, confidence outside [0, 100], or a missing result
// object fail hard.
func ExtractEnvelope(content string) (*Envelope, error) {
	cleaned := stripFences(content)
	if cleaned == "" {
		return nil, spec.NewError(spec.ErrGeneration, "empty model response", nil)
	}

	var env Envelope
	dec := json.NewDecoder(strings.NewReader(cleaned))
	if err := dec.Decode(&env); err != nil {
		return nil, spec.NewError(spec.ErrGeneration, "model response is not a JSON envelope", err)
	}

	if env.Confidence == nil {
		return nil, spec.NewError(spec.ErrGeneration, "model response missing confidence", nil)
	}
	if *env.Confidence < spec.MinConfidence || *env.Confidence > spec.MaxConfidence {
		return nil, spec.NewError(spec.ErrGeneration, "model confidence outside [0, 100]", nil)
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return nil, spec.NewError(spec.ErrGeneration, "model response missing result", nil)
	}
	return &env, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
