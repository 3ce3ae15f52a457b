package gemini

import (
	"github.com/palantir/palantir-compute-module-structured-extract/internal/completion"
	"google.golang.org/genai"
)

// toSchema translates a contract into Gemini's OpenAPI-subset schema.
//
// Gemini has no additionalProperties; closed objects are enforced by listing
// every property and marking them required.
func toSchema(s *completion.Shape) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{Description: s.Description}
	if s.Nullable {
		nullable := true
		out.Nullable = &nullable
	}
	switch s.Kind {
	case completion.KindObject:
		out.Type = genai.TypeObject
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for _, p := range s.Properties {
			out.Properties[p.Name] = toSchema(p.Shape)
			out.PropertyOrdering = append(out.PropertyOrdering, p.Name)
		}
		out.Required = append([]string(nil), s.Required...)
	case completion.KindArray:
		out.Type = genai.TypeArray
		out.Items = toSchema(s.Items)
	case completion.KindNumber:
		out.Type = genai.TypeNumber
	case completion.KindBoolean:
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
		if len(s.Enum) > 0 {
			out.Format = "enum"
			out.Enum = append([]string(nil), s.Enum...)
		}
	}
	return out
}
