package completion

import (
	"github.com/MrWong99/lumi/pkg/provider/llm"
	"github.com/MrWong99/lumi/pkg/types"
)

// ToolDefinition encodes a function declaration as a JSON-schema object with
// named properties and a required list.
func ToolDefinition(d types.FunctionDeclaration) llm.ToolDefinition {
	props := make(map[string]any, len(d.Parameters))
	required := make([]string, 0, len(d.Parameters))
	for _, p := range d.Parameters {
		props[p.Name] = parameterSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return llm.ToolDefinition{
		Name:        d.Name,
		Description: d.Description,
		Parameters: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func parameterSchema(p types.FunctionParameter) map[string]any {
	s := map[string]any{}
	if p.Description != "" {
		s["description"] = p.Description
	}
	switch p.Type {
	case types.ParamEnum:
		s["type"] = "string"
		s["enum"] = append([]string(nil), p.EnumValues...)
	case types.ParamNumber, types.ParamBoolean:
		s["type"] = string(p.Type)
	default:
		s["type"] = "string"
	}
	return s
}
