package completion

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"github.com/MrWong99/lumi/pkg/provider/llm"
	"github.com/MrWong99/lumi/pkg/types"
)

// DecodeFunctionCall resolves a raw tool call against the declared functions.
//
// Arguments may arrive as a JSON object or as a JSON string that itself
// encodes the object; both are accepted. The returned call lists declared
// parameters first (in declaration order, when present) followed by any
// undeclared extras sorted by name.
func DecodeFunctionCall(tc llm.ToolCall, declared []types.FunctionDeclaration) (types.FunctionCall, error) {
	idx := slices.IndexFunc(declared, func(d types.FunctionDeclaration) bool { return d.Name == tc.Name })
	if idx < 0 {
		return types.FunctionCall{}, &InvalidFunctionCallError{Name: tc.Name, Payload: tc.Arguments, Reason: "function not declared"}
	}
	decl := declared[idx]

	args, err := decodeArguments(tc.Arguments)
	if err != nil {
		return types.FunctionCall{}, &InvalidFunctionCallError{Name: tc.Name, Payload: tc.Arguments, Reason: err.Error()}
	}

	for _, req := range decl.RequiredParameters() {
		if v, ok := args[req]; !ok || v == nil {
			return types.FunctionCall{}, &InvalidFunctionCallError{Name: tc.Name, Payload: tc.Arguments, Reason: "missing required parameter " + req}
		}
	}

	call := types.FunctionCall{Name: tc.Name, Payload: tc.Arguments}
	for _, p := range decl.Parameters {
		if v, ok := args[p.Name]; ok {
			call.Arguments = append(call.Arguments, types.FunctionArgument{Name: p.Name, Value: v})
			delete(args, p.Name)
		}
	}
	extras := make([]string, 0, len(args))
	for name := range args {
		extras = append(extras, name)
	}
	slices.Sort(extras)
	for _, name := range extras {
		call.Arguments = append(call.Arguments, types.FunctionArgument{Name: name, Value: args[name]})
	}
	return call, nil
}

// decodeArguments unwraps up to one level of string encoding and returns the
// arguments object.
func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}

	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, errors.New("arguments are not valid JSON")
	}
	if s, ok := v.(string); ok {
		if strings.TrimSpace(s) == "" {
			return map[string]any{}, nil
		}
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, errors.New("string-encoded arguments are not valid JSON")
		}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("arguments are not a JSON object")
	}
	return obj, nil
}
