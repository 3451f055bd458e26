package llm

// Wire roles understood by every adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

// Message is a single role-tagged entry of a completion request.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser], [RoleAssistant] or [RoleFunction].
	// Adapters return an error for any other value.
	Role string

	// Content is the text content of the message.
	Content string

	// Name carries the function name for [RoleFunction] messages.
	Name string
}

// ToolCall represents a function invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned identifier of the call. May be empty.
	ID string

	// Name is the function name.
	Name string

	// Arguments is the arguments payload exactly as received. Usually a JSON
	// object, sometimes a JSON string wrapping one.
	Arguments string
}

// ToolDefinition describes a function offered to the model.
type ToolDefinition struct {
	// Name is the function's unique identifier.
	Name string

	// Description explains what the function does (included in the prompt).
	Description string

	// Parameters is the JSON Schema describing the function's input object.
	Parameters map[string]any
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool
}
