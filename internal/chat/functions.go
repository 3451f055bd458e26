package chat

import (
	"fmt"
	"strings"

	"github.com/MrWong99/lumi/pkg/types"
)

// Names of the built-in functions.
const (
	FuncRequestExternal = "requestExternalFunction"
	FuncRemember        = "remember"
	FuncSummarize       = "summarize"
)

// ExternalDomains are the capability areas the assistant may ask for via
// [FuncRequestExternal].
var ExternalDomains = []string{"email", "calendar", "weather", "news"}

// turnFunctions are offered on every conversational completion.
var turnFunctions = []types.FunctionDeclaration{
	{
		Name:        FuncRequestExternal,
		Description: "Request a capability that goes beyond providing information, such as sending an email or checking the weather.",
		Parameters: []types.FunctionParameter{
			{
				Name:        "functionDomain",
				Description: "The domain of the requested capability.",
				Type:        types.ParamEnum,
				EnumValues:  ExternalDomains,
				Required:    true,
			},
			{
				Name:        "functionName",
				Description: "A short name of the requested action, e.g. sendEmail.",
				Type:        types.ParamString,
			},
		},
	},
	{
		Name:        FuncRemember,
		Description: "Retrieve information about past conversations with the user.",
		Parameters: []types.FunctionParameter{
			{
				Name:        "topic",
				Description: "The topic to remember.",
				Type:        types.ParamString,
				Required:    true,
			},
		},
	},
}

// summarizeFunction is forced when compacting a segment.
var summarizeFunction = types.FunctionDeclaration{
	Name:        FuncSummarize,
	Description: "Summarize the conversation so far.",
	Parameters: []types.FunctionParameter{
		{
			Name:        "summary",
			Description: "A concise summary of the conversation.",
			Type:        types.ParamString,
			Required:    true,
		},
		{
			Name:        "tags",
			Description: "Comma separated keywords describing the topics of the conversation.",
			Type:        types.ParamString,
			Required:    true,
		},
	},
	Force: true,
}

// Functions returns a copy of the declarations offered on every turn.
func Functions() []types.FunctionDeclaration {
	return append([]types.FunctionDeclaration(nil), turnFunctions...)
}

// externalResult renders the function message for an unsupported capability.
func externalResult(call types.FunctionCall) string {
	domain := call.StringArgument("functionDomain")
	if name := call.StringArgument("functionName"); name != "" {
		return fmt.Sprintf("The function %q of the domain %q is not implemented yet. Tell the user you cannot do this.", name, domain)
	}
	return fmt.Sprintf("Functions of the domain %q are not implemented yet. Tell the user you cannot do this.", domain)
}

// rememberResult renders the findings of a remember call.
func rememberResult(related, recalled string) string {
	if related == "" {
		related = notFound
	}
	if recalled == "" {
		recalled = notFound
	}
	return "Related message from this conversation: " + related + "\nRelated earlier conversation: " + recalled
}

// splitTags parses the comma separated tags argument.
func splitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
