package chat

import (
	"fmt"
	"strings"

	"github.com/MrWong99/lumi/pkg/types"
)

// greetingPrompt asks the model to open a brand-new conversation.
const greetingPrompt = "Hi. Please introduce yourself. You do not need to repeat or mention your traits. " +
	"Afterward ask me some questions to get to know me better. Pretend that you start the conversation."

// summarizePrompt is appended as a user message when compacting a segment.
const summarizePrompt = "Summarize the chat"

// notFound is the placeholder for an empty remember finding.
const notFound = "Not found"

// systemPrompt renders the persona instructions for user. When recalled is
// non-empty it is prepended as background from an earlier conversation.
func systemPrompt(p types.Persona, u types.User, recalled string) string {
	var sb strings.Builder
	if recalled != "" {
		fmt.Fprintf(&sb, "This is a summary of an earlier conversation with the user:\n%s\n\n", recalled)
	}
	sb.WriteString("You are an ai that tries to bond with the user by being a helpful assistant.\n\n")
	fmt.Fprintf(&sb, "This is your profile:\nName: %s\nTraits: %s\n\n", p.Name, p.Traits)
	fmt.Fprintf(&sb, "This is the user's profile:\nName: %s\n\n", u.Name)
	sb.WriteString("In your replies try to act according to your traits and consider the user's profile.\n")
	fmt.Fprintf(&sb, "If the user asks you to act on their behalf instead of providing information, call %s.", FuncRequestExternal)
	return sb.String()
}

// compactionNote renders the synthetic assistant message that replaces a
// compacted segment.
func compactionNote(summary string) string {
	return "Summary of our conversation so far: " + summary
}
