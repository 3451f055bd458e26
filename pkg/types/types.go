// Package types defines the shared domain types used across all Lumi packages.
//
// These types form the lingua franca between the completion gateway, the memory
// layers, the event pipeline and the conversation orchestrator. Provider SDK
// types never leak past the adapter packages; everything that crosses a package
// boundary is expressed with the values declared here.
package types

import (
	"fmt"
	"time"
)

// Role identifies the author of a [Message].
type Role string

const (
	// RoleUser marks a message typed (or spoken) by the end user.
	RoleUser Role = "user"

	// RoleAssistant marks a natural-language reply produced by the model.
	RoleAssistant Role = "assistant"

	// RoleSystem marks an instruction message, usually the persona prompt or a
	// recalled summary.
	RoleSystem Role = "system"

	// RoleFunction marks the result of a function call resolved by the
	// orchestrator and fed back into the model.
	RoleFunction Role = "function"
)

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleFunction:
		return true
	}
	return false
}

// Persisted reports whether messages of this role are written to durable
// history. Only user and assistant messages receive an ID.
func (r Role) Persisted() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single entry of a conversation.
//
// A Message is immutable once it is part of a [Session], with the exception of
// ID (assigned after persistence) and Embedding (attached before persistence).
type Message struct {
	// ID is the opaque persistence identifier. Empty until the message has been
	// recorded by the repository. System and function messages never get one.
	ID string `json:"id,omitempty"`

	// Role is the author of the message.
	Role Role `json:"role"`

	// Text is the message content.
	Text string `json:"text"`

	// FunctionName names the function whose result this message carries. Only
	// set when Role is [RoleFunction].
	FunctionName string `json:"functionName,omitempty"`

	// Timestamp is the creation time of the message.
	Timestamp time.Time `json:"timestamp"`

	// Embedding is the vector representation of Text. Nil until an embedding
	// model has processed the message.
	Embedding []float32 `json:"embedding,omitempty"`
}

// HasEmbedding reports whether an embedding has been attached.
func (m Message) HasEmbedding() bool {
	return len(m.Embedding) > 0
}

// Session is the live, ordered message window of one user (a chat segment).
// The orchestrator owns it for the duration of one request and may replace
// Messages wholesale during compaction or a topic switch.
type Session struct {
	// ID identifies the persisted segment snapshot. Empty for a fresh session.
	ID string `json:"id,omitempty"`

	// UserID is the owner of the session.
	UserID string `json:"userId"`

	// Messages is the ordered context window. After the first turn it always
	// starts with at least one system message.
	Messages []Message `json:"messages"`
}

// Last returns the newest message and true, or a zero Message and false when
// the session is empty.
func (s *Session) Last() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Append adds messages to the end of the session.
func (s *Session) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

// Clone returns a copy of s whose message slice can be modified independently.
func (s Session) Clone() Session {
	out := s
	out.Messages = append([]Message(nil), s.Messages...)
	return out
}

// Summary is a compacted representation of a past session segment.
type Summary struct {
	// ID is the opaque persistence identifier. Empty until recorded.
	ID string `json:"id,omitempty"`

	// UserID is the user that produced the summarized conversation.
	UserID string `json:"userId"`

	// Text is the summary produced by the model.
	Text string `json:"text"`

	// Tags are short keywords describing the summarized topic.
	Tags []string `json:"tags"`

	// SourceMessages is the exact subsequence of persisted messages the summary
	// was produced from.
	SourceMessages []Message `json:"sourceMessages"`

	// Embedding is the vector representation of Text, attached before indexing.
	Embedding []float32 `json:"embedding,omitempty"`

	// CreatedAt is when the summary was produced.
	CreatedAt time.Time `json:"createdAt"`
}

// SourceIDs returns the IDs of SourceMessages in order.
func (s Summary) SourceIDs() []string {
	ids := make([]string, 0, len(s.SourceMessages))
	for _, m := range s.SourceMessages {
		ids = append(ids, m.ID)
	}
	return ids
}

// ParamType is the type of a function parameter.
type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamEnum    ParamType = "enum"
)

// FunctionParameter describes one named parameter of a [FunctionDeclaration].
type FunctionParameter struct {
	Name        string
	Description string
	Type        ParamType

	// EnumValues lists the allowed values when Type is [ParamEnum].
	EnumValues []string

	// Required marks parameters the model must always supply.
	Required bool
}

// FunctionDeclaration advertises a callable function to the completion model.
type FunctionDeclaration struct {
	Name        string
	Description string
	Parameters  []FunctionParameter

	// Force pins the model to call this declaration instead of replying in
	// natural language.
	Force bool
}

// RequiredParameters returns the names of all required parameters.
func (d FunctionDeclaration) RequiredParameters() []string {
	var names []string
	for _, p := range d.Parameters {
		if p.Required {
			names = append(names, p.Name)
		}
	}
	return names
}

// FunctionArgument is a single decoded argument of a [FunctionCall].
type FunctionArgument struct {
	Name  string
	Value any
}

// FunctionCall is a structured request by the model to invoke a declared
// function instead of replying in natural language.
type FunctionCall struct {
	// Name is the declared function being invoked.
	Name string

	// Arguments holds the decoded arguments in declaration order, followed by
	// any undeclared extras in lexical order.
	Arguments []FunctionArgument

	// Payload is the raw arguments payload as returned by the provider.
	Payload string
}

// Argument returns the value of the named argument and whether it was present.
func (c FunctionCall) Argument(name string) (any, bool) {
	for _, a := range c.Arguments {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// StringArgument returns the named argument rendered as a string. Missing
// arguments yield "".
func (c FunctionCall) StringArgument(name string) string {
	v, ok := c.Argument(name)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Persona describes the assistant character a user talks to.
type Persona struct {
	Name   string `json:"name" yaml:"name"`
	Traits string `json:"traits" yaml:"traits"`
}

// User is the authenticated identity the core receives from the transport.
type User struct {
	ID    string
	Name  string
	Admin bool
}
