package completion

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	embmock "github.com/MrWong99/lumi/pkg/provider/embeddings/mock"
	"github.com/MrWong99/lumi/pkg/provider/llm"
	llmmock "github.com/MrWong99/lumi/pkg/provider/llm/mock"
	"github.com/MrWong99/lumi/pkg/types"
)

var summarizeDecl = types.FunctionDeclaration{
	Name:        "summarize",
	Description: "Summarize the conversation.",
	Parameters: []types.FunctionParameter{
		{Name: "summary", Type: types.ParamString, Required: true},
		{Name: "tags", Type: types.ParamString, Required: true},
	},
	Force: true,
}

var rememberDecl = types.FunctionDeclaration{
	Name: "remember",
	Parameters: []types.FunctionParameter{
		{Name: "topic", Type: types.ParamString, Required: true},
	},
}

func newGateway(t *testing.T, p *llmmock.Provider) *Gateway {
	t.Helper()
	g, err := New(p, &embmock.Provider{EmbedResult: []float32{1, 0}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

func TestToolDefinition_Encoding(t *testing.T) {
	td := ToolDefinition(types.FunctionDeclaration{
		Name:        "requestExternalFunction",
		Description: "desc",
		Parameters: []types.FunctionParameter{
			{Name: "functionDomain", Type: types.ParamEnum, EnumValues: []string{"email", "weather"}, Required: true},
			{Name: "functionName", Type: types.ParamString},
			{Name: "count", Type: types.ParamNumber},
		},
	})

	if td.Parameters["type"] != "object" {
		t.Errorf("schema type = %v, want object", td.Parameters["type"])
	}
	required, _ := td.Parameters["required"].([]string)
	if len(required) != 1 || required[0] != "functionDomain" {
		t.Errorf("required = %v, want [functionDomain]", required)
	}
	props := td.Parameters["properties"].(map[string]any)
	domain := props["functionDomain"].(map[string]any)
	if domain["type"] != "string" {
		t.Errorf("enum type = %v, want string", domain["type"])
	}
	if enum, _ := domain["enum"].([]string); len(enum) != 2 {
		t.Errorf("enum = %v", domain["enum"])
	}
	if props["count"].(map[string]any)["type"] != "number" {
		t.Errorf("number type not preserved")
	}
}

func TestDecodeFunctionCall_RoundTrip(t *testing.T) {
	object := `{"summary":"We talked about cats.","tags":"cats, pets"}`
	quoted, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		args string
	}{
		{name: "object", args: object},
		{name: "json string", args: string(quoted)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			call, err := DecodeFunctionCall(llm.ToolCall{Name: "summarize", Arguments: tt.args}, []types.FunctionDeclaration{summarizeDecl})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := call.StringArgument("summary"); got != "We talked about cats." {
				t.Errorf("summary = %q", got)
			}
			if got := call.StringArgument("tags"); got != "cats, pets" {
				t.Errorf("tags = %q", got)
			}
			if call.Arguments[0].Name != "summary" || call.Arguments[1].Name != "tags" {
				t.Errorf("arguments not in declaration order: %+v", call.Arguments)
			}
			if call.Payload != tt.args {
				t.Errorf("payload not preserved")
			}
		})
	}
}

func TestDecodeFunctionCall_Invalid(t *testing.T) {
	decls := []types.FunctionDeclaration{rememberDecl}

	tests := []struct {
		name string
		call llm.ToolCall
	}{
		{name: "missing required", call: llm.ToolCall{Name: "remember", Arguments: "{}"}},
		{name: "empty arguments", call: llm.ToolCall{Name: "remember"}},
		{name: "null required", call: llm.ToolCall{Name: "remember", Arguments: `{"topic":null}`}},
		{name: "undeclared", call: llm.ToolCall{Name: "launchRockets", Arguments: `{"topic":"x"}`}},
		{name: "not json", call: llm.ToolCall{Name: "remember", Arguments: "topic=x"}},
		{name: "array", call: llm.ToolCall{Name: "remember", Arguments: `["x"]`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFunctionCall(tt.call, decls)
			var ife *InvalidFunctionCallError
			if !errors.As(err, &ife) {
				t.Fatalf("expected InvalidFunctionCallError, got %v", err)
			}
			if ife.Name != tt.call.Name {
				t.Errorf("Name = %q, want %q", ife.Name, tt.call.Name)
			}
			if ife.Payload != tt.call.Arguments {
				t.Errorf("Payload = %q, want %q", ife.Payload, tt.call.Arguments)
			}
			if ife.Code() != 500 {
				t.Errorf("Code() = %d, want 500", ife.Code())
			}
		})
	}
}

func TestDecodeFunctionCall_Extras(t *testing.T) {
	call, err := DecodeFunctionCall(llm.ToolCall{Name: "remember", Arguments: `{"zeta":1,"topic":"x","alpha":true}`}, []types.FunctionDeclaration{rememberDecl})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var names []string
	for _, a := range call.Arguments {
		names = append(names, a.Name)
	}
	if strings.Join(names, ",") != "topic,alpha,zeta" {
		t.Errorf("argument order = %v", names)
	}
	if call.StringArgument("zeta") != "1" {
		t.Errorf("zeta = %q, want 1", call.StringArgument("zeta"))
	}
}

func TestGateway_Complete_Reply(t *testing.T) {
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Hello!"}}
	g := newGateway(t, p)

	msgs := []types.Message{
		{Role: types.RoleSystem, Text: "You are Lumi."},
		{Role: types.RoleUser, Text: "Hi"},
		{Role: types.RoleFunction, FunctionName: "remember", Text: "Not found"},
	}
	res, err := g.Complete(context.Background(), msgs, []types.FunctionDeclaration{rememberDecl}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsCall() || res.Reply != "Hello!" {
		t.Fatalf("unexpected result %+v", res)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 provider call, got %d", len(calls))
	}
	req := calls[0].Req
	if got := req.Messages[0].Content; got != "You are Lumi."+SystemReminder {
		t.Errorf("system content = %q", got)
	}
	if req.Messages[2].Role != llm.RoleFunction || req.Messages[2].Name != "remember" {
		t.Errorf("function message mapped to %+v", req.Messages[2])
	}
	if len(req.Tools) != 1 || req.ForcedTool != "" {
		t.Errorf("tools = %d forced = %q", len(req.Tools), req.ForcedTool)
	}
}

func TestGateway_Complete_Forced(t *testing.T) {
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		ToolCalls: []llm.ToolCall{{Name: "summarize", Arguments: `{"summary":"s","tags":"a,b"}`}},
	}}
	g := newGateway(t, p)

	res, err := g.Complete(context.Background(),
		[]types.Message{{Role: types.RoleUser, Text: "Summarize the chat"}},
		[]types.FunctionDeclaration{rememberDecl, summarizeDecl}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsCall() || res.Call.Name != "summarize" {
		t.Fatalf("expected summarize call, got %+v", res)
	}
	req := p.Calls()[0].Req
	if req.ForcedTool != "summarize" {
		t.Errorf("ForcedTool = %q, want summarize", req.ForcedTool)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "summarize" {
		t.Errorf("expected only the forced declaration, got %+v", req.Tools)
	}
}

func TestGateway_Complete_ForcedUndeclared(t *testing.T) {
	g := newGateway(t, &llmmock.Provider{})
	_, err := g.Complete(context.Background(), []types.Message{{Role: types.RoleUser, Text: "x"}}, nil, "summarize")
	if err == nil {
		t.Fatal("expected error for undeclared forced function")
	}
}

func TestGateway_Complete_NoResponse(t *testing.T) {
	tests := []struct {
		name string
		resp *llm.CompletionResponse
	}{
		{name: "nil response", resp: nil},
		{name: "empty content", resp: &llm.CompletionResponse{}},
		{name: "whitespace", resp: &llm.CompletionResponse{Content: "  \n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(t, &llmmock.Provider{CompleteResponse: tt.resp})
			_, err := g.Complete(context.Background(), []types.Message{{Role: types.RoleUser, Text: "x"}}, nil, "")
			if !errors.Is(err, ErrNoResponse) {
				t.Fatalf("expected ErrNoResponse, got %v", err)
			}
		})
	}
}

func TestGateway_Complete_ProviderError(t *testing.T) {
	boom := errors.New("boom")
	g := newGateway(t, &llmmock.Provider{CompleteErr: boom})
	_, err := g.Complete(context.Background(), []types.Message{{Role: types.RoleUser, Text: "x"}}, nil, "")
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
}

func TestToWire_UnknownRole(t *testing.T) {
	if _, err := ToWire([]types.Message{{Role: "narrator", Text: "x"}}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestGateway_EmbedMessage(t *testing.T) {
	emb := &embmock.Provider{EmbedResult: []float32{0.5, 0.5}}
	g, err := New(&llmmock.Provider{}, emb)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m := types.Message{Role: types.RoleUser, Text: "hello"}
	if err := g.EmbedMessage(context.Background(), &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.Embedding) != 2 {
		t.Fatalf("embedding not attached: %v", m.Embedding)
	}

	// Already embedded messages are left untouched.
	if err := g.EmbedMessage(context.Background(), &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(emb.Texts()); n != 1 {
		t.Errorf("expected 1 embed call, got %d", n)
	}
}

func TestNew_NilProviders(t *testing.T) {
	if _, err := New(nil, &embmock.Provider{}); err == nil {
		t.Error("expected error for nil llm")
	}
	if _, err := New(&llmmock.Provider{}, nil); err == nil {
		t.Error("expected error for nil embedder")
	}
}
