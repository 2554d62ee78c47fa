package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestGeminiProcessResponseSkipsThoughts(t *testing.T) {
	c := &GeminiClient{callIDs: make(map[string]string)}
	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{
			{Text: "thinking...", Thought: true},
			{Text: "Sure, "},
			{FunctionCall: &genai.FunctionCall{Name: "list_directory", Args: map[string]any{"path": "."}}},
		}},
	}}}

	parts, evs := c.processResponse(resp)
	require.Len(t, parts, 2)
	require.Equal(t, []EventKind{EventContent, EventToolCallRequest}, kinds(evs))
	assert.Equal(t, "Sure, ", evs[0].Text)
	assert.NotEmpty(t, evs[1].ToolCall.CallID)
	assert.Empty(t, parts[1].FunctionCall.ID)
}

func TestGeminiRestoresProviderCallIDs(t *testing.T) {
	c := &GeminiClient{callIDs: make(map[string]string)}
	synthetic := c.assignCallID("")
	own := c.assignCallID("fc-1")
	assert.Equal(t, "fc-1", own)
	assert.NotEqual(t, synthetic, c.assignCallID(""))

	in := []*genai.Part{
		{FunctionResponse: &genai.FunctionResponse{ID: synthetic, Name: "glob"}},
		{FunctionResponse: &genai.FunctionResponse{ID: own, Name: "grep"}},
	}
	out := c.restoreCallIDs(in)
	assert.Empty(t, out[0].FunctionResponse.ID)
	assert.Equal(t, "fc-1", out[1].FunctionResponse.ID)
	assert.Equal(t, synthetic, in[0].FunctionResponse.ID, "input must not be mutated")
}

func TestSanitizeContents(t *testing.T) {
	out := sanitizeContents([]*genai.Content{nil, {Role: genai.RoleUser}})
	require.Len(t, out, 1)
	require.Len(t, out[0].Parts, 1)
	assert.Equal(t, " ", out[0].Parts[0].Text)

	assert.Len(t, sanitizeContents(nil), 1)
}
