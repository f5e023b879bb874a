package anthropic

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmesh/core"
	"github.com/hupe1980/researchmesh/model"
)

func TestBuildMessages_AlternatesRoles(t *testing.T) {
	call := core.ToolCallRequest{ID: "c1", Name: "search", Arguments: `{"query":"EGFR"}`}
	history := []core.Message{
		core.NewUserMessage("find EGFR inhibitors"),
		core.NewToolCallMessage("TargetSearch", "let me check", call),
		core.NewToolResultMessage("TargetSearch", core.ToolCallResult{
			CallID: "c1", Name: "search", Status: core.ToolCallStatusError,
			ErrorKind: core.ErrorKindToolExecution, Error: "upstream 503",
		}),
		core.NewAgentMessage("Critique", "try again"),
	}

	msgs := buildMessages(model.Request{Agent: "TargetSearch", Messages: history})
	require.Len(t, msgs, 3)

	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, msgs[1].Role)
	assert.Len(t, msgs[1].Content, 2)
	assert.Equal(t, anthropic.MessageParamRoleUser, msgs[2].Role)
	assert.Len(t, msgs[2].Content, 2, "tool result and following input share one user message")
}

func TestBuildTools(t *testing.T) {
	tools := buildTools([]model.ToolDefinition{{
		Type: "function",
		Function: model.FunctionDefinition{
			Name:        "search",
			Description: "Search literature",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"query": map[string]any{"type": "string"}},
				"required":   []any{"query"},
			},
		},
	}})

	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "search", tools[0].OfTool.Name)
	assert.Equal(t, []string{"query"}, tools[0].OfTool.InputSchema.Required)
}
