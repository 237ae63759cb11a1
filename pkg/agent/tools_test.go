package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calculatorTool() Tool {
	return Tool{
		Name:        "calculator",
		Description: "Adds two numbers.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"a": map[string]any{"type": "number"},
				"b": map[string]any{"type": "number"},
			},
			"required": []any{"a", "b"},
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			return args["a"].(float64) + args["b"].(float64), nil
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry(nil)

	require.NoError(t, reg.Register(calculatorTool()))
	assert.Error(t, reg.Register(calculatorTool()), "duplicate name")
	assert.Error(t, reg.Register(Tool{Execute: func(context.Context, map[string]any) (any, error) { return nil, nil }}), "empty name")
	assert.Error(t, reg.Register(Tool{Name: "no-exec"}), "missing execute")

	assert.Equal(t, []string{"calculator"}, reg.Names())
	defs := reg.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "calculator", defs[0].Name)
	assert.NotNil(t, defs[0].InputSchema)
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	reg := NewRegistry(nil)
	err := reg.Register(Tool{
		Name:        "broken",
		InputSchema: map[string]any{"type": 42},
		Execute:     func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	assert.Error(t, err)
}

func TestExecuteSuccess(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(calculatorTool()))

	result := reg.Execute(context.Background(), ToolCall{
		ID: "c1", Name: "calculator", Arguments: `{"a": 2, "b": 3}`,
	})
	require.NoError(t, result.Err)
	assert.Equal(t, float64(5), result.Output)
	assert.GreaterOrEqual(t, result.Duration.Nanoseconds(), int64(0))
}

func TestExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry(nil)
	result := reg.Execute(context.Background(), ToolCall{Name: "nope"})
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "unknown tool")
}

func TestExecuteInvalidJSON(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(calculatorTool()))

	result := reg.Execute(context.Background(), ToolCall{Name: "calculator", Arguments: `{"a":`})
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "invalid tool arguments")
}

func TestExecuteSchemaViolation(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(calculatorTool()))

	result := reg.Execute(context.Background(), ToolCall{Name: "calculator", Arguments: `{"a": 1}`})
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "validation")

	result = reg.Execute(context.Background(), ToolCall{Name: "calculator", Arguments: `{"a": "x", "b": 2}`})
	require.Error(t, result.Err)
}

func TestExecuteEmptyArguments(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(Tool{
		Name: "ping",
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			return "pong", nil
		},
	}))

	result := reg.Execute(context.Background(), ToolCall{Name: "ping"})
	require.NoError(t, result.Err)
	assert.Equal(t, "pong", result.Output)
}

func TestExecuteToolError(t *testing.T) {
	reg := NewRegistry(nil)
	boom := errors.New("backend unreachable")
	require.NoError(t, reg.Register(Tool{
		Name: "flaky",
		Execute: func(context.Context, map[string]any) (any, error) {
			return nil, boom
		},
	}))

	result := reg.Execute(context.Background(), ToolCall{Name: "flaky"})
	assert.ErrorIs(t, result.Err, boom)
	assert.Nil(t, result.Output)
}
