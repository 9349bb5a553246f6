package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Register wires the five control tools onto the MCP server. Validation
// failures come back as tool errors; precondition violations are regular
// result documents describing the state.
func (t *Toolkit) Register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "start",
		Description: "Start a background worker task; returns the task id immediately",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args StartArgs) (*mcp.CallToolResult, StartOutput, error) {
		out, err := t.Start(args)
		if err != nil {
			return errorResult(err), StartOutput{}, nil
		}
		return textResult(out), *out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list",
		Description: "List tasks, most recently active first",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args ListArgs) (*mcp.CallToolResult, ListOutput, error) {
		out, err := t.List(args)
		if err != nil {
			return errorResult(err), ListOutput{}, nil
		}
		return textResult(out), *out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "respond",
		Description: "Send a response to a task that is waiting for user input",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args RespondArgs) (*mcp.CallToolResult, RespondOutput, error) {
		out, err := t.Respond(args)
		if err != nil {
			return errorResult(err), RespondOutput{}, nil
		}
		return textResult(out), *out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel",
		Description: "Cancel a task and terminate its worker process",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args CancelArgs) (*mcp.CallToolResult, CancelOutput, error) {
		out, err := t.Cancel(args)
		if err != nil {
			return errorResult(err), CancelOutput{}, nil
		}
		return textResult(out), *out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "health",
		Description: "Report worker CLI availability, configuration, and pool status",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args HealthArgs) (*mcp.CallToolResult, HealthOutput, error) {
		out, err := t.Health(ctx)
		if err != nil {
			return errorResult(err), HealthOutput{}, nil
		}
		return textResult(out), *out, nil
	})
}

func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", v))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}
