package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kolapsis/llmos/internal/analyzer"
	"github.com/kolapsis/llmos/internal/events"
	"github.com/kolapsis/llmos/internal/gateway"
	"github.com/kolapsis/llmos/internal/kernel"
)

func registerTools(s *server.MCPServer, k *kernel.Kernel) {
	// generate_app — run the full generation pipeline
	s.AddTool(
		mcp.NewTool("generate_app",
			mcp.WithDescription("Generate a sandboxed app from a natural-language prompt. Returns the registry entry, granted capabilities and analyzer report, or clarification questions when the prompt is too vague."),
			mcp.WithString("prompt",
				mcp.Required(),
				mcp.Description("What the app should do"),
			),
			mcp.WithBoolean("force",
				mcp.Description("Generate even when the prompt scores below the confidence threshold"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()

			prompt, _ := args["prompt"].(string)
			if prompt == "" {
				return mcp.NewToolResultError("prompt is required"), nil
			}
			force, _ := args["force"].(bool)

			resp, clarify, err := k.GenerateApp(ctx, prompt, gateway.Options{Force: force})
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			if clarify != nil {
				return jsonResult(clarify)
			}
			return jsonResult(resp)
		},
	)

	// analyze_code — run the static analyzer without generating
	s.AddTool(
		mcp.NewTool("analyze_code",
			mcp.WithDescription("Run the deterministic rule engine over app code or a container recipe and return findings."),
			mcp.WithString("code",
				mcp.Description("App code to analyze"),
			),
			mcp.WithString("dockerfile",
				mcp.Description("Container recipe to analyze"),
			),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()

			code, _ := args["code"].(string)
			dockerfile, _ := args["dockerfile"].(string)
			if code == "" && dockerfile == "" {
				return mcp.NewToolResultError("code or dockerfile is required"), nil
			}

			out := map[string]any{}
			if code != "" {
				out["code"] = analyzer.Analyze(code)
			}
			if dockerfile != "" {
				out["dockerfile"] = analyzer.AnalyzeDockerfile(dockerfile)
			}
			return jsonResult(out)
		},
	)

	// search_apps — trigram search over the registry
	s.AddTool(
		mcp.NewTool("search_apps",
			mcp.WithDescription("Search registered apps by prompt similarity."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Search query"),
			),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			query, _ := req.GetArguments()["query"].(string)
			if query == "" {
				return mcp.NewToolResultError("query is required"), nil
			}
			return jsonResult(k.Registry.Search(query))
		},
	)

	// list_tasks — scheduler state
	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List background tasks with their state, including circuit-breaker and budget status."),
		),
		func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return jsonResult(k.Scheduler.GetAll())
		},
	)

	// run_task — immediate execution
	s.AddTool(
		mcp.NewTool("run_task",
			mcp.WithDescription("Run a background task immediately, bypassing its timer."),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("Task ID"),
			),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, _ := req.GetArguments()["id"].(string)
			if id == "" {
				return mcp.NewToolResultError("id is required"), nil
			}
			result, err := k.Scheduler.RunNow(id)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return jsonResult(result)
		},
	)

	// get_events — audit log
	s.AddTool(
		mcp.NewTool("get_events",
			mcp.WithDescription("Query the kernel audit log."),
			mcp.WithString("kind",
				mcp.Description("Filter by event kind"),
				mcp.Enum("generation", "grant", "launch", "kill", "analyzer_block", "task_run", "publish", "revoke"),
			),
			mcp.WithString("app_id",
				mcp.Description("Filter by app"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum events to return (default 50)"),
			),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()

			kind, _ := args["kind"].(string)
			appID, _ := args["app_id"].(string)
			limit := 50
			if n, ok := args["limit"].(float64); ok && n > 0 {
				limit = int(n)
			}

			list, err := k.Events.Query(events.Filter{Kind: kind, AppID: appID, Limit: limit})
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return jsonResult(list)
		},
	)

	// kernel_status — one-shot overview
	s.AddTool(
		mcp.NewTool("kernel_status",
			mcp.WithDescription("Summarize the kernel: app counts, running sandboxes, models, scheduler aggregate."),
		),
		func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return jsonResult(k.Status())
		},
	)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
