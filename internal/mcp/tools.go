package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/dexsync/internal/storage"
	"github.com/gateway-fm/dexsync/internal/txqueue"
	"github.com/gateway-fm/dexsync/pkg/types"
)

// RegisterTools registers all dexsync tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	s.AddTool(gomcp.NewTool("dexsync_health",
		gomcp.WithDescription("Check whether the dexsync service and its RPC node are reachable."),
	), healthHandler(client))

	s.AddTool(gomcp.NewTool("dexsync_fields",
		gomcp.WithDescription("List the cached contract fields that can be read."),
	), fieldsHandler(client))

	s.AddTool(gomcp.NewTool("dexsync_read_field",
		gomcp.WithDescription("Read a cached contract field. Returns immediately; a stale value triggers a background refresh."),
		gomcp.WithString("contract",
			gomcp.Required(),
			gomcp.Description("Contract address (0x...)"),
		),
		gomcp.WithString("field",
			gomcp.Required(),
			gomcp.Description("Field name, e.g. balanceOf, allowance, symbol"),
		),
		gomcp.WithString("account",
			gomcp.Description("Holder address for per-account fields"),
		),
		gomcp.WithString("args",
			gomcp.Description("Comma-separated call arguments, e.g. the spender for allowance"),
		),
	), readFieldHandler(client))

	s.AddTool(gomcp.NewTool("dexsync_refresh_field",
		gomcp.WithDescription("Schedule a refetch of a cached field regardless of its TTL."),
		gomcp.WithString("contract", gomcp.Required(), gomcp.Description("Contract address (0x...)")),
		gomcp.WithString("field", gomcp.Required(), gomcp.Description("Field name")),
		gomcp.WithString("account", gomcp.Description("Holder address for per-account fields")),
		gomcp.WithString("args", gomcp.Description("Comma-separated call arguments")),
	), refreshFieldHandler(client))

	s.AddTool(gomcp.NewTool("dexsync_set_steps",
		gomcp.WithDescription("Replace the transaction queue and start it. This is a MUTATING operation that sends transactions. "+
			`Steps is a JSON array of {"title","kind":"approve|transfer|native|raw","token","spender","to","amount","value","data","waitForResponseOf":[indices],"reloadQueriesAfterMined":[queries]}.`),
		gomcp.WithString("steps",
			gomcp.Required(),
			gomcp.Description("JSON array of steps"),
		),
	), setStepsHandler(client))

	s.AddTool(gomcp.NewTool("dexsync_queue",
		gomcp.WithDescription("Show the current transaction queue: state, active step and per-step status."),
	), queueHandler(client))

	s.AddTool(gomcp.NewTool("dexsync_cancel_queue",
		gomcp.WithDescription("Cancel the current queue. Sent transactions are still watched. This is a MUTATING operation."),
	), cancelQueueHandler(client))

	s.AddTool(gomcp.NewTool("dexsync_invalidate",
		gomcp.WithDescription("Invalidate queries as if a write feeding them was mined. This is a MUTATING operation."),
		gomcp.WithString("queries",
			gomcp.Required(),
			gomcp.Description("Comma-separated query names"),
		),
	), invalidateHandler(client))

	s.AddTool(gomcp.NewTool("dexsync_history",
		gomcp.WithDescription("List past transaction queues, newest first (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	), historyHandler(client))

	s.AddTool(gomcp.NewTool("dexsync_queue_detail",
		gomcp.WithDescription("Get a past transaction queue with all its steps by ID."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Queue ID"),
		),
	), queueDetailHandler(client))

	s.AddTool(gomcp.NewTool("dexsync_delete_queue",
		gomcp.WithDescription("Delete a finished queue and its steps from history. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Queue ID"),
		),
	), deleteQueueHandler(client))

	s.AddTool(gomcp.NewTool("dexsync_stats",
		gomcp.WithDescription("Cache size, pending transactions, fetch and confirmation latency."),
	), statsHandler(client))
}

func fieldRequest(req gomcp.CallToolRequest) (types.FieldRequest, error) {
	contract, err := req.RequireString("contract")
	if err != nil {
		return types.FieldRequest{}, fmt.Errorf("contract is required")
	}
	field, err := req.RequireString("field")
	if err != nil {
		return types.FieldRequest{}, fmt.Errorf("field is required")
	}
	return types.FieldRequest{
		Contract: contract,
		Field:    field,
		Account:  req.GetString("account", ""),
		Args:     splitList(req.GetString("args", "")),
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func healthHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("dexsync unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	}
}

func fieldsHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/fields")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("dexsync unreachable: %v\n\nIs the service running?", err)), nil
		}
		var resp struct {
			Fields []string `json:"fields"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Error parsing fields: %v", err)), nil
		}
		out := newReport("Fields")
		out.lines(resp.Fields)
		return gomcp.NewToolResultText(out.String()), nil
	}
}

func readFieldHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		fr, err := fieldRequest(req)
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}
		raw, err := client.Post(ctx, "/v1/fields/read", fr)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Read failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatField(raw)), nil
	}
}

func refreshFieldHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		fr, err := fieldRequest(req)
		if err != nil {
			return gomcp.NewToolResultError(err.Error()), nil
		}
		if _, err := client.Post(ctx, "/v1/fields/refresh", fr); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Refresh failed: %v", err)), nil
		}
		out := newReport("Refresh Scheduled")
		out.row("Field", fr.Field)
		out.row("Contract", fr.Contract)
		if fr.Account != "" {
			out.row("Account", fr.Account)
		}
		return gomcp.NewToolResultText(out.String()), nil
	}
}

func setStepsHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := req.RequireString("steps")
		if err != nil {
			return gomcp.NewToolResultError("steps is required"), nil
		}
		var steps []types.StepRequest
		if err := json.Unmarshal([]byte(raw), &steps); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("steps is not a valid JSON array: %v", err)), nil
		}

		resp, err := client.Post(ctx, "/v1/steps", types.SetStepsRequest{Steps: steps})
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Set steps failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatQueue("Queue Started", resp)), nil
	}
}

func queueHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/queue")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Queue failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatQueue("Current Queue", raw)), nil
	}
}

func cancelQueueHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Post(ctx, "/v1/queue/cancel", nil)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Cancel failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatQueue("Queue Cancelled", raw)), nil
	}
}

func invalidateHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		list, err := req.RequireString("queries")
		if err != nil {
			return gomcp.NewToolResultError("queries is required"), nil
		}
		queries := splitList(list)
		if len(queries) == 0 {
			return gomcp.NewToolResultError("queries is required"), nil
		}
		if _, err := client.Post(ctx, "/v1/invalidate", map[string][]string{"queries": queries}); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Invalidate failed: %v", err)), nil
		}
		out := newReport("Queries Invalidated")
		out.lines(queries)
		return gomcp.NewToolResultText(out.String()), nil
	}
}

func historyHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		raw, err := client.Get(ctx, fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	}
}

func queueDetailHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/history/"+id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Queue detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatQueueRun(raw)), nil
	}
}

func deleteQueueHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if err := client.Delete(ctx, "/v1/history/"+id); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		out := newReport("Queue Deleted")
		out.row("ID", id)
		return gomcp.NewToolResultText(out.String()), nil
	}
}

func statsHandler(client *Client) server.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/stats")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Stats failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatStats(raw)), nil
	}
}

// Response formatting functions

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	state := "READY"
	if ready, _ := m["ready"].(bool); !ready {
		state = "NOT READY"
	}
	out := newReport("dexsync Health: " + state)

	checks, _ := m["checks"].([]any)
	for _, c := range checks {
		check, ok := c.(map[string]any)
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-15s %s (%dms)", getStr(check, "name"), getStr(check, "status"), int64(getNum(check, "latency_ms")))
		if errMsg := getStr(check, "error"); errMsg != "" {
			line += " - " + errMsg
		}
		out.line("%s", line)
	}
	return out.String()
}

func formatField(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing field: %v", err)
	}
	freshness := "fresh"
	if stale, _ := m["stale"].(bool); stale {
		freshness = "stale (refresh scheduled)"
	}
	fetched := "never"
	if s := getStr(m, "fetchedAt"); s != "" {
		fetched = s
	}

	out := newReport("Field " + getStr(m, "field"))
	out.row("Key", getStr(m, "key"))
	out.row("Value", amount(m["value"]))
	out.row("Freshness", freshness)
	out.row("Fetched At", fetched)
	out.row("Version", amount(getNum(m, "version")))
	return out.String()
}

func formatQueue(title string, raw json.RawMessage) string {
	var snap txqueue.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Sprintf("Error parsing queue: %v", err)
	}

	out := newReport(title)
	out.row("ID", snap.ID)
	out.row("State", snap.State)
	out.row("Active Step", fmt.Sprintf("%d / %d", snap.ActiveIndex, len(snap.Steps)))
	out.row("Created", timestamp(snap.CreatedAt))
	if snap.Error != "" {
		out.row("Failed Step", snap.FailedIndex)
		out.row("Error Kind", snap.ErrorKind)
		out.row("Error", snap.Error)
	}

	out.heading("Steps")
	for _, st := range snap.Steps {
		out.line("%s", stepLine(st.Index, st.Title, st.Status.String(), st.TxHash, st.Error))
	}
	return out.String()
}

func stepLine(index int, title, status, txHash, errMsg string) string {
	line := fmt.Sprintf("  [%d] %-24s %-10s", index, title, status)
	if txHash != "" {
		line += " " + shortHash(txHash)
	}
	if errMsg != "" {
		line += " - " + errMsg
	}
	return strings.TrimRight(line, " ")
}

func formatHistory(raw json.RawMessage) string {
	var page storage.PaginatedQueueRuns
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	out := newReport("Queue History")
	out.row("Total Queues", amount(page.Total))
	if len(page.Runs) == 0 {
		out.line("")
		out.line("No queues found.")
		return out.String()
	}

	for _, run := range page.Runs {
		out.subheading(run.ID)
		out.row("State", run.State)
		out.row("Steps", run.StepCount)
		out.row("Created", timestamp(run.CreatedAt))
		if run.ErrorMessage != "" {
			out.row("Error", run.ErrorMessage)
		}
	}
	return out.String()
}

func formatQueueRun(raw json.RawMessage) string {
	var run storage.QueueRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return fmt.Sprintf("Error parsing queue: %v", err)
	}

	finished := "-"
	if run.FinishedAt != nil {
		finished = timestamp(*run.FinishedAt)
	}
	out := newReport("Queue: " + run.ID)
	out.row("State", run.State)
	out.row("Created", timestamp(run.CreatedAt))
	out.row("Finished", finished)
	if run.ErrorMessage != "" {
		out.row("Failed Step", run.FailedIndex)
		out.row("Error Kind", run.ErrorKind)
		out.row("Error", run.ErrorMessage)
	}

	out.heading("Steps")
	for _, st := range run.Steps {
		out.line("%s", stepLine(st.Index, st.Title, st.Status, st.TxHash, st.Error))
	}
	return out.String()
}

func formatStats(raw json.RawMessage) string {
	var st types.Stats
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Sprintf("Error parsing stats: %v", err)
	}

	out := newReport("dexsync Stats")
	out.row("Cached Fields", amount(st.CachedFields))
	out.row("Pending TXs", amount(st.PendingTxs))
	if st.Confirmations != nil {
		latency(out, "Confirmation Latency", st.Confirmations)
	}
	if st.Fetches != nil {
		latency(out, "Fetch Latency", st.Fetches)
	}
	return out.String()
}

func latency(out *report, title string, l *types.LatencyStats) {
	out.heading(title)
	out.row("Samples", amount(l.Count))
	out.row("Min", millis(l.Min))
	out.row("P50", millis(l.P50))
	out.row("P90", millis(l.P90))
	out.row("P99", millis(l.P99))
	out.row("Max", millis(l.Max))
}

// Helper functions
func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
