// Package tools exposes a completion database's lifecycle to IDE clients
// over MCP.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/DeusData/completion-db/internal/lifecycle"
	"github.com/DeusData/completion-db/internal/store"
)

// History is the cross-run record of generations.
type History interface {
	RecentRuns(identity string, limit int) ([]*store.Run, error)
}

// Server wraps the MCP server with tool handlers.
type Server struct {
	mcp      *mcp.Server
	impl     *mcp.Implementation
	ctl      *lifecycle.Controller
	history  History
	identity string
}

// NewServer creates an MCP server bound to one controller. version is
// reported to clients; history may be nil.
func NewServer(ctl *lifecycle.Controller, history History, identity, version string) *Server {
	impl := &mcp.Implementation{Name: "completion-db", Version: version}
	srv := &Server{
		mcp:      mcp.NewServer(impl, nil),
		impl:     impl,
		ctl:      ctl,
		history:  history,
		identity: identity,
	}
	srv.registerTools()
	return srv
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

func (s *Server) registerTools() {
	s.mcp.AddTool(&mcp.Tool{
		Name:        "database_status",
		Description: "Report whether the completion database is current, with a short reason when it is not, generation progress while it is being rebuilt, and the outcomes of recent generations.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"refresh": {
					"type": "boolean",
					"description": "Re-evaluate the database before answering (default: true)"
				},
				"history": {
					"type": "integer",
					"description": "Number of recent generation runs to include (default 5, max 50)"
				}
			}
		}`),
	}, s.handleDatabaseStatus)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "list_missing_modules",
		Description: "List library modules whose database entry is missing or older than the module file.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {
					"type": "integer",
					"description": "Max modules to return (default 100, max 1000)"
				}
			}
		}`),
	}, s.handleListMissingModules)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "regenerate_database",
		Description: "Start regenerating the completion database in the background. Does nothing when a generation is already running.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"full": {
					"type": "boolean",
					"description": "Rescan every module instead of only stale ones"
				}
			}
		}`),
	}, s.handleRegenerate)

	s.mcp.AddTool(&mcp.Tool{
		Name:        "report_corruption",
		Description: "Report that the loaded database is internally inconsistent. Switches consumers to the default database and schedules a full rebuild.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"detail": {
					"type": "string",
					"description": "What was inconsistent"
				}
			},
			"required": ["detail"]
		}`),
	}, s.handleReportCorruption)
}

type statusResult struct {
	State       string              `json:"state"`
	DatabaseDir string              `json:"database_dir"`
	Missing     int                 `json:"missing_modules"`
	Status      lifecycle.Status    `json:"status"`
	Runs        []runInfo           `json:"recent_runs,omitempty"`
}

type runInfo struct {
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at,omitempty"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	Written    int    `json:"written"`
	Failed     int    `json:"failed"`
}

func (s *Server) handleDatabaseStatus(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}

	st := s.ctl.Status()
	if refresh, ok := args["refresh"].(bool); !ok || refresh {
		st = s.ctl.Evaluate(ctx)
	}
	// the full list is served by list_missing_modules
	missing := len(st.Missing)
	st.Missing = nil

	res := statusResult{
		State:       st.State.String(),
		DatabaseDir: s.ctl.DatabaseDir(),
		Missing:     missing,
		Status:      st,
	}

	limit := min(max(getIntArg(args, "history", 5), 0), 50)
	if s.history != nil && limit > 0 {
		runs, err := s.history.RecentRuns(s.identity, limit)
		if err != nil {
			return errResult(fmt.Sprintf("read run history: %v", err)), nil
		}
		for _, r := range runs {
			info := runInfo{
				StartedAt: r.StartedAt.UTC().Format(time.RFC3339),
				Outcome:   r.Outcome,
				Detail:    r.Detail,
				Written:   r.Written,
				Failed:    r.Failed,
			}
			if !r.FinishedAt.IsZero() {
				info.FinishedAt = r.FinishedAt.UTC().Format(time.RFC3339)
			}
			res.Runs = append(res.Runs, info)
		}
	}
	return jsonResult(res), nil
}

func (s *Server) handleListMissingModules(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	limit := min(max(getIntArg(args, "limit", 100), 1), 1000)

	st := s.ctl.Evaluate(ctx)
	missing := st.Missing
	truncated := false
	if len(missing) > limit {
		missing = missing[:limit]
		truncated = true
	}
	if missing == nil {
		missing = []string{}
	}
	return jsonResult(map[string]any{
		"state":     st.State.String(),
		"total":     len(st.Missing),
		"modules":   missing,
		"truncated": truncated,
	}), nil
}

func (s *Server) handleRegenerate(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	started, err := s.ctl.RequestRebuild(ctx, getBoolArg(args, "full"))
	if err != nil {
		return errResult(fmt.Sprintf("regenerate: %v", err)), nil
	}
	msg := "generation started"
	if !started {
		msg = lifecycle.ErrAlreadyGenerating.Error()
	}
	return jsonResult(map[string]any{
		"started": started,
		"message": msg,
		"state":   s.ctl.Status().State.String(),
	}), nil
}

func (s *Server) handleReportCorruption(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := parseArgs(req)
	if err != nil {
		return errResult(err.Error()), nil
	}
	detail := getStringArg(args, "detail")
	if detail == "" {
		return errResult("detail is required"), nil
	}
	s.ctl.ReportCorrupt(ctx, errors.New(detail))
	return jsonResult(map[string]any{
		"database_dir": s.ctl.DatabaseDir(),
		"state":        s.ctl.Status().State.String(),
	}), nil
}

// jsonResult marshals data to JSON and returns as tool result.
func jsonResult(data any) *mcp.CallToolResult {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errResult("json marshal err=" + err.Error())
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(b)},
		},
	}
}

// errResult returns a tool result indicating an error.
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}

// parseArgs unmarshals the raw JSON arguments into a map.
func parseArgs(req *mcp.CallToolRequest) (map[string]any, error) {
	if req.Params == nil || len(req.Params.Arguments) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(req.Params.Arguments, &m); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return m, nil
}

func getStringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// getIntArg extracts an integer argument with a default value.
func getIntArg(args map[string]any, key string, defaultVal int) int {
	f, ok := args[key].(float64) // JSON numbers decode as float64
	if !ok {
		return defaultVal
	}
	return int(f)
}

func getBoolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}
