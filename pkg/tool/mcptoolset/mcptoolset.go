// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcptoolset exposes tools served by an MCP server to the registry.
//
// MCP (Model Context Protocol) servers run as subprocesses speaking the
// stdio transport. The toolset connects lazily: the subprocess starts on
// the first Tools call, not at construction.
//
// Server progress notifications are recorded as mcp_progress log rows,
// attributed to the scope of the most recent invocation on this toolset.
package mcptoolset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/cascade/pkg/runlog"
	"github.com/kadirpekel/cascade/pkg/tool"
)

// Config configures an MCP toolset.
type Config struct {
	// Name identifies this toolset in logs.
	Name string

	// Command launches the MCP server subprocess (required).
	Command string

	// Args for the subprocess.
	Args []string

	// Env for the subprocess.
	Env map[string]string

	// Filter limits which server tools are exposed.
	Filter []string

	// Tags applied to every tool in the set, for manifest selection.
	Tags []string

	// ParallelSafe marks the server's tools safe for per-turn fan-out.
	// A stdio session is one channel, so this defaults to false.
	ParallelSafe bool

	// Log receives mcp_progress rows for server notifications. Optional.
	Log *runlog.Logger
}

// Toolset is an MCP-backed tool source with lazy initialization.
type Toolset struct {
	cfg       Config
	filterSet map[string]bool

	mu        sync.Mutex
	client    *client.Client
	tools     []tool.Tool
	connected bool

	scopeMu sync.RWMutex
	scope   runlog.Scope
}

// New creates a new MCP toolset.
func New(cfg Config) (*Toolset, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}

	return &Toolset{
		cfg:       cfg,
		filterSet: filterSet,
	}, nil
}

// Name returns the toolset name.
func (t *Toolset) Name() string {
	return t.cfg.Name
}

// Tools returns the available tools, connecting lazily if needed.
func (t *Toolset) Tools(ctx context.Context) ([]tool.Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
		}
	}

	return t.tools, nil
}

// RegisterAll resolves the server's tools and adds each to the registry.
func (t *Toolset) RegisterAll(ctx context.Context, reg *tool.Registry) error {
	tools, err := t.Tools(ctx)
	if err != nil {
		return err
	}

	for _, mt := range tools {
		if err := reg.Register(mt); err != nil {
			return err
		}
	}
	return nil
}

// connect starts the subprocess and lists its tools.
func (t *Toolset) connect(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(
		t.cfg.Command,
		convertEnv(t.cfg.Env),
		t.cfg.Args...,
	)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	mcpClient.OnNotification(func(n mcp.JSONRPCNotification) {
		t.logNotification(n)
	})

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "cascade",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = "2024-11-05"

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var tools []tool.Tool
	for _, serverTool := range listResp.Tools {
		if t.filterSet != nil && !t.filterSet[serverTool.Name] {
			continue
		}

		tools = append(tools, &mcpTool{
			toolset: t,
			name:    serverTool.Name,
			desc:    serverTool.Description,
			schema:  convertSchema(serverTool.InputSchema),
		})
	}

	t.client = mcpClient
	t.tools = tools
	t.connected = true

	slog.Info("Connected to MCP server",
		"name", t.cfg.Name,
		"command", t.cfg.Command,
		"tools", len(tools),
	)

	return nil
}

// logNotification records a server notification as an mcp_progress row.
func (t *Toolset) logNotification(n mcp.JSONRPCNotification) {
	if t.cfg.Log == nil {
		return
	}

	body, err := json.Marshal(map[string]any{
		"source": t.cfg.Name,
		"method": n.Method,
		"params": n.Params,
	})
	if err != nil {
		return
	}

	ctx := runlog.WithScope(context.Background(), t.currentScope())
	t.cfg.Log.Log(ctx, runlog.Row{
		NodeType: runlog.NodeMCPProgress,
		Role:     "system",
		Content:  string(body),
	})
}

func (t *Toolset) setScope(s runlog.Scope) {
	t.scopeMu.Lock()
	t.scope = s
	t.scopeMu.Unlock()
}

func (t *Toolset) currentScope() runlog.Scope {
	t.scopeMu.RLock()
	defer t.scopeMu.RUnlock()
	return t.scope
}

// Close shuts down the MCP subprocess.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		t.connected = false
		t.tools = nil
		return err
	}
	return nil
}

// convertEnv converts a map to a slice of "KEY=VALUE".
func convertEnv(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

// convertSchema converts an MCP input schema to a plain map.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// mcpTool adapts one server tool to tool.Tool.
type mcpTool struct {
	toolset *Toolset
	name    string
	desc    string
	schema  map[string]any
}

func (w *mcpTool) Name() string {
	return w.name
}

func (w *mcpTool) Description() string {
	return w.desc
}

func (w *mcpTool) Schema() map[string]any {
	return w.schema
}

func (w *mcpTool) Tags() []string {
	return w.toolset.cfg.Tags
}

func (w *mcpTool) ParallelSafe() bool {
	return w.toolset.cfg.ParallelSafe
}

func (w *mcpTool) Invoke(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	w.toolset.mu.Lock()
	mcpClient := w.toolset.client
	w.toolset.mu.Unlock()

	if mcpClient == nil {
		return nil, fmt.Errorf("MCP client not connected")
	}

	// Progress notifications emitted during this call inherit its scope.
	w.toolset.setScope(runlog.ScopeFrom(ctx))

	req := mcp.CallToolRequest{}
	req.Params.Name = w.name
	req.Params.Arguments = inputs

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}

	return parseToolResponse(resp), nil
}

// parseToolResponse flattens an MCP tool response into the engine's routed
// output shape.
func parseToolResponse(resp *mcp.CallToolResult) map[string]any {
	if resp.IsError {
		for _, content := range resp.Content {
			if textContent, ok := content.(mcp.TextContent); ok {
				return tool.Fail("%s", textContent.Text)
			}
		}
		return tool.Fail("unknown error")
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	result := make(map[string]any)
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result
}

// Verify interface compliance
var _ tool.Tool = (*mcpTool)(nil)
