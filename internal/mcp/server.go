// Package mcp exposes a read-only tool surface over the graph store for
// MCP clients. Tools answer with JSON text; mutations stay on the HTTP
// API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/corekeeper/ckcore/internal/graph"
	"github.com/corekeeper/ckcore/internal/logging"
	"github.com/corekeeper/ckcore/internal/model"
	"github.com/corekeeper/ckcore/internal/query"
	"github.com/corekeeper/ckcore/internal/storage"
)

// maxToolResults caps the rows a single tool call returns.
const maxToolResults = 500

// parserCacheSize bounds the tool-side query parse cache.
const parserCacheSize = 128

// Tool executes one named tool call with raw JSON arguments.
type Tool interface {
	Execute(ctx context.Context, input json.RawMessage) (any, error)
}

// Deps is what the tools read from.
type Deps struct {
	Driver  storage.Driver
	Model   func() *model.Model
	Version string
}

// Server wraps the mcp-go server with the tool set.
type Server struct {
	deps   Deps
	mcp    *server.MCPServer
	parser *query.CachingParser
	log    *logging.Logger
}

// New builds the server and registers the tools.
func New(deps Deps) *Server {
	parser, err := query.NewCachingParser(parserCacheSize)
	if err != nil {
		panic(err)
	}
	s := &Server{
		deps: deps,
		mcp: server.NewMCPServer(
			"ckcore",
			deps.Version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
		parser: parser,
		log:    logging.GetLogger("mcp"),
	}
	s.registerTools()
	return s
}

// HTTPHandler returns the streamable HTTP transport for mounting under
// /mcp. Stateless mode keeps clients without session management working.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(
		s.mcp,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	)
}

func (s *Server) registerTools() {
	s.registerTool(
		"query",
		"Run a read-only query against a graph and return the matching resources. "+
			"The query language supports kind/property predicates (is instance and reported.cores > 4), "+
			"navigation (--> / <--) and aggregation (count by kind).",
		&queryTool{deps: s.deps, parser: s.parser},
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"graph": map[string]any{
					"type":        "string",
					"description": "Name of the graph to query",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "Query text, e.g. 'is instance and reported.cores > 4'",
				},
				"section": map[string]any{
					"type":        "string",
					"description": "Default property section for unqualified paths (reported, desired, metadata). Default: reported",
				},
			},
			"required": []string{"graph", "query"},
		},
	)

	s.registerTool(
		"graph_info",
		"Get node and edge counts for one graph, or the list of all graphs when no name is given.",
		&graphInfoTool{deps: s.deps},
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"graph": map[string]any{
					"type":        "string",
					"description": "Name of the graph; omit to list all graphs",
				},
			},
		},
	)
}

func (s *Server) registerTool(name, description string, tool Tool, inputSchema map[string]any) {
	schemaJSON, err := json.Marshal(inputSchema)
	if err != nil {
		panic(fmt.Sprintf("marshalling schema for tool %s: %v", name, err))
	}
	s.mcp.AddTool(mcp.NewToolWithRawSchema(name, description, schemaJSON), s.toolHandler(name, tool))
}

func (s *Server) toolHandler(name string, tool Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.Params.Arguments)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.log.Warn("tool %s failed: %v", name, err)
			return mcp.NewToolResultError(err.Error()), nil
		}
		resultJSON, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("formatting result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(resultJSON)), nil
	}
}

type queryArgs struct {
	Graph   string `json:"graph"`
	Query   string `json:"query"`
	Section string `json:"section"`
}

type queryTool struct {
	deps   Deps
	parser *query.CachingParser
}

func (t *queryTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var args queryArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	if args.Graph == "" || args.Query == "" {
		return nil, fmt.Errorf("graph and query are required")
	}
	section := args.Section
	if section == "" {
		section = "reported"
	}
	q, err := t.parser.Parse(args.Query, section)
	if err != nil {
		return nil, err
	}
	m := t.deps.Model()

	if q.IsAggregate() {
		cur, err := t.deps.Driver.SearchAggregate(ctx, args.Graph, q, m)
		if err != nil {
			return nil, err
		}
		defer cur.Close()
		return drain(ctx, cur, func(row map[string]any) any { return row })
	}
	cur, err := t.deps.Driver.SearchList(ctx, args.Graph, q, m)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	return drain(ctx, cur, func(n *graph.Node) any { return n.Document() })
}

type graphInfoArgs struct {
	Graph string `json:"graph"`
}

type graphInfoTool struct {
	deps Deps
}

func (t *graphInfoTool) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var args graphInfoArgs
	if err := json.Unmarshal(input, &args); err != nil {
		return nil, fmt.Errorf("decoding arguments: %w", err)
	}
	if args.Graph == "" {
		return t.deps.Driver.ListGraphs(ctx)
	}
	return t.deps.Driver.GraphInfo(ctx, args.Graph)
}

// drain reads at most maxToolResults elements off the cursor.
func drain[T any](ctx context.Context, cur storage.Cursor[T], project func(T) any) ([]any, error) {
	out := []any{}
	for len(out) < maxToolResults {
		v, ok, err := cur.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, project(v))
	}
	return out, nil
}
