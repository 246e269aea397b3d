package control

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/volkeeper/kit"
	"github.com/hazyhaar/volkeeper/session"
)

func levelSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"level": map[string]any{"type": "number", "minimum": 0, "maximum": 2},
		},
		"required": []string{"level"},
	}
}

// RegisterMCP adds the volkeeper tools to srv.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "volkeeper_status",
		Description: "Current identity, session state and media volume.",
		InputSchema: map[string]any{"type": "object"},
	}, s.status, noArgs)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "volkeeper_save_volume",
		Description: "Store a volume level (0 to 2) for the current identity and apply it.",
		InputSchema: levelSchema(),
	}, s.userErrors(s.save), decodeLevel)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "volkeeper_preview_volume",
		Description: "Set the playing media's volume (0 to 2) without storing it.",
		InputSchema: levelSchema(),
	}, s.userErrors(s.preview), decodeLevel)

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "volkeeper_reset_volume",
		Description: "Forget the stored volume for the current identity and return to unity.",
		InputSchema: map[string]any{"type": "object"},
	}, s.userErrors(s.reset), noArgs)
}

// ServeMCP registers the tools on a new server and runs it on t until ctx
// is done.
func (s *Server) ServeMCP(ctx context.Context, impl *mcp.Implementation, t mcp.Transport) error {
	srv := mcp.NewServer(impl, nil)
	s.RegisterMCP(srv)
	return srv.Run(ctx, t)
}

func decodeLevel(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var r SaveRequest
	if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
		return nil, err
	}
	return &kit.MCPDecodeResult{Request: &r}, nil
}

func noArgs(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return &kit.MCPDecodeResult{}, nil
}

// userErrors turns the session's sentinel errors into the messages a user
// sees.
func (s *Server) userErrors(next kit.Endpoint) kit.Endpoint {
	return func(ctx context.Context, req any) (any, error) {
		resp, err := next(ctx, req)
		if err != nil && (errors.Is(err, session.ErrNoIdentity) || errors.Is(err, session.ErrNotBound) || errors.Is(err, errInvalidLevel)) {
			return nil, errors.New(userError(err))
		}
		return resp, err
	}
}
