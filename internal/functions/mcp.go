package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/relaykit/relay/internal/config"
)

// MCPConnections tracks the live MCP sessions backing mounted tools. Closing
// it tears down the subprocesses and HTTP sessions; their tools stay in the
// registry but fail on dispatch afterwards.
type MCPConnections struct {
	mu   sync.Mutex
	open []namedSession
}

type namedSession struct {
	name    string
	session *mcpsdk.ClientSession
}

func (c *MCPConnections) track(name string, s *mcpsdk.ClientSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = append(c.open, namedSession{name: name, session: s})
}

// Close shuts down every mounted MCP session. Safe to call on an empty set.
func (c *MCPConnections) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, ns := range c.open {
		if err := ns.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("functions: closing mcp server %q: %w", ns.name, err))
		}
	}
	c.open = nil
	return errors.Join(errs...)
}

// MountMCP connects to every configured MCP tool server, discovers its tools,
// and registers each one in reg as a handler that proxies the call to the
// owning session. Servers are mounted in parallel; the first failure aborts
// the mount and closes any sessions already opened.
func MountMCP(ctx context.Context, reg *Registry, servers []config.MCPServerConfig, logger *slog.Logger) (*MCPConnections, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conns := &MCPConnections{}
	if len(servers) == 0 {
		return conns, nil
	}

	// One SDK client manages all sessions.
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "relay", Version: "1.0.0"}, nil)

	eg, ctx := errgroup.WithContext(ctx)
	for _, server := range servers {
		eg.Go(func() error {
			return mountServer(ctx, client, reg, conns, server, logger)
		})
	}
	if err := eg.Wait(); err != nil {
		_ = conns.Close()
		return nil, err
	}
	return conns, nil
}

// mountServer opens one MCP session and registers its tool catalogue.
func mountServer(ctx context.Context, client *mcpsdk.Client, reg *Registry, conns *MCPConnections, cfg config.MCPServerConfig, logger *slog.Logger) error {
	transport, err := serverTransport(ctx, cfg)
	if err != nil {
		return err
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("functions: connect to mcp server %q: %w", cfg.Name, err)
	}

	var names []string
	for tool, iterErr := range session.Tools(ctx, nil) {
		if iterErr != nil {
			_ = session.Close()
			return fmt.Errorf("functions: list tools on mcp server %q: %w", cfg.Name, iterErr)
		}
		if err := reg.Add(proxyTool(session, tool)); err != nil {
			_ = session.Close()
			return fmt.Errorf("functions: mcp server %q: %w", cfg.Name, err)
		}
		names = append(names, tool.Name)
	}

	conns.track(cfg.Name, session)
	logger.Info("mounted mcp server",
		"server", cfg.Name,
		"transport", string(cfg.Transport),
		"tools", len(names))
	logger.Debug("mcp tool catalogue", "server", cfg.Name, "names", names)
	return nil
}

// serverTransport builds the SDK transport described by one server config.
func serverTransport(ctx context.Context, cfg config.MCPServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return nil, fmt.Errorf("functions: stdio mcp server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		if len(cfg.Env) > 0 {
			// A non-nil Env replaces the inherited environment entirely, so
			// seed it with the parent's before appending the overrides.
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case config.TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("functions: streamable-http mcp server %q requires a non-empty url", cfg.Name)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
	}
	return nil, fmt.Errorf("functions: unknown transport %q for mcp server %q", cfg.Transport, cfg.Name)
}

// proxyTool wraps a discovered MCP tool as a registry entry whose handler
// forwards the call to the owning session and flattens the result into the
// string the model receives as function output.
func proxyTool(session *mcpsdk.ClientSession, tool *mcpsdk.Tool) Tool {
	name := tool.Name
	return Tool{
		Name:        name,
		Description: tool.Description,
		Parameters:  toolParameters(tool.InputSchema),
		Handler: func(ctx context.Context, args string) (string, error) {
			params := &mcpsdk.CallToolParams{Name: name}
			if strings.TrimSpace(args) != "" {
				arguments := map[string]any{}
				if err := json.Unmarshal([]byte(args), &arguments); err != nil {
					return "", fmt.Errorf("functions: mcp tool %q: bad arguments: %w", name, err)
				}
				params.Arguments = arguments
			}

			result, err := session.CallTool(ctx, params)
			if err != nil {
				return "", fmt.Errorf("functions: mcp tool %q: %w", name, err)
			}
			text := textContent(result.Content)
			if result.IsError {
				return "", fmt.Errorf("functions: mcp tool %q reported: %s", name, text)
			}
			return text, nil
		},
	}
}

// textContent joins the text parts of an MCP tool result with newlines.
// Non-text parts (images, resources) are dropped; function output to the
// model is a single string.
func textContent(parts []mcpsdk.Content) string {
	texts := make([]string, 0, len(parts))
	for _, part := range parts {
		if tc, ok := part.(*mcpsdk.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// toolParameters renders an MCP input schema as the plain JSON map carried in
// the session.update tools list. Schemas that cannot round-trip through JSON
// degrade to a permissive object schema.
func toolParameters(schema any) map[string]any {
	fallback := map[string]any{"type": "object"}
	if schema == nil {
		return fallback
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return fallback
	}
	params := map[string]any{}
	if err := json.Unmarshal(data, &params); err != nil || len(params) == 0 {
		return fallback
	}
	return params
}
