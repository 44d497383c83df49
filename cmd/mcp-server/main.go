// Command mcp-server exposes quote lookups as MCP tools over stdio. Each call
// submits a workflow to the worker at orchestrator.address and waits for it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"ttai-workers/internal/api"
	"ttai-workers/internal/config"
	"ttai-workers/internal/logger"
	"ttai-workers/internal/orchestrator"
)

const version = "0.1.0"

func main() {
	_ = config.LoadEnvFiles(config.DefaultEnvFile)
	cfgPath := "configs/worker.yaml"
	if p := os.Getenv("TTAI_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	// stdout carries the MCP protocol
	log := logger.Component(logger.NewWithWriter(logger.Config{Level: cfg.Log.Level}, os.Stderr), "mcp")

	client := api.NewClient(cfg.Orchestrator.Address, 60*time.Second)
	s := newServer(client, log)

	log.Info().Str("worker", cfg.Orchestrator.Address).Msg("mcp server starting")
	if err := server.ServeStdio(s); err != nil {
		log.Fatal().Err(err).Msg("serve stdio")
	}
}

func newServer(client *api.Client, log zerolog.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"ttai",
		version,
		server.WithRecovery(),
		server.WithToolCapabilities(false),
	)

	s.AddTool(mcp.NewTool("get_quote",
		mcp.WithDescription("Returns the current bid/ask quote for one equity symbol. Quotes may be served from a cache up to a few seconds old; the cached field says which."),
		mcp.WithString("symbol", mcp.Required(), mcp.Description("Ticker symbol, e.g. SPY")),
	), getQuoteHandler(client, log))

	s.AddTool(mcp.NewTool("get_quotes",
		mcp.WithDescription("Returns quotes for several equity symbols in one call. Symbols without data are listed under missing."),
		mcp.WithString("symbols", mcp.Required(), mcp.Description("Comma separated ticker symbols, e.g. SPY,QQQ")),
	), getQuotesHandler(client, log))

	s.AddTool(mcp.NewTool("workflow_status",
		mcp.WithDescription("Describes a workflow run by id: status, attempts and error if it failed."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Workflow run id")),
	), workflowStatusHandler(client))

	return s
}

func getQuoteHandler(client *api.Client, log zerolog.Logger) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		symbol, err := req.RequireString("symbol")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		q, err := client.GetQuote(ctx, symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("get_quote failed")
			return mcp.NewToolResultError(toolError(err)), nil
		}
		return jsonResult(q)
	}
}

func getQuotesHandler(client *api.Client, log zerolog.Logger) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("symbols")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var symbols []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, s)
			}
		}
		if len(symbols) == 0 {
			return mcp.NewToolResultError("symbols is empty"), nil
		}
		res, err := client.GetQuotes(ctx, symbols)
		if err != nil {
			log.Warn().Err(err).Strs("symbols", symbols).Msg("get_quotes failed")
			return mcp.NewToolResultError(toolError(err)), nil
		}
		return jsonResult(res)
	}
}

func workflowStatusHandler(client *api.Client) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		info, err := client.Describe(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(toolError(err)), nil
		}
		return jsonResult(info)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func toolError(err error) string {
	var ae *orchestrator.ApplicationError
	switch {
	case errors.As(err, &ae):
		return fmt.Sprintf("%s: %s", ae.Type, ae.Message)
	case errors.Is(err, api.ErrNotReady):
		return "quote workflow still running, retry shortly"
	case errors.Is(err, orchestrator.ErrRunNotFound):
		return "workflow run not found"
	default:
		return fmt.Sprintf("worker unavailable: %v", err)
	}
}
