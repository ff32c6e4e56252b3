package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/ternarybob/arbor"
	arbor_models "github.com/ternarybob/arbor/models"
	"github.com/ternarybob/vellum/internal/common"
)

// The shim talks to a running vellum server over its HTTP API; the badger store is held open
// exclusively by that process.
func main() {
	configPath := os.Getenv("VELLUM_CONFIG")
	if configPath == "" {
		configPath = "vellum.toml"
	}
	if _, err := os.Stat(configPath); err != nil {
		configPath = ""
	}

	config, err := common.LoadFromFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Minimal console logging to avoid cluttering MCP stdio
	logger := arbor.NewLogger().WithConsoleWriter(arbor_models.WriterConfiguration{
		Type:             arbor_models.LogWriterTypeConsole,
		TimeFormat:       "15:04:05",
		DisableTimestamp: false,
	}).WithLevelFromString("warn")

	baseURL := os.Getenv("VELLUM_URL")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)
	}
	client := newAPIClient(baseURL)

	mcpServer := server.NewMCPServer(
		"vellum",
		common.GetVersion(),
		server.WithToolCapabilities(true),
	)

	// Workflow tools
	mcpServer.AddTool(createListWorkflowsTool(), handleListWorkflows(client, logger))
	mcpServer.AddTool(createGetWorkflowTool(), handleGetWorkflow(client, logger))
	mcpServer.AddTool(createRunWorkflowTool(), handleRunWorkflow(client, logger))

	// Job tools
	mcpServer.AddTool(createListJobsTool(), handleListJobs(client, logger))
	mcpServer.AddTool(createGetJobTool(), handleGetJob(client, logger))
	mcpServer.AddTool(createCancelJobTool(), handleCancelJob(client, logger))
	mcpServer.AddTool(createQueueStatusTool(), handleQueueStatus(client, logger))

	// Start server (blocks on stdio)
	if err := server.ServeStdio(mcpServer); err != nil {
		logger.Fatal().Err(err).Msg("MCP server failed")
	}
}
