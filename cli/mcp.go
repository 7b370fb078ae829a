// ABOUTME: MCP server subcommand
// ABOUTME: Exposes contact sync tools, resources and prompts over stdio
package cli

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/harperreed/contactsync/handlers"
)

// MCPCommand starts the MCP server on stdio
func MCPCommand(ctx context.Context, app *App, version string) error {
	app.Log.Info("starting MCP server")

	syncHandlers := handlers.NewSyncHandlers(app.Connections, app.Syncer, app.Tags, app.Store.Users, app.Store.Links)
	batchHandlers := handlers.NewBatchHandlers(app.Connections, app.Batch)
	resourceHandlers := handlers.NewResourceHandlers(app.Store.Catalog, app.Store.Jobs, app.Store.Users)
	promptHandlers := handlers.NewPromptHandlers(app.Batch)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "contactsync",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_user",
		Description: "Push a local user to the connected provider, creating or updating the linked contact and applying the user's tags",
	}, syncHandlers.SyncUser)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "pull_contact",
		Description: "Load a remote contact and create or update the matching local user",
	}, syncHandlers.PullContact)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "apply_tags",
		Description: "Ensure tags are present or absent on a remote contact, sending only the difference",
	}, syncHandlers.ApplyTags)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "refresh_catalog",
		Description: "Reload the provider's tag and custom field catalogues",
	}, syncHandlers.RefreshCatalog)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_batch",
		Description: "Create a resumable batch job (resync_users, apply_tag or import_tag)",
	}, batchHandlers.StartBatch)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_batch_chunk",
		Description: "Process the next chunk of a batch job and report progress",
	}, batchHandlers.RunBatchChunk)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "batch_status",
		Description: "Show a batch job's progress and its failed records",
	}, batchHandlers.BatchStatus)

	resourceHandlers.Register(server)
	promptHandlers.Register(server)

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		app.Log.Error("MCP server stopped", zap.Error(err))
		return err
	}
	return nil
}
