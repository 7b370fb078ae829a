// ABOUTME: MCP resource handlers exposing sync state read-only
// ABOUTME: Serves tag catalogues, batch jobs and local users via contactsync:// URIs
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
)

const uriScheme = "contactsync://"

// CatalogReader reads cached catalogues.
type CatalogReader interface {
	Get(ctx context.Context, slug, kind string) (map[string]string, error)
}

// JobReader lists batch jobs.
type JobReader interface {
	List(ctx context.Context, limit int) ([]models.BatchJob, error)
}

// UserReader loads local users.
type UserReader interface {
	Get(ctx context.Context, id int64) (*models.LocalUser, error)
}

type ResourceHandlers struct {
	catalog CatalogReader
	jobs    JobReader
	users   UserReader
}

func NewResourceHandlers(catalog CatalogReader, jobs JobReader, users UserReader) *ResourceHandlers {
	return &ResourceHandlers{catalog: catalog, jobs: jobs, users: users}
}

// Register adds the resources and templates to server.
func (h *ResourceHandlers) Register(server *mcp.Server) {
	server.AddResource(&mcp.Resource{
		Name:        "batch_jobs",
		Title:       "Batch jobs",
		Description: "Most recent batch jobs with their progress",
		MIMEType:    "application/json",
		URI:         uriScheme + "jobs",
	}, h.ReadResource)
	server.AddResourceTemplate(&mcp.ResourceTemplate{
		Name:        "tag_catalog",
		Title:       "Tag catalogue",
		Description: "Cached remote tag catalogue. URI format: contactsync://catalog/{provider}/{tags|fields}",
		MIMEType:    "application/json",
		URITemplate: uriScheme + "catalog/{provider}/{kind}",
	}, h.ReadResource)
	server.AddResourceTemplate(&mcp.ResourceTemplate{
		Name:        "local_user",
		Title:       "Local user",
		Description: "A local user record. URI format: contactsync://users/{id}",
		MIMEType:    "application/json",
		URITemplate: uriScheme + "users/{id}",
	}, h.ReadResource)
}

// ReadResource handles resource read requests
func (h *ResourceHandlers) ReadResource(ctx context.Context, request *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if request == nil || request.Params == nil {
		return nil, fmt.Errorf("resource URI is required")
	}
	uri := request.Params.URI
	if !strings.HasPrefix(uri, uriScheme) {
		return nil, fmt.Errorf("invalid URI scheme: expected %s", uriScheme)
	}

	parts := strings.Split(strings.TrimPrefix(uri, uriScheme), "/")
	switch parts[0] {
	case "jobs":
		jobs, err := h.jobs.List(ctx, 20)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch jobs: %w", err)
		}
		return jsonResource(uri, jobs)

	case "catalog":
		if len(parts) != 3 || (parts[2] != db.CatalogTags && parts[2] != db.CatalogFields) {
			return nil, fmt.Errorf("expected %scatalog/{provider}/{tags|fields}", uriScheme)
		}
		entries, err := h.catalog.Get(ctx, parts[1], parts[2])
		if err != nil {
			return nil, fmt.Errorf("failed to fetch catalogue: %w", err)
		}
		return jsonResource(uri, entries)

	case "users":
		if len(parts) != 2 {
			return nil, fmt.Errorf("expected %susers/{id}", uriScheme)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id: %w", err)
		}
		user, err := h.users.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch user: %w", err)
		}
		return jsonResource(uri, user)

	default:
		return nil, fmt.Errorf("unknown resource: %s", parts[0])
	}
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
		{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}}, nil
}
