// ABOUTME: Field mapping CLI commands
// ABOUTME: Override, inspect and remove local-to-remote field mappings per provider
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/harperreed/contactsync/models"
)

func providerFlag(ctx context.Context, app *App, slug string) (string, error) {
	if slug != "" {
		return slug, nil
	}
	active, err := app.Connections.ActiveSlug(ctx)
	if err != nil {
		return "", err
	}
	if active == "" {
		return "", fmt.Errorf("no provider connected; pass --provider")
	}
	return active, nil
}

// MapSetCommand stores a user-defined mapping, overriding the provider default.
func MapSetCommand(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("map set", flag.ExitOnError)
	slug := fs.String("provider", "", "Provider slug (default: active provider)")
	local := fs.String("local", "", "Local field key (required)")
	remote := fs.String("remote", "", "Remote field key; empty disables the field")
	subtype := fs.String("subtype", "", "Remote subtype, e.g. mobile for phone numbers")
	inactive := fs.Bool("inactive", false, "Keep the mapping but skip it during sync")
	_ = fs.Parse(args)

	if *local == "" {
		return fmt.Errorf("--local is required")
	}
	s, err := providerFlag(ctx, app, *slug)
	if err != nil {
		return err
	}

	m := models.FieldMapping{LocalKey: *local, RemoteKey: *remote, Subtype: *subtype, Active: !*inactive}
	if err := app.Store.Mappings.Set(ctx, s, m); err != nil {
		return fmt.Errorf("failed to save mapping: %w", err)
	}
	app.Connections.Reset()

	fmt.Printf("✓ %s: %s -> %s\n", s, m.LocalKey, describeRemote(m))
	return nil
}

// MapListCommand prints the effective mappings of a provider.
func MapListCommand(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("map list", flag.ExitOnError)
	slug := fs.String("provider", "", "Provider slug (default: active provider)")
	_ = fs.Parse(args)

	s, err := providerFlag(ctx, app, *slug)
	if err != nil {
		return err
	}
	adapter, err := app.Connections.Build(ctx, s)
	if err != nil {
		return err
	}
	overrides, err := app.Store.Mappings.List(ctx, s)
	if err != nil {
		return fmt.Errorf("failed to list mappings: %w", err)
	}
	custom := make(map[string]bool, len(overrides))
	for _, m := range overrides {
		custom[m.LocalKey] = true
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "LOCAL\tREMOTE\tSOURCE")
	_, _ = fmt.Fprintln(w, "-----\t------\t------")
	for _, m := range adapter.Resolver().Active() {
		source := "default"
		if custom[m.LocalKey] {
			source = "custom"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", m.LocalKey, describeRemote(m), source)
	}
	for _, m := range overrides {
		if !m.Participates() {
			_, _ = fmt.Fprintf(w, "%s\t%s\tcustom\n", m.LocalKey, describeRemote(m))
		}
	}
	return w.Flush()
}

// MapDeleteCommand removes a user-defined mapping so the default applies again.
func MapDeleteCommand(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("map delete", flag.ExitOnError)
	slug := fs.String("provider", "", "Provider slug (default: active provider)")
	local := fs.String("local", "", "Local field key (required)")
	_ = fs.Parse(args)

	if *local == "" {
		return fmt.Errorf("--local is required")
	}
	s, err := providerFlag(ctx, app, *slug)
	if err != nil {
		return err
	}
	if err := app.Store.Mappings.Delete(ctx, s, *local); err != nil {
		return fmt.Errorf("failed to delete mapping: %w", err)
	}
	app.Connections.Reset()
	fmt.Printf("✓ %s: %s restored to default\n", s, *local)
	return nil
}

func describeRemote(m models.FieldMapping) string {
	switch {
	case m.RemoteKey == "":
		return "(disabled)"
	case !m.Active:
		return m.RemoteKey + " (inactive)"
	case m.Subtype != "":
		return m.RemoteKey + "[" + m.Subtype + "]"
	default:
		return m.RemoteKey
	}
}
