// ABOUTME: Contact sync CLI commands
// ABOUTME: Push users, pull contacts, reconcile tags and refresh catalogues
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/syncerr"
	"github.com/harperreed/contactsync/tags"
)

// userError renders provider failures with their remediation.
func userError(err error) error {
	var se *syncerr.Error
	if errors.As(err, &se) {
		return errors.New(syncerr.UserMessage(err))
	}
	return err
}

// SyncUserCommand pushes one local user to the connected provider.
func SyncUserCommand(ctx context.Context, app *App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: sync-user <id|email>")
	}
	id, err := lookupUserID(ctx, app, args[0])
	if err != nil {
		return err
	}
	return syncUser(ctx, app, id)
}

func syncUser(ctx context.Context, app *App, userID int64) error {
	adapter, err := app.Active(ctx)
	if err != nil {
		return userError(err)
	}
	res, err := app.Syncer.SyncUser(ctx, adapter, userID)
	if err != nil {
		return userError(err)
	}

	verb := "Updated"
	if res.Created {
		verb = "Created"
	}
	fmt.Printf("✓ %s %s contact %s (%s)\n", verb, adapter.Slug(), res.ContactID, res.Outcome)
	if res.Tags != nil && len(res.Tags.Added) > 0 {
		fmt.Printf("  Tags added: %s\n", strings.Join(res.Tags.Added.Sorted(), ", "))
	}
	return nil
}

// PullCommand imports one remote contact into the local store.
func PullCommand(ctx context.Context, app *App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pull <contact-id>")
	}
	adapter, err := app.Active(ctx)
	if err != nil {
		return userError(err)
	}
	res, err := app.Syncer.PullContact(ctx, adapter, args[0])
	if err != nil {
		return userError(err)
	}
	verb := "Updated"
	if res.Created {
		verb = "Created"
	}
	fmt.Printf("✓ %s local user %d from %s contact %s\n", verb, res.UserID, adapter.Slug(), res.ContactID)
	return nil
}

// TagsCommand ensures tags are present or absent on a contact.
func TagsCommand(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("tags", flag.ExitOnError)
	contactID := fs.String("contact", "", "Remote contact ID")
	var add, remove listFlag
	fs.Var(&add, "add", "Tag IDs that must be present")
	fs.Var(&remove, "remove", "Tag IDs that must be absent")
	_ = fs.Parse(args)

	adapter, err := app.Active(ctx)
	if err != nil {
		return userError(err)
	}

	id := *contactID
	if id == "" {
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: tags [--add ids] [--remove ids] (--contact <id> | <user id|email>)")
		}
		userID, err := lookupUserID(ctx, app, fs.Arg(0))
		if err != nil {
			return err
		}
		linked, ok, err := app.Store.Links.Get(ctx, userID, adapter.Slug())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("user %s is not linked to a %s contact; run sync-user first", fs.Arg(0), adapter.Slug())
		}
		id = linked
	}

	res, err := app.Tags.Apply(ctx, adapter, tags.Request{
		ContactID: id,
		Add:       models.NewTagSet(add...),
		Remove:    models.NewTagSet(remove...),
	})
	if res != nil {
		fmt.Printf("Contact %s: +%d -%d\n", id, len(res.Added), len(res.Removed))
	}
	if err != nil {
		return userError(err)
	}
	return nil
}

// CatalogRefreshCommand reloads the provider's tag and field catalogues.
func CatalogRefreshCommand(ctx context.Context, app *App, args []string) error {
	adapter, err := app.Active(ctx)
	if err != nil {
		return userError(err)
	}
	n, err := app.Tags.RefreshCatalog(ctx, adapter)
	if err != nil {
		return userError(err)
	}
	fmt.Printf("✓ %s: %d tags cached\n", adapter.Slug(), n)
	return nil
}

// CatalogShowCommand prints a cached catalogue.
func CatalogShowCommand(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("catalog show", flag.ExitOnError)
	slug := fs.String("provider", "", "Provider slug (default: active provider)")
	kind := fs.String("kind", db.CatalogTags, "Catalogue kind: tags or fields")
	_ = fs.Parse(args)

	if *kind != db.CatalogTags && *kind != db.CatalogFields {
		return fmt.Errorf("--kind must be %s or %s", db.CatalogTags, db.CatalogFields)
	}
	s, err := providerFlag(ctx, app, *slug)
	if err != nil {
		return err
	}
	entries, err := app.Store.Catalog.Get(ctx, s, *kind)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No cached %s for %s; run 'catalog refresh'\n", *kind, s)
		return nil
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tLABEL")
	_, _ = fmt.Fprintln(w, "--\t-----")
	for _, id := range ids {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", id, entries[id])
	}
	return w.Flush()
}
