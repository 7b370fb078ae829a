// ABOUTME: Local user CLI commands
// ABOUTME: Add, list and delete the users that are pushed to the provider
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/harperreed/contactsync/models"
	contactsync "github.com/harperreed/contactsync/sync"
)

// UserAddCommand adds a local user and optionally pushes it.
func UserAddCommand(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("user add", flag.ExitOnError)
	email := fs.String("email", "", "Email address (required)")
	name := fs.String("name", "", "Display name")
	push := fs.Bool("sync", false, "Push the user to the connected provider")
	var tagList listFlag
	fields := pairFlag{}
	fs.Var(&tagList, "tag", "Tag ID to apply (repeatable or comma-separated)")
	fs.Var(fields, "field", "Extra field as key=value (repeatable)")
	_ = fs.Parse(args)

	if !contactsync.ValidEmail(*email) {
		return fmt.Errorf("--email must be a valid address")
	}

	user := &models.LocalUser{Email: *email, Name: *name, Tags: tagList}
	if len(fields) > 0 {
		user.Fields = make(map[string]any, len(fields))
		for k, v := range fields {
			user.Fields[k] = v
		}
	}
	if err := app.Store.Users.Create(ctx, user); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	fmt.Printf("✓ User created: %s (ID: %d)\n", user.Email, user.ID)

	if *push {
		return syncUser(ctx, app, user.ID)
	}
	return nil
}

// UserListCommand lists local users with their link to the active provider.
func UserListCommand(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("user list", flag.ExitOnError)
	offset := fs.Int("offset", 0, "Skip this many users")
	limit := fs.Int("limit", 50, "Maximum results")
	_ = fs.Parse(args)

	users, err := app.Store.Users.List(ctx, *offset, *limit)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	if len(users) == 0 {
		fmt.Println("No users found")
		return nil
	}

	slug, err := app.Connections.ActiveSlug(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tEMAIL\tNAME\tTAGS\tCONTACT")
	_, _ = fmt.Fprintln(w, "--\t-----\t----\t----\t-------")
	for _, u := range users {
		contactID := ""
		if slug != "" {
			if id, ok, err := app.Store.Links.Get(ctx, u.ID, slug); err == nil && ok {
				contactID = id
			}
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Name, strings.Join(u.Tags, ","), contactID)
	}
	_ = w.Flush()

	fmt.Printf("\nShowing %d users\n", len(users))
	return nil
}

// UserDeleteCommand removes a local user and its links.
func UserDeleteCommand(ctx context.Context, app *App, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: user delete <id|email>")
	}
	id, err := lookupUserID(ctx, app, args[0])
	if err != nil {
		return err
	}
	if err := app.Store.Users.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	fmt.Printf("✓ User %d deleted\n", id)
	return nil
}

// lookupUserID accepts a numeric ID or an email address.
func lookupUserID(ctx context.Context, app *App, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	user, err := app.Store.Users.GetByEmail(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return 0, fmt.Errorf("no local user with email %s", ref)
	}
	return user.ID, nil
}
