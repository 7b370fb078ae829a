// ABOUTME: Status CLI command
// ABOUTME: Summarizes the connection, credential, sync state and batch jobs
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/contactsync/db"
	"github.com/harperreed/contactsync/models"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	labelStyle   = lipgloss.NewStyle().Width(14).Foreground(lipgloss.Color("245"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
)

// StatusCommand prints a summary of the sync setup.
func StatusCommand(ctx context.Context, app *App, args []string) error {
	out, err := renderStatus(ctx, app, time.Now())
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func renderStatus(ctx context.Context, app *App, now time.Time) (string, error) {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label) + value + "\n")
	}

	b.WriteString(headingStyle.Render("Connection") + "\n")
	slug, err := app.Connections.ActiveSlug(ctx)
	if err != nil {
		return "", err
	}
	if slug == "" {
		row("Provider", errorStyle.Render("none")+" (run 'contactsync connect <provider>')")
	} else {
		row("Provider", slug)
		cred, err := app.Store.Credentials.Get(ctx, slug)
		switch {
		case errors.Is(err, db.ErrCredentialNotFound):
			row("Credential", errorStyle.Render("missing"))
		case err != nil:
			return "", err
		default:
			row("Credential", credentialSummary(cred, now))
		}
	}
	row("Settings", app.Config.SettingsBackend)

	users, err := app.Store.Users.Count(ctx)
	if err != nil {
		return "", err
	}
	row("Users", fmt.Sprintf("%d", users))
	if slug != "" {
		links, err := app.Store.Links.Count(ctx, slug)
		if err != nil {
			return "", err
		}
		row("Linked", fmt.Sprintf("%d", links))
		tagCount, err := app.Store.Catalog.Count(ctx, slug, db.CatalogTags)
		if err != nil {
			return "", err
		}
		row("Tags cached", fmt.Sprintf("%d", tagCount))
	}

	states, err := db.GetAllSyncStates(app.Store.DB)
	if err != nil {
		return "", err
	}
	if len(states) > 0 {
		b.WriteString("\n" + headingStyle.Render("Sync state") + "\n")
		for _, s := range states {
			value := okStyle.Render(s.Status)
			if s.ErrorMessage != "" {
				value = errorStyle.Render(s.Status) + " " + s.ErrorMessage
			}
			row(s.Service, value)
		}
	}

	jobs, err := app.Store.Jobs.List(ctx, 5)
	if err != nil {
		return "", err
	}
	if len(jobs) > 0 {
		b.WriteString("\n" + headingStyle.Render("Recent jobs") + "\n")
		for _, j := range jobs {
			row(shortID(j.ID), fmt.Sprintf("%s %s %d/%d failed=%d", j.JobType, j.Status, j.Scanned, j.TotalEstimate, j.Failed))
		}
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n")), nil
}

func credentialSummary(c *models.Credential, now time.Time) string {
	if c.ExpiresAt == nil {
		return okStyle.Render("stored")
	}
	if c.Expired(now, 0) {
		if c.RefreshToken != "" {
			return "expired, refreshes on next use"
		}
		return errorStyle.Render("expired")
	}
	return okStyle.Render("valid") + fmt.Sprintf(" until %s", c.ExpiresAt.Local().Format(time.RFC822))
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
