// ABOUTME: Provider connection CLI commands
// ABOUTME: Connect, disconnect and list providers; secrets are read without echo
package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/harperreed/contactsync/models"
	"github.com/harperreed/contactsync/syncerr"
)

// ConnectCommand tests and stores credentials for a provider.
func ConnectCommand(ctx context.Context, app *App, args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	apiKey := fs.String("api-key", "", "API key or password (prompted when omitted)")
	username := fs.String("username", "", "Username for basic auth providers")
	clientID := fs.String("client-id", "", "OAuth client ID")
	clientSecret := fs.String("client-secret", "", "OAuth client secret")
	defaultTag := fs.String("default-tag", "", "Tag applied to contacts created by sync")
	sleep := fs.Float64("sleep", -1, "Seconds between batch chunks (default: provider setting)")
	creds := pairFlag{}
	toggles := pairFlag{}
	fs.Var(creds, "set", "Extra provider setting as key=value (repeatable)")
	fs.Var(toggles, "toggle", "Feature toggle as name=true|false (repeatable)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: connect [flags] <provider>")
	}
	slug := fs.Arg(0)

	cfg, err := app.Connections.Settings(ctx, slug)
	if err != nil {
		return err
	}
	if *clientID != "" {
		cfg.ClientID = *clientID
	}
	if *clientSecret != "" {
		cfg.ClientSecret = *clientSecret
	}
	if *defaultTag != "" {
		cfg.DefaultTag = *defaultTag
	}
	if *sleep >= 0 {
		cfg.SleepSeconds = sleep
	}
	for k, v := range creds {
		if cfg.Credentials == nil {
			cfg.Credentials = make(map[string]string)
		}
		cfg.Credentials[k] = v
	}
	for k, v := range toggles {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("toggle %s: %w", k, err)
		}
		if cfg.Toggles == nil {
			cfg.Toggles = make(map[string]bool)
		}
		cfg.Toggles[k] = on
	}

	if _, isOAuth := app.Registry.OAuthConfig(slug, cfg, app.Config.OAuthRedirectURL()); isOAuth && *apiKey == "" {
		cfg.Slug = slug
		if err := app.Settings.Set(ctx, slug, cfg); err != nil {
			return fmt.Errorf("failed to save provider settings: %w", err)
		}
		fmt.Printf("✓ Settings saved for %s\n\n", slug)
		fmt.Println("To authorize, start the web server and open:")
		fmt.Printf("  %s/oauth/start/%s\n", app.Config.PublicURL, slug)
		return nil
	}

	secret := *apiKey
	if secret == "" {
		if secret, err = readSecret(fmt.Sprintf("%s API key: ", slug)); err != nil {
			return err
		}
	}

	adapter, err := app.Connections.Connect(ctx, slug, models.Credential{AccessToken: secret, Username: *username}, cfg)
	if err != nil {
		if errors.Is(err, syncerr.ErrUnknownProvider) {
			return fmt.Errorf("unknown provider %q (known: %s)", slug, strings.Join(app.Registry.Slugs(), ", "))
		}
		return errors.New(syncerr.UserMessage(err))
	}

	fmt.Printf("✓ Connected to %s\n", slug)
	fmt.Printf("  Capabilities: %s\n", strings.Join(adapter.Capabilities().List(), ", "))
	return nil
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// DisconnectCommand forgets the active provider's credential.
func DisconnectCommand(ctx context.Context, app *App, args []string) error {
	slug, err := app.Connections.ActiveSlug(ctx)
	if err != nil {
		return err
	}
	if err := app.Connections.Disconnect(ctx); err != nil {
		return err
	}
	fmt.Printf("✓ Disconnected %s\n", slug)
	return nil
}

// ProvidersCommand lists registered providers and their capabilities.
func ProvidersCommand(ctx context.Context, app *App, args []string) error {
	active, err := app.Connections.ActiveSlug(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROVIDER\tAUTH\tCAPABILITIES\tACTIVE")
	_, _ = fmt.Fprintln(w, "--------\t----\t------------\t------")
	for _, slug := range app.Registry.Slugs() {
		auth := "oauth2"
		if def, ok := app.Registry.Definition(slug); ok {
			auth = string(def.Auth.Flavor)
		}
		caps := "-"
		if adapter, err := app.Connections.Build(ctx, slug); err == nil {
			caps = strings.Join(adapter.Capabilities().List(), ",")
		} else {
			caps = "unavailable: " + err.Error()
		}
		mark := ""
		if slug == active {
			mark = "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", slug, auth, caps, mark)
	}
	return w.Flush()
}
