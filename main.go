// ABOUTME: Entry point for the contactsync CLI, MCP server and web server
// ABOUTME: Routes to commands based on arguments after loading configuration
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/harperreed/contactsync/charm"
	"github.com/harperreed/contactsync/cli"
	"github.com/harperreed/contactsync/config"
)

const version = "0.2.0"

type command func(ctx context.Context, app *cli.App, args []string) error

var commands = map[string]command{
	"connect":    cli.ConnectCommand,
	"disconnect": cli.DisconnectCommand,
	"providers":  cli.ProvidersCommand,
	"status":     cli.StatusCommand,
	"sync-user":  cli.SyncUserCommand,
	"pull":       cli.PullCommand,
	"tags":       cli.TagsCommand,
	"serve":      cli.ServeCommand,
}

var groups = map[string]map[string]command{
	"user": {
		"add":    cli.UserAddCommand,
		"list":   cli.UserListCommand,
		"delete": cli.UserDeleteCommand,
	},
	"map": {
		"set":    cli.MapSetCommand,
		"list":   cli.MapListCommand,
		"delete": cli.MapDeleteCommand,
	},
	"catalog": {
		"refresh": cli.CatalogRefreshCommand,
		"show":    cli.CatalogShowCommand,
	},
	"batch": {
		"start":  cli.BatchStartCommand,
		"run":    cli.BatchRunCommand,
		"status": cli.BatchStatusCommand,
		"list":   cli.BatchListCommand,
		"reset":  cli.BatchResetCommand,
	},
}

var kvCommands = map[string]func(args []string) error{
	"link":      charm.LinkCommand,
	"unlink":    charm.UnlinkCommand,
	"status":    charm.StatusCommand,
	"sync":      charm.SyncNowCommand,
	"wipe":      charm.WipeCommand,
	"auto-sync": charm.SetAutoSyncCommand,
	"host":      charm.SetHostCommand,
}

func main() {
	// Global flags
	showVersion := flag.Bool("version", false, "Show version and exit")
	dbPath := flag.String("db-path", "", "Database path (default: ~/.local/share/contactsync/contactsync.db)")
	providerSlug := flag.String("provider", "", "Use this provider instead of the connected one")
	envFile := flag.String("env-file", ".env", "Environment file to load")
	initOnly := flag.Bool("init", false, "Initialize database and exit")

	// Parse global flags but don't fail on unknown (for subcommands)
	_ = flag.CommandLine.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("contactsync version %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 && !*initOnly {
		printUsage()
		os.Exit(0)
	}

	// kv commands manage the settings backend itself and need no database
	if len(args) > 0 && args[0] == "kv" {
		if len(args) < 2 || kvCommands[args[1]] == nil {
			fmt.Println("Error: kv requires a subcommand (link, unlink, status, sync, wipe, auto-sync, host)")
			os.Exit(1)
		}
		if err := kvCommands[args[1]](args[2:]); err != nil {
			log.Fatalf("Error: %v", err)
		}
		return
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *providerSlug != "" {
		cfg.Provider = *providerSlug
	}

	app, err := cli.NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	if *initOnly {
		log.Printf("Database initialized at %s", cfg.DBPath)
		_ = app.Close()
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, app, args)
	stop()
	_ = app.Close()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(ctx context.Context, app *cli.App, args []string) error {
	name, rest := args[0], args[1:]

	if name == "mcp" {
		return cli.MCPCommand(ctx, app, version)
	}
	if cmd, ok := commands[name]; ok {
		return cmd(ctx, app, rest)
	}
	if group, ok := groups[name]; ok {
		if len(rest) == 0 || group[rest[0]] == nil {
			printUsage()
			return fmt.Errorf("%s requires a subcommand", name)
		}
		return group[rest[0]](ctx, app, rest[1:])
	}

	printUsage()
	return fmt.Errorf("unknown command: %s", name)
}

func printUsage() {
	fmt.Printf(`contactsync v%s - keep local users and a CRM or mailing list in step

USAGE:
  contactsync [global flags] <command> [subcommand] [flags]

GLOBAL FLAGS:
  --version              Show version and exit
  --db-path <path>       Database path (default: ~/.local/share/contactsync/contactsync.db)
  --provider <slug>      Use this provider instead of the connected one
  --env-file <path>      Environment file to load (default: .env)
  --init                 Initialize database and exit

CONNECTION:
  contactsync providers                   List providers and capabilities
  contactsync connect [flags] <provider>  Test and store credentials
    --api-key <key>                         API key (prompted when omitted)
    --username <name>                       Username for basic auth
    --client-id, --client-secret            OAuth app credentials
    --default-tag <id>                      Tag applied to new contacts
    --sleep <seconds>                       Pause between batch chunks
    --set key=value                         Extra provider setting
    --toggle name=true|false                Feature toggle
  contactsync disconnect                  Forget the active credential
  contactsync status                      Show connection and sync state

USERS AND MAPPINGS:
  contactsync user add --email <e> [--name <n>] [--tag <id>] [--field k=v] [--sync]
  contactsync user list [--offset n] [--limit n]
  contactsync user delete <id|email>
  contactsync map set --local <key> [--remote <key>] [--subtype <s>] [--inactive]
  contactsync map list [--provider <slug>]
  contactsync map delete --local <key>

SYNC:
  contactsync sync-user <id|email>        Push one user
  contactsync pull <contact-id>           Import one remote contact
  contactsync tags [--add ids] [--remove ids] (--contact <id> | <user>)
  contactsync catalog refresh             Reload tag and field catalogues
  contactsync catalog show [--kind tags|fields]

BATCH JOBS:
  contactsync batch start [--type resync_users|apply_tag|import_tag] [--tag id] [--chunk n] [--sleep s] [--run]
  contactsync batch run [--once] <job-id>
  contactsync batch status <job-id>
  contactsync batch list
  contactsync batch reset <job-id>

SERVERS:
  contactsync serve [--port n] [--worker=false]   Webhooks, OAuth callback, dashboard, /metrics
  contactsync mcp                                  MCP server on stdio

SETTINGS SYNC (CONTACTSYNC_SETTINGS_BACKEND=charm):
  contactsync kv link | unlink | status | sync | wipe
  contactsync kv host <server|local>
  contactsync kv auto-sync on|off

`, version)
}
