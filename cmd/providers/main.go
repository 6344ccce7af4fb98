package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/raine/food-vision/internal/config"
	"github.com/raine/food-vision/internal/llm"
	"github.com/raine/food-vision/internal/storage"
)

const usage = `Usage: providers [-db path] <command> [args]

Commands:
  list                 Show stored provider configs
  activate <id>        Make <id> the single active provider
  rotate <id>          Replace the credential of <id> (read from stdin)
  seed <file>          Import providers from a YAML seed file

The database and CREDENTIAL_KEY are read from the same environment as the
server. A running server picks up changes after POST /v1/providers/refresh.
`

func main() {
	dbPath := flag.String("db", "", "Database path (defaults to DB_PATH)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	config.LoadEnvFile()
	if *dbPath == "" {
		*dbPath = os.Getenv("DB_PATH")
	}
	if *dbPath == "" {
		*dbPath = "food-vision.db"
	}
	key := os.Getenv("CREDENTIAL_KEY")
	if key == "" {
		fail("CREDENTIAL_KEY is not set")
	}

	store, err := storage.NewSQLiteStore(*dbPath, key)
	if err != nil {
		fail("failed to open database: %v", err)
	}
	defer store.Close()

	registry := llm.NewRegistry(store)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	args := flag.Args()
	switch args[0] {
	case "list":
		err = list(ctx, registry)
	case "activate":
		requireArg(args)
		var snap *llm.Snapshot
		if snap, err = registry.Activate(ctx, args[1]); err == nil {
			fmt.Printf("Activated %s (%s, %s)\n", snap.Config.ID, snap.Config.Kind, snap.Config.ModelName)
		}
	case "rotate":
		requireArg(args)
		var credential string
		if credential, err = readCredential(); err == nil {
			if err = registry.RotateCredential(ctx, args[1], credential); err == nil {
				fmt.Printf("Credential of %s rotated\n", args[1])
			}
		}
	case "seed":
		requireArg(args)
		var seed *config.ProviderSeed
		if seed, err = config.LoadProviderSeed(args[1]); err == nil {
			if err = config.ApplyProviderSeed(ctx, registry, seed); err == nil {
				fmt.Printf("Seeded %d providers\n", len(seed.Providers))
			}
		}
	default:
		flag.Usage()
		os.Exit(1)
	}

	if errors.Is(err, storage.ErrNotFound) {
		fail("no provider with id %q", args[1])
	}
	if err != nil {
		fail("%v", err)
	}
}

func list(ctx context.Context, registry *llm.Registry) error {
	configs, err := registry.List(ctx)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		fmt.Println("No providers configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tMODEL\tCREDENTIAL\tACTIVE\tUPDATED")
	for _, c := range configs {
		active := ""
		if c.IsActive {
			active = "*"
		}
		credential := "missing"
		if c.HasCredential() {
			credential = "set"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Kind, c.ModelName, credential, active, c.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// readCredential reads one line from stdin so keys stay out of shell history.
func readCredential() (string, error) {
	if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		fmt.Fprint(os.Stderr, "Credential: ")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func requireArg(args []string) {
	if len(args) < 2 {
		fail("%s needs a provider id or file", args[0])
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
