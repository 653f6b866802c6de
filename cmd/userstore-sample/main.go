// Command userstore-sample drives a userstore tenant: it runs the sample scenario and
// offers a few read-only inspection commands.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/and161185/userstore"
	"github.com/and161185/userstore/model"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	var e *userstore.Error
	if errors.As(err, &e) {
		fmt.Fprintf(os.Stderr, "userstore error: code=%d kind=%v request_id=%s msg=%s\n", e.Code, e.Kind, e.RequestID, e.Message)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func usage() {
	fmt.Fprintf(os.Stderr, `userstore-sample
Usage:
  userstore-sample [-config file.yaml] [-url URL] [-client-id ID] [-client-secret S] [-fake] <cmd> [args]

Credentials fall back to USERSTORE_URL, USERSTORE_CLIENT_ID and USERSTORE_CLIENT_SECRET
(a .env file in the working directory is loaded first).

Commands:
  version
  scenario                                       (end-to-end sample flow)
  columns
  accessors
  users      [-limit n] [-email e]
  exec       -accessor <uuid> -purpose <p> [-alias a] [selector values...]
`)
	os.Exit(2)
}

// main dispatches subcommands.
func main() {
	// best-effort: a missing .env is fine
	_ = godotenv.Load()

	cfgPath := flag.String("config", "", "YAML config file")
	var flags config
	flag.StringVar(&flags.URL, "url", "", "userstore base URL")
	flag.StringVar(&flags.ClientID, "client-id", "", "client id")
	flag.StringVar(&flags.ClientSecret, "client-secret", "", "client secret")
	flag.DurationVar(&flags.Timeout, "timeout", 0, "per-request timeout")
	fake := flag.Bool("fake", false, "run against an in-process store")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	if cmd == "version" {
		fmt.Printf("userstore-sample %s (%s)\n", version, buildDate)
		return
	}

	log, err := newLogger(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := resolveConfig(*cfgPath, os.Getenv, flags)
	if err != nil {
		fail(err)
	}
	if *fake {
		srv := startFake(log)
		defer srv.Close()
		cfg.URL, cfg.ClientID, cfg.ClientSecret = srv.URL, srv.ClientID(), srv.ClientSecret()
	}
	if err := cfg.validate(); err != nil {
		fail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	c, err := userstore.New(ctx, cfg.URL, cfg.ClientID, cfg.ClientSecret,
		userstore.WithLogger(log),
		userstore.WithTimeout(cfg.Timeout),
	)
	if err != nil {
		fail(err)
	}

	if err := run(ctx, c, log, cmd, flag.Args()[1:]); err != nil {
		fail(err)
	}
}

func run(ctx context.Context, c *userstore.Client, log *zap.Logger, cmd string, args []string) error {
	switch cmd {
	case "scenario":
		s := &scenario{c: c, log: log, out: os.Stdout}
		return s.run(ctx)

	case "columns":
		cols, err := c.ListColumns(ctx)
		if err != nil {
			return err
		}
		printJSON(cols)

	case "accessors":
		as, err := c.ListAccessors(ctx)
		if err != nil {
			return err
		}
		printJSON(as)

	case "users":
		fs := flag.NewFlagSet("users", flag.ExitOnError)
		limit := fs.Int("limit", 0, "page size")
		email := fs.String("email", "", "filter by email")
		_ = fs.Parse(args)
		page, err := c.ListUsers(ctx, userstore.ListUsersOptions{Limit: *limit, Email: *email})
		if err != nil {
			return err
		}
		printJSON(page)

	case "exec":
		fs := flag.NewFlagSet("exec", flag.ExitOnError)
		accessor := fs.String("accessor", "", "accessor id")
		purpose := fs.String("purpose", "", "client context purpose")
		alias := fs.String("alias", "", "read the user with this external alias")
		_ = fs.Parse(args)
		id, err := uuid.FromString(*accessor)
		if err != nil {
			return fmt.Errorf("bad -accessor: %w", err)
		}
		cc := model.ClientContext{"purpose": *purpose}
		if *alias != "" {
			v, err := c.ExecuteAccessorForUser(ctx, id, cc, model.UserSelector{ExternalAlias: *alias})
			if err != nil {
				return err
			}
			printJSON(v)
			return nil
		}
		values := make([]any, 0, fs.NArg())
		for _, v := range fs.Args() {
			values = append(values, v)
		}
		data, err := c.ExecuteAccessor(ctx, id, cc, values...)
		if err != nil {
			return err
		}
		printJSON(data)

	default:
		usage()
	}
	return nil
}
