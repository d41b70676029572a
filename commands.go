package main

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/mizuchilabs/sqlport/pkg/catalog"
	"github.com/mizuchilabs/sqlport/pkg/config"
	"github.com/mizuchilabs/sqlport/pkg/diff"
	"github.com/mizuchilabs/sqlport/pkg/logging"
	"github.com/mizuchilabs/sqlport/pkg/port"
	"github.com/mizuchilabs/sqlport/pkg/procedure"
)

var commands = []*cli.Command{diffCMD, applyCMD, dumpCMD, callCMD}

// setup loads the configuration named by --config and builds its logger
func setup(cmd *cli.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cmd.Bool("dev"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// open creates the database when requested and connects to it
func open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (catalog.Catalog, error) {
	d, err := catalog.Lookup(cfg.DB.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.Create.Enabled() && d.Create != nil {
		if err := d.Create(ctx, cfg.DB, cfg.Create, logger); err != nil {
			return nil, fmt.Errorf("create database: %w", err)
		}
	}
	cat, err := d.Open(ctx, cfg.DB, logger)
	if err != nil {
		return nil, fmt.Errorf("connect: %s", logging.SanitizeError(err))
	}
	return cat, nil
}

func showChanges(changes []diff.Change) {
	for _, c := range changes {
		mark := " "
		if c.Destructive {
			mark = "!"
		}
		fmt.Printf("%s %-15s %s", mark, c.Type, c.Description)
		if c.Cosmetic {
			fmt.Print(" (formatting only)")
		}
		fmt.Println()
	}
}

var diffCMD = &cli.Command{
	Name:  "diff",
	Usage: "Show the changes needed to bring the database in line with the object files",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "sql",
			Usage: "Output the statements instead of a summary",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		cat, err := open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = cat.Close() }()

		changes, err := diff.Compare(ctx, cat, cfg, logger)
		if err != nil {
			return err
		}

		if len(changes) == 0 {
			fmt.Println("No schema changes detected.")
			return nil
		}

		if cmd.Bool("sql") {
			fmt.Println(diff.GenerateSQL(changes))
		} else {
			showChanges(changes)
		}
		return nil
	},
}

var applyCMD = &cli.Command{
	Name:  "apply",
	Usage: "Apply the object files to the database",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Show what would be applied without making changes",
		},
		&cli.BoolFlag{
			Name:    "force",
			Aliases: []string{"f"},
			Usage:   "Skip confirmation prompt for destructive changes",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		dryRun := cmd.Bool("dry-run")
		force := cmd.Bool("force")

		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		cat, err := open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = cat.Close() }()

		changes, err := diff.Compare(ctx, cat, cfg, logger)
		if err != nil {
			return err
		}

		if len(changes) == 0 {
			fmt.Println("No schema changes detected.")
			return nil
		}

		fmt.Println("Schema changes to be applied:")
		showChanges(changes)

		// Confirm destructive changes
		if diff.HasDestructive(changes) && !force && !dryRun {
			fmt.Print("\nWARNING: Dependent objects will be dropped and recreated. Continue? (yes/no): ")
			var response string
			if _, err := fmt.Scanln(&response); err != nil {
				return err
			}
			if response != "yes" && response != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if dryRun {
			fmt.Println("\nDry run - no changes applied.")
			return nil
		}

		snap, res, err := diff.Reconcile(ctx, cat, cfg, logger)
		if err != nil {
			return fmt.Errorf("apply changes: %w", err)
		}

		fmt.Printf("\n%d statements applied, %d routines bound.\n", len(res.Changes), len(snap.ParseList))
		return nil
	},
}

var dumpCMD = &cli.Command{
	Name:  "dump",
	Usage: "Dump the database objects to files",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   "out",
			Usage:   "Output directory for object files",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		cat, err := open(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = cat.Close() }()

		return dumpSchema(ctx, cat, cmd.String("output"))
	},
}

// dumpSchema writes one <namespace>.<name>.sql file per object with a source
func dumpSchema(ctx context.Context, cat catalog.Catalog, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	snap, err := catalog.Load(ctx, cat, catalog.LoadOptions{})
	if err != nil {
		return fmt.Errorf("extract schema: %w", err)
	}

	written := 0
	for _, id := range slices.Sorted(maps.Keys(snap.Source)) {
		source := snap.Source[id]
		if source == "" {
			continue
		}
		file := filepath.Clean(filepath.Join(outputDir, string(id)+".sql"))
		if err := os.WriteFile(file, []byte(source+"\n"), 0o600); err != nil {
			return err
		}
		written++
	}

	fmt.Printf("Schema dumped to %s/\n", outputDir)
	fmt.Printf("  Objects: %d\n", written)
	fmt.Printf("  Without source: %d\n", len(snap.Source)-written)
	fmt.Printf("  Table types: %d\n", len(snap.Types))
	return nil
}

var callCMD = &cli.Command{
	Name:  "call",
	Usage: "Start the port and call one method",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "method",
			Aliases:  []string{"m"},
			Usage:    "Method to call, for example core.itemGet",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "input",
			Aliases: []string{"i"},
			Value:   "{}",
			Usage:   "Message as a JSON object",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "Attach routine, input and trace to errors",
		},
	},
	Action: func(ctx context.Context, cmd *cli.Command) error {
		var msg map[string]any
		if err := json.Unmarshal([]byte(cmd.String("input")), &msg); err != nil {
			return fmt.Errorf("input: %w", err)
		}

		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		// a one-off call fails instead of reconnecting
		noRetry := config.Interval(0)
		cfg.Retry = &noRetry

		p, err := port.New(cfg, port.WithLogger(logger))
		if err != nil {
			return err
		}
		if err := p.Start(ctx); err != nil {
			return err
		}
		defer p.Stop()

		result, err := p.Exec(ctx, msg, &procedure.Meta{
			Method: cmd.String("method"),
			Mtid:   "request",
			Debug:  cmd.Bool("debug"),
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}
