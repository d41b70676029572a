package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	_ "github.com/mizuchilabs/sqlport/pkg/catalog/mssql"
	_ "github.com/mizuchilabs/sqlport/pkg/catalog/postgres"
	_ "github.com/mizuchilabs/sqlport/pkg/catalog/sqlite"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cmd := &cli.Command{
		EnableShellCompletion: true,
		Suggest:               true,
		Name:                  "sqlport",
		Version:               Version,
		Usage:                 "sqlport [command]",
		Description:           `Reconciles a database with a directory of object files and calls its routines`,
		DefaultCommand:        "help",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration (environment only when empty)",
				Sources: cli.EnvVars("SQLPORT_CONFIG"),
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "Human readable logs",
				Value: true,
			},
		},
		Commands: commands,
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
