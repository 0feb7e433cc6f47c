package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/BaSui01/swarmflow/internal/migration"
)

// =============================================================================
// 🗄️ migrate 命令
// =============================================================================

// runMigrate 执行快照表迁移子命令
func runMigrate(args []string, out io.Writer) error {
	if len(args) < 1 {
		return errors.New("migrate requires a subcommand: up, down, steps, status, version, info")
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	driver := fs.String("db-driver", "", "Override database driver (postgres, mysql, sqlite)")
	name := fs.String("db-name", "", "Override database name (file path for sqlite)")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *name != "" {
		cfg.Database.Name = *name
	}

	cmd, err := migration.ParseCommand(sub)
	if err != nil {
		return err
	}
	var steps int
	if cmd == migration.CommandSteps {
		if fs.NArg() != 1 {
			return errors.New("usage: migrate steps <n>")
		}
		if steps, err = strconv.Atoi(fs.Arg(0)); err != nil {
			return fmt.Errorf("invalid step count %q: %w", fs.Arg(0), err)
		}
	}

	m, err := migration.NewMigratorFromConfig(cfg.Database)
	if err != nil {
		return err
	}
	defer m.Close()

	return migration.NewRunner(m, out).Run(context.Background(), cmd, steps)
}
