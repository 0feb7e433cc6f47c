package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Command is a migrate subcommand.
type Command string

const (
	CommandUp      Command = "up"
	CommandDown    Command = "down"
	CommandSteps   Command = "steps"
	CommandStatus  Command = "status"
	CommandVersion Command = "version"
	CommandInfo    Command = "info"
)

// ParseCommand validates a subcommand name.
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToLower(s)); c {
	case CommandUp, CommandDown, CommandSteps, CommandStatus, CommandVersion, CommandInfo:
		return c, nil
	}
	return "", fmt.Errorf("unknown migrate subcommand: %s", s)
}

// provides names what each embedded migration adds to the snapshot store.
var provides = map[string]string{
	"create_snapshots":   "task_snapshots, chain_snapshots",
	"add_failure_reason": "failure_reason columns",
}

// SchemaState is the snapshot store schema as recorded by the migrator.
type SchemaState struct {
	Info       MigrationInfo
	Migrations []MigrationStatus
}

// Inspect reads the schema state.
func Inspect(ctx context.Context, m Migrator) (SchemaState, error) {
	statuses, err := m.Status(ctx)
	if err != nil {
		return SchemaState{}, err
	}
	info, err := m.Info(ctx)
	if err != nil {
		return SchemaState{}, err
	}
	return SchemaState{Info: *info, Migrations: statuses}, nil
}

// Ready reports whether snapshots can be written: every migration is
// applied and none is dirty.
func (s SchemaState) Ready() bool {
	return !s.Info.Dirty && s.Info.PendingMigrations == 0 && s.Info.TotalMigrations > 0
}

// Summary is a one-line description such as
// "snapshot schema version 1 of 2 (1 pending)".
func (s SchemaState) Summary() string {
	i := s.Info
	if i.CurrentVersion == 0 && !i.Dirty {
		return fmt.Sprintf("snapshot schema not installed (%d pending)", i.PendingMigrations)
	}
	var state string
	switch {
	case i.Dirty:
		state = "dirty, repair before writing snapshots"
	case i.PendingMigrations == 0:
		state = "ready"
	default:
		state = fmt.Sprintf("%d pending", i.PendingMigrations)
	}
	return fmt.Sprintf("snapshot schema version %d of %d (%s)", i.CurrentVersion, i.TotalMigrations, state)
}

// Runner executes migrate subcommands and reports the resulting schema
// state.
type Runner struct {
	migrator Migrator
	out      io.Writer
}

// NewRunner writes its reports to out, or stdout when out is nil.
func NewRunner(m Migrator, out io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	return &Runner{migrator: m, out: out}
}

// Run executes cmd. steps is only used by CommandSteps: positive applies,
// negative rolls back.
func (r *Runner) Run(ctx context.Context, cmd Command, steps int) error {
	var err error
	switch cmd {
	case CommandUp:
		err = r.migrator.Up(ctx)
	case CommandDown:
		err = r.migrator.Down(ctx)
	case CommandSteps:
		if steps == 0 {
			return fmt.Errorf("migrate steps: step count must not be zero")
		}
		err = r.migrator.Steps(ctx, steps)
	case CommandStatus, CommandVersion, CommandInfo:
	default:
		return fmt.Errorf("unknown migrate subcommand: %s", cmd)
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", cmd, err)
	}

	state, err := Inspect(ctx, r.migrator)
	if err != nil {
		return fmt.Errorf("read schema state: %w", err)
	}
	switch cmd {
	case CommandStatus:
		r.writeStatus(state)
	case CommandInfo:
		r.writeInfo(state)
	default:
		fmt.Fprintln(r.out, state.Summary())
	}
	return nil
}

func (r *Runner) writeStatus(state SchemaState) {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tMIGRATION\tPROVIDES\tSTATE")
	for _, s := range state.Migrations {
		st := "pending"
		switch {
		case s.Dirty:
			st = "dirty"
		case s.Applied:
			st = "applied"
		}
		what := provides[s.Name]
		if what == "" {
			what = "-"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\t%s\n", s.Version, s.Name, what, st)
	}
	_ = w.Flush()
	fmt.Fprintln(r.out, state.Summary())
}

func (r *Runner) writeInfo(state SchemaState) {
	i := state.Info
	fmt.Fprintln(r.out, state.Summary())
	fmt.Fprintf(r.out, "  applied: %d\n  pending: %d\n  dirty:   %v\n", i.AppliedMigrations, i.PendingMigrations, i.Dirty)
	var tables []string
	for _, s := range state.Migrations {
		if s.Applied && provides[s.Name] != "" {
			tables = append(tables, provides[s.Name])
		}
	}
	if len(tables) > 0 {
		fmt.Fprintf(r.out, "  provides: %s\n", strings.Join(tables, "; "))
	}
}
