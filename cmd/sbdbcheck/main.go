// Command sbdbcheck is a diagnostic CLI for the subsidiadb package.
//
// Usage:
//
//	sbdbcheck open <root>
//	sbdbcheck read <root> <path...>
//	sbdbcheck write <root> <path...> <content>
//	sbdbcheck mkdir <root> <path...>
//	sbdbcheck tx <root>
//	sbdbcheck prune <root> <min-age>
//	sbdbcheck repair <root> <dir>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/calvinalkan/subsidiadb/pkg/subsidiadb"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return errors.New(usage())
	}

	ctx := context.Background()

	switch args[0] {
	case "open":
		return cmdOpen(args[1:])
	case "read":
		return cmdRead(ctx, args[1:])
	case "write":
		return cmdWrite(ctx, args[1:])
	case "mkdir":
		return cmdMkdir(ctx, args[1:])
	case "tx":
		return cmdTx(ctx, args[1:])
	case "prune":
		return cmdPrune(args[1:])
	case "repair":
		return cmdRepair(args[1:])
	case "help", "-h", "--help":
		fmt.Println(usage())
		return nil
	default:
		return fmt.Errorf("unknown command: %s\n%s", args[0], usage())
	}
}

func usage() string {
	return `sbdbcheck diagnostic CLI

Commands:
  open <root>                          Verify root opens as a database
  read <root> <path...>                Acquire a read guard, print the file
  write <root> <path...> <content>     Acquire a write guard, CoW-commit content
  mkdir <root> <path...>               Acquire a write guard, CoW-commit the directory (empty if new)
  tx <root>                            Run a scripted two-entry transaction
  prune <root> <min-age>               Remove scratch entries older than min-age (e.g. 1h)
  repair <root> <dir>                  Restore orphaned two-rename backups under dir

Path segments are given as separate arguments, e.g.:
  sbdbcheck read /tmp/db notes today.md`
}

func cmdOpen(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: sbdbcheck open <root>")
	}

	if _, err := subsidiadb.Open(args[0]); err != nil {
		return err
	}

	fmt.Println("ok")

	return nil
}

func cmdRead(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: sbdbcheck read <root> <path...>")
	}

	client, err := subsidiadb.Open(args[0])
	if err != nil {
		return err
	}

	guard, err := client.ReadFile(ctx, args[1:]...)
	if err != nil {
		return err
	}
	defer guard.Close()

	data, err := os.ReadFile(guard.Path())
	if err != nil {
		return fmt.Errorf("reading %s: %w", guard.Path(), err)
	}

	os.Stdout.Write(data)

	return nil
}

func cmdWrite(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: sbdbcheck write <root> <path...> <content>")
	}

	content := args[len(args)-1]
	segments := args[1 : len(args)-1]

	client, err := subsidiadb.Open(args[0])
	if err != nil {
		return err
	}

	guard, err := client.WriteFile(ctx, segments...)
	if err != nil {
		return err
	}
	defer guard.Close()

	stage, err := guard.OpenCoW()
	if err != nil {
		return err
	}

	fileStage, ok := stage.(interface {
		Path() string
		Commit() error
	})
	if !ok {
		return errors.New("sbdbcheck: unexpected staging handle type")
	}

	if err := os.WriteFile(fileStage.Path(), []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing staged content: %w", err)
	}

	if err := fileStage.Commit(); err != nil {
		return err
	}

	fmt.Println("committed")

	return nil
}

func cmdMkdir(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: sbdbcheck mkdir <root> <path...>")
	}

	client, err := subsidiadb.Open(args[0])
	if err != nil {
		return err
	}

	guard, err := client.WriteDir(ctx, args[1:]...)
	if err != nil {
		return err
	}
	defer guard.Close()

	stage, err := guard.OpenCoW()
	if err != nil {
		return err
	}

	if err := stage.Commit(); err != nil {
		return err
	}

	fmt.Println("committed")

	return nil
}

// cmdTx exercises the conservative two-phase-locking transaction path end
// to end: it declares one read and one write entry, begins the transaction
// (which batch-acquires both in the package's global path order), performs
// a CoW commit on the write entry, and releases.
func cmdTx(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: sbdbcheck tx <root>")
	}

	client, err := subsidiadb.Open(args[0])
	if err != nil {
		return err
	}

	builder := client.Tx()

	if _, err := builder.Read("index"); err != nil {
		return err
	}

	if _, err := builder.Write("notes", "scratchpad.md"); err != nil {
		return err
	}

	tx, err := builder.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()

	path, err := subsidiadb.NewPath("", "notes", "scratchpad.md")
	if err != nil {
		return err
	}

	stage, err := tx.FileCoW(path)
	if err != nil {
		return err
	}

	if err := os.WriteFile(stage.Path(), []byte("touched by sbdbcheck tx\n"), 0o644); err != nil {
		return fmt.Errorf("writing staged content: %w", err)
	}

	if err := stage.Commit(); err != nil {
		return err
	}

	fmt.Println("committed")

	return nil
}

func cmdPrune(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: sbdbcheck prune <root> <min-age>")
	}

	minAge, err := time.ParseDuration(args[1])
	if err != nil {
		return fmt.Errorf("invalid min-age %q: %w", args[1], err)
	}

	client, err := subsidiadb.Open(args[0])
	if err != nil {
		return err
	}

	if err := client.PruneScratch(minAge); err != nil {
		return err
	}

	fmt.Println("pruned")

	return nil
}

func cmdRepair(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: sbdbcheck repair <root> <dir>")
	}

	client, err := subsidiadb.Open(args[0])
	if err != nil {
		return err
	}

	if err := client.RepairOrphanedBackups(args[1]); err != nil {
		return err
	}

	fmt.Println("repaired")

	return nil
}
