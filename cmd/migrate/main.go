// Command migrate applies the invoice and webhook schema with goose.
//
//	migrate up             apply all pending migrations
//	migrate down           roll back the last migration
//	migrate status         list applied and pending migrations
//	migrate up-to 2        migrate to a specific version
//
// DATABASE_URL comes from the environment or a local .env file. The
// migrations are embedded; MIGRATIONS_DIR reads them from disk instead.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/paylink/internal/logging"
	"github.com/mbd888/paylink/migrations"
)

const usage = "usage: migrate <up|down|status|version|redo|up-to N|down-to N>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		logging.New("info", "text").Error("migrate failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}

	var source fs.FS = migrations.FS
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		source = os.DirFS(dir)
	}
	goose.SetBaseFS(source)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	return goose.RunContext(ctx, command, db, ".", args...)
}
