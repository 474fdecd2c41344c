// Command migrate manages the Purple schema (accounts, account_grants)
// with goose. It reads DATABASE_URL the same way the server does,
// including a local .env file.
//
// Usage:
//
//	go run ./cmd/migrate up               # apply pending migrations
//	go run ./cmd/migrate down             # roll back the last one
//	go run ./cmd/migrate status           # list applied and pending
//	go run ./cmd/migrate version          # current schema version
//	go run ./cmd/migrate up-to <version>  # apply up to a version
//	go run ./cmd/migrate create <name>    # create a new migration file
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	dir := flag.String("dir", "migrations", "directory with migration files")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}
	command := flag.Arg(0)
	args := flag.Args()[1:]

	// "create" only touches the filesystem.
	if command == "create" {
		if len(args) < 1 {
			log.Fatal("create needs a migration name")
		}
		if err := goose.Create(nil, *dir, args[0], "sql"); err != nil {
			log.Fatalf("create migration: %v", err)
		}
		return
	}

	_ = godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required (the server runs in-memory without it, migrations do not)")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("connect to database: %v", err)
	}

	if err := goose.RunContext(context.Background(), command, db, *dir, args...); err != nil {
		log.Fatalf("migration %s: %v", command, err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: migrate [-dir migrations] <command> [args]")
	fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, up-to <v>, down-to <v>, create <name>")
}
