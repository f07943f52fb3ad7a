package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"teamboard.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn   = flag.String("dsn", os.Getenv("TEAMBOARD_PG_DSN"), "PostgreSQL DSN")
		table = flag.String("table", "", "Override the goose version table")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or TEAMBOARD_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr, err := migrate.NewManager(db, migrate.WithVersionTable(*table))
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}

	switch flag.Arg(0) {
	case "up":
		var applied []int64
		applied, err = mgr.Up(ctx)
		for _, v := range applied {
			fmt.Printf("applied %05d\n", v)
		}
	case "down":
		var v int64
		v, err = mgr.Down(ctx)
		if err == nil {
			fmt.Printf("rolled back %05d\n", v)
		}
	case "status":
		var history []migrate.Migration
		history, err = mgr.Status(ctx)
		for _, m := range history {
			state := "pending"
			if m.Applied {
				state = m.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%05d  %-40s %s\n", m.Version, m.Name, state)
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
