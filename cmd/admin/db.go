package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"hydrovox/internal/persistence/chunkdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	path := fs.String("path", "./data/chunks.db", "chunk store path")
	prune := fs.Duration("prune", 0, "delete entries older than this (0 = report only)")
	_ = fs.Parse(args)

	if _, err := os.Stat(*path); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "no chunk store at", *path)
		os.Exit(1)
	}
	db, err := chunkdb.Open(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	n, err := db.Len()
	if err != nil {
		fmt.Fprintln(os.Stderr, "count:", err)
		os.Exit(1)
	}
	fmt.Printf("entries=%d\n", n)

	if *prune > 0 {
		removed, err := db.PruneOlderThan(time.Now().Add(-*prune))
		if err != nil {
			fmt.Fprintln(os.Stderr, "prune:", err)
			os.Exit(1)
		}
		fmt.Printf("pruned=%d\n", removed)
	}
}
