//go:build linux && (amd64 || arm64)

package main

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"
)

type result struct {
	Mode       string  `json:"mode"`
	Role       string  `json:"role"`
	Messages   int     `json:"messages"`
	Bytes      uint64  `json:"bytes"`
	Seconds    float64 `json:"seconds"`
	Digest     string  `json:"digest,omitempty"`
	Mismatches int     `json:"mismatches,omitempty"`
}

// emitResult prints the run as one JSON line on stdout.
func emitResult(r result) {
	out, err := sonnet.Marshal(r)
	if err != nil {
		log.Printf("marshal result: %v", err)
		return
	}
	fmt.Println(string(out))
}

const createRuns = `
CREATE TABLE IF NOT EXISTS runs (
	id         INTEGER PRIMARY KEY,
	at         TEXT NOT NULL,
	mode       TEXT NOT NULL,
	role       TEXT NOT NULL,
	messages   INTEGER NOT NULL,
	bytes      INTEGER NOT NULL,
	seconds    REAL NOT NULL,
	digest     TEXT,
	mismatches INTEGER NOT NULL DEFAULT 0
)`

// recordResult appends the run to a sqlite database, creating the table on
// first use. Concurrent roles writing to the same file rely on sqlite's
// own locking.
func recordResult(path string, r result) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open results db: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(createRuns); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}

	_, err = db.Exec(
		`INSERT INTO runs (at, mode, role, messages, bytes, seconds, digest, mismatches)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339),
		r.Mode, r.Role, r.Messages, r.Bytes, r.Seconds, r.Digest, r.Mismatches,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}
