// Command dbctl is an offline inspector for the hub's Durable Store
// files (spec §6.3): given one table's SQLite file, it can list keys or
// dump a single record's raw JSON value, without needing the hub
// running. Grounded on the teacher's cmd/dbctl (flag-parse-then-switch
// over an -action flag against a SQLite handle), adapted from the
// teacher's bespoke agent_control schema to this hub's uniform
// kv(key, value) table schema.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := flag.String("db", "", "path to a Durable Store table file (e.g. data/tasks_active.db)")
	action := flag.String("action", "list", "action to perform: list, get")
	key := flag.String("key", "", "record key, required for -action get")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: dbctl -db <path> -action <list|get> [-key <id>]")
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbctl: open %s: %v\n", *dbPath, err)
		os.Exit(1)
	}
	defer db.Close()

	switch *action {
	case "list":
		if err := listKeys(db); err != nil {
			fmt.Fprintf(os.Stderr, "dbctl: %v\n", err)
			os.Exit(1)
		}
	case "get":
		if *key == "" {
			fmt.Fprintln(os.Stderr, "dbctl: -key is required for -action get")
			os.Exit(1)
		}
		if err := getKey(db, *key); err != nil {
			fmt.Fprintf(os.Stderr, "dbctl: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "dbctl: unknown action %q\n", *action)
		os.Exit(1)
	}
}

func listKeys(db *sql.DB) error {
	rows, err := db.Query(`SELECT key FROM kv ORDER BY key`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		fmt.Println(key)
	}
	return rows.Err()
}

func getKey(db *sql.DB, key string) error {
	var value []byte
	err := db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no record for key %q", key)
	}
	if err != nil {
		return err
	}
	fmt.Println(string(value))
	return nil
}
