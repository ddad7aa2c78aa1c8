package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/witnz/quorum/internal/replog"
)

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "Usage: %s <log-db-path> <index>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "This tool flips the first payload byte of a log entry without updating its checksum\n")
		os.Exit(1)
	}

	dbPath := os.Args[1]
	index, err := strconv.ParseUint(os.Args[2], 10, 64)
	if err != nil || index == 0 {
		fmt.Fprintf(os.Stderr, "Invalid index: %s\n", os.Args[2])
		os.Exit(1)
	}

	fmt.Printf("Opening log: %s\n", dbPath)
	fmt.Printf("Target entry: %d\n", index)

	store, err := replog.NewBoltStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	raw, err := store.RawEntry(index)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(raw) <= replog.DataOffset {
		fmt.Fprintf(os.Stderr, "Error: entry %d is too short (%d bytes)\n", index, len(raw))
		os.Exit(1)
	}

	end := min(len(raw), replog.DataOffset+16)
	fmt.Printf("  Original payload: %s...\n", hex.EncodeToString(raw[replog.DataOffset:end]))
	raw[replog.DataOffset] ^= 0xff
	fmt.Printf("  Corrupted payload: %s...\n", hex.EncodeToString(raw[replog.DataOffset:end]))

	if err := store.PutRawEntry(index, raw); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save corrupted entry: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Successfully corrupted log entry")
	fmt.Println("Log tampering completed")
}
