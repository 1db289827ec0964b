package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// Touches the reload signal file. The running guard polls its mtime and
// re-reads the monitor store when it changes.
func main() {
	path := flag.String("path", "reload.signal", "reload signal file watched by the guard")
	flag.Parse()

	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := os.WriteFile(*path, []byte(stamp+"\n"), 0o644); err != nil {
		fmt.Printf("Failed to write reload signal: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Reload signalled at %s (%s)\n", stamp, *path)
}
