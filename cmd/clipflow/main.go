package main

import (
	"fmt"
	"os"
)

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if code == 0 {
			code = 1
		}
	}
	os.Exit(code)
}

func printUsage() {
	fmt.Println("clipflow: short-video production and upload coordinator")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run      start the scheduler, workers and config hot reload")
	fmt.Println("  enqueue  submit a queue item from a JSON file (or - for stdin)")
	fmt.Println("  jobs     list jobs, or one job's execution history with --job")
	fmt.Println("  stats    queue counts, upload counts and remaining capacity")
	fmt.Println()
	fmt.Println("Every command takes --config <path> (default ./config.json).")
	fmt.Println("One-shot commands print a JSON envelope and exit 2 when it reports failure.")
}
