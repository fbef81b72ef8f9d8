// Command loadtest drives synthetic players against a party gateway.
//
//   - saturate: open N idle connections and hold them
//   - party:    full matchmaking flow from join to match_started
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "party":
		runParty(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N idle connections")
	fmt.Println("  party       Matchmaking load test: players queue by role, accept offers, start")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
