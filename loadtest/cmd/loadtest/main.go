// The loadtest binary drives synthetic traffic against a running chat
// server. Each subcommand is one scenario:
//
//	saturate  open many connections, join them to rooms, and hold
//	chat      joined users exchange messages and measure delivery RTT
//
// Run "loadtest <command> -h" for the scenario's flags.
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
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    open N connections joined across rooms and hold them")
	fmt.Println("  chat        joined users exchange room messages; measures delivery RTT")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
