package main

import (
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("parley %s\n", version)
	case "gateway":
		err = runGateway()
	case "negotiate":
		err = runNegotiate(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: parley <command>

Commands:
  gateway      Start the bus, the agents, the scheduler and the web API
  negotiate    Ask the host agent to negotiate a meeting
  export       Write negotiation history to a zstd-compressed JSONL archive
  import       Load negotiation history from an archive
  version      Print version
`)
}

// parseArgs collects "--key value" pairs.
func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}
