// histctl is the shell-facing CLI for histd. The shell integration
// calls it from hooks (append-event on every command, previous-event
// and next-event from key bindings); humans call it for search,
// status and maintenance.
package main

import (
	"flag"
	"fmt"
	"os"

	"histd/internal/config"
	"histd/internal/ipc"
)

var configPath = flag.String("config", "", "path to config file (default: config.toml under the histd home)")

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	args := flag.Args()[1:]
	switch cmd := flag.Arg(0); cmd {
	case "append-event":
		cmdAppendEvent(args)
	case "search":
		cmdSearch(args)
	case "previous-event":
		cmdStep(args, true)
	case "next-event":
		cmdStep(args, false)
	case "status":
		cmdStatus()
	case "is-alive":
		cmdIsAlive()
	case "stop":
		cmdStop()
	case "sync-now":
		cmdSyncNow()
	case "import":
		cmdImport(args)
	case "reindex":
		cmdReindex()
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `histctl - control utility for the histd shell history daemon

Usage: histctl [options] <command> [args]

Commands:
  append-event    Record one executed command (called from shell hooks)
  search          Search history (modes: all, session, folder, aggregated-unique)
  previous-event  Previous session command matching a prefix (up-arrow)
  next-event      Next session command matching a prefix (down-arrow)
  status          Show daemon status and store statistics
  is-alive        Exit 0 when a live daemon answers on the socket
  stop            Ask the daemon to flush and exit
  sync-now        Run a synchronous sync cycle
  import          Import zsh or plain shell history files
  reindex         Rebuild the offline search index
  help            Show this help message

Options:
  -config <path>  Path to config file (default: config.toml under the histd home)`)
}

func loadConfig() *config.Config {
	path := *configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("load config: %v", err)
	}
	return cfg
}

// dial connects to the daemon, or exits when none is running.
func dial(cfg *config.Config) *ipc.Client {
	c, err := ipc.Dial(cfg.SocketPath())
	if err != nil {
		fatalf("%v (is histd running?)", err)
	}
	return c
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "histctl: "+format+"\n", args...)
	os.Exit(1)
}
