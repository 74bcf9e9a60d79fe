// Package main provides the perfectssh command.
//
// perfectssh keeps a SOCKS5 tunnel through one or two SSH hops alive. When a
// connection attempt fails it diagnoses the remote host, repairs what it can
// and retries within a bounded budget. It runs either in the foreground
// (connect) or as a daemon (serve) controlled over a UNIX socket.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

var version = "dev"

type command struct {
	name    string
	summary string
	run     func(args []string) int
}

func commands() []command {
	return []command{
		{"connect", "connect in the foreground until interrupted", runConnect},
		{"serve", "run the daemon with a control socket", runServe},
		{"doctor", "diagnose the target host and optionally repair it", runDoctor},
		{"status", "show the daemon's connection status", runStatus},
		{"disconnect", "ask the daemon to disconnect", runDisconnect},
		{"logs", "print the daemon's log journal", runLogs},
		{"keyring", "store or delete a password in the system keyring", runKeyring},
		{"version", "print the version", runVersion},
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage(os.Stderr)
		return 2
	}
	name := args[0]
	if name == "-h" || name == "-help" || name == "--help" || name == "help" {
		usage(os.Stdout)
		return 0
	}
	for _, c := range commands() {
		if c.name == name {
			return c.run(args[1:])
		}
	}
	fmt.Fprintf(os.Stderr, "perfectssh: unknown command %q\n\n", name)
	usage(os.Stderr)
	return 2
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: perfectssh <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-11s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'perfectssh <command> -h' for command flags.")
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	fmt.Printf("perfectssh %s\n", version)
	return 0
}

// fail prints err and returns code.
func fail(code int, format string, a ...any) int {
	fmt.Fprintf(os.Stderr, "perfectssh: "+format+"\n", a...)
	return code
}
