package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/perfectssh/perfectssh/internal/client"
	"github.com/perfectssh/perfectssh/internal/config"
	"github.com/perfectssh/perfectssh/internal/control/protocol"
	"github.com/perfectssh/perfectssh/internal/keyring"
	"github.com/perfectssh/perfectssh/internal/logging"
	"github.com/perfectssh/perfectssh/internal/stats"
)

const followInterval = time.Second

// socketFlag resolves the control socket from -socket or the settings.
type socketFlag struct {
	settingsPath string
	path         string
}

func (s *socketFlag) register(fs *flag.FlagSet) {
	fs.StringVar(&s.settingsPath, "settings", "", "Path to settings.json")
	fs.StringVar(&s.path, "socket", "", "Path to the control socket (default from settings)")
}

func (s *socketFlag) resolve() string {
	if s.path != "" {
		return s.path
	}
	settings, err := config.LoadSettings(s.settingsPath)
	if err != nil {
		return config.DefaultSettings().ControlSocket
	}
	return settings.ControlSocket
}

func (s *socketFlag) dial() (*client.Client, error) {
	socketPath := s.resolve()
	c, err := client.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w (is 'perfectssh serve' running on %s?)", err, socketPath)
	}
	return c, nil
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	var sock socketFlag
	sock.register(fs)
	asJSON := fs.Bool("json", false, "Print the raw status as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	c, err := sock.dial()
	if err != nil {
		return fail(1, "%v", err)
	}
	defer c.Close()

	status, err := c.Status(context.Background())
	if err != nil {
		return fail(1, "%v", err)
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			return fail(1, "%v", err)
		}
		return 0
	}
	printStatus(os.Stdout, status)
	return 0
}

func printStatus(w io.Writer, status *protocol.StatusResult) {
	fmt.Fprintf(w, "State:      %s (since %s)\n", status.State, status.Since.Format(time.RFC3339))
	if status.Chain != "" {
		fmt.Fprintf(w, "Chain:      %s\n", status.Chain)
	}
	if status.LocalPort != 0 {
		fmt.Fprintf(w, "Local port: %d\n", status.LocalPort)
	}
	if status.SessionID != "" {
		fmt.Fprintf(w, "Session:    %s\n", status.SessionID)
	}
	if status.Stats != nil {
		fmt.Fprintf(w, "Traffic:    %s\n", stats.FormatSession(*status.Stats))
	}
	if status.LastError != nil {
		fmt.Fprintf(w, "Last error: %s\n", status.LastError.Message)
		if status.LastError.ManualFix != "" {
			fmt.Fprintf(w, "Manual fix: %s\n", status.LastError.ManualFix)
		}
	}
	if status.Report != nil {
		printReport(w, status.Report)
	}
	if len(status.Attempts) > 0 {
		fmt.Fprintln(w, "Attempts:")
		for _, a := range status.Attempts {
			result := "ok"
			if !a.Success {
				result = "failed"
				if a.KindName != "" {
					result += " (" + a.KindName + ")"
				}
			}
			fmt.Fprintf(w, "  #%d %s %s\n", a.Number, a.EndedAt.Sub(a.StartedAt).Round(time.Millisecond), result)
		}
	}
}

func runDisconnect(args []string) int {
	fs := flag.NewFlagSet("disconnect", flag.ContinueOnError)
	var sock socketFlag
	sock.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	c, err := sock.dial()
	if err != nil {
		return fail(1, "%v", err)
	}
	defer c.Close()

	if err := c.Disconnect(context.Background()); err != nil {
		if client.IsCode(err, protocol.ErrCodeInvalidState) {
			fmt.Println("Not connected.")
			return 0
		}
		return fail(1, "%v", err)
	}
	fmt.Println("Disconnected.")
	return 0
}

func runLogs(args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	var sock socketFlag
	sock.register(fs)
	limit := fs.Int("n", 100, "Number of most recent entries to print (0 for all)")
	follow := fs.Bool("f", false, "Keep printing new entries")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	c, err := sock.dial()
	if err != nil {
		return fail(1, "%v", err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	entries, err := c.Logs(ctx, protocol.LogsParams{Limit: *limit})
	if err != nil {
		return fail(1, "%v", err)
	}
	last := printEntries(os.Stdout, entries, 0)
	if !*follow {
		return 0
	}

	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-c.Done():
			return fail(1, "daemon went away")
		case <-ticker.C:
		}
		entries, err := c.Logs(ctx, protocol.LogsParams{Since: last})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return 0
			}
			return fail(1, "%v", err)
		}
		last = printEntries(os.Stdout, entries, last)
	}
}

// printEntries prints entries and returns the highest sequence seen.
func printEntries(w io.Writer, entries []logging.Entry, last uint64) uint64 {
	for _, e := range entries {
		fmt.Fprintln(w, e.String())
		if e.Seq > last {
			last = e.Seq
		}
	}
	return last
}

func runKeyring(args []string) int {
	return keyringCommand(args, keyring.NewSystemKeyring(), os.Stdin, os.Stdout)
}

// keyringCommand implements "keyring set|delete <ref>". The secret for set
// is the first line of stdin.
func keyringCommand(args []string, store keyring.Store, stdin io.Reader, stdout io.Writer) int {
	if len(args) != 2 || (args[0] != "set" && args[0] != "delete") {
		fmt.Fprintln(os.Stderr, "Usage: perfectssh keyring set|delete <ref>")
		return 2
	}
	action, ref := args[0], args[1]
	if err := keyring.ValidateRef(ref); err != nil {
		return fail(2, "%v", err)
	}

	switch action {
	case "set":
		secret, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fail(1, "failed to read secret: %v", err)
		}
		secret = strings.TrimRight(secret, "\r\n")
		if secret == "" {
			return fail(2, "empty secret on stdin")
		}
		if err := store.Save(ref, secret); err != nil {
			return fail(1, "%v", err)
		}
		fmt.Fprintf(stdout, "Stored secret %q.\n", ref)
	case "delete":
		if err := store.Delete(ref); err != nil {
			if errors.Is(err, keyring.ErrCredentialNotFound) {
				fmt.Fprintf(stdout, "No secret stored for %q.\n", ref)
				return 0
			}
			return fail(1, "%v", err)
		}
		fmt.Fprintf(stdout, "Deleted secret %q.\n", ref)
	}
	return 0
}
