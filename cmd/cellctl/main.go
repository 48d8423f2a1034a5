// Command cellctl is an interactive client for a cellkernel worker. Each
// entered snippet runs as a new cell; its output is streamed as it arrives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"

	"github.com/peterh/liner"

	"github.com/seantiz/cellkernel/internal/config"
	"github.com/seantiz/cellkernel/internal/controller"
	"github.com/seantiz/cellkernel/internal/model"
	"github.com/seantiz/cellkernel/internal/protocol"
)

const (
	historyFile = ".cellctl_history"
	promptMain  = ">>> "
	promptCont  = "... "
	banner      = "cellctl: Ctrl+C cancels input, Ctrl+D exits. Type :help for commands."
	helpText    = `
commands:
  :help          Show this help
  :state         List every cell and its status
  :diag          Print the diagnostics snapshot
  :clear-cache   Empty the wheel cache
  :reset         Terminate the runtime; the next cell starts a fresh one
  :quit          Exit
`
)

func main() {
	defaultAddr := os.Getenv("CELLKERNEL_WORKER_ADDR")
	if defaultAddr == "" {
		defaultAddr = "unix:cellkernel-worker.sock"
	}
	addr := flag.String("addr", defaultAddr, "worker address (unix:, tcp:, vsock:cid:port or firecracker:path:port)")
	flag.Parse()

	logger := config.NewLogger(os.Stderr, slog.LevelWarn)

	ctx := context.Background()
	client, err := controller.Dial(ctx, *addr, logger)
	if err != nil {
		log.Fatalf("cellctl: %v", err)
	}
	defer client.Close()

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}

	fmt.Println(banner)
	seq := 0
	for {
		code, ok := readCell(ln)
		if !ok {
			fmt.Println()
			break
		}
		if strings.TrimSpace(code) == "" {
			continue
		}
		ln.AppendHistory(code)

		if strings.HasPrefix(strings.TrimSpace(code), ":") {
			if done := handleCommand(ctx, client, code); done {
				break
			}
			continue
		}

		seq++
		runCell(ctx, client, fmt.Sprintf("cell-%d", seq), code)
	}

	if f, err := os.Create(histPath); err == nil {
		_, _ = ln.WriteHistory(f)
		_ = f.Close()
	}
}

// readCell reads one snippet. A line ending in ':' opens a block that
// continues until an empty line.
func readCell(ln *liner.State) (string, bool) {
	var b strings.Builder
	block := false

	for {
		prompt := promptMain
		if b.Len() > 0 {
			prompt = promptCont
		}
		line, err := ln.Prompt(prompt)
		if errors.Is(err, io.EOF) {
			return "", false
		}
		if err != nil {
			// Ctrl+C aborts the current input.
			return "", true
		}

		if block && strings.TrimSpace(line) == "" {
			return b.String(), true
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)

		if strings.HasSuffix(strings.TrimSpace(line), ":") && !strings.HasPrefix(strings.TrimSpace(b.String()), ":") {
			block = true
		}
		if !block {
			return b.String(), true
		}
	}
}

// runCell executes code and prints its output until the result arrives.
// Ctrl+C stops waiting; the cell keeps running on the worker.
func runCell(ctx context.Context, client *controller.Client, id, code string) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	ch, unsub := client.Subscribe(id)
	defer unsub()

	if err := client.Execute(ctx, id, code); err != nil {
		fmt.Fprintf(os.Stderr, "execute: %v\n", err)
		return
	}

	for {
		select {
		case n, ok := <-ch:
			if !ok {
				printFinal(ctx, client, id)
				return
			}
			switch n.Type {
			case protocol.NoteStdout:
				fmt.Print(n.Message)
			case protocol.NoteStderr:
				fmt.Fprint(os.Stderr, n.Message)
			case protocol.NoteResult:
				if n.State != nil {
					printResult(*n.State)
				}
				return
			}
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\n(stopped waiting; the cell is still running)")
			return
		}
	}
}

// printFinal reports a cell whose stream closed without a result.
func printFinal(ctx context.Context, client *controller.Client, id string) {
	states, err := client.State(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "state: %v\n", err)
		return
	}
	state, ok := states[id]
	if !ok {
		fmt.Fprintln(os.Stderr, "(cell discarded)")
		return
	}
	printResult(state)
}

func printResult(state model.CellState) {
	if state.Status == model.StatusError {
		fmt.Fprintf(os.Stderr, "[%s: error]\n", state.ID)
		return
	}
	if state.Result != nil {
		fmt.Println(formatValue(state.Result))
	}
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// handleCommand runs a ':' command and reports whether to exit.
func handleCommand(ctx context.Context, client *controller.Client, line string) (exit bool) {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case ":help":
		fmt.Print(helpText)
	case ":quit", ":exit":
		return true
	case ":state":
		states, err := client.State(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "state: %v\n", err)
			return false
		}
		if len(states) == 0 {
			fmt.Println("no cells")
		}
		for _, id := range slices.Sorted(maps.Keys(states)) {
			fmt.Printf("%-12s %s\n", id, states[id].Status)
		}
	case ":diag":
		snap, err := client.Diagnostics(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "diagnostics: %v\n", err)
			return false
		}
		data, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(data))
	case ":clear-cache":
		if err := client.ClearCache(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "clear cache: %v\n", err)
			return false
		}
		fmt.Println("wheel cache cleared.")
	case ":reset":
		if err := client.Terminate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "reset: %v\n", err)
			return false
		}
		fmt.Println("runtime terminated.")
	default:
		fmt.Printf("unknown command %s (try :help)\n", fields[0])
	}
	return false
}
