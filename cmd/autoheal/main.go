// File: cmd/autoheal/main.go
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/xkilldash9x/autoheal/cmd"
)

// Allows mocking os.Exit in tests.
var osExit = os.Exit

func main() {
	// Set up a context that listens for interrupt signals for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// With arguments, execute the command directly and exit.
	if len(os.Args) > 1 {
		if err := cmd.Execute(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				osExit(0)
			} else {
				osExit(1)
			}
		}
		return
	}

	if err := interactive(ctx, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "Error reading from stdin:", err)
		osExit(1)
	}
}

// interactive runs a shell that executes one command per line until EOF, exit or quit.
func interactive(ctx context.Context, in io.Reader, out, errOut io.Writer) error {
	fmt.Fprintln(out, "autoheal interactive shell. Type 'help' for commands, 'exit' to quit.")
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, "autoheal > ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		executeInteractiveCommand(ctx, line, out, errOut)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	fmt.Fprintln(out, "Exiting autoheal.")
	return nil
}

// executeInteractiveCommand runs one shell line on a fresh command tree so flags from one
// command don't leak into the next.
func executeInteractiveCommand(ctx context.Context, line string, out, errOut io.Writer) {
	rootCmd := cmd.NewRootCommand()
	rootCmd.SetArgs(strings.Fields(line))
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(errOut, "Error: Command panicked: %v\n", r)
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(errOut, "Error:", err)
	}
}
