package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/harbox/internal/sandbox"
)

var (
	execSandboxID string
	execTimeout   int
	execJSON      bool
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- command",
	Short: "Run a command in a sandbox",
	Long: `Run command text inside a sandbox, creating the sandbox on first use.
The command's combined output is printed to stdout; spawn requests the
guest filed during the run are reported on stderr.

Examples:
  harbox exec -s build -- 'echo hello > /notes.txt && cat /notes.txt'
  harbox exec -s build --json -- 'ls /'

The exit status mirrors the command's exit code.`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVarP(&execSandboxID, "sandbox", "s", "default", "sandbox id")
	execCmd.Flags().IntVar(&execTimeout, "timeout", 0, "timeout in seconds (0 = configured default)")
	execCmd.Flags().BoolVar(&execJSON, "json", false, "print the full response as JSON")
}

func runExec(_ *cobra.Command, args []string) error {
	app, err := initApp()
	if err != nil {
		return err
	}
	defer app.Cleanup()

	var opts *sandbox.ExecuteOptions
	if execTimeout > 0 {
		opts = &sandbox.ExecuteOptions{Timeout: time.Duration(execTimeout) * time.Second}
	}

	resp, err := app.Manager.Execute(context.Background(), execSandboxID, args[0], opts)
	if err != nil {
		if resp == nil {
			return err
		}
		// Timeouts still carry a partial response worth showing.
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	if execJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(resp); encErr != nil {
			return encErr
		}
	} else {
		fmt.Print(resp.Output)
		if resp.Truncated {
			fmt.Fprintln(os.Stderr, "warning: output truncated")
		}
		for _, req := range resp.SpawnRequests {
			fmt.Fprintf(os.Stderr, "spawn request %s: method=%s\n", req.ID, req.Method)
		}
	}

	if resp.ExitCode != 0 {
		os.Exit(resp.ExitCode)
	}
	return nil
}
