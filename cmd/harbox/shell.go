package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var shellSandboxID string

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Open an interactive shell in a sandbox",
	Long: `Attach an interactive session to a sandbox, creating it on first use.
Input lines run inside the sandbox; type exit to leave. The exit status
mirrors the session's exit code.`,
	RunE: runShell,
}

func init() {
	shellCmd.Flags().StringVarP(&shellSandboxID, "sandbox", "s", "default", "sandbox id")
}

func runShell(_ *cobra.Command, _ []string) error {
	app, err := initApp()
	if err != nil {
		return err
	}
	defer app.Cleanup()

	ctx := context.Background()
	sb, err := app.Manager.GetOrCreate(ctx, shellSandboxID)
	if err != nil {
		return err
	}

	sess, err := sb.Shell(ctx, nil)
	if err != nil {
		return err
	}

	// Pump terminal input into the session and session output back out.
	go func() {
		_, _ = io.Copy(sess.Stdin(), os.Stdin)
		_ = sess.WriteLine("exit")
	}()
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(os.Stdout, sess.Stdout())
		close(done)
	}()

	code, err := sess.Wait()
	<-done
	if err != nil {
		return fmt.Errorf("session failed: %w", err)
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}
