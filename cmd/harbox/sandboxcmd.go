package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jkaninda/harbox/internal/sandbox"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage sandboxes",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known sandboxes",
	Long: `List sandbox records from the registry. Records persist across runs;
a sandbox shown here is recreated on demand by exec or shell.`,
	RunE: runSandboxList,
}

var sandboxDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxDelete,
}

func init() {
	sandboxCmd.AddCommand(sandboxListCmd, sandboxDeleteCmd)
}

func runSandboxList(_ *cobra.Command, _ []string) error {
	app, err := initApp()
	if err != nil {
		return err
	}
	defer app.Cleanup()

	ctx := context.Background()
	infos, err := app.Registry.ListSandboxes(ctx)
	if err != nil {
		return err
	}

	// Live instances shadow stale registry records.
	live := make(map[string]sandbox.Info)
	for _, info := range app.Manager.List(nil) {
		live[info.ID] = info
	}
	for i, info := range infos {
		if l, ok := live[info.ID]; ok {
			infos[i] = l
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATE\tCREATED\tLAST USED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			info.ID,
			info.Kind,
			info.State,
			info.CreatedAt.Format("2006-01-02 15:04:05"),
			info.LastUsed.Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func runSandboxDelete(_ *cobra.Command, args []string) error {
	app, err := initApp()
	if err != nil {
		return err
	}
	defer app.Cleanup()

	if err := app.Manager.Delete(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("sandbox %s deleted\n", args[0])
	return nil
}
