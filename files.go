package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pansave/internal/account"
	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/service"
)

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a folder of your drive",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func newMkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a folder (recursive)",
		Args:  cobra.ExactArgs(1),
		RunE:  runMkdir,
	}
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <new-name>",
		Short: "Rename a file or folder",
		Args:  cobra.ExactArgs(2),
		RunE:  runRename,
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete files or folders by id",
		Long: `Delete files or folders by id. Most providers move them to the recycle
bin. Use "pansave pathid" to look up the id of a path.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRm,
	}
}

func newPathIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pathid <path>...",
		Short: "Resolve drive paths to ids",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPathID,
	}
}

func newPathOfCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pathof <id>",
		Short: "Print the path of a folder id",
		Args:  cobra.ExactArgs(1),
		RunE:  runPathOf,
	}
}

func newEnsurePathsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-paths <path>...",
		Short: "Create save folders that do not exist yet",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runEnsurePaths,
	}
}

// ownDrive selects the account for commands on the user's own drive.
func ownDrive(ctx context.Context, cc *CLIContext) (*service.Service, account.Selection, error) {
	svc, err := cc.Service(ctx)
	if err != nil {
		return nil, account.Selection{}, err
	}

	sel, err := svc.SelectAdapter(ctx, account.Task{AccountName: cc.Flags.Account})
	if err != nil {
		return nil, account.Selection{}, err
	}

	return svc, sel, nil
}

func runLs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	svc, sel, err := ownDrive(ctx, cc)
	if err != nil {
		return err
	}

	path := "/"
	if len(args) > 0 {
		path = args[0]
	}

	id := drive.RootID

	if clean := drive.CleanPath(path); clean != "/" {
		ids, err := svc.PathToID(ctx, sel, []string{clean})
		if err != nil {
			return err
		}

		if ids[0].ID == "" {
			return fmt.Errorf("%s: no such folder", clean)
		}

		id = ids[0].ID
	}

	nodes, err := svc.ListOwn(ctx, sel, id)
	if err != nil {
		return err
	}

	return printNodes(cc.Out, cc.Flags.JSON, nodes)
}

func runMkdir(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	svc, sel, err := ownDrive(ctx, cc)
	if err != nil {
		return err
	}

	node, err := svc.MakeDir(ctx, sel, args[0])
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, toNodeJSON([]drive.Node{node})[0])
	}

	cc.Statusf("Created %s (%s)\n", drive.CleanPath(args[0]), node.ID)

	return nil
}

func runRename(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	svc, sel, err := ownDrive(ctx, cc)
	if err != nil {
		return err
	}

	if err := svc.Rename(ctx, sel, args[0], args[1]); err != nil {
		return err
	}

	cc.Statusf("Renamed %s to %q\n", args[0], args[1])

	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	svc, sel, err := ownDrive(ctx, cc)
	if err != nil {
		return err
	}

	if err := svc.Delete(ctx, sel, args); err != nil {
		return err
	}

	cc.Statusf("Deleted %d item(s)\n", len(args))

	return nil
}

func runPathID(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	svc, sel, err := ownDrive(ctx, cc)
	if err != nil {
		return err
	}

	ids, err := svc.PathToID(ctx, sel, args)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, ids)
	}

	rows := make([][]string, len(ids))
	for i, p := range ids {
		rows[i] = []string{orDash(p.ID), p.Path}
	}

	printTable(cc.Out, []string{"ID", "PATH"}, rows)

	return nil
}

func runPathOf(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	svc, sel, err := ownDrive(ctx, cc)
	if err != nil {
		return err
	}

	crumbs, err := svc.PathOf(ctx, sel, args[0])
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, crumbs)
	}

	_, err = fmt.Fprintln(cc.Out, crumbs.Path())

	return err
}

type savepathJSON struct {
	Account string `json:"account"`
	Path    string `json:"path"`
	ID      string `json:"id,omitempty"`
	Created bool   `json:"created"`
	Error   string `json:"error,omitempty"`
}

func runEnsurePaths(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	svc, err := cc.Service(ctx)
	if err != nil {
		return err
	}

	tasks := make([]service.SaveTask, len(args))
	for i, p := range args {
		tasks[i] = service.SaveTask{Account: cc.Flags.Account, Savepath: p}
	}

	results, runErr := svc.EnsureSavepaths(ctx, tasks, nowFunc())

	if cc.Flags.JSON {
		out := make([]savepathJSON, len(results))
		for i, r := range results {
			out[i] = savepathJSON{Account: r.Account, Path: r.Path, ID: r.ID, Created: r.Created}
			if r.Err != nil {
				out[i].Error = r.Err.Error()
			}
		}

		if err := printJSON(cc.Out, out); err != nil {
			return errors.Join(runErr, err)
		}

		return runErr
	}

	rows := make([][]string, len(results))
	for i, r := range results {
		state := "exists"

		switch {
		case r.Err != nil:
			state = "error"
		case r.Created:
			state = "created"
		}

		rows[i] = []string{r.Account, state, orDash(r.ID), r.Path}
	}

	printTable(cc.Out, []string{"ACCOUNT", "STATE", "ID", "PATH"}, rows)

	return runErr
}
