package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pansave/internal/account"
	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/service"
)

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <share-url>",
		Short: "Show which provider and account a share link maps to",
		Args:  cobra.ExactArgs(1),
		RunE:  runResolve,
	}
}

func newLsShareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls-share <share-url>",
		Short: "List the contents of a share link",
		Args:  cobra.ExactArgs(1),
		RunE:  runLsShare,
	}

	cmd.Flags().String("passcode", "", "share passcode (overrides one embedded in the link)")
	cmd.Flags().String("dir", "", "folder id inside the share (default: the folder the link points at)")

	return cmd
}

func newCrumbsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crumbs <share-url> <folder-id>",
		Short: "Print the path of a folder inside a share",
		Args:  cobra.ExactArgs(2),
		RunE:  runCrumbs,
	}

	cmd.Flags().String("passcode", "", "share passcode (overrides one embedded in the link)")

	return cmd
}

func newSaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save <share-url>",
		Short: "Save shared files into your drive",
		Long: `Copy items of a share link into a folder of your own drive. The target
folder is created if missing. Without --id every item of the linked folder
is saved.`,
		Args: cobra.ExactArgs(1),
		RunE: runSave,
	}

	cmd.Flags().String("to", "/", "target folder path in your drive")
	cmd.Flags().StringSlice("id", nil, "item id to save (repeatable)")
	cmd.Flags().String("passcode", "", "share passcode (overrides one embedded in the link)")
	cmd.Flags().Bool("wait", false, "wait for asynchronous transfers to finish")

	return cmd
}

// openShare resolves the link and obtains its token.
func openShare(ctx context.Context, cmd *cobra.Command, cc *CLIContext, rawURL string) (*service.Service, service.Share, drive.ShareToken, error) {
	svc, err := cc.Service(ctx)
	if err != nil {
		return nil, service.Share{}, drive.ShareToken{}, err
	}

	sh, err := svc.ResolveShare(ctx, account.Task{AccountName: cc.Flags.Account, URL: rawURL})
	if err != nil {
		return nil, service.Share{}, drive.ShareToken{}, err
	}

	if pc, _ := cmd.Flags().GetString("passcode"); pc != "" {
		sh.Ref.Passcode = pc
	}

	tok, err := svc.GetShareToken(ctx, sh)
	if err != nil {
		return nil, service.Share{}, drive.ShareToken{}, err
	}

	return svc, sh, tok, nil
}

type resolveJSON struct {
	Provider    string           `json:"provider"`
	Account     string           `json:"account"`
	ShareID     string           `json:"share_id"`
	Passcode    string           `json:"passcode,omitempty"`
	ContainerID string           `json:"container_id,omitempty"`
	Hints       drive.Breadcrumb `json:"hints,omitempty"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	svc, err := cc.Service(ctx)
	if err != nil {
		return err
	}

	sh, err := svc.ResolveShare(ctx, account.Task{AccountName: cc.Flags.Account, URL: args[0]})
	if err != nil {
		return err
	}

	out := resolveJSON{
		Provider:    string(sh.Provider),
		Account:     sh.Selection.Account.Name,
		ShareID:     sh.Ref.ShareID,
		Passcode:    sh.Ref.Passcode,
		ContainerID: sh.Ref.ContainerID,
		Hints:       sh.Ref.Hints,
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, out)
	}

	rows := [][]string{
		{"provider", out.Provider},
		{"account", out.Account},
		{"share id", out.ShareID},
		{"passcode", orDash(out.Passcode)},
		{"folder id", orDash(out.ContainerID)},
	}

	if len(out.Hints) > 0 {
		rows = append(rows, []string{"path hint", out.Hints.Path()})
	}

	printTable(cc.Out, []string{"FIELD", "VALUE"}, rows)

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func runLsShare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	svc, sh, tok, err := openShare(ctx, cmd, cc, args[0])
	if err != nil {
		return err
	}

	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return err
	}

	nodes, err := svc.ListShare(ctx, sh, tok, dir)
	if err != nil {
		return err
	}

	if tok.Title != "" && !cc.Flags.JSON {
		cc.Statusf("Share: %s\n", tok.Title)
	}

	return printNodes(cc.Out, cc.Flags.JSON, nodes)
}

func runCrumbs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	svc, sh, tok, err := openShare(ctx, cmd, cc, args[0])
	if err != nil {
		return err
	}

	crumbs, err := svc.ShareBreadcrumb(ctx, sh, tok, args[1])
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, crumbs)
	}

	_, err = fmt.Fprintln(cc.Out, crumbs.Path())

	return err
}

type saveJSON struct {
	Account  string             `json:"account"`
	Target   string             `json:"target"`
	TargetID string             `json:"target_id"`
	TaskID   string             `json:"task_id,omitempty"`
	State    string             `json:"state"`
	SavedIDs []string           `json:"saved_ids,omitempty"`
	Failed   []drive.FailedItem `json:"failed,omitempty"`
}

func runSave(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	target, err := cmd.Flags().GetString("to")
	if err != nil {
		return err
	}

	ids, err := cmd.Flags().GetStringSlice("id")
	if err != nil {
		return err
	}

	wait, err := cmd.Flags().GetBool("wait")
	if err != nil {
		return err
	}

	svc, sh, tok, err := openShare(ctx, cmd, cc, args[0])
	if err != nil {
		return err
	}

	nodes, err := svc.ListShare(ctx, sh, tok, "")
	if err != nil {
		return err
	}

	picked, err := pickNodes(nodes, ids)
	if err != nil {
		return err
	}

	dir, err := svc.MakeDir(ctx, sh.Selection, target)
	if err != nil {
		return err
	}

	req := drive.TransferRequest{Token: tok, TargetID: dir.ID}
	for _, n := range picked {
		req.NodeIDs = append(req.NodeIDs, n.ID)
		req.NodeTokens = append(req.NodeTokens, n.ShareToken)
		req.NodeNames = append(req.NodeNames, n.Name)
	}

	res, txErr := svc.Transfer(ctx, sh, req)
	if txErr != nil && !drive.IsKind(txErr, drive.KindPartialSuccess) {
		return txErr
	}

	out := saveJSON{
		Account:  sh.Selection.Account.Name,
		Target:   drive.CleanPath(target),
		TargetID: dir.ID,
		TaskID:   res.TaskID,
		State:    drive.TaskPending.String(),
		SavedIDs: res.SavedIDs,
		Failed:   res.Failed,
	}

	if res.Done {
		out.State = drive.TaskDone.String()
	}

	if wait && !res.Done {
		waitCtx, stop := interruptContext(ctx, cc.Logger)
		defer stop()

		st, err := waitWithProgress(waitCtx, cc, svc, sh.Selection, res)
		if err != nil {
			return err
		}

		out.State = st.State.String()
		out.SavedIDs = st.SavedIDs
	}

	if cc.Flags.JSON {
		if err := printJSON(cc.Out, out); err != nil {
			return err
		}
	} else {
		printSaveSummary(cc, out, len(picked))
	}

	return txErr
}

// pickNodes selects the requested ids from a share listing, or everything
// when ids is empty.
func pickNodes(nodes []drive.Node, ids []string) ([]drive.Node, error) {
	if len(nodes) == 0 {
		return nil, errors.New("share is empty")
	}

	if len(ids) == 0 {
		return nodes, nil
	}

	picked := make([]drive.Node, 0, len(ids))

	for _, id := range ids {
		i := slices.IndexFunc(nodes, func(n drive.Node) bool { return n.ID == id })
		if i < 0 {
			return nil, fmt.Errorf("item %q is not in the shared folder", id)
		}

		picked = append(picked, nodes[i])
	}

	return picked, nil
}

// waitWithProgress waits for the transfer, redrawing a progress line on
// every poll.
func waitWithProgress(
	ctx context.Context, cc *CLIContext, svc *service.Service, sel account.Selection, res drive.TransferResult,
) (drive.TaskStatus, error) {
	st, err := svc.WaitTransfer(ctx, sel, res, func(st drive.TaskStatus) {
		cc.Progressf("transfer %s: %s %d%%", res.TaskID, st.State, st.Progress)
	})
	cc.endProgress()

	return st, err
}

func printSaveSummary(cc *CLIContext, out saveJSON, items int) {
	rows := [][]string{
		{"account", out.Account},
		{"target", out.Target + " (" + out.TargetID + ")"},
		{"items", strconv.Itoa(items)},
		{"state", out.State},
	}

	if out.TaskID != "" {
		rows = append(rows, []string{"task", out.TaskID})
	}

	if len(out.SavedIDs) > 0 {
		rows = append(rows, []string{"saved", strconv.Itoa(len(out.SavedIDs))})
	}

	printTable(cc.Out, []string{"FIELD", "VALUE"}, rows)

	for _, f := range out.Failed {
		cc.Statusf("failed: %s: %s\n", f.ID, f.Message)
	}
}
