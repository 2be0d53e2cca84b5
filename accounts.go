package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pansave/internal/account"
	"github.com/tonimelisma/pansave/internal/config"
	"github.com/tonimelisma/pansave/internal/drive"
	"github.com/tonimelisma/pansave/internal/provider/aliyun"
	"github.com/tonimelisma/pansave/internal/tokenfile"
)

func newAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List and manage configured accounts",
		Args:  cobra.NoArgs,
		RunE:  runAccountsList,
	}

	cmd.AddCommand(newAccountsAddCmd())
	cmd.AddCommand(newAccountsRemoveCmd())
	cmd.AddCommand(newAccountsLoginQRCmd())
	cmd.AddCommand(newAccountsProbeCmd())

	return cmd
}

func newAccountsAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add an account to the config file",
		Long: `Add an account section to the config file, creating the file if needed.

The secret is the provider's cookie string (quark, uc, 115, baidu) or its
refresh token (aliyun, xunlei).`,
		Args: cobra.ExactArgs(1),
		RunE: runAccountsAdd,
	}

	cmd.Flags().String("provider", "", "provider: quark, uc, 115, baidu, xunlei or aliyun")
	cmd.Flags().String("secret", "", "cookie or refresh token")
	cmd.Flags().Bool("default", false, "make this the default account")

	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("secret")

	return cmd
}

func newAccountsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove an account from the config file",
		Args:  cobra.ExactArgs(1),
		RunE:  runAccountsRemove,
	}
}

func newAccountsLoginQRCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login-qr <name>",
		Short: "Sign in to Aliyun Drive by scanning a QR code",
		Long: `Print a QR code link for the Aliyun Drive app and wait until the scan is
confirmed. The resulting refresh token is written to the named account,
which is created if it does not exist yet.`,
		Args: cobra.ExactArgs(1),
		RunE: runAccountsLoginQR,
	}

	cmd.Flags().Duration("interval", 2*time.Second, "how often to poll the sign-in state")
	cmd.Flags().String("passport-url", "", "override the passport host")
	_ = cmd.Flags().MarkHidden("passport-url")

	return cmd
}

func newAccountsProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check every enabled account's credential",
		Long: `Initialize every enabled account concurrently and report who it belongs
to. With --watch the probe repeats on an interval and the config file is
reloaded whenever it changes.`,
		Args: cobra.NoArgs,
		RunE: runAccountsProbe,
	}

	cmd.Flags().Int("concurrency", 4, "accounts probed at once")
	cmd.Flags().Duration("watch", 0, "repeat the probe at this interval until interrupted")

	return cmd
}

type accountJSON struct {
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Enabled  bool   `json:"enabled"`
	Default  bool   `json:"default"`
	Secret   string `json:"secret"`
	Known    bool   `json:"known_provider"`
}

func runAccountsList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	cfg := cc.Holder.Config()

	names := cfg.Order
	if len(names) == 0 {
		names = slices.Sorted(maps.Keys(cfg.Accounts))
	}

	list := make([]accountJSON, 0, len(names))

	for _, name := range names {
		a, ok := cfg.Accounts[name]
		if !ok {
			continue
		}

		list = append(list, accountJSON{
			Name:     name,
			Provider: a.Provider,
			Enabled:  a.IsEnabled(),
			Default:  a.Default,
			Secret:   config.MaskSecret(a.Secret),
			Known:    cc.Factory.Known(a.ProviderID()),
		})
	}

	if cc.Flags.JSON {
		return printJSON(cc.Out, list)
	}

	if len(list) == 0 {
		cc.Statusf("No accounts configured. Add one with: pansave accounts add <name> --provider ... --secret ...\n")
		return nil
	}

	rows := make([][]string, len(list))
	for i, a := range list {
		provider := a.Provider
		if !a.Known {
			provider += " (unknown)"
		}

		rows[i] = []string{a.Name, provider, strconv.FormatBool(a.Enabled), strconv.FormatBool(a.Default), a.Secret}
	}

	printTable(cc.Out, []string{"NAME", "PROVIDER", "ENABLED", "DEFAULT", "SECRET"}, rows)

	return nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	name := args[0]

	provider, err := cmd.Flags().GetString("provider")
	if err != nil {
		return err
	}

	secret, err := cmd.Flags().GetString("secret")
	if err != nil {
		return err
	}

	makeDefault, err := cmd.Flags().GetBool("default")
	if err != nil {
		return err
	}

	if !cc.Factory.Known(drive.ProviderID(provider)) {
		return fmt.Errorf("unknown provider %q", provider)
	}

	path := cc.Holder.Path()

	if err := addAccountSection(path, name, provider, secret); err != nil {
		return err
	}

	if makeDefault {
		for _, other := range cc.Holder.Config().EnabledAccounts() {
			if other.Default && other.Name != name {
				if err := config.SetAccountKey(path, other.Name, "default", "false"); err != nil {
					return err
				}
			}
		}

		if err := config.SetAccountKey(path, name, "default", "true"); err != nil {
			return err
		}
	}

	cc.Statusf("Added account %q (%s) to %s\n", name, provider, path)

	return nil
}

// addAccountSection appends the account, creating the config file from the
// template when it does not exist yet.
func addAccountSection(path, name, provider, secret string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.CreateConfigWithAccount(path, name, provider, secret)
	}

	return config.AppendAccountSection(path, name, provider, secret)
}

func runAccountsLoginQR(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	name := args[0]

	interval, err := cmd.Flags().GetDuration("interval")
	if err != nil {
		return err
	}

	passportURL, err := cmd.Flags().GetString("passport-url")
	if err != nil {
		return err
	}

	existing, exists := cc.Holder.Config().Accounts[name]
	if exists && existing.ProviderID() != drive.Aliyun {
		return fmt.Errorf("account %q is provider %q, not %s", name, existing.Provider, drive.Aliyun)
	}

	ctx, stop := interruptContext(cmd.Context(), cc.Logger)
	defer stop()

	opts := drive.Options{
		Account:    name,
		HTTPClient: newHTTPClient(cc.Holder.Config().Network),
		Logger:     cc.Logger,
		BaseURL:    passportURL,
	}

	code, err := aliyun.GenerateQRCode(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Fprintf(cc.Out, "Scan with the Aliyun Drive app:\n  %s\nQR image: %s\n", code.Content, code.ImageURL())

	st, err := aliyun.WaitQRCode(ctx, opts, code, interval, func(s aliyun.QRState) {
		if s == aliyun.QRScanned {
			cc.Statusf("Scanned, confirm the sign-in on your phone\n")
		}
	})
	if err != nil {
		return err
	}

	path := cc.Holder.Path()

	if exists {
		rot := drive.Rotation{Provider: drive.Aliyun, Account: name, Secret: st.RefreshToken, UpdatedAt: time.Now()}
		if err := config.NewCredentialWriter(cc.Holder, cc.Logger).CredentialRotated(ctx, rot); err != nil {
			return err
		}
	} else if err := addAccountSection(path, name, string(drive.Aliyun), st.RefreshToken); err != nil {
		return err
	}

	who := st.NickName
	if who == "" {
		who = st.UserName
	}

	cc.Statusf("Signed in as %s; saved account %q to %s\n", who, name, path)

	return nil
}

func runAccountsRemove(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	name := args[0]
	acct, known := cc.Holder.Config().Accounts[name]

	if err := config.DeleteAccountSection(cc.Holder.Path(), name); err != nil {
		return err
	}

	if dir := config.SessionDir(); known && dir != "" {
		if err := tokenfile.ForAccount(dir, acct.ProviderID(), name).Remove(); err != nil {
			cc.Logger.Warn("removing session file failed",
				slog.String("account", name),
				slog.String("error", err.Error()),
			)
		}
	}

	cc.Statusf("Removed account %q\n", name)

	return nil
}

type probeJSON struct {
	Account  string             `json:"account"`
	Provider string             `json:"provider"`
	OK       bool               `json:"ok"`
	Info     *drive.AccountInfo `json:"info,omitempty"`
	Error    string             `json:"error,omitempty"`
}

func runAccountsProbe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	concurrency, err := cmd.Flags().GetInt("concurrency")
	if err != nil {
		return err
	}

	every, err := cmd.Flags().GetDuration("watch")
	if err != nil {
		return err
	}

	if every <= 0 {
		return probeOnce(cmd.Context(), cc, concurrency)
	}

	ctx, stop := interruptContext(cmd.Context(), cc.Logger)
	defer stop()

	prev := cc.Holder.Config()
	watcher := config.NewWatcher(cc.Holder, cc.Logger, func(next *config.Config) {
		cc.Router.Reconcile(prev, next)
		prev = next
	})

	go func() {
		if err := watcher.Run(ctx); err != nil {
			cc.Logger.Warn("config watcher stopped", slog.String("error", err.Error()))
		}
	}()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if err := probeOnce(ctx, cc, concurrency); err != nil && ctx.Err() == nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// probeOnce prints one round of probe results. Failing accounts are shown,
// not returned: the command only fails when nothing could be probed.
func probeOnce(ctx context.Context, cc *CLIContext, concurrency int) error {
	statuses, err := cc.Router.Probe(ctx, concurrency)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := make([]probeJSON, len(statuses))
		for i, st := range statuses {
			out[i] = probeJSON{Account: st.Account, Provider: string(st.Provider), OK: st.OK()}
			if st.OK() {
				info := st.Info
				out[i].Info = &info
			} else {
				out[i].Error = st.Err.Error()
			}
		}

		return printJSON(cc.Out, out)
	}

	rows := make([][]string, len(statuses))
	for i, st := range statuses {
		rows[i] = probeRow(st)
	}

	printTable(cc.Out, []string{"ACCOUNT", "PROVIDER", "STATUS", "USER", "USAGE"}, rows)

	return nil
}

func probeRow(st account.Status) []string {
	if !st.OK() {
		return []string{st.Account, string(st.Provider), "error: " + st.Err.Error(), "-", "-"}
	}

	usage := "-"
	if st.Info.Capacity > 0 {
		usage = formatSize(st.Info.Used) + " / " + formatSize(st.Info.Capacity)
	}

	status := "ok"
	if st.Info.VIP {
		status = "ok (vip)"
	}

	return []string{st.Account, string(st.Provider), status, st.Info.Name, usage}
}
