package cmd

import (
	"fmt"
	"os"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/ledger"
	"github.com/xkilldash9x/stagehand/internal/observability"
)

func newLedgerCmd() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the credential ledger",
	}
	ledgerCmd.AddCommand(newLedgerVerifyCmd(), newLedgerWatchCmd())
	return ledgerCmd
}

func newLedgerVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [file]",
		Short: "Check every ledger line against the entry format",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			path := cfg.Output().LedgerPath
			if len(args) == 1 {
				path = args[0]
			}
			credential, err := cfg.Credential().Compile()
			if err != nil {
				return err
			}

			expanded, err := homedir.Expand(path)
			if err != nil {
				return fmt.Errorf("failed to expand ledger path: %w", err)
			}
			f, err := os.Open(expanded)
			if err != nil {
				return fmt.Errorf("failed to open ledger: %w", err)
			}
			defer f.Close()

			valid, bad, err := ledger.Verify(f, credential)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, le := range bad {
				fmt.Fprintln(out, le.Error())
			}
			fmt.Fprintf(out, "%s: %d valid, %d invalid\n", expanded, valid, len(bad))
			if len(bad) > 0 {
				return fmt.Errorf("ledger has %d invalid line(s)", len(bad))
			}
			return nil
		},
	}
}

func newLedgerWatchCmd() *cobra.Command {
	var fromStart, poll bool

	watchCmd := &cobra.Command{
		Use:   "watch [file]",
		Short: "Follow the ledger and report entries as they are appended",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			path := cfg.Output().LedgerPath
			if len(args) == 1 {
				path = args[0]
			}
			credential, err := cfg.Credential().Compile()
			if err != nil {
				return err
			}

			logger := observability.GetLogger()
			out := cmd.OutOrStdout()
			return ledger.Follow(cmd.Context(), path, credential, ledger.FollowOptions{FromStart: fromStart, Poll: poll}, logger,
				func(e ledger.Entry) {
					logger.Info("Ledger entry appended.",
						zap.String("account", e.Identity),
						zap.String("resource", e.ResourceID),
						observability.Secret("credential", e.Credential))
					fmt.Fprintf(out, "%s %s %s\n", e.Identity, e.ResourceID, observability.Mask(e.Credential))
				})
		},
	}
	watchCmd.Flags().BoolVar(&fromStart, "from-start", false, "replay existing entries before following")
	watchCmd.Flags().BoolVar(&poll, "poll", false, "poll for changes instead of using filesystem events")
	return watchCmd
}
