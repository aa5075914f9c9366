package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/stagehand/internal/accounts"
	"github.com/xkilldash9x/stagehand/internal/browser"
	"github.com/xkilldash9x/stagehand/internal/browser/chrome"
	"github.com/xkilldash9x/stagehand/internal/config"
	"github.com/xkilldash9x/stagehand/internal/diagnostics"
	"github.com/xkilldash9x/stagehand/internal/flow"
	"github.com/xkilldash9x/stagehand/internal/ledger"
	"github.com/xkilldash9x/stagehand/internal/observability"
	"github.com/xkilldash9x/stagehand/internal/scheduler"
	"github.com/xkilldash9x/stagehand/internal/store"
)

var _ scheduler.ResultSink = (*store.Store)(nil)

// Swappable constructors for the two external systems, replaced in tests.
var (
	newSessionFactory = func(ctx context.Context, cfg config.Interface, logger *zap.Logger) (browser.SessionFactory, func(context.Context) error, error) {
		m, err := chrome.NewManager(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return m, m.Close, nil
	}

	openResultStore = func(ctx context.Context, url string, logger *zap.Logger) (scheduler.ResultSink, func(), error) {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		st, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to initialize database store: %w", err)
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	}
)

func newRunCmd() *cobra.Command {
	var asJSON bool

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the provisioning workflow for every account in the list",
		Long: `Runs the provisioning workflow once per account, with at most --concurrency
accounts in flight. Extracted credentials are appended to the ledger file.
Account failures are reported in the summary and do not change the exit code.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromContext(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := runProvisioning(cmd.Context(), cfg, observability.GetLogger())
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if summary != nil {
				if perr := printSummary(cmd.OutOrStdout(), *summary, asJSON); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	flags := runCmd.Flags()
	flags.String("accounts", "", "account list file, one 'identity secret' per line")
	flags.String("profile", "", "selector profile YAML")
	flags.String("ledger", "", "ledger file credentials are appended to")
	flags.String("diagnostics", "", "directory for failure screenshots")
	flags.Int("concurrency", 0, "maximum number of accounts processed at once")
	flags.Bool("headless", true, "run the browser without a window")
	flags.Int("resources", 0, "resources provisioned per account")
	flags.String("parent", "", "organization the resources are filed under")
	flags.String("db", "", "PostgreSQL URL for recording run results (optional)")
	flags.BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return runCmd
}

// runProvisioning wires every component and runs the scheduler. A nil summary means setup
// failed before any account was started.
func runProvisioning(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*scheduler.Summary, error) {
	profile, err := flow.LoadProfile(cfg.Flow().ProfilePath)
	if err != nil {
		return nil, err
	}
	list, err := accounts.Load(cfg.Output().AccountsPath)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("no accounts found in %s", cfg.Output().AccountsPath)
	}
	credential, err := cfg.Credential().Compile()
	if err != nil {
		return nil, err
	}

	led, err := ledger.Open(cfg.Output().LedgerPath, credential)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := led.Close(); err != nil {
			logger.Warn("Failed to close ledger.", zap.Error(err))
		}
	}()

	sink, err := diagnostics.New(cfg.Output().DiagnosticsDir, logger)
	if err != nil {
		return nil, err
	}

	workflow, err := flow.NewWorkflow(cfg, profile, led, sink, logger)
	if err != nil {
		return nil, err
	}

	var opts []scheduler.Option
	if url := cfg.Database().URL; url != "" {
		results, closeStore, err := openResultStore(ctx, url, logger)
		if err != nil {
			return nil, err
		}
		defer closeStore()
		opts = append(opts, scheduler.WithResultSink(results))
	}

	sessions, closeSessions, err := newSessionFactory(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler().ShutdownTimeout+5*time.Second)
		defer cancel()
		if err := closeSessions(shutdownCtx); err != nil {
			logger.Warn("Browser shutdown reported an error.", zap.Error(err))
		}
	}()

	sched, err := scheduler.New(cfg, sessions, workflow, logger, opts...)
	if err != nil {
		return nil, err
	}

	logger.Info("Provisioning accounts.",
		zap.Int("accounts", len(list)),
		zap.Int("concurrency", cfg.Scheduler().Concurrency),
		zap.String("ledger", led.Path()))
	summary, err := sched.Run(ctx, list)
	return &summary, err
}

func printSummary(w io.Writer, s scheduler.Summary, asJSON bool) error {
	if asJSON {
		data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	fmt.Fprintf(w, "Run %s: %d resource(s), %d succeeded, %d failed in %s\n",
		s.RunID, s.Total, s.Succeeded, s.Failed, s.FinishedAt.Sub(s.StartedAt).Round(time.Second))
	if s.Failed == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tRESOURCE\tSTAGE\tREASON\tDIAGNOSTIC")
	for _, r := range s.Results {
		if r.Succeeded() {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Account, r.ResourceID, r.FailedStage, r.Reason, r.Diagnostic)
	}
	return tw.Flush()
}
