// Package cli implements the wifctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/ledger"
	"github.com/wif-erp/wif-erp/internal/platform/db"
	"github.com/wif-erp/wif-erp/jobs"
)

// Auditor runs a ledger audit synchronously.
type Auditor interface {
	Run(ctx context.Context, payload jobs.LedgerAuditPayload) ([]ledger.AuditReport, error)
}

// Enqueuer schedules an audit on the worker.
type Enqueuer interface {
	EnqueueLedgerAudit(ctx context.Context, payload jobs.LedgerAuditPayload) (*asynq.TaskInfo, error)
}

// LedgerOps are the operator-only ledger actions.
type LedgerOps interface {
	Compensate(ctx context.Context, in ledger.CompensateInput) (ledger.Entry, error)
	ResumePosting(ctx context.Context, accountID, actor int64) error
}

// NumberIssuer allocates document numbers.
type NumberIssuer interface {
	NextNumber(ctx context.Context, companyID int64, docType finance.DocumentType) (string, error)
}

// Env is what a command needs once connected.
type Env struct {
	Auditor  Auditor
	Enqueuer Enqueuer
	Ledger   LedgerOps
	Numbers  NumberIssuer
}

// Options wires the root command.
type Options struct {
	// Connect opens the runtime; the returned func releases it.
	Connect func(ctx context.Context) (*Env, func(), error)
	// Migrate applies schema migrations without connecting the runtime.
	Migrate func(direction db.MigrationDirection) error
	Stdout  io.Writer
	Stderr  io.Writer
}

// NewRootCommand builds the wifctl command tree.
func NewRootCommand(opts Options) *cobra.Command {
	root := &cobra.Command{
		Use:           "wifctl",
		Short:         "Operate the WIF ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if opts.Stdout != nil {
		root.SetOut(opts.Stdout)
	}
	if opts.Stderr != nil {
		root.SetErr(opts.Stderr)
	}
	root.PersistentFlags().Bool("json", false, "print results as JSON")

	root.AddCommand(
		migrateCommand(opts),
		auditCommand(opts),
		compensateCommand(opts),
		resumeCommand(opts),
		nextNumberCommand(opts),
	)
	return root
}

func migrateCommand(opts Options) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or revert schema migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(db.MigrateUp), string(db.MigrateDown)},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Migrate == nil {
				return errors.New("wifctl: migrations not configured")
			}
			direction := db.MigrationDirection(strings.ToLower(args[0]))
			if direction != db.MigrateUp && direction != db.MigrateDown {
				return fmt.Errorf("wifctl: unknown migration direction %q", args[0])
			}
			if err := opts.Migrate(direction); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", direction)
			return nil
		},
	}
}

func auditCommand(opts Options) *cobra.Command {
	var (
		accountID int64
		halt      bool
		enqueue   bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Replay ledger accounts and report integrity findings",
		Example: `  wifctl audit
  wifctl audit --account 42 --halt=false
  wifctl audit --enqueue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload := jobs.LedgerAuditPayload{AccountID: accountID}
			if cmd.Flags().Changed("halt") {
				payload.Halt = &halt
			}
			return withEnv(cmd, opts, func(ctx context.Context, env *Env) error {
				if enqueue {
					if env.Enqueuer == nil {
						return errors.New("wifctl: job queue not configured")
					}
					info, err := env.Enqueuer.EnqueueLedgerAudit(ctx, payload)
					if err != nil {
						return err
					}
					return write(cmd, map[string]string{"task_id": info.ID, "queue": info.Queue},
						fmt.Sprintf("enqueued %s on %s", info.ID, info.Queue))
				}
				reports, err := env.Auditor.Run(ctx, payload)
				if err != nil {
					return err
				}
				if err := printReports(cmd, reports); err != nil {
					return err
				}
				if len(reports) > 0 {
					return ErrFindings
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "audit a single account")
	cmd.Flags().BoolVar(&halt, "halt", true, "halt posting on accounts with findings")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "schedule the audit on the worker instead of running it here")
	return cmd
}

// ErrFindings is returned when an audit flags at least one account.
var ErrFindings = errors.New("wifctl: ledger audit reported findings")

func compensateCommand(opts Options) *cobra.Command {
	var in ledger.CompensateInput
	cmd := &cobra.Command{
		Use:   "compensate",
		Short: "Post the inverse of a ledger entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, env *Env) error {
				entry, err := env.Ledger.Compensate(ctx, in)
				if err != nil {
					return err
				}
				return write(cmd, entry, fmt.Sprintf("entry %d compensates %d on account %d: amount %s balance %s",
					entry.ID, in.EntryID, entry.AccountID, entry.Amount.StringFixed(2), entry.BalanceAfter.StringFixed(2)))
			})
		},
	}
	cmd.Flags().Int64Var(&in.EntryID, "entry", 0, "entry to compensate")
	cmd.Flags().Int64Var(&in.Actor, "actor", 0, "operator user id")
	cmd.Flags().StringVar(&in.Reason, "reason", "", "why the entry is compensated")
	_ = cmd.MarkFlagRequired("entry")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func resumeCommand(opts Options) *cobra.Command {
	var accountID, actor int64
	cmd := &cobra.Command{
		Use:   "resume-posting",
		Short: "Lift an audit halt from an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, opts, func(ctx context.Context, env *Env) error {
				if err := env.Ledger.ResumePosting(ctx, accountID, actor); err != nil {
					return err
				}
				return write(cmd, map[string]any{"account_id": accountID, "resumed": true},
					fmt.Sprintf("account %d: posting resumed", accountID))
			})
		},
	}
	cmd.Flags().Int64Var(&accountID, "account", 0, "halted account")
	cmd.Flags().Int64Var(&actor, "actor", 0, "operator user id")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func nextNumberCommand(opts Options) *cobra.Command {
	var companyID int64
	cmd := &cobra.Command{
		Use:   "next-number <type>",
		Short: "Allocate the next document number for a company",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			docType, ok := finance.ParseDocumentType(args[0])
			if !ok {
				return fmt.Errorf("wifctl: unknown document type %q", args[0])
			}
			return withEnv(cmd, opts, func(ctx context.Context, env *Env) error {
				number, err := env.Numbers.NextNumber(ctx, companyID, docType)
				if err != nil {
					return err
				}
				return write(cmd, map[string]string{"number": number}, number)
			})
		},
	}
	cmd.Flags().Int64Var(&companyID, "company", 0, "company id")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func withEnv(cmd *cobra.Command, opts Options, fn func(context.Context, *Env) error) error {
	if opts.Connect == nil {
		return errors.New("wifctl: runtime not configured")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	env, release, err := opts.Connect(ctx)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}
	return fn(ctx, env)
}

func printReports(cmd *cobra.Command, reports []ledger.AuditReport) error {
	if jsonOutput(cmd) {
		return encode(cmd, reports)
	}
	out := cmd.OutOrStdout()
	if len(reports) == 0 {
		fmt.Fprintln(out, "ledger audit: no findings")
		return nil
	}
	for _, report := range reports {
		fmt.Fprintf(out, "account %d: %d entries, replayed %s, stored %s, halted=%t\n",
			report.AccountID, report.Entries,
			report.ReplayedBalance.StringFixed(2), report.CurrentBalance.StringFixed(2), report.Halted)
		for _, f := range report.Findings {
			fmt.Fprintf(out, "  %s entry=%d %s\n", f.Code, f.EntryID, f.Detail)
		}
	}
	return nil
}

func write(cmd *cobra.Command, v any, text string) error {
	if jsonOutput(cmd) {
		return encode(cmd, v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}

func encode(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonOutput(cmd *cobra.Command) bool {
	on, _ := cmd.Flags().GetBool("json")
	return on
}
