package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"insightstream/internal/app"
	"insightstream/internal/config"
	"insightstream/internal/domain"
	"insightstream/internal/pipeline"
	"insightstream/internal/storage/sqlite"
)

var (
	listAbandoned bool
	listState     string
	listLimit     int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and recover workflow runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflow runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsRetryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Revive an abandoned run and queue it again",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsRetry,
}

func init() {
	runsListCmd.Flags().BoolVar(&listAbandoned, "abandoned", false, "only show abandoned runs")
	runsListCmd.Flags().StringVar(&listState, "state", "", "filter by state (CREATED, CLASSIFIED, SCORED, PERSISTED)")
	runsListCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum number of runs")
	runsCmd.AddCommand(runsListCmd, runsRetryCmd)
	rootCmd.AddCommand(runsCmd)
}

func openStore(cfg config.Config) (*sqlite.Store, error) {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	state := domain.RunState(strings.ToUpper(listState))
	if state != "" && !state.Valid() {
		return fmt.Errorf("unknown state %q", listState)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.ListRuns(cmd.Context(), sqlite.RunFilter{
		State:         state,
		AbandonedOnly: listAbandoned,
		Limit:         listLimit,
	})
	if err != nil {
		return err
	}
	return printRuns(cmd.OutOrStdout(), runs)
}

func printRuns(out io.Writer, runs []domain.WorkflowRun) error {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATE\tNEXT STEP\tATTEMPTS\tABANDONED\tUPDATED\tLAST ERROR")
	for _, run := range runs {
		next, _ := run.State.NextStep()
		attempts := 0
		if next != "" {
			attempts = run.Attempts(next)
		}
		abandoned := "-"
		if run.Abandoned() {
			abandoned = run.AbandonedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			run.ID, run.State, dash(next), attempts, abandoned,
			run.UpdatedAt.Format(time.RFC3339), dash(run.LastError))
	}
	return w.Flush()
}

func runRunsRetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// With the memory backend the serving process' sweeper picks the run up.
	q, err := app.NewQueue(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	p := pipeline.New(store, nil, q, nil, pipeline.ConfigFrom(cfg))
	run, err := p.Retry(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	next, _ := run.State.NextStep()
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "run %s revived, resumes at %s\n", run.ID, dash(next))
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
