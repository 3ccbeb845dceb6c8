package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/schedule"
)

var (
	runAll     bool
	jsonOutput bool
)

var runCmd = &cobra.Command{
	Use:   "run [mapping...]",
	Short: "Run one sync cycle for the given mappings",
	Long: `Run one sync cycle for each named mapping, or for every mapping with --all.
Cycles of different mappings run concurrently, bounded by SYNC_MAX_CONCURRENT.`,
	RunE: runRun,
}

var previewCmd = &cobra.Command{
	Use:   "preview <mapping>",
	Short: "Show what the next cycle would do without writing anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

var cursorCmd = &cobra.Command{
	Use:   "cursor <mapping>",
	Short: "Show the committed cursor of a mapping",
	Args:  cobra.ExactArgs(1),
	RunE:  runCursor,
}

func init() {
	runCmd.Flags().BoolVar(&runAll, "all", false, "run every mapping")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output results as JSON")

	rootCmd.AddCommand(runCmd, previewCmd, cursorCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if runAll == (len(args) > 0) {
		return errors.New("name one or more mappings, or pass --all")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	d, err := schedule.NewDispatcher(a.engine, a.sync.Mappings, a.cfg.Sync.DefaultInterval)
	if err != nil {
		return err
	}
	outcomes := d.DispatchOnce(ctx, core.TriggerCLI, args...)

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}

	if jsonOutput {
		out := make([]cycleResult, 0, len(outcomes))
		for _, o := range outcomes {
			out = append(out, newCycleResult(o))
		}
		if err := printJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
	} else {
		for _, o := range outcomes {
			printOutcome(cmd.OutOrStdout(), o)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d cycles failed", failed, len(outcomes))
	}
	return nil
}

// cycleResult is the JSON form of one cycle for the CLI.
type cycleResult struct {
	MappingID string            `json:"mapping_id"`
	Audit     *core.AuditRecord `json:"audit,omitempty"`
	Error     *core.UserMessage `json:"error,omitempty"`
}

func newCycleResult(o schedule.Outcome) cycleResult {
	res := cycleResult{MappingID: o.MappingID}
	if o.Record.ID != "" {
		rec := o.Record
		res.Audit = &rec
	}
	if o.Err != nil {
		msg := core.MapError(o.Err)
		res.Error = &msg
	}
	return res
}

func printOutcome(w io.Writer, o schedule.Outcome) {
	rec := o.Record
	if o.Err != nil {
		msg := core.MapError(o.Err)
		fmt.Fprintf(w, "%s: FAILED [%s] %s\n", o.MappingID, msg.Code, msg.Message)
		if msg.Action != "" {
			fmt.Fprintf(w, "  %s\n", msg.Action)
		}
		return
	}
	if rec.NoOp() {
		fmt.Fprintf(w, "%s: no new rows (cursor at row %d)\n", o.MappingID, rec.StartRow-1)
		return
	}
	fmt.Fprintf(w, "%s: %s rows %d-%d inserted=%d updated=%d unchanged=%d failed=%d (%s)\n",
		o.MappingID, rec.Status, rec.StartRow, rec.EndRow,
		rec.Inserted, rec.Updated, rec.Unchanged, rec.Failed, rec.Duration())
	for _, e := range rec.Errors {
		fmt.Fprintf(w, "  row %d: [%s] %s\n", e.Row, e.Code, e.Message)
	}
}

func runPreview(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	p, err := a.engine.Preview(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), p)
	}

	w := cmd.OutOrStdout()
	s := p.Summary
	fmt.Fprintf(w, "%s: %d pending rows after row %d\n", p.MappingID, s.PendingRows, p.Cursor.LastRow)
	fmt.Fprintf(w, "  new=%d update=%d unchanged=%d errors=%d\n", s.NewRows, s.UpdateRows, s.Unchanged, s.ErrorRows)
	for _, e := range p.Errors {
		fmt.Fprintf(w, "  row %d: [%s] %s\n", e.Row, e.Code, e.Message)
	}
	if p.Error != "" {
		fmt.Fprintf(w, "  %s\n", p.Error)
	}
	return nil
}

func runCursor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	cur, err := a.engine.Cursor(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), cur)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: last row %d, next row %d, version %d\n",
		cur.MappingID, cur.LastRow, cur.NextRow(), cur.Version)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
