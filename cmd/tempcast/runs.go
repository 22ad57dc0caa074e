package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/lox/tempcast/internal/models"
	"github.com/lox/tempcast/internal/pipeline"
)

type RunsCmd struct {
	Limit int    `default:"10" help:"How many recent runs to list."`
	ID    string `arg:"" optional:"" help:"Show the epochs and predictions of this run."`
}

func (c *RunsCmd) Run(g *Globals, ctx context.Context) error {
	cfg := g.config()
	if cfg.DBPath == "" {
		return fmt.Errorf("runs needs --db")
	}
	logger := g.logger(cfg)
	p, cleanup, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.ID != "" {
		d, err := p.Inspect(c.ID)
		if err != nil {
			return err
		}
		return writeRunDetail(os.Stdout, d)
	}
	runs, err := p.Runs(c.Limit)
	if err != nil {
		return err
	}
	return writeRuns(os.Stdout, runs)
}

func writeRuns(w io.Writer, runs []models.TrainingRun) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tEPOCHS\tBEST\tTEST MAE\tTEST RMSE\tBACKTEST MAE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), status(r), r.EpochsRun,
			nullInt(r.BestEpoch), nullFloat(r.TestMAE), nullFloat(r.TestRMSE), nullFloat(r.BacktestMAE))
	}
	return tw.Flush()
}

func writeRunDetail(w io.Writer, d *pipeline.RunDetail) error {
	r := d.Run
	fmt.Fprintf(w, "run %s (%s) %s\n", r.ID, r.City, status(*r))
	if r.Error.Valid {
		fmt.Fprintf(w, "error: %s\n", r.Error.String)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nEPOCH\tLOSS\tMAE\tVAL LOSS\tVAL MAE")
	for _, e := range d.Epochs {
		fmt.Fprintf(tw, "%d\t%.5f\t%.5f\t%.5f\t%.5f\n", e.Epoch, e.Loss, e.MAE, e.ValLoss, e.ValMAE)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, kind := range []string{models.KindTest, models.KindProjection, models.KindBacktest} {
		points, ok := d.Predictions[kind]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\n%s: %d points, %s to %s\n", kind, len(points),
			points[0].Date.Format(time.DateOnly), points[len(points)-1].Date.Format(time.DateOnly))
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "DATE\tACTUAL\tPREDICTED")
		for _, p := range points {
			fmt.Fprintf(tw, "%s\t%.2f\t%.2f\n", p.Date.Format(time.DateOnly), p.Actual, p.Predicted)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func status(r models.TrainingRun) string {
	switch {
	case r.Success:
		return "ok"
	case r.FinishedAt.Valid:
		return "failed"
	default:
		return "running"
	}
}

func nullFloat(v sql.NullFloat64) string {
	if !v.Valid {
		return "-"
	}
	return strconv.FormatFloat(v.Float64, 'f', 3, 64)
}

func nullInt(v sql.NullInt64) string {
	if !v.Valid {
		return "-"
	}
	return strconv.FormatInt(v.Int64, 10)
}
