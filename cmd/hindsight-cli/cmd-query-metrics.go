package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hindsight-dev/hindsight/pkg/httpclient"
)

type queryMetricsCmd struct {
	Category string `arg:"" help:"Metric category, e.g. productivity."`
	Name     string `arg:"" help:"Metric name within the category."`

	SessionID  string        `help:"Narrow to one session; the default sums all sessions."`
	Since      time.Duration `help:"Window ending now." default:"1h"`
	From       string        `help:"Window start (RFC3339); overrides --since."`
	To         string        `help:"Window end (RFC3339); defaults to now."`
	Resolution string        `help:"raw, minute or hour; empty lets the window decide."`
	MaxPoints  int           `help:"Cap on returned points."`
	JSON       bool          `help:"Print raw JSON instead of a table."`
}

func (cmd *queryMetricsCmd) Run(opts *globalOptions) error {
	params := httpclient.RangeParams{
		Category:   cmd.Category,
		Name:       cmd.Name,
		SessionID:  cmd.SessionID,
		Resolution: cmd.Resolution,
		MaxPoints:  cmd.MaxPoints,
	}

	var err error
	if cmd.From != "" {
		if params.From, err = time.Parse(time.RFC3339, cmd.From); err != nil {
			return fmt.Errorf("from: %w", err)
		}
	} else {
		params.From = time.Now().UTC().Add(-cmd.Since)
	}
	if cmd.To != "" {
		if params.To, err = time.Parse(time.RFC3339, cmd.To); err != nil {
			return fmt.Errorf("to: %w", err)
		}
	}

	result, err := newAPIClient(opts).MetricsRange(params)
	if err != nil {
		return err
	}
	if cmd.JSON {
		return printAsJSON(result)
	}

	fmt.Printf("%s/%s session=%s window=[%s, %s) points=%d\n",
		result.Category, result.Name, result.SessionID,
		result.From.Format(time.RFC3339), result.To.Format(time.RFC3339), len(result.Points))

	rows := make([][]string, 0, len(result.Points))
	for _, p := range result.Points {
		rows = append(rows, []string{
			p.Timestamp.Local().Format(time.RFC3339),
			strconv.FormatFloat(p.Value, 'f', -1, 64),
		})
	}

	printTable([]string{"timestamp", "value"}, rows)
	return nil
}
