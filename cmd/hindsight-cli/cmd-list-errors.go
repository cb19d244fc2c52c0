package main

import (
	"strconv"

	"github.com/dustin/go-humanize"
)

type listErrorsCmd struct {
	Limit int  `help:"Max errors to list." default:"100"`
	JSON  bool `help:"Print raw JSON instead of a table."`
}

func (cmd *listErrorsCmd) Run(opts *globalOptions) error {
	derivationErrors, err := newAPIClient(opts).ListErrors(cmd.Limit)
	if err != nil {
		return err
	}
	if cmd.JSON {
		return printAsJSON(derivationErrors)
	}

	rows := make([][]string, 0, len(derivationErrors))
	for _, e := range derivationErrors {
		rows = append(rows, []string{
			strconv.FormatInt(e.ID, 10),
			e.Platform,
			strconv.FormatInt(e.RawRowID, 10),
			e.SessionID,
			e.Worker,
			humanize.Time(e.OccurredAt),
			e.Error,
		})
	}

	printTable([]string{"id", "platform", "raw row", "session", "worker", "when", "error"}, rows)
	return nil
}
