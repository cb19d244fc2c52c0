package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
)

type listDLQCmd struct {
	Limit int  `help:"Max entries to list." default:"100"`
	JSON  bool `help:"Print raw JSON instead of a table."`
}

func (cmd *listDLQCmd) Run(opts *globalOptions) error {
	entries, err := newAPIClient(opts).ListDLQ(cmd.Limit)
	if err != nil {
		return err
	}
	if cmd.JSON {
		return printAsJSON(entries)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.ID,
			e.EventID,
			e.Platform,
			e.Reason,
			strconv.Itoa(e.RetryCount),
			humanize.Time(e.FailedAt),
			e.Error,
		})
	}

	printTable([]string{"id", "event", "platform", "reason", "retries", "failed", "error"}, rows)
	return nil
}

type replayDLQCmd struct {
	Platform string `help:"Replay only this platform's events."`
	Reason   string `help:"Replay only events dead-lettered for this reason."`
	Limit    int64  `help:"Max events to replay." default:"1000"`
}

func (cmd *replayDLQCmd) Run(opts *globalOptions) error {
	replayed, err := newAPIClient(opts).ReplayDLQ(cmd.Platform, cmd.Reason, cmd.Limit)
	if err != nil {
		return err
	}

	fmt.Println("replayed events: ", replayed)
	return nil
}
