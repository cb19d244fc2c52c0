package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
)

type statusCmd struct {
	JSON bool `help:"Print raw JSON instead of a table."`
}

func (cmd *statusCmd) Run(opts *globalOptions) error {
	status, err := newAPIClient(opts).Status()
	if err != nil {
		return err
	}
	if cmd.JSON {
		return printAsJSON(status)
	}

	fmt.Println("Store Path    : ", status.Store.Path)
	fmt.Println("Store Size    : ", humanize.Bytes(uint64(status.Store.SizeBytes)))
	fmt.Println("Sessions      : ", status.Store.Sessions)
	fmt.Println("Turns         : ", status.Store.Turns)
	fmt.Println("Metric Points : ", status.Store.MetricPoints)
	fmt.Println()

	printTable(
		[]string{"stream", "length", "pending"},
		[][]string{
			{status.Queue.Live.Name, strconv.FormatInt(status.Queue.Live.Length, 10), strconv.FormatInt(status.Queue.Live.Pending, 10)},
			{status.Queue.DLQ.Name, strconv.FormatInt(status.Queue.DLQ.Length, 10), strconv.FormatInt(status.Queue.DLQ.Pending, 10)},
		},
	)

	rows := make([][]string, 0, len(status.Changefeed))
	for _, p := range status.Changefeed {
		rows = append(rows, []string{
			strconv.Itoa(p.Partition),
			p.Stream,
			strconv.FormatInt(p.Length, 10),
			strconv.FormatInt(p.Pending, 10),
		})
	}
	printTable([]string{"partition", "stream", "length", "pending"}, rows)
	return nil
}
