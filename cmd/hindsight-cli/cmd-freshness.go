package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
)

type freshnessCmd struct {
	JSON bool `help:"Print raw JSON instead of a table."`
}

func (cmd *freshnessCmd) Run(opts *globalOptions) error {
	report, err := newAPIClient(opts).Freshness()
	if err != nil {
		return err
	}
	if cmd.JSON {
		return printAsJSON(report)
	}

	platforms := make([]string, 0, len(report.Platforms))
	for p := range report.Platforms {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	rows := make([][]string, 0, len(platforms))
	for _, p := range platforms {
		f := report.Platforms[p]
		derivedAt := ""
		if f.DerivedAt != nil {
			derivedAt = humanize.Time(*f.DerivedAt)
		}
		rows = append(rows, []string{
			p,
			strconv.FormatInt(f.IngestedRowID, 10),
			strconv.FormatInt(f.DerivedRowID, 10),
			strconv.FormatInt(f.LagRows, 10),
			derivedAt,
		})
	}
	printTable([]string{"platform", "ingested row", "derived row", "lag", "derived"}, rows)

	if report.Composite.LastCalculatedAt == nil {
		fmt.Println("composite metrics: never calculated")
		return nil
	}
	fmt.Println("composite metrics: ", humanize.Time(*report.Composite.LastCalculatedAt))
	return nil
}
