package main

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
)

type healthCmd struct {
	JSON bool `help:"Print raw JSON instead of a table."`
}

func (cmd *healthCmd) Run(opts *globalOptions) error {
	report, err := newAPIClient(opts).Health()
	if err != nil {
		return err
	}

	if cmd.JSON {
		if err := printAsJSON(report); err != nil {
			return err
		}
	} else {
		checks := make([]string, 0, len(report.Checks))
		for name := range report.Checks {
			checks = append(checks, name)
		}
		sort.Strings(checks)

		rows := make([][]string, 0, len(checks)+len(report.Components))
		for _, name := range checks {
			rows = append(rows, []string{name, report.Checks[name], ""})
		}

		components := make([]string, 0, len(report.Components))
		for name := range report.Components {
			components = append(components, name)
		}
		sort.Strings(components)

		for _, name := range components {
			c := report.Components[name]
			state := "no heartbeat"
			beat := ""
			if c.Alive {
				state = "ok"
				if c.LastBeat != nil {
					beat = humanize.Time(*c.LastBeat)
				}
			}
			rows = append(rows, []string{name, state, beat})
		}

		printTable([]string{"check", "state", "last beat"}, rows)
	}

	if !report.Healthy {
		return fmt.Errorf("pipeline unhealthy")
	}
	return nil
}
