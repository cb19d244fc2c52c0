package main

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hindsight-dev/hindsight/pkg/httpclient"
)

type showSessionCmd struct {
	SessionID string `arg:"" help:"Session to show."`
}

func (cmd *showSessionCmd) Run(opts *globalOptions) error {
	detail, err := newAPIClient(opts).Session(cmd.SessionID)
	if errors.Is(err, httpclient.ErrNotFound) {
		return fmt.Errorf("session %q not found", cmd.SessionID)
	}
	if err != nil {
		return err
	}
	return printAsJSON(detail)
}

type showTurnsCmd struct {
	SessionID string `arg:"" help:"Session whose turns to show."`
	Limit     int    `help:"Max turns to show." default:"500"`
	JSON      bool   `help:"Print raw JSON instead of a table."`
}

func (cmd *showTurnsCmd) Run(opts *globalOptions) error {
	turns, err := newAPIClient(opts).Turns(cmd.SessionID, cmd.Limit)
	if errors.Is(err, httpclient.ErrNotFound) {
		return fmt.Errorf("session %q not found", cmd.SessionID)
	}
	if err != nil {
		return err
	}
	if cmd.JSON {
		return printAsJSON(turns)
	}

	rows := make([][]string, 0, len(turns))
	for _, turn := range turns {
		rows = append(rows, []string{
			strconv.FormatInt(turn.TurnIndex, 10),
			turn.Role,
			turn.Timestamp.Local().Format(time.RFC3339),
			strconv.FormatInt(turn.LengthChars, 10),
			strconv.FormatInt(turn.TokensIn, 10),
			strconv.FormatInt(turn.TokensOut, 10),
			turn.ToolName,
		})
	}

	printTable([]string{"idx", "role", "at", "chars", "tok in", "tok out", "tool"}, rows)
	return nil
}
