package main

import (
	"strconv"

	"github.com/dustin/go-humanize"
)

type listSessionsCmd struct {
	Platform string `help:"Only sessions from this platform."`
	Limit    int    `help:"Max sessions to list." default:"20"`
	JSON     bool   `help:"Print raw JSON instead of a table."`
}

func (cmd *listSessionsCmd) Run(opts *globalOptions) error {
	sessions, err := newAPIClient(opts).ListSessions(cmd.Platform, cmd.Limit)
	if err != nil {
		return err
	}
	if cmd.JSON {
		return printAsJSON(sessions)
	}

	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			s.SessionID,
			s.Platform,
			humanize.Time(s.LastActivityAt),
			strconv.FormatInt(s.TurnCount, 10),
			strconv.FormatInt(s.UserMessageCount, 10),
			strconv.FormatInt(s.AssistantMessageCount, 10),
			strconv.FormatInt(s.ToolInvocationsCount, 10),
			strconv.FormatInt(s.InputTokens+s.OutputTokens, 10),
		})
	}

	printTable([]string{"session", "platform", "last activity", "turns", "user", "assistant", "tools", "tokens"}, rows)
	return nil
}
