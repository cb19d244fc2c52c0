package main

import (
	"time"

	"github.com/alecthomas/kong"
)

type globalOptions struct {
	Endpoint string        `help:"hindsight API endpoint." default:"http://127.0.0.1:7446"`
	Timeout  time.Duration `help:"HTTP request timeout." default:"30s"`
}

var cli struct {
	globalOptions

	List struct {
		Sessions listSessionsCmd `cmd:"" help:"List recent sessions, newest activity first"`
		Errors   listErrorsCmd   `cmd:"" help:"List recent derivation errors"`
		DLQ      listDLQCmd      `cmd:"" name:"dlq" help:"List dead-lettered events"`
	} `cmd:""`

	Show struct {
		Session showSessionCmd `cmd:"" help:"Show one session with its aggregates"`
		Turns   showTurnsCmd   `cmd:"" help:"Show a session's turn timeline"`
	} `cmd:""`

	Query struct {
		Metrics queryMetricsCmd `cmd:"" help:"Query one metric series over a time window"`
	} `cmd:""`

	Replay struct {
		DLQ replayDLQCmd `cmd:"" name:"dlq" help:"Re-append dead-lettered events to the live stream"`
	} `cmd:""`

	Status    statusCmd    `cmd:"" help:"Pipeline snapshot: queue, change feed and store"`
	Freshness freshnessCmd `cmd:"" help:"How far derivation trails ingestion, per platform"`
	Health    healthCmd    `cmd:"" help:"Component liveness; exits non-zero when unhealthy"`
	Decode    decodeCmd    `cmd:"" help:"Decode a raw event blob from a file"`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("hindsight-cli"),
		kong.Description("hindsight operator tool"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}
