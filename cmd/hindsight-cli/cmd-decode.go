package main

import (
	"os"

	"github.com/hindsight-dev/hindsight/pkg/event"
)

type decodeCmd struct {
	File string `arg:"" type:"path" help:"File holding one compressed blob as stored in the raw store."`
}

func (cmd *decodeCmd) Run(*globalOptions) error {
	blob, err := os.ReadFile(cmd.File)
	if err != nil {
		return err
	}

	ev, err := event.Decode(blob)
	if err != nil {
		return err
	}
	return printAsJSON(ev)
}
