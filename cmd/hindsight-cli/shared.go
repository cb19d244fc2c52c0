package main

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/olekukonko/tablewriter"

	"github.com/hindsight-dev/hindsight/pkg/httpclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func newAPIClient(opts *globalOptions) *httpclient.Client {
	client := httpclient.New(opts.Endpoint)
	client.WithTimeout(opts.Timeout)
	return client
}

func printAsJSON(value interface{}) error {
	out, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}

func printTable(header []string, rows [][]string) {
	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader(header)
	w.AppendBulk(rows)
	w.Render()
}
