// Package main provides the stateflow service: the flow API, its event
// subscribers and the timer scheduler.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "stateflow",
		Usage:                 "Run and validate state machine flows",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			RunCommand(),
			CheckCommand(),
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
