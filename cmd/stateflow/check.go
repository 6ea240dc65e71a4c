package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dukex/stateflow/pkg/flow"
	"github.com/dukex/stateflow/pkg/graph"
	"github.com/dukex/stateflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/urfave/cli/v3"
)

// Bundle is a model version with the states it references, as read by the check command.
type Bundle struct {
	Version *models.ModelVersion `json:"version"`
	States  []*models.State      `json:"states"`
}

func CheckCommand() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Aliases:   []string{"c"},
		Usage:     "Loop check a model version bundle without touching any store",
		ArgsUsage: "<bundle.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "loop-policy",
				Usage:   "Cycles that block publishing (reject_all_cycles, allow_human_closable)",
				Value:   string(graph.DefaultPolicy),
				Sources: cli.EnvVars("LOOP_POLICY"),
			},
		},
		Action: func(_ context.Context, command *cli.Command) error {
			if command.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one bundle file")
			}

			policy, err := graph.ParsePolicy(command.String("loop-policy"))
			if err != nil {
				return err
			}

			file, err := os.Open(command.Args().First())
			if err != nil {
				return fmt.Errorf("failed to open bundle: %w", err)
			}
			defer file.Close()

			return check(file, command.Writer, policy)
		},
	}
}

// check analyzes the bundle read from r and writes the report to w. Blocking
// findings are written too, and the publish error is returned.
func check(r io.Reader, w io.Writer, policy graph.Policy) error {
	var bundle Bundle

	err := json.NewDecoder(r).Decode(&bundle)
	if err != nil {
		return fmt.Errorf("failed to decode bundle: %w", err)
	}

	if bundle.Version == nil {
		return fmt.Errorf("bundle has no version")
	}

	states := make(map[string]*models.State, len(bundle.States))
	for _, state := range bundle.States {
		states[state.ID] = state
	}

	report, analyzeErr := flow.Analyze(validator.New(validator.WithRequiredStructEnabled()), bundle.Version, states, policy)
	if report != nil {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")

		err = encoder.Encode(report)
		if err != nil {
			return err
		}
	}

	return analyzeErr
}
