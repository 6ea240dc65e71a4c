package flow

import (
	"fmt"

	"github.com/dukex/stateflow/pkg/graph"
)

const (
	DefaultMaxChainDepth    = 16
	DefaultMaxCommitRetries = 3
)

// Config is built once at startup and injected into the engine and publisher.
type Config struct {
	// MaxChainDepth bounds how many automatic transitions one call may chain.
	MaxChainDepth int
	// MaxCommitRetries bounds re-evaluations after a lost compare-and-swap.
	MaxCommitRetries int
	// LoopPolicy decides which cycles block publishing.
	LoopPolicy graph.Policy
}

func DefaultConfig() Config {
	return Config{
		MaxChainDepth:    DefaultMaxChainDepth,
		MaxCommitRetries: DefaultMaxCommitRetries,
		LoopPolicy:       graph.DefaultPolicy,
	}
}

func (c Config) Validate() error {
	if c.MaxChainDepth < 1 {
		return fmt.Errorf("max chain depth must be positive, got %d", c.MaxChainDepth)
	}

	if c.MaxCommitRetries < 1 {
		return fmt.Errorf("max commit retries must be positive, got %d", c.MaxCommitRetries)
	}

	_, err := graph.ParsePolicy(string(c.LoopPolicy))

	return err
}
