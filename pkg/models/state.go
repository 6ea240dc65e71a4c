// Package models defines the core domain models for state-machine based flows.
package models

import (
	"encoding/json"
	"time"
)

// SysState is the coarse lifecycle classification of a state.
type SysState string

const (
	SysStateStart    SysState = "start"
	SysStateProgress SysState = "progress"
	SysStateFinish   SysState = "finish" // Instances entering it are marked finished
)

// StateKind hints which side effect a UI or automation performs when an instance enters a state.
type StateKind string

const (
	StateKindSimple   StateKind = "simple"
	StateKindForm     StateKind = "form"
	StateKindMail     StateKind = "mail"
	StateKindCallback StateKind = "callback"
	StateKindTimer    StateKind = "timer"
	StateKindScript   StateKind = "script"
)

// State is a named node of a flow graph. Transitions reference states by ID only.
type State struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"                   validate:"required"`
	Icon       string          `json:"icon,omitempty"`
	Info       string          `json:"info,omitempty"`
	SysState   SysState        `json:"sys_state"              validate:"required,oneof=start progress finish"`
	Kind       StateKind       `json:"state_kind"             validate:"required,oneof=simple form mail callback timer script"`
	Vars       json.RawMessage `json:"vars,omitempty"`      // JSON schema for variables captured on entry
	KindConf   json.RawMessage `json:"kind_conf,omitempty"` // Kind specific configuration
	Template   bool            `json:"template"`
	RelStateID string          `json:"rel_state_id,omitempty"`
	Tag        string          `json:"tag"                    validate:"required"`
	OwnPaths   string          `json:"own_paths"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// HasVarsSchema reports whether the state declares a variable schema.
func (s *State) HasVarsSchema() bool {
	if len(s.Vars) == 0 {
		return false
	}

	trimmed := string(s.Vars)

	return trimmed != "null" && trimmed != "{}"
}
