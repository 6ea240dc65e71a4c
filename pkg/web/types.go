package web

import (
	"encoding/json"

	"github.com/dukex/stateflow/pkg/models"
)

// CreateStateRequest represents the request body for creating a state.
type CreateStateRequest struct {
	ID         string           `json:"id,omitempty"`
	Name       string           `json:"name"                validate:"required"`
	Icon       string           `json:"icon,omitempty"`
	Info       string           `json:"info,omitempty"`
	SysState   models.SysState  `json:"sys_state,omitempty" validate:"omitempty,oneof=start progress finish"`
	Kind       models.StateKind `json:"state_kind,omitempty"`
	Vars       json.RawMessage  `json:"vars,omitempty"`
	KindConf   json.RawMessage  `json:"kind_conf,omitempty"`
	Template   bool             `json:"template"`
	RelStateID string           `json:"rel_state_id,omitempty"`
	Tag        string           `json:"tag"                 validate:"required"`
	OwnPaths   string           `json:"own_paths"`
}

func (r CreateStateRequest) State() *models.State {
	return &models.State{
		ID:         r.ID,
		Name:       r.Name,
		Icon:       r.Icon,
		Info:       r.Info,
		SysState:   r.SysState,
		Kind:       r.Kind,
		Vars:       r.Vars,
		KindConf:   r.KindConf,
		Template:   r.Template,
		RelStateID: r.RelStateID,
		Tag:        r.Tag,
		OwnPaths:   r.OwnPaths,
	}
}

// CreateModelRequest represents the request body for creating a model.
type CreateModelRequest struct {
	Name     string `json:"name"      validate:"required,min=3"`
	Tag      string `json:"tag"       validate:"required"`
	OwnPaths string `json:"own_paths"`
	Template bool   `json:"template"`
}

// VersionRequest represents the definition of a model version.
type VersionRequest struct {
	InitStateID string               `json:"init_state_id" validate:"required"`
	States      []string             `json:"states"        validate:"required,min=1"`
	Transitions []*models.Transition `json:"transitions"`
}

func (r VersionRequest) Version() *models.ModelVersion {
	return &models.ModelVersion{
		InitStateID: r.InitStateID,
		States:      r.States,
		Transitions: r.Transitions,
	}
}

// PublishVersionRequest optionally overrides the configured loop policy.
type PublishVersionRequest struct {
	Policy string `json:"policy,omitempty" validate:"omitempty,oneof=reject_all_cycles allow_human_closable"`
}

// ApplyTransitionRequest represents the request body for firing a transition.
type ApplyTransitionRequest struct {
	TransitionID string         `json:"transition_id" validate:"required"`
	Vars         map[string]any `json:"vars,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// ModifyVarsRequest represents the request body for merging instance variables.
type ModifyVarsRequest struct {
	Vars map[string]any `json:"vars" validate:"required,min=1"`
}

// AbortRequest represents the optional body of an abort.
type AbortRequest struct {
	Message string `json:"message,omitempty"`
}
