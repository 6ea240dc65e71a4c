package models

// ActionKind classifies what fires a transition.
type ActionKind string

const (
	ActionManual ActionKind = "manual" // Requested by an actor
	ActionAuto   ActionKind = "auto"   // Fired by the engine once its conditions hold
	ActionTimer  ActionKind = "timer"  // Fired by the scheduler on a cron spec
)

// Automatic reports whether no human request is needed to fire the transition.
func (k ActionKind) Automatic() bool {
	return k == ActionAuto || k == ActionTimer
}

// Transition is a directed, guarded edge between two states of a model version.
type Transition struct {
	ID          string       `json:"id"                     validate:"required"`
	Name        string       `json:"name"`
	FromStateID string       `json:"from_state_id"          validate:"required"`
	ToStateID   string       `json:"to_state_id"            validate:"required"`
	Action      ActionKind   `json:"action"                 validate:"required,oneof=manual auto timer"`
	Timer       string       `json:"timer,omitempty"        validate:"required_if=Action timer"`
	Guard       Guard        `json:"guard"`
	FrontConds  []FrontCond  `json:"front_conds,omitempty"`
	VarsCollect []string     `json:"vars_collect,omitempty"`
	PostActions []PostAction `json:"post_actions,omitempty"`
	Notify      bool         `json:"notify"`
	Sort        int          `json:"sort"`
}

func (t *Transition) SelfLoop() bool {
	return t.FromStateID == t.ToStateID
}

// Guard holds the preconditions of a transition.
//
// The permission part is satisfied when any configured rule matches the actor;
// an empty permission part lets anyone act. OtherConds is an OR of AND groups
// evaluated against the instance variables.
type Guard struct {
	ByCreator      bool     `json:"by_creator,omitempty"`
	ByHisOperators bool     `json:"by_his_operators,omitempty"`
	ByAssigned     bool     `json:"by_assigned,omitempty"`
	SpecAccountIDs []string `json:"spec_account_ids,omitempty"`
	SpecRoleIDs    []string `json:"spec_role_ids,omitempty"`
	SpecOrgIDs     []string `json:"spec_org_ids,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`

	OtherConds    [][]Cond      `json:"other_conds,omitempty"`
	RelatedStates []RelatedCond `json:"related_states,omitempty"`
}

// Restricted reports whether the guard limits who may fire the transition.
func (g Guard) Restricted() bool {
	return g.ByCreator || g.ByHisOperators || g.ByAssigned ||
		len(g.SpecAccountIDs) > 0 || len(g.SpecRoleIDs) > 0 ||
		len(g.SpecOrgIDs) > 0 || len(g.Permissions) > 0
}

// RelatedCond requires every business object related through Tag to sit in one of StateIDs.
type RelatedCond struct {
	Tag      string   `json:"tag"       validate:"required"`
	StateIDs []string `json:"state_ids" validate:"required,min=1"`
}

// PostActionKind selects what a post action changes.
type PostActionKind string

const (
	PostActionState PostActionKind = "state"
	PostActionVar   PostActionKind = "var"
)

// RelKind selects how related objects are resolved.
type RelKind string

const (
	RelKindDefault     RelKind = "default"
	RelKindParentOrSub RelKind = "parent_or_sub"
)

// ChangedKind selects how a var post action computes its new value.
type ChangedKind string

const (
	ChangedClean       ChangedKind = "clean"
	ChangedContent     ChangedKind = "change_content"
	ChangedOperateTime ChangedKind = "auto_get_operate_time"
	ChangedOperator    ChangedKind = "auto_get_operator"
	ChangedSelectField ChangedKind = "select_field"
	ChangedAddOrSub    ChangedKind = "add_or_sub"
)

// PostAction is a directive executed after a transition commits.
type PostAction struct {
	Kind               PostActionKind `json:"kind"                            validate:"required,oneof=state var"`
	Describe           string         `json:"describe,omitempty"`
	ObjTag             string         `json:"obj_tag,omitempty"`
	ObjTagRelKind      RelKind        `json:"obj_tag_rel_kind,omitempty"`
	ObjCurrentStateIDs []string       `json:"obj_current_state_ids,omitempty"`
	ChangedStateID     string         `json:"changed_state_id,omitempty"`
	Current            bool           `json:"current,omitempty"`
	VarName            string         `json:"var_name,omitempty"`
	ChangedVal         any            `json:"changed_val,omitempty"`
	ChangedKind        ChangedKind    `json:"changed_kind,omitempty"`
}

// TargetsCurrent reports whether the action applies to the instance that transitioned.
func (p PostAction) TargetsCurrent() bool {
	return p.Current || p.ObjTag == ""
}
