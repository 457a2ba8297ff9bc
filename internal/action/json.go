package action

import (
	"encoding/json"
	"fmt"
)

// rawAction is the wire shape: kind plus a sibling details object whose
// schema is determined by kind.
type rawAction struct {
	ID               string          `json:"id"`
	Kind             Kind            `json:"kind"`
	Summary          string          `json:"summary"`
	Why              string          `json:"why,omitempty"`
	Risk             *int            `json:"risk,omitempty"`
	PolicyTags       []string        `json:"policy_tags,omitempty"`
	RequiresApproval *bool           `json:"requires_approval,omitempty"`
	CreatedBy        *CreatedBy      `json:"created_by,omitempty"`
	ApprovalGroup    *ApprovalGroup  `json:"approval_group,omitempty"`
	Details          json.RawMessage `json:"details"`
}

// UnmarshalJSON decodes the wire shape and dispatches the details payload
// on kind. The result is not yet validated; call Construct for that.
func (a *ProposedAction) UnmarshalJSON(data []byte) error {
	var raw rawAction
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.ID = raw.ID
	a.Kind = raw.Kind
	a.Summary = raw.Summary
	a.Why = raw.Why
	a.PolicyTags = raw.PolicyTags
	a.CreatedBy = raw.CreatedBy
	a.ApprovalGroup = raw.ApprovalGroup

	a.Risk = defaultRisk
	if raw.Risk != nil {
		a.Risk = *raw.Risk
	}
	a.RequiresApproval = true
	if raw.RequiresApproval != nil {
		a.RequiresApproval = *raw.RequiresApproval
	}

	if len(raw.Details) == 0 {
		return nil
	}
	return a.decodeDetails(raw.Details)
}

func (a *ProposedAction) decodeDetails(data []byte) error {
	var err error
	switch a.Kind {
	case KindPatch:
		a.Patch = &PatchDetails{}
		err = json.Unmarshal(data, a.Patch)
	case KindCommand:
		a.Command = &CommandDetails{}
		err = json.Unmarshal(data, a.Command)
	case KindFileCreate:
		a.FileCreate = &FileCreateDetails{}
		err = json.Unmarshal(data, a.FileCreate)
	case KindFileRename:
		a.FileRename = &FileRenameDetails{}
		err = json.Unmarshal(data, a.FileRename)
	case KindFileDelete:
		a.FileDelete = &FileDeleteDetails{}
		err = json.Unmarshal(data, a.FileDelete)
	case KindHandoff:
		a.Handoff = &HandoffDetails{}
		err = json.Unmarshal(data, a.Handoff)
	case KindPlanPatch:
		a.PlanPatch = &PlanPatchDetails{}
		err = json.Unmarshal(data, a.PlanPatch)
	case KindAgendaPatch:
		a.AgendaPatch = &AgendaPatchDetails{}
		err = json.Unmarshal(data, a.AgendaPatch)
	default:
		return fmt.Errorf("unknown action kind: %q", a.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s details: %w", a.Kind, err)
	}
	return nil
}

// MarshalJSON emits the wire shape with a single details object.
func (a ProposedAction) MarshalJSON() ([]byte, error) {
	details, err := a.detailsValue()
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode %s details: %w", a.Kind, err)
	}

	risk := a.Risk
	requires := a.RequiresApproval
	return json.Marshal(rawAction{
		ID:               a.ID,
		Kind:             a.Kind,
		Summary:          a.Summary,
		Why:              a.Why,
		Risk:             &risk,
		PolicyTags:       a.PolicyTags,
		RequiresApproval: &requires,
		CreatedBy:        a.CreatedBy,
		ApprovalGroup:    a.ApprovalGroup,
		Details:          encoded,
	})
}

func (a *ProposedAction) detailsValue() (any, error) {
	switch a.Kind {
	case KindPatch:
		return a.Patch, nil
	case KindCommand:
		return a.Command, nil
	case KindFileCreate:
		return a.FileCreate, nil
	case KindFileRename:
		return a.FileRename, nil
	case KindFileDelete:
		return a.FileDelete, nil
	case KindHandoff:
		return a.Handoff, nil
	case KindPlanPatch:
		return a.PlanPatch, nil
	case KindAgendaPatch:
		return a.AgendaPatch, nil
	}
	return nil, fmt.Errorf("unknown action kind: %q", a.Kind)
}
