package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SubscriptionType names a list view the server can keep live.
type SubscriptionType string

const (
	SubAllIssues        SubscriptionType = "all-issues"
	SubEpics            SubscriptionType = "epics"
	SubBlockedIssues    SubscriptionType = "blocked-issues"
	SubReadyIssues      SubscriptionType = "ready-issues"
	SubInProgressIssues SubscriptionType = "in-progress-issues"
	SubClosedIssues     SubscriptionType = "closed-issues"
	SubIssueDetail      SubscriptionType = "issue-detail"
)

// SubscriptionTypes lists every known type in a stable order.
var SubscriptionTypes = []SubscriptionType{
	SubAllIssues,
	SubEpics,
	SubBlockedIssues,
	SubReadyIssues,
	SubInProgressIssues,
	SubClosedIssues,
	SubIssueDetail,
}

// IsValid reports whether t is a known subscription type.
func (t SubscriptionType) IsValid() bool {
	for _, known := range SubscriptionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsDetail reports whether the type scopes a single issue rather than a list.
func (t SubscriptionType) IsDetail() bool {
	return t == SubIssueDetail
}

// SubscriptionParams holds the typed parameters a subscription type may take.
// Field tags drive both the JSON wire shape and the deterministic CBOR key.
type SubscriptionParams struct {
	ID    string `json:"id,omitempty" cbor:"id,omitempty"`
	Since int64  `json:"since,omitempty" cbor:"since,omitempty"`
}

// ListSpec is a subscription type with its parameters.
type ListSpec struct {
	Type   SubscriptionType   `json:"type" cbor:"type"`
	Params SubscriptionParams `json:"params" cbor:"params"`
}

func (s ListSpec) String() string {
	switch {
	case s.Params.ID != "":
		return fmt.Sprintf("%s(id=%s)", s.Type, s.Params.ID)
	case s.Params.Since != 0:
		return fmt.Sprintf("%s(since=%d)", s.Type, s.Params.Since)
	}
	return string(s.Type)
}

// DecodeListSpec decodes and validates a type plus raw params. Params not
// declared for the type are rejected.
func DecodeListSpec(typ string, params json.RawMessage) (ListSpec, error) {
	spec := ListSpec{Type: SubscriptionType(typ)}
	if !spec.Type.IsValid() {
		return spec, fmt.Errorf("unknown subscription type %q", typ)
	}

	trimmed := bytes.TrimSpace(params)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec.Params); err != nil {
			return spec, fmt.Errorf("invalid params for %s: %w", typ, err)
		}
	}

	switch spec.Type {
	case SubIssueDetail:
		if spec.Params.ID == "" {
			return spec, fmt.Errorf("%s requires params.id", typ)
		}
		if spec.Params.Since != 0 {
			return spec, fmt.Errorf("%s does not accept params.since", typ)
		}
	case SubClosedIssues:
		if spec.Params.ID != "" {
			return spec, fmt.Errorf("%s does not accept params.id", typ)
		}
		if spec.Params.Since < 0 {
			return spec, fmt.Errorf("params.since must not be negative")
		}
	default:
		if spec.Params != (SubscriptionParams{}) {
			return spec, fmt.Errorf("%s takes no params", typ)
		}
	}
	return spec, nil
}
