package catalogs

import (
	"encoding/json"
	"fmt"
)

type TargetKind int

const (
	TargetNone TargetKind = iota
	TargetSpecific
	TargetAllClick
	TargetAllGlobal
)

const (
	sentinelAllClick  = "ALL_CLICK"
	sentinelAllGlobal = "ALL_GLOBAL"
)

// Target is what a multiplier item boosts: one producer, all clicking, or all production.
type Target struct {
	Kind TargetKind
	ID   string
}

func Specific(id string) Target { return Target{Kind: TargetSpecific, ID: id} }
func AllClick() Target          { return Target{Kind: TargetAllClick} }
func AllGlobal() Target         { return Target{Kind: TargetAllGlobal} }

func (t Target) String() string {
	switch t.Kind {
	case TargetSpecific:
		return t.ID
	case TargetAllClick:
		return sentinelAllClick
	case TargetAllGlobal:
		return sentinelAllGlobal
	default:
		return ""
	}
}

func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Target) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	switch s {
	case "":
		*t = Target{}
	case sentinelAllClick:
		*t = AllClick()
	case sentinelAllGlobal:
		*t = AllGlobal()
	default:
		*t = Specific(s)
	}
	return nil
}
