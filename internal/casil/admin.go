package casil

import "encoding/json"

// Admin adapts an Engine to the narrow command.CASILAdmin surface used by
// op.casil.get/op.casil.reload, keeping internal/command decoupled from
// the concrete casil types (mirrors the teacher's pattern of exposing
// admin surfaces through small adapter types rather than the domain type
// itself).
type Admin struct {
	engine *Engine
}

// NewAdmin wraps engine for the command dispatcher.
func NewAdmin(engine *Engine) *Admin {
	return &Admin{engine: engine}
}

// SnapshotJSON serializes the currently-installed snapshot for
// op.casil.get. Unexported compiled fields are never marshaled.
func (a *Admin) SnapshotJSON() (map[string]interface{}, error) {
	snap := a.engine.Snapshot()
	if snap == nil {
		return map[string]interface{}{"enabled": false}, nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reload decodes policyJSON into a fresh Snapshot, compiles it, and only
// installs it on success. A malformed or over-limit payload leaves the
// current snapshot untouched and returns an error the caller turns into
// CASIL_RELOAD_REJECTED (Open Question 2).
func (a *Admin) Reload(policyJSON []byte) error {
	var next Snapshot
	if err := json.Unmarshal(policyJSON, &next); err != nil {
		return err
	}
	if err := Compile(&next); err != nil {
		return err
	}
	a.engine.Reload(&next)
	return nil
}
