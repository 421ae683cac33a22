package command

func (d *Dispatcher) registerCASIL() {
	d.register("op.casil.get", RoleUser, cmdCASILGet)
	d.register("op.casil.reload", RoleAdmin, cmdCASILReload)
}

func cmdCASILGet(d *Dispatcher, req Request) Response {
	snap, err := d.casil.SnapshotJSON()
	if err != nil {
		return fail(internalErrorCode, err.Error())
	}
	return ok(snap)
}

// cmdCASILReload implements spec.md §4.6's op.casil.reload state
// machine: atomically installs a new snapshot after validating limits
// and compiling patterns; on failure the current snapshot is left
// intact and CASIL_RELOAD_REJECTED is returned (Open Question 2).
func cmdCASILReload(d *Dispatcher, req Request) Response {
	policyJSON, _ := req.Args["policy"].(string)
	if policyJSON == "" {
		return fail(reloadRejectedCode, "policy payload is required")
	}
	if err := d.casil.Reload([]byte(policyJSON)); err != nil {
		return fail(reloadRejectedCode, err.Error())
	}
	return ok(nil)
}
