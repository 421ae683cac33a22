package command

// OmegaLane is the narrow surface op.omega.* needs, keeping this package
// decoupled from the concrete internal/omega types (same pattern as
// CASILAdmin).
type OmegaLane interface {
	Enabled() bool
	RegisterSubstrate(id, name, registeredBy string) (map[string]interface{}, error)
	UnregisterSubstrate(id string) error
	ListSubstrates() ([]map[string]interface{}, error)
	EmitEvent(substrateID, signal string, payload map[string]interface{}) (map[string]interface{}, error)
	ListEvents(substrateID, signal string) ([]map[string]interface{}, error)
	ClearEvents() error
}

func (d *Dispatcher) registerOmega() {
	d.register("op.omega.register_substrate", RoleAdmin, cmdOmegaRegisterSubstrate)
	d.register("op.omega.unregister_substrate", RoleAdmin, cmdOmegaUnregisterSubstrate)
	d.register("op.omega.list_substrates", RoleUser, cmdOmegaListSubstrates)
	d.register("op.omega.emit_event", RoleAdmin, cmdOmegaEmitEvent)
	d.register("op.omega.list_events", RoleUser, cmdOmegaListEvents)
	d.register("op.omega.clear_events", RoleAdmin, cmdOmegaClearEvents)
}

// omegaErr maps omega.ErrFeatureDisabled (and any other lane error) to a
// command response. FEATURE_DISABLED applies regardless of caller role
// (spec.md §4.10, scenario 6).
func omegaErr(err error) Response {
	if err == nil {
		return ok(nil)
	}
	if err.Error() == "FEATURE_DISABLED" {
		return fail(featureDisabledCode, "tier-omega lane is disabled")
	}
	return fail(validationErrorCode, err.Error())
}

func cmdOmegaRegisterSubstrate(d *Dispatcher, req Request) Response {
	id := argString(req.Args, "substrate_id")
	name := argString(req.Args, "name")
	if id == "" {
		return fail(validationErrorCode, "substrate_id is required")
	}
	s, err := d.omega.RegisterSubstrate(id, name, req.Caller.ClientID())
	if err != nil {
		return omegaErr(err)
	}
	return ok(s)
}

func cmdOmegaUnregisterSubstrate(d *Dispatcher, req Request) Response {
	id := argString(req.Args, "substrate_id")
	if err := d.omega.UnregisterSubstrate(id); err != nil {
		return omegaErr(err)
	}
	return ok(nil)
}

func cmdOmegaListSubstrates(d *Dispatcher, req Request) Response {
	list, err := d.omega.ListSubstrates()
	if err != nil {
		return omegaErr(err)
	}
	return ok(map[string]interface{}{"substrates": list})
}

func cmdOmegaEmitEvent(d *Dispatcher, req Request) Response {
	substrateID := argString(req.Args, "substrate_id")
	signal := argString(req.Args, "signal")
	payload, _ := req.Args["payload"].(map[string]interface{})
	e, err := d.omega.EmitEvent(substrateID, signal, payload)
	if err != nil {
		return omegaErr(err)
	}
	return ok(e)
}

func cmdOmegaListEvents(d *Dispatcher, req Request) Response {
	list, err := d.omega.ListEvents(argString(req.Args, "substrate_id"), argString(req.Args, "signal"))
	if err != nil {
		return omegaErr(err)
	}
	return ok(map[string]interface{}{"events": list})
}

func cmdOmegaClearEvents(d *Dispatcher, req Request) Response {
	if err := d.omega.ClearEvents(); err != nil {
		return omegaErr(err)
	}
	return ok(nil)
}
