package omega

// Adapter exposes a Lane through command.OmegaLane's map-based surface,
// keeping internal/command decoupled from the concrete Substrate/Event
// types (mirrors internal/casil.Admin's role for CASILAdmin).
type Adapter struct {
	lane *Lane
}

// NewAdapter wraps lane for the command dispatcher.
func NewAdapter(lane *Lane) *Adapter {
	return &Adapter{lane: lane}
}

func (a *Adapter) Enabled() bool { return a.lane.Enabled() }

func (a *Adapter) RegisterSubstrate(id, name, registeredBy string) (map[string]interface{}, error) {
	s, err := a.lane.RegisterSubstrate(id, name, registeredBy)
	if err != nil {
		return nil, err
	}
	out := substrateMap(s)
	if s.issuedBearer != "" {
		// Shown once: the broker retains only a bcrypt hash of the secret
		// half from here on.
		out["operator_token"] = s.issuedBearer
	}
	return out, nil
}

func (a *Adapter) UnregisterSubstrate(id string) error {
	return a.lane.UnregisterSubstrate(id)
}

func (a *Adapter) ListSubstrates() ([]map[string]interface{}, error) {
	list, err := a.lane.ListSubstrates()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, s := range list {
		out = append(out, substrateMap(s))
	}
	return out, nil
}

func (a *Adapter) EmitEvent(substrateID, signal string, payload map[string]interface{}) (map[string]interface{}, error) {
	e, err := a.lane.EmitEvent(substrateID, signal, payload)
	if err != nil {
		return nil, err
	}
	return eventMap(e), nil
}

func (a *Adapter) ListEvents(substrateID, signal string) ([]map[string]interface{}, error) {
	list, err := a.lane.ListEvents(substrateID, signal)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, e := range list {
		out = append(out, eventMap(e))
	}
	return out, nil
}

func (a *Adapter) ClearEvents() error {
	return a.lane.ClearEvents()
}

func substrateMap(s Substrate) map[string]interface{} {
	return map[string]interface{}{
		"substrate_id":  s.ID,
		"name":          s.Name,
		"registered_by": s.RegisteredBy,
		"registered_at": s.RegisteredAt,
	}
}

func eventMap(e Event) map[string]interface{} {
	return map[string]interface{}{
		"id":           e.ID,
		"substrate_id": e.SubstrateID,
		"signal":       e.Signal,
		"payload":      e.Payload,
		"timestamp":    e.Timestamp,
	}
}
