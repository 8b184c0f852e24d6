package session

import (
	"fmt"

	"proxytun/internal/core"
)

// PolicyController mutates the persisted on-demand auto-reconnect flag.
// It exists so the log-and-continue failure mode of policy mutation stays
// separate from the session state machine's own success/failure path.
type PolicyController struct {
	store core.ConfigStore
	log   *core.Logger
}

// NewPolicyController creates a controller over the given store.
func NewPolicyController(store core.ConfigStore, log *core.Logger) *PolicyController {
	if log == nil {
		log = core.Log
	}
	return &PolicyController{store: store, log: log}
}

// SetAutoReconnect runs a load-mutate-save cycle on the tunnel record.
// Callers treat failures as best-effort: the flag only prevents unwanted
// auto-reconnect loops, it is not durable state worth failing a session for.
func (pc *PolicyController) SetAutoReconnect(tunnelID string, enabled bool) error {
	rec, err := pc.store.Load(tunnelID)
	if err != nil {
		return fmt.Errorf("load tunnel record: %w", err)
	}
	if rec.OnDemand == enabled {
		return nil
	}
	rec.OnDemand = enabled
	if err := pc.store.Save(rec); err != nil {
		return fmt.Errorf("save tunnel record: %w", err)
	}
	pc.log.Debugf("Policy", "On-demand for %q set to %v", tunnelID, enabled)
	return nil
}
