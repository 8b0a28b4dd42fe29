package session

import (
	"context"
	"time"
)

// StatusReport is the public status document served to HTTP callers.
type StatusReport struct {
	Success           bool   `json:"success"`
	IsReady           bool   `json:"isReady"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	State             State  `json:"state"`
	Reason            string `json:"reason,omitempty"`
}

// RestartResult answers an explicit restart.
type RestartResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Control is the status/restart façade over a Supervisor.
type Control struct {
	sup *Supervisor
}

// NewControl wraps sup.
func NewControl(sup *Supervisor) *Control {
	return &Control{sup: sup}
}

// Status is a pure read of the supervisor state.
func (c *Control) Status() StatusReport {
	st := c.sup.Status()
	return StatusReport{
		Success:           true,
		IsReady:           st.Ready,
		ReconnectAttempts: st.ReconnectAttempts,
		State:             st.State,
		Reason:            st.Reason,
	}
}

// Restart initiates teardown and reinitialization. Success means the restart
// was initiated; readiness is observed later through Status.
func (c *Control) Restart(ctx context.Context) RestartResult {
	ctx, cancel := context.WithTimeout(ctx, destroyTimeout+5*time.Second)
	defer cancel()
	if err := c.sup.Restart(ctx); err != nil {
		return RestartResult{Success: false, Message: "restart failed: " + err.Error()}
	}
	return RestartResult{Success: true, Message: "WhatsApp client restart initiated"}
}
