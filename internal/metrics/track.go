package metrics

import (
	"wagateway/internal/bus"
)

// Track keeps the session gauges in step with state changes on eb.
func Track(c *MetricsCollector, eb *bus.EventBus) string {
	ready := c.Gauge("wagw_session_ready", "1 when the messaging session is ready", "")
	attempts := c.Gauge("wagw_session_reconnect_attempts", "Current reconnect attempt counter", "")
	return eb.On(bus.EventSessionState, func(e bus.Event) {
		sc, ok := e.Data.(bus.StateChange)
		if !ok {
			return
		}
		if sc.To == "ready" {
			ready.Set(1)
		} else {
			ready.Set(0)
		}
		attempts.Set(int64(sc.Attempts))
		c.Counter("wagw_session_transitions_total", "Session state transitions", Labels("to", sc.To)).Inc()
	})
}
