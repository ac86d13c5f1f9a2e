package logging

import "log/slog"

// EventLogger records individual protocol events at debug level. It is wired
// with its own component logger so event traffic can be filtered or silenced
// independently of the rest of the server.
type EventLogger struct {
	logger *slog.Logger
}

func NewEventLogger(logger *slog.Logger) *EventLogger {
	return &EventLogger{logger: logger}
}

// Inbound records an event received from a client.
func (e *EventLogger) Inbound(connID, sessionID, event string, payloadSize int) {
	e.logger.Debug("event",
		"direction", "in",
		"conn_id", connID,
		"session_id", sessionID,
		"event", event,
		"payload_size", payloadSize,
	)
}

// Outbound records an event written to a client.
func (e *EventLogger) Outbound(connID, event string) {
	e.logger.Debug("event",
		"direction", "out",
		"conn_id", connID,
		"event", event,
	)
}
