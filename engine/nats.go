package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSMirror publishes the engine event stream to NATS so dashboards and
// other processes can follow runs live. Publishing is fire-and-forget;
// delivery failures are logged and never slow the engine down.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSMirror creates a mirror publishing under prefix
// (subjects: <prefix>.workflow.<run-id>.<event-type>).
func NewNATSMirror(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSMirror {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "taskpilot"
	}
	return &NATSMirror{conn: conn, prefix: prefix, logger: logger}
}

// Emit publishes one event.
func (m *NATSMirror) Emit(ctx context.Context, ev Event) {
	if m.conn == nil || !m.conn.IsConnected() {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Warn("Event marshal failed", "type", ev.Type, "error", err)
		return
	}

	subject := fmt.Sprintf("%s.workflow.%s.%s", m.prefix, ev.RunID, ev.Type)
	if err := m.conn.Publish(subject, data); err != nil {
		m.logger.Warn("Event publish failed", "subject", subject, "error", err)
	}
}

// Flush drains pending publishes, for shutdown.
func (m *NATSMirror) Flush() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Flush(); err != nil {
		m.logger.Warn("Event flush failed", "error", err)
	}
}
