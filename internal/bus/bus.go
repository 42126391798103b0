// Package bus publishes state-change notifications over NATS. The bus
// is fire-and-forget and at most once: it exists for UI latency, never
// for correctness, and a connection failure is logged and swallowed.
//
// Subjects: "general" carries build and run updates, "run:<runId>"
// carries log line updates. Envelopes are JSON {"id": <int>, "type":
// "build"|"run"|"log_line"}.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

const generalSubject = "general"

// Envelope is the wire format of one notification.
type Envelope struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Publisher fans updates out to external subscribers.
type Publisher struct {
	conn *nats.Conn
}

// Connect dials the NATS server. Reconnection is handled by the client
// library; publishes while disconnected are buffered or dropped, which
// is acceptable for a notification-only bus.
func Connect(url string) (*Publisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("conveyor"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &Publisher{conn: conn}, nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p != nil && p.conn != nil {
		p.conn.Close()
	}
}

// PublishBuild announces a build status change.
func (p *Publisher) PublishBuild(buildID int64) {
	p.publish(generalSubject, Envelope{ID: buildID, Type: "build"})
}

// PublishBuilds announces a batch of build status changes.
func (p *Publisher) PublishBuilds(buildIDs []int64) {
	for _, id := range buildIDs {
		p.PublishBuild(id)
	}
}

// PublishRun announces a run status change.
func (p *Publisher) PublishRun(runID int64) {
	p.publish(generalSubject, Envelope{ID: runID, Type: "run"})
}

// PublishLogLine announces a new log line on the run's own subject.
func (p *Publisher) PublishLogLine(runID, logLineID int64) {
	p.publish(fmt.Sprintf("run:%d", runID), Envelope{ID: logLineID, Type: "log_line"})
}

func (p *Publisher) publish(subject string, env Envelope) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to marshal bus envelope", "error", err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		slog.Error("Failed to publish bus update", "subject", subject, "error", err)
	}
}
