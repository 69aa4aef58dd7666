package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/osvaldoandrade/runplane/pkg/domain"

	"github.com/nats-io/nats.go"
)

// RunEvent is published after every durable run transition.
type RunEvent struct {
	RunID      string           `json:"run_id"`
	MachineID  string           `json:"machine_id,omitempty"`
	WorkflowID string           `json:"workflow_id,omitempty"`
	Status     domain.RunStatus `json:"status"`
	PrevStatus domain.RunStatus `json:"prev_status,omitempty"`
	Progress   float64          `json:"progress"`
	FailReason string           `json:"fail_reason,omitempty"`
	At         time.Time        `json:"at"`
}

func RunSubject(status domain.RunStatus) string {
	return "runplane.runs." + string(status)
}

type Publisher interface {
	PublishRun(ctx context.Context, ev RunEvent) error
	Close()
}

type natsPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher connects to url. Remote workers subscribe to runplane.runs.started
// to pick up admitted runs.
func NewNATSPublisher(url string, opts ...nats.Option) (Publisher, error) {
	opts = append([]nats.Option{nats.Name("runplane"), nats.MaxReconnects(-1)}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &natsPublisher{conn: nc}, nil
}

func (p *natsPublisher) PublishRun(ctx context.Context, ev RunEvent) error {
	if p == nil || p.conn == nil {
		return errors.New("nil publisher")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(RunSubject(ev.Status))
	msg.Data = data
	msg.Header.Set("Runplane-Run-Id", ev.RunID)
	return p.conn.PublishMsg(msg)
}

func (p *natsPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

type noopPublisher struct{}

// NewNoopPublisher is used when no bus is configured.
func NewNoopPublisher() Publisher { return noopPublisher{} }

func (noopPublisher) PublishRun(context.Context, RunEvent) error { return nil }

func (noopPublisher) Close() {}
