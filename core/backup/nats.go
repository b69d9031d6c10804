package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// subjectPrefix is completed with the site name, so each site's copy
	// agent subscribes only to its own queue.
	subjectPrefix = "stampmint.backup.replicate."

	requestTimeout = 5 * time.Second
)

// ack is the copy agent's reply to a replication request.
type ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NATSReplicator dispatches copy jobs to per-site agents over NATS
// request/reply. The agent replies once the copy is durable at the site.
type NATSReplicator struct {
	nc *nats.Conn
}

// NewNATSReplicator connects to the broker and returns a replicator.
func NewNATSReplicator(url string) (*NATSReplicator, error) {
	nc, err := nats.Connect(url,
		nats.Name("stampmint-backup"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSReplicator{nc: nc}, nil
}

// Replicate sends the job to the site's agent and waits for its ack.
func (r *NATSReplicator) Replicate(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	reqCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	msg, err := r.nc.RequestWithContext(reqCtx, subjectPrefix+job.Site, data)
	if err != nil {
		return fmt.Errorf("request replication at %s: %w", job.Site, err)
	}

	var reply ack
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode ack from %s: %w", job.Site, err)
	}
	if !reply.OK {
		return fmt.Errorf("site %s rejected copy of %s: %s", job.Site, job.ArtifactID, reply.Error)
	}
	return nil
}

// Close drains the connection.
func (r *NATSReplicator) Close() {
	if r.nc != nil {
		r.nc.Close()
	}
}

var _ Replicator = (*NATSReplicator)(nil)
