package dispatcher

import "time"

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Enqueued    uint64    `json:"enqueued"`
	Sent        uint64    `json:"sent"`
	Dropped     uint64    `json:"dropped"`
	Rejected    uint64    `json:"rejected"`
	Retries     uint64    `json:"retries"`
	QueueDepth  int       `json:"queue_depth"`
	AuthBlocked bool      `json:"auth_blocked"`
	LastSentAt  time.Time `json:"last_sent_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.QueueDepth = len(d.queue)
	return s
}
