package engine

import (
	"time"

	"github.com/mit-ll/dlep/dataitem"
)

// responsePending tracks one sent message that expects a response.
// Pending responses are organized into FIFO queues keyed by destination
// MAC (the empty key holds session-scoped messages).  Only the queue
// head is ever in flight; the rest wait with queued=true.
type responsePending struct {
	buf          []byte
	msgName      string
	responseName string
	mac          dataitem.MAC // nil for session scope
	lastSend     time.Time
	tries        int
	queued       bool
}

func (rp *responsePending) queueKey() string {
	if rp.mac == nil {
		return ""
	}
	return rp.mac.Key()
}
