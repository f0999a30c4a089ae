// Package journal keeps a bounded in-memory record of recent lifecycle and
// protocol events. Producers are the control loop and the notification
// goroutines; the status view drains it for display. When nobody drains,
// the oldest entries are overwritten - this is a diagnostic window, not
// storage.
package journal

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// Kind classifies a journal event.
type Kind int

const (
	KindClaim Kind = iota
	KindConnect
	KindConnectFailed
	KindHandshake
	KindCooldown
	KindDisconnect
	KindTimeout
	KindDecodeReject
)

func (k Kind) String() string {
	switch k {
	case KindClaim:
		return "claim"
	case KindConnect:
		return "connect"
	case KindConnectFailed:
		return "connect-failed"
	case KindHandshake:
		return "handshake"
	case KindCooldown:
		return "cooldown"
	case KindDisconnect:
		return "disconnect"
	case KindTimeout:
		return "timeout"
	case KindDecodeReject:
		return "decode-reject"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one journal entry.
type Event struct {
	Time   time.Time
	Device string
	Kind   Kind
	Detail string
}

func (e Event) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s [%s] %s", e.Time.Format("15:04:05"), e.Device, e.Kind)
	}
	return fmt.Sprintf("%s [%s] %s: %s", e.Time.Format("15:04:05"), e.Device, e.Kind, e.Detail)
}

// Journal is a multi-producer, multi-consumer drop-oldest event ring.
type Journal struct {
	buffer      mpmc.RichOverlappedRingBuffer[Event]
	recorded    atomic.Int64
	overwritten atomic.Int64
}

// New creates a Journal holding up to capacity events.
func New(capacity uint32) *Journal {
	if capacity == 0 {
		capacity = 256
	}
	return &Journal{buffer: mpmc.NewOverlappedRingBuffer[Event](capacity)}
}

// Record appends an event. Safe from any goroutine; never blocks.
func (j *Journal) Record(device string, kind Kind, detail string) {
	ev := Event{Time: time.Now(), Device: device, Kind: kind, Detail: detail}
	overwrites, err := j.buffer.EnqueueM(ev)
	if err != nil {
		// The overlapped ring overwrites instead of rejecting; an error here
		// means the buffer is misconfigured, which New prevents.
		return
	}
	j.overwritten.Add(int64(overwrites))
	j.recorded.Add(1)
}

// Drain removes and returns up to max buffered events, oldest first.
func (j *Journal) Drain(max int) []Event {
	var out []Event
	for len(out) < max && !j.buffer.IsEmpty() {
		ev, err := j.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, ev)
	}
	return out
}

// Recorded returns the total number of events recorded.
func (j *Journal) Recorded() int64 {
	return j.recorded.Load()
}

// Overwritten returns how many events were lost to overwrites.
func (j *Journal) Overwritten() int64 {
	return j.overwritten.Load()
}
