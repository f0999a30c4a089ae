package monitor

// State is the connection lifecycle state of one monitor. There is no
// terminal state; a monitor cycles for process lifetime.
type State int

const (
	StateDisconnected State = iota // idle, eligible for discovery
	StateScanning                  // claimed by the matcher, waiting for the loop
	StateConnecting                // connect attempt in flight
	StateHandshake                 // encrypted arm sequence being written
	StateMonitoring                // subscribed, decoding telemetry
	StateCooldown                  // retries exhausted, waiting out the cooldown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateScanning:
		return "SCANNING"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshake:
		return "HANDSHAKE"
	case StateMonitoring:
		return "MONITORING"
	case StateCooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}
