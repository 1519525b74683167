package schema

import "strings"

// ControlType enumerates protocol housekeeping frames the feed interleaves
// with quote data.
type ControlType string

const (
	// ControlConnected acknowledges session establishment.
	ControlConnected ControlType = "connected"
	// ControlPing is a server liveness probe.
	ControlPing ControlType = "ping"
	// ControlPong answers a liveness probe.
	ControlPong ControlType = "pong"
	// ControlHeartbeat is a periodic keep-alive marker.
	ControlHeartbeat ControlType = "heartbeat"
)

// ControlTypeOf matches a wire type discriminator case-insensitively against
// the known control frames.
func ControlTypeOf(raw string) (ControlType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ControlConnected):
		return ControlConnected, true
	case string(ControlPing):
		return ControlPing, true
	case string(ControlPong):
		return ControlPong, true
	case string(ControlHeartbeat):
		return ControlHeartbeat, true
	default:
		return "", false
	}
}
