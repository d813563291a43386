package signalservice

import "fmt"

// ProtocolError wraps a non-2xx response from the signal service. Codes
// 404, 409, and 410 carry structural meaning to the outgoing/incoming
// pipelines (spec.md §4.1, §4.2, §7); every other code is opaque and is
// simply surfaced to the caller.
type ProtocolError struct {
	Code int
	Body []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("signalservice: protocol error %d", e.Code)
}

// MismatchedDevices is the decoded body of a 409 response: the caller's
// device list disagreed with the server's.
type MismatchedDevices struct {
	ExtraDevices   []uint32 `json:"extraDevices"`
	MissingDevices []uint32 `json:"missingDevices"`
}

// StaleDevices is the decoded body of a 410 response: sessions for these
// device ids have expired server-side and must be rebuilt.
type StaleDevices struct {
	StaleDevices []uint32 `json:"staleDevices"`
}
