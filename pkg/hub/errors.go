package hub

import "fmt"

// RemoteError is the failure payload a peer returned for an emit. Data is
// whatever the peer put in the failure response; the protocol only assumes
// it is serializable.
type RemoteError struct {
	Data any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote handler failed: %v", e.Data)
}
