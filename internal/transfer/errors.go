package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrNoPeerAvailable means no linked peer advertises the requested hash
	ErrNoPeerAvailable = errors.New("no peers have this file available")
	// ErrTransferTimeout means the transfer did not finish within the deadline
	ErrTransferTimeout = errors.New("transfer timed out")
	// ErrPeerDisconnected means the serving peer left mid-transfer
	ErrPeerDisconnected = errors.New("peer disconnected")
	// ErrHashMismatch means the received bytes do not hash to the requested value
	ErrHashMismatch = errors.New("received content does not match hash")

	errAborted = errors.New("stream aborted")
)

// RejectedError is returned when the serving peer refuses a request
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("transfer rejected: %s", e.Reason)
}
