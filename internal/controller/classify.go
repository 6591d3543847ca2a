package controller

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"

	"blelink/internal/driver"
	"blelink/internal/transport"
)

type failureClass int

const (
	// classTransient failures are retried with backoff.
	classTransient failureClass = iota
	// classFatal failures stop the controller: retrying cannot fix a
	// wrong protocol hint or a malformed characteristic.
	classFatal
)

func classify(err error) failureClass {
	switch {
	case errors.Is(err, driver.ErrUnknownProtocol),
		errors.Is(err, driver.ErrNoMatch),
		errors.Is(err, transport.ErrBadCharacteristic):
		return classFatal
	}
	// Anything else, including errors we have never seen, is assumed
	// recoverable: the link must come back from any radio-side failure
	// without operator help.
	return classTransient
}

// timeoutMarkers is the substring allowlist for recognizing GATT
// timeouts in errors that reach us as plain text. BLE stacks wrap
// their timeouts in free-form messages ("GATT error", "le-connection
// abort by local: error 8"), so typed checks alone miss them.
var timeoutMarkers = []string{"timeout", "error 8"}

// isTimeout reports whether err looks like a link timeout. Typed
// errors are checked first; the substring allowlist is the fallback.
// The result only affects the reported status message and logging,
// never whether a retry happens.
func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, transport.ErrScanTimeout) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range timeoutMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// statusMessage renders err for the status snapshot: timeouts collapse
// to a stable label, everything else is truncated raw text.
func statusMessage(err error) string {
	if err == nil {
		return ""
	}
	if isTimeout(err) {
		return "gatt connection timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return msg
}
