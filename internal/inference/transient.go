package inference

import (
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/docstream/ocrpipe/internal/domain"
)

// IsTransient reports whether a failed call hit a connection-level
// condition worth one retry with a fresh request: connection reset or
// refused, or a stream dropped mid-response. HTTP-level rejections and
// backend errors are never transient; the dispatcher records those
// directly.
func IsTransient(err error) bool {
	if domain.KindOf(err) != domain.KindBackendUnavailable {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
