package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/life-stream-dev/life-stream-go-snapper/internal/logger"
)

// IsNetClosedError reports errors caused by our own Close or a deadline.
func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// IsConnReset reports a peer that went away without a clean shutdown.
func IsConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

// HandleReadError logs a terminal read error at a level matching its cause.
func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF), IsConnReset(err):
		logger.DebugF("[%s] Client close connection", connID)
	case errors.Is(err, net.ErrClosed):
		logger.DebugF("[%s] Connection closed locally", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
}

// Send writes data fully to w.
func Send(w io.Writer, data []byte, connID string) error {
	total := 0
	for total < len(data) {
		n, err := w.Write(data[total:])
		if err != nil {
			if IsConnReset(err) || IsNetClosedError(err) {
				logger.DebugF("[%s] Fail to send data, details: %v", connID, err)
			} else {
				logger.ErrorF("[%s] Fail to send data, details: %v", connID, err)
			}
			return err
		}
		total += n
	}
	logger.DebugF("[%s] Send %d bytes to client", connID, total)
	return nil
}
