package clearnode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/backtesting-org/channel-settlement/pkg/websocket/connection"
)

var (
	ErrTimeout            = errors.New("request timed out")
	ErrProtocol           = errors.New("clearnode returned an error")
	ErrReconnectExhausted = connection.ErrReconnectExhausted
	ErrAuthFailed         = errors.New("authentication failed")
	ErrSessionExpired     = errors.New("session key expired")
	ErrNotConnected       = errors.New("not connected")
	ErrChannelExists      = errors.New("channel already exists")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrDuplicateRequest   = errors.New("request id already pending")
	ErrSessionNotFound    = errors.New("app session not found")
	ErrClosed             = errors.New("client closed")
)

// RPCError carries the human readable text of an error frame
type RPCError struct {
	Method  string
	Message string
}

func (e *RPCError) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("clearnode error during %s: %s", e.Method, e.Message)
	}
	return fmt.Sprintf("clearnode error: %s", e.Message)
}

func (e *RPCError) Unwrap() error {
	return ErrProtocol
}

func rpcMessage(err error) (string, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return strings.ToLower(rpcErr.Message), true
	}
	return "", false
}

// IsAlreadyExists reports whether err is the server's "channel already exists" rejection
func IsAlreadyExists(err error) bool {
	if errors.Is(err, ErrChannelExists) {
		return true
	}
	msg, ok := rpcMessage(err)
	return ok && strings.Contains(msg, "already exists")
}

// IsChannelNotFound reports whether err is the server's "channel not found" rejection
func IsChannelNotFound(err error) bool {
	if errors.Is(err, ErrChannelNotFound) {
		return true
	}
	msg, ok := rpcMessage(err)
	return ok && strings.Contains(msg, "not found")
}

// expirySubjects name the credential whose expiry ends the session. Other
// expiries, such as a challenge or an app session, do not.
var expirySubjects = []string{"session key", "session_key", "sessionkey", "jwt"}

func isExpiredMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "expired") {
		return false
	}
	for _, subject := range expirySubjects {
		if strings.Contains(lower, subject) {
			return true
		}
	}
	return false
}
