package security

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Signer signs 32-byte digests on behalf of an address.
// The primary wallet and the ephemeral session key both satisfy it.
type Signer interface {
	Address() common.Address
	Sign(digest []byte) ([]byte, error)
}

// RateLimiter defines rate limiting operations
type RateLimiter interface {
	Allow() bool
	Wait(ctx context.Context) error
}

// MessageValidator defines message validation operations
type MessageValidator interface {
	ValidateMessage(message []byte) error
}
