package clearnode

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

type AuthState int

const (
	AuthUnauthenticated AuthState = iota
	AuthChallengeReceived
	AuthAuthenticated
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthUnauthenticated:
		return "unauthenticated"
	case AuthChallengeReceived:
		return "challenge_received"
	case AuthAuthenticated:
		return "authenticated"
	case AuthFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Allowance caps what the session key may spend of one asset
type Allowance struct {
	Asset  string `json:"asset" mapstructure:"asset"`
	Amount string `json:"amount" mapstructure:"amount"`
}

type AuthConfig struct {
	Application   string
	Scope         string
	SessionExpiry time.Duration
	Allowances    []Allowance
}

// AuthRequest is the body of auth_request
type AuthRequest struct {
	Address     string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	Application string      `json:"application"`
	Scope       string      `json:"scope"`
	ExpiresAt   uint64      `json:"expires_at"`
	Allowances  []Allowance `json:"allowances"`
}

// Authenticator drives the challenge/response handshake for one connection
// at a time. Terminal transitions wake every waiter.
type Authenticator struct {
	mu         sync.Mutex
	state      AuthState
	err        error
	signal     chan struct{}
	request    AuthRequest
	jwt        string
	cfg        AuthConfig
	wallet     security.Signer
	sessionKey security.Signer
	now        func() time.Time
}

func NewAuthenticator(cfg AuthConfig, wallet, sessionKey security.Signer) *Authenticator {
	if cfg.SessionExpiry <= 0 {
		cfg.SessionExpiry = 24 * time.Hour
	}
	return &Authenticator{
		state:      AuthUnauthenticated,
		signal:     make(chan struct{}),
		cfg:        cfg,
		wallet:     wallet,
		sessionKey: sessionKey,
		now:        time.Now,
	}
}

// Begin starts a new handshake round and returns the auth_request body.
// A previous failure is cleared since a fresh connection is being used.
func (a *Authenticator) Begin() AuthRequest {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = AuthUnauthenticated
	a.err = nil
	a.jwt = ""

	allowances := a.cfg.Allowances
	if allowances == nil {
		allowances = []Allowance{}
	}
	a.request = AuthRequest{
		Address:     a.wallet.Address().Hex(),
		SessionKey:  a.sessionKey.Address().Hex(),
		Application: a.cfg.Application,
		Scope:       a.cfg.Scope,
		ExpiresAt:   uint64(a.now().Add(a.cfg.SessionExpiry).Unix()),
		Allowances:  allowances,
	}
	return a.request
}

// HandleChallenge signs the structured challenge with the primary wallet
// and returns the auth_verify body with its signature
func (a *Authenticator) HandleChallenge(challenge string) (interface{}, []string, error) {
	a.mu.Lock()
	if a.state != AuthUnauthenticated {
		state := a.state
		a.mu.Unlock()
		return nil, nil, fmt.Errorf("unexpected auth challenge in state %s", state)
	}
	a.state = AuthChallengeReceived
	typedData := a.typedDataLocked(challenge)
	a.mu.Unlock()

	sig, err := security.SignTypedData(a.wallet, typedData)
	if err != nil {
		a.Fail(fmt.Errorf("%w: %v", ErrAuthFailed, err))
		return nil, nil, err
	}

	params := map[string]string{"challenge": challenge}
	return params, []string{hexutil.Encode(sig)}, nil
}

// TypedData is the EIP-712 policy the wallet signs for challenge
func (a *Authenticator) TypedData(challenge string) apitypes.TypedData {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.typedDataLocked(challenge)
}

func (a *Authenticator) typedDataLocked(challenge string) apitypes.TypedData {
	allowances := make([]interface{}, 0, len(a.request.Allowances))
	for _, allowance := range a.request.Allowances {
		allowances = append(allowances, map[string]interface{}{
			"asset":  allowance.Asset,
			"amount": allowance.Amount,
		})
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
			},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "string"},
			},
		},
		PrimaryType: "Policy",
		Domain: apitypes.TypedDataDomain{
			Name: a.cfg.Application,
		},
		Message: apitypes.TypedDataMessage{
			"challenge":   challenge,
			"scope":       a.request.Scope,
			"wallet":      a.request.Address,
			"session_key": a.request.SessionKey,
			"expires_at":  strconv.FormatUint(a.request.ExpiresAt, 10),
			"allowances":  allowances,
		},
	}
}

// Succeed marks the session authenticated and releases every waiter
func (a *Authenticator) Succeed(jwt string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = AuthAuthenticated
	a.err = nil
	a.jwt = jwt
	a.wakeLocked()
}

// Fail marks the session failed and rejects every waiter with err
func (a *Authenticator) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err == nil {
		err = ErrAuthFailed
	}
	a.state = AuthFailed
	a.err = err
	a.wakeLocked()
}

// Reset drops an authenticated session after the connection closed.
// A failed session stays failed until the next Begin.
func (a *Authenticator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != AuthFailed {
		a.state = AuthUnauthenticated
		a.jwt = ""
	}
}

func (a *Authenticator) wakeLocked() {
	close(a.signal)
	a.signal = make(chan struct{})
}

// Wait returns once the session is authenticated. It returns at once when
// already authenticated and fails fast when the session has failed.
func (a *Authenticator) Wait(ctx context.Context) error {
	for {
		a.mu.Lock()
		switch a.state {
		case AuthAuthenticated:
			a.mu.Unlock()
			return nil
		case AuthFailed:
			err := a.err
			a.mu.Unlock()
			return err
		}
		signal := a.signal
		a.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return fmt.Errorf("waiting for authentication: %w", ctx.Err())
		}
	}
}

func (a *Authenticator) State() AuthState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// InHandshake reports whether a handshake round is under way
func (a *Authenticator) InHandshake() bool {
	state := a.State()
	return state == AuthUnauthenticated || state == AuthChallengeReceived
}

func (a *Authenticator) JWT() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jwt
}
