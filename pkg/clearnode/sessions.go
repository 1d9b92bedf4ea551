package clearnode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const AppProtocol = "NitroRPC/0.2"

type createAppSessionParams struct {
	Definition  AppDefinition `json:"definition"`
	Allocations []Allocation  `json:"allocations"`
	Application string        `json:"application,omitempty"`
	SessionData string        `json:"session_data,omitempty"`
}

type submitAppStateParams struct {
	AppSessionID string       `json:"app_session_id"`
	Intent       Intent       `json:"intent"`
	Version      uint64       `json:"version"`
	Allocations  []Allocation `json:"allocations"`
	SessionData  string       `json:"session_data,omitempty"`
}

type closeAppSessionParams struct {
	AppSessionID string       `json:"app_session_id"`
	Allocations  []Allocation `json:"allocations"`
	SessionData  string       `json:"session_data,omitempty"`
}

type getAppSessionsParams struct {
	Participant string `json:"participant,omitempty"`
	Status      string `json:"status,omitempty"`
}

type appSessionResult struct {
	AppSessionID string `json:"app_session_id"`
	Version      uint64 `json:"version"`
	Status       string `json:"status"`
}

// SessionOption customizes CreateAppSession
type SessionOption func(*createAppSessionParams) error

// WithSessionData attaches the initial opaque payload
func WithSessionData(payload interface{}) SessionOption {
	return func(p *createAppSessionParams) error {
		data, err := encodeSessionData(payload)
		if err != nil {
			return err
		}
		p.SessionData = data
		return nil
	}
}

// EqualWeights gives every participant floor(100/n) and a quorum of one
// participant's weight, so any single signature advances the session
func EqualWeights(n int) ([]int, int) {
	if n <= 0 {
		return nil, 0
	}
	weight := 100 / n
	weights := make([]int, n)
	for i := range weights {
		weights[i] = weight
	}
	return weights, weight
}

// CreateAppSession opens a multi-party app session and returns its id
func (c *Client) CreateAppSession(ctx context.Context, participants []string, allocations []Allocation, name string, opts ...SessionOption) (string, error) {
	if len(participants) == 0 {
		return "", fmt.Errorf("create_app_session: at least one participant is required")
	}

	weights, quorum := EqualWeights(len(participants))
	params := createAppSessionParams{
		Definition: AppDefinition{
			Protocol:     AppProtocol,
			Participants: participants,
			Weights:      weights,
			Quorum:       quorum,
			Challenge:    0,
			Nonce:        uint64(time.Now().UnixMilli()),
		},
		Allocations: allocationsOrEmpty(allocations),
		Application: name,
	}
	for _, opt := range opts {
		if err := opt(&params); err != nil {
			return "", fmt.Errorf("create_app_session: %w", err)
		}
	}

	raw, err := c.call(ctx, MethodCreateAppSession, params)
	if err != nil {
		return "", err
	}

	var result appSessionResult
	if err := decodeParams(raw, &result); err != nil {
		return "", fmt.Errorf("create_app_session: %w", err)
	}
	if result.AppSessionID == "" {
		return "", fmt.Errorf("create_app_session: response without app_session_id")
	}

	c.logger.Info("Created app session %s (%s) with %d participants", result.AppSessionID, name, len(participants))
	return result.AppSessionID, nil
}

// SubmitAppState reads the current version and submits version+1. Local
// submitters of the same session are serialized across both steps.
func (c *Client) SubmitAppState(ctx context.Context, appSessionID string, allocations []Allocation, intent Intent, payload interface{}) (uint64, error) {
	if intent == "" {
		intent = IntentOperate
	}
	sessionData, err := encodeSessionData(payload)
	if err != nil {
		return 0, fmt.Errorf("submit_app_state: %w", err)
	}

	unlock := c.lockSession(appSessionID)
	defer unlock()

	current, err := c.findAppSession(ctx, appSessionID)
	if err != nil {
		return 0, fmt.Errorf("submit_app_state: %w", err)
	}

	next := current.Version + 1
	raw, err := c.call(ctx, MethodSubmitAppState, submitAppStateParams{
		AppSessionID: appSessionID,
		Intent:       intent,
		Version:      next,
		Allocations:  allocationsOrEmpty(allocations),
		SessionData:  sessionData,
	})
	if err != nil {
		return 0, err
	}

	var result appSessionResult
	if err := decodeParams(raw, &result); err == nil && result.Version > 0 {
		next = result.Version
	}

	c.logger.Debug("Submitted state v%d for app session %s", next, appSessionID)
	return next, nil
}

// CloseAppSession closes a session with its final allocations
func (c *Client) CloseAppSession(ctx context.Context, appSessionID string, allocations []Allocation, payload interface{}) error {
	sessionData, err := encodeSessionData(payload)
	if err != nil {
		return fmt.Errorf("close_app_session: %w", err)
	}

	unlock := c.lockSession(appSessionID)
	defer unlock()

	if _, err := c.call(ctx, MethodCloseAppSession, closeAppSessionParams{
		AppSessionID: appSessionID,
		Allocations:  allocationsOrEmpty(allocations),
		SessionData:  sessionData,
	}); err != nil {
		return err
	}

	c.refreshLater("close_app_session")
	return nil
}

// GetAppSessions lists sessions, optionally filtered by participant and status
func (c *Client) GetAppSessions(ctx context.Context, participant, status string) ([]AppSession, error) {
	raw, err := c.call(ctx, MethodGetAppSessions, getAppSessionsParams{
		Participant: participant,
		Status:      status,
	})
	if err != nil {
		return nil, err
	}

	sessions, err := decodeList[AppSession](raw)
	if err != nil {
		return nil, fmt.Errorf("get_app_sessions: %w", err)
	}
	return sessions, nil
}

func (c *Client) findAppSession(ctx context.Context, appSessionID string) (*AppSession, error) {
	sessions, err := c.GetAppSessions(ctx, c.Address(), "")
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].AppSessionID == appSessionID {
			return &sessions[i], nil
		}
	}
	return nil, fmt.Errorf("%s: %w", appSessionID, ErrSessionNotFound)
}

func encodeSessionData(payload interface{}) (string, error) {
	switch v := payload.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode session data: %w", err)
	}
	return string(data), nil
}

func allocationsOrEmpty(allocations []Allocation) []Allocation {
	if allocations == nil {
		return []Allocation{}
	}
	return allocations
}
