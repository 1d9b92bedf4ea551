package clearnode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

// Method is an RPC method name as it appears on the wire
type Method string

const (
	MethodAuthRequest      Method = "auth_request"
	MethodAuthChallenge    Method = "auth_challenge"
	MethodAuthVerify       Method = "auth_verify"
	MethodError            Method = "error"
	MethodCreateChannel    Method = "create_channel"
	MethodResizeChannel    Method = "resize_channel"
	MethodCloseChannel     Method = "close_channel"
	MethodCreateAppSession Method = "create_app_session"
	MethodSubmitAppState   Method = "submit_app_state"
	MethodCloseAppSession  Method = "close_app_session"
	MethodGetAppSessions   Method = "get_app_sessions"
	MethodTransfer         Method = "transfer"
	MethodGetLedgerEntries Method = "get_ledger_entries"
	MethodPing             Method = "ping"
	MethodPong             Method = "pong"

	// unsolicited notifications
	MethodAppStateUpdate Method = "asu"
	MethodTransferNotice Method = "tr"
	MethodBalanceUpdate  Method = "bu"
	MethodChannelUpdate  Method = "cu"
)

// Inbound is the closed set of decoded server frames
type Inbound interface {
	inbound()
}

type AuthChallenge struct {
	RequestID uint64
	Challenge string
}

type AuthVerifyResult struct {
	RequestID  uint64
	Success    bool
	Address    string
	SessionKey string
	JWTToken   string
}

type ErrorFrame struct {
	RequestID uint64
	Message   string
}

// Response answers a correlated request
type Response struct {
	RequestID uint64
	Method    Method
	Params    json.RawMessage
}

type AppStateUpdate struct {
	AppSession             AppSession   `json:"app_session"`
	ParticipantAllocations []Allocation `json:"participant_allocations"`
}

type TransferNotification struct {
	Transactions []TransferTx `json:"transactions"`
}

type BalanceUpdate struct {
	Balances []Balance `json:"balance_updates"`
}

const ChannelStatusClosed = "closed"

type ChannelUpdate struct {
	ChannelID   string `json:"channel_id"`
	Participant string `json:"participant"`
	Status      string `json:"status"`
	Token       string `json:"token"`
	ChainID     uint64 `json:"chain_id"`
	Version     uint64 `json:"version"`
}

// Unrecognized is any frame whose method this client does not know
type Unrecognized struct {
	RequestID uint64
	Method    Method
	Params    json.RawMessage
}

func (*AuthChallenge) inbound()        {}
func (*AuthVerifyResult) inbound()     {}
func (*ErrorFrame) inbound()           {}
func (*Response) inbound()             {}
func (*AppStateUpdate) inbound()       {}
func (*TransferNotification) inbound() {}
func (*BalanceUpdate) inbound()        {}
func (*ChannelUpdate) inbound()        {}
func (*Unrecognized) inbound()         {}

type responseEnvelope struct {
	Res []json.RawMessage `json:"res"`
	Sig []string          `json:"sig,omitempty"`
}

// Decode parses one inbound frame of shape {"res":[id, method, params, ts]}
func Decode(data []byte) (Inbound, error) {
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if len(env.Res) < 3 {
		return nil, fmt.Errorf("invalid frame: res has %d elements", len(env.Res))
	}

	var id uint64
	if err := json.Unmarshal(env.Res[0], &id); err != nil {
		return nil, fmt.Errorf("invalid request id: %w", err)
	}

	var method Method
	if err := json.Unmarshal(env.Res[1], &method); err != nil {
		return nil, fmt.Errorf("invalid method: %w", err)
	}

	params, err := firstParam(env.Res[2])
	if err != nil {
		return nil, fmt.Errorf("invalid params for %s: %w", method, err)
	}

	switch method {
	case MethodAuthChallenge:
		var p struct {
			ChallengeMessage string `json:"challenge_message"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.ChallengeMessage == "" {
			return nil, fmt.Errorf("auth challenge without challenge_message")
		}
		return &AuthChallenge{RequestID: id, Challenge: p.ChallengeMessage}, nil

	case MethodAuthVerify:
		var p struct {
			Success    bool   `json:"success"`
			Address    string `json:"address"`
			SessionKey string `json:"session_key"`
			JWTToken   string `json:"jwt_token"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return &AuthVerifyResult{RequestID: id, Success: p.Success, Address: p.Address, SessionKey: p.SessionKey, JWTToken: p.JWTToken}, nil

	case MethodError:
		var p struct {
			Error string `json:"error"`
		}
		// some servers send the bare message string
		if err := decodeParams(params, &p); err != nil {
			var text string
			if json.Unmarshal(params, &text) != nil {
				return nil, err
			}
			p.Error = text
		}
		return &ErrorFrame{RequestID: id, Message: p.Error}, nil

	case MethodAppStateUpdate:
		var p AppStateUpdate
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case MethodTransferNotice:
		var p TransferNotification
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case MethodBalanceUpdate:
		var p BalanceUpdate
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case MethodChannelUpdate:
		var p ChannelUpdate
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return &p, nil

	case MethodCreateChannel, MethodResizeChannel, MethodCloseChannel,
		MethodCreateAppSession, MethodSubmitAppState, MethodCloseAppSession,
		MethodGetAppSessions, MethodTransfer, MethodGetLedgerEntries, MethodPong:
		return &Response{RequestID: id, Method: method, Params: params}, nil

	default:
		return &Unrecognized{RequestID: id, Method: method, Params: params}, nil
	}
}

// firstParam unwraps the single-object params array. A list result may
// arrive either wrapped ([[a,b]]) or flat ([a,b]); flat lists of more than
// one element are returned as-is.
func firstParam(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return trimmed, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return nil, err
	}
	switch len(elems) {
	case 0:
		return nil, nil
	case 1:
		return elems[0], nil
	default:
		return trimmed, nil
	}
}

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}

// decodeList accepts either a JSON array or a single object
func decodeList[T any](params json.RawMessage) ([]T, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '{' {
		var one T
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("failed to decode params: %w", err)
		}
		return []T{one}, nil
	}
	var list []T
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}
	return list, nil
}

// EncodeRequest builds {"req":[id, method, [params], ts], "sig":[...]}.
// The request is signed with signer over keccak256 of the req array; a nil
// signer leaves sig empty.
func EncodeRequest(id uint64, method Method, params interface{}, timestamp uint64, signer security.Signer) ([]byte, error) {
	req, err := marshalReq(id, method, params, timestamp)
	if err != nil {
		return nil, err
	}

	sigs := []string{}
	if signer != nil {
		sig, err := security.SignPayload(signer, req)
		if err != nil {
			return nil, fmt.Errorf("failed to sign %s: %w", method, err)
		}
		sigs = append(sigs, hexutil.Encode(sig))
	}
	return marshalFrame(req, sigs)
}

// encodeWithSignatures is used when the signature is produced over
// something other than the req array, as auth_verify does
func encodeWithSignatures(id uint64, method Method, params interface{}, timestamp uint64, sigs []string) ([]byte, error) {
	req, err := marshalReq(id, method, params, timestamp)
	if err != nil {
		return nil, err
	}
	return marshalFrame(req, sigs)
}

func marshalReq(id uint64, method Method, params interface{}, timestamp uint64) (json.RawMessage, error) {
	list := []interface{}{}
	if params != nil {
		list = append(list, params)
	}
	req, err := json.Marshal([]interface{}{id, method, list, timestamp})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", method, err)
	}
	return req, nil
}

func marshalFrame(req json.RawMessage, sigs []string) ([]byte, error) {
	frame := struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig"`
	}{Req: req, Sig: sigs}
	return json.Marshal(frame)
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
