package clearnode

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Allocation is one participant's share of an asset inside an app session
type Allocation struct {
	Participant string          `json:"participant"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

// AppSession is the server's view of a multi-party application session.
// SessionData holds the opaque JSON payload of the latest state.
type AppSession struct {
	AppSessionID string    `json:"app_session_id"`
	Application  string    `json:"application,omitempty"`
	Status       string    `json:"status"`
	Participants []string  `json:"participants"`
	SessionData  string    `json:"session_data,omitempty"`
	Protocol     string    `json:"protocol,omitempty"`
	Challenge    uint64    `json:"challenge,omitempty"`
	Weights      []int     `json:"weights,omitempty"`
	Quorum       int       `json:"quorum,omitempty"`
	Version      uint64    `json:"version"`
	Nonce        uint64    `json:"nonce,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// HasParticipant compares addresses case-insensitively
func (s AppSession) HasParticipant(address string) bool {
	for _, p := range s.Participants {
		if sameAddress(p, address) {
			return true
		}
	}
	return false
}

// AppDefinition describes a new app session
type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int    `json:"weights"`
	Quorum       int      `json:"quorum"`
	Challenge    uint64   `json:"challenge"`
	Nonce        uint64   `json:"nonce"`
}

// ChannelDefinition is the fixed part of a channel as anchored on-chain
type ChannelDefinition struct {
	Participants []common.Address `json:"participants"`
	Adjudicator  common.Address   `json:"adjudicator"`
	Challenge    uint64           `json:"challenge"`
	Nonce        uint64           `json:"nonce"`
}

// ChannelAllocation is an on-chain allocation; Amount is in token base units
type ChannelAllocation struct {
	Destination common.Address  `json:"destination"`
	Token       common.Address  `json:"token"`
	Amount      decimal.Decimal `json:"amount"`
}

// ChannelState is a server-signed channel state
type ChannelState struct {
	Intent      uint8               `json:"intent"`
	Version     uint64              `json:"version"`
	StateData   string              `json:"state_data"`
	Allocations []ChannelAllocation `json:"allocations"`
}

// SettlementDescriptor is everything an on-chain finalize call needs
type SettlementDescriptor struct {
	ChannelID       string             `json:"channel_id"`
	Channel         *ChannelDefinition `json:"channel,omitempty"`
	State           ChannelState       `json:"state"`
	ServerSignature string             `json:"server_signature"`
}

// ChannelHandle is an established channel on one network
type ChannelHandle struct {
	ChannelID    string
	TokenAddress string
	NetworkID    uint64
	Balance      decimal.Decimal
	CreatedAt    time.Time

	// Recovered is set when creation hit "already exists" and the id was
	// taken from the server's error text.
	Recovered  bool
	Settlement *SettlementDescriptor
}

// TransferAllocation is one asset leg of a transfer
type TransferAllocation struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// TransferTx is a ledger transaction produced by a transfer
type TransferTx struct {
	ID          uint64          `json:"id"`
	TxType      string          `json:"tx_type"`
	FromAccount string          `json:"from_account"`
	ToAccount   string          `json:"to_account"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	CreatedAt   time.Time       `json:"created_at,omitempty"`
}

// LedgerEntry is a read-only credit/debit fact
type LedgerEntry struct {
	ID        uint64          `json:"id"`
	AccountID string          `json:"account_id"`
	Asset     string          `json:"asset"`
	Credit    decimal.Decimal `json:"credit"`
	Debit     decimal.Decimal `json:"debit"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// Balance is a per-asset net amount
type Balance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Intent values of a submitted app state
type Intent string

const (
	IntentOperate  Intent = "operate"
	IntentDeposit  Intent = "deposit"
	IntentWithdraw Intent = "withdraw"
)

// Channel state intents as understood by the custody contract
const (
	StateIntentOperate    uint8 = 0
	StateIntentInitialize uint8 = 1
	StateIntentResize     uint8 = 2
	StateIntentFinalize   uint8 = 3
)
