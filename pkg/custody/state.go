package custody

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

// Field names mirror the ABI component names; the abi package matches
// them by camel case.
type abiChannel struct {
	Participants []common.Address
	Adjudicator  common.Address
	Challenge    uint64
	Nonce        uint64
}

type abiAllocation struct {
	Destination common.Address
	Token       common.Address
	Amount      *big.Int
}

type abiState struct {
	Intent      uint8
	Version     *big.Int
	Data        []byte
	Allocations []abiAllocation
	Sigs        [][]byte
}

func toChannel(definition *clearnode.ChannelDefinition) (abiChannel, error) {
	if definition == nil {
		return abiChannel{}, fmt.Errorf("settlement descriptor carries no channel definition")
	}
	if len(definition.Participants) < 2 {
		return abiChannel{}, fmt.Errorf("channel needs two participants, got %d", len(definition.Participants))
	}
	return abiChannel{
		Participants: definition.Participants,
		Adjudicator:  definition.Adjudicator,
		Challenge:    definition.Challenge,
		Nonce:        definition.Nonce,
	}, nil
}

func toAllocations(allocations []clearnode.ChannelAllocation) ([]abiAllocation, error) {
	out := make([]abiAllocation, 0, len(allocations))
	for i, allocation := range allocations {
		amount, err := baseUnits(allocation.Amount)
		if err != nil {
			return nil, fmt.Errorf("allocation %d: %w", i, err)
		}
		out = append(out, abiAllocation{
			Destination: allocation.Destination,
			Token:       allocation.Token,
			Amount:      amount,
		})
	}
	return out, nil
}

func decodeHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" || value == "0x" {
		return []byte{}, nil
	}
	if !strings.HasPrefix(value, "0x") {
		value = "0x" + value
	}
	return hexutil.Decode(value)
}

// StateHash is the digest every participant signs for a channel state
func StateHash(channelID common.Hash, state clearnode.ChannelState) (common.Hash, error) {
	data, err := decodeHex(state.StateData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid state data: %w", err)
	}
	allocations, err := toAllocations(state.Allocations)
	if err != nil {
		return common.Hash{}, err
	}
	encoded, err := stateHashArgs.Pack(channelID, state.Intent, new(big.Int).SetUint64(state.Version), data, allocations)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode state: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// signedState countersigns the server-signed state. Our signature comes
// first, matching the participant order of the channel.
func signedState(wallet security.Signer, descriptor *clearnode.SettlementDescriptor) (common.Hash, abiState, error) {
	if descriptor == nil {
		return common.Hash{}, abiState{}, fmt.Errorf("nil settlement descriptor")
	}
	if !isHash(descriptor.ChannelID) {
		return common.Hash{}, abiState{}, fmt.Errorf("invalid channel id %q", descriptor.ChannelID)
	}
	channelID := common.HexToHash(descriptor.ChannelID)

	digest, err := StateHash(channelID, descriptor.State)
	if err != nil {
		return common.Hash{}, abiState{}, err
	}
	own, err := wallet.Sign(digest.Bytes())
	if err != nil {
		return common.Hash{}, abiState{}, fmt.Errorf("failed to sign state: %w", err)
	}
	own[64] += 27

	server, err := decodeHex(descriptor.ServerSignature)
	if err != nil || len(server) != 65 {
		return common.Hash{}, abiState{}, fmt.Errorf("invalid server signature %q", descriptor.ServerSignature)
	}

	data, _ := decodeHex(descriptor.State.StateData)
	allocations, err := toAllocations(descriptor.State.Allocations)
	if err != nil {
		return common.Hash{}, abiState{}, err
	}

	return channelID, abiState{
		Intent:      descriptor.State.Intent,
		Version:     new(big.Int).SetUint64(descriptor.State.Version),
		Data:        data,
		Allocations: allocations,
		Sigs:        [][]byte{own, server},
	}, nil
}

func isHash(value string) bool {
	raw, err := hexutil.Decode(value)
	return err == nil && len(raw) == common.HashLength
}

func baseUnits(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	if !amount.Equal(amount.Truncate(0)) {
		return nil, fmt.Errorf("amount %s is not a whole number of base units", amount)
	}
	return amount.BigInt(), nil
}

// ToBaseUnits scales a human amount by the token's decimals
func ToBaseUnits(amount decimal.Decimal, decimals uint8) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	return baseUnits(amount.Shift(int32(decimals)))
}
