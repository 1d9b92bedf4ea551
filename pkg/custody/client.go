package custody

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/backtesting-org/channel-settlement/pkg/clearnode"
	"github.com/backtesting-org/channel-settlement/pkg/logging"
	"github.com/backtesting-org/channel-settlement/pkg/websocket/security"
)

var (
	ErrUnknownNetwork = errors.New("unknown network")
	ErrReverted       = errors.New("transaction reverted")
)

// Backend is the chain access a custody client needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// Dialer opens a backend for an RPC url
type Dialer func(ctx context.Context, rpcURL string) (Backend, error)

func DialEthereum(ctx context.Context, rpcURL string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type NetworkConfig struct {
	ID                 uint64 `mapstructure:"id" validate:"required"`
	RPCURL             string `mapstructure:"rpc_url" validate:"required"`
	CustodyAddress     string `mapstructure:"custody_address" validate:"required,startswith=0x"`
	AdjudicatorAddress string `mapstructure:"adjudicator_address"`
	// GasLimit of zero means estimate
	GasLimit uint64 `mapstructure:"gas_limit"`
}

type Config struct {
	Networks       []NetworkConfig
	WaitForReceipt bool
	ReceiptTimeout time.Duration
}

type network struct {
	config  NetworkConfig
	backend Backend
	chainID *big.Int
	address common.Address
	custody *bind.BoundContract
}

// Client submits channel states and custody deposits to the chain. It
// implements clearnode.Finalizer.
type Client struct {
	config Config
	wallet security.Signer
	dial   Dialer
	logger logging.ApplicationLogger

	mu       sync.Mutex
	networks map[uint64]*network
}

var _ clearnode.Finalizer = (*Client)(nil)

func NewClient(config Config, wallet security.Signer, dial Dialer, logger logging.ApplicationLogger) *Client {
	if dial == nil {
		dial = DialEthereum
	}
	if config.ReceiptTimeout <= 0 {
		config.ReceiptTimeout = 2 * time.Minute
	}
	return &Client{
		config:   config,
		wallet:   wallet,
		dial:     dial,
		logger:   logger,
		networks: make(map[uint64]*network),
	}
}

// Networks returns the configured network ids
func (c *Client) Networks() []uint64 {
	ids := make([]uint64, 0, len(c.config.Networks))
	for _, n := range c.config.Networks {
		ids = append(ids, n.ID)
	}
	return ids
}

func (c *Client) network(ctx context.Context, networkID uint64) (*network, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.networks[networkID]; ok {
		return n, nil
	}

	var cfg *NetworkConfig
	for i := range c.config.Networks {
		if c.config.Networks[i].ID == networkID {
			cfg = &c.config.Networks[i]
			break
		}
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNetwork, networkID)
	}
	if !common.IsHexAddress(cfg.CustodyAddress) {
		return nil, fmt.Errorf("network %d: invalid custody address %q", networkID, cfg.CustodyAddress)
	}

	backend, err := c.dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial network %d: %w", networkID, err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain id of network %d: %w", networkID, err)
	}
	if chainID.Uint64() != networkID {
		c.logger.Warn("Network %d reports chain id %s", networkID, chainID)
	}

	custody := common.HexToAddress(cfg.CustodyAddress)
	n := &network{
		config:  *cfg,
		backend: backend,
		chainID: chainID,
		address: custody,
		custody: bind.NewBoundContract(custody, CustodyABI, backend, backend, backend),
	}
	c.networks[networkID] = n
	c.logger.Info("Connected to network %d (custody %s)", networkID, custody.Hex())
	return n, nil
}

func (c *Client) transactOpts(ctx context.Context, n *network) *bind.TransactOpts {
	signer := types.LatestSignerForChainID(n.chainID)
	from := c.wallet.Address()
	return &bind.TransactOpts{
		From:     from,
		Context:  ctx,
		GasLimit: n.config.GasLimit,
		Signer: func(address common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if address != from {
				return nil, fmt.Errorf("cannot sign for %s", address.Hex())
			}
			signature, err := c.wallet.Sign(signer.Hash(tx).Bytes())
			if err != nil {
				return nil, err
			}
			return tx.WithSignature(signer, signature)
		},
	}
}

func (c *Client) Create(ctx context.Context, networkID uint64, descriptor *clearnode.SettlementDescriptor) (string, error) {
	n, err := c.network(ctx, networkID)
	if err != nil {
		return "", err
	}
	if descriptor == nil {
		return "", fmt.Errorf("nil settlement descriptor")
	}
	channel, err := toChannel(descriptor.Channel)
	if err != nil {
		return "", err
	}
	_, state, err := signedState(c.wallet, descriptor)
	if err != nil {
		return "", err
	}

	tx, err := n.custody.Transact(c.transactOpts(ctx, n), "create", channel, state)
	if err != nil {
		return "", fmt.Errorf("create of %s failed: %w", descriptor.ChannelID, err)
	}
	return c.confirm(ctx, n, "create", tx)
}

func (c *Client) Close(ctx context.Context, networkID uint64, descriptor *clearnode.SettlementDescriptor) (string, error) {
	return c.checkpoint(ctx, networkID, "close", descriptor)
}

func (c *Client) Resize(ctx context.Context, networkID uint64, descriptor *clearnode.SettlementDescriptor) (string, error) {
	return c.checkpoint(ctx, networkID, "resize", descriptor)
}

func (c *Client) checkpoint(ctx context.Context, networkID uint64, method string, descriptor *clearnode.SettlementDescriptor) (string, error) {
	n, err := c.network(ctx, networkID)
	if err != nil {
		return "", err
	}
	channelID, state, err := signedState(c.wallet, descriptor)
	if err != nil {
		return "", err
	}

	tx, err := n.custody.Transact(c.transactOpts(ctx, n), method, channelID, state, []abiState{})
	if err != nil {
		return "", fmt.Errorf("%s of %s failed: %w", method, descriptor.ChannelID, err)
	}
	return c.confirm(ctx, n, method, tx)
}

// Deposit moves amount (in whole token units) into custody. ERC20 tokens
// are approved first; the zero address deposits the native asset.
func (c *Client) Deposit(ctx context.Context, networkID uint64, token string, amount decimal.Decimal) (string, error) {
	n, err := c.network(ctx, networkID)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(token) {
		return "", fmt.Errorf("invalid token address %q", token)
	}
	tokenAddress := common.HexToAddress(token)
	native := tokenAddress == (common.Address{})

	decimals, err := c.decimals(ctx, n, tokenAddress)
	if err != nil {
		return "", err
	}
	units, err := ToBaseUnits(amount, decimals)
	if err != nil {
		return "", err
	}

	if !native {
		erc20 := bind.NewBoundContract(tokenAddress, ERC20ABI, n.backend, n.backend, n.backend)
		approval, err := erc20.Transact(c.transactOpts(ctx, n), "approve", n.address, units)
		if err != nil {
			return "", fmt.Errorf("approve of %s failed: %w", token, err)
		}
		if _, err := c.confirm(ctx, n, "approve", approval); err != nil {
			return "", err
		}
	}

	opts := c.transactOpts(ctx, n)
	if native {
		opts.Value = units
	}
	tx, err := n.custody.Transact(opts, "deposit", c.wallet.Address(), tokenAddress, units)
	if err != nil {
		return "", fmt.Errorf("deposit of %s %s failed: %w", amount, token, err)
	}
	return c.confirm(ctx, n, "deposit", tx)
}

// Withdraw pulls amount (in whole token units) out of custody
func (c *Client) Withdraw(ctx context.Context, networkID uint64, token string, amount decimal.Decimal) (string, error) {
	n, err := c.network(ctx, networkID)
	if err != nil {
		return "", err
	}
	if !common.IsHexAddress(token) {
		return "", fmt.Errorf("invalid token address %q", token)
	}
	tokenAddress := common.HexToAddress(token)

	decimals, err := c.decimals(ctx, n, tokenAddress)
	if err != nil {
		return "", err
	}
	units, err := ToBaseUnits(amount, decimals)
	if err != nil {
		return "", err
	}

	tx, err := n.custody.Transact(c.transactOpts(ctx, n), "withdraw", tokenAddress, units)
	if err != nil {
		return "", fmt.Errorf("withdraw of %s %s failed: %w", amount, token, err)
	}
	return c.confirm(ctx, n, "withdraw", tx)
}

func (c *Client) decimals(ctx context.Context, n *network, token common.Address) (uint8, error) {
	if token == (common.Address{}) {
		return 18, nil
	}
	erc20 := bind.NewBoundContract(token, ERC20ABI, n.backend, n.backend, n.backend)
	var out []interface{}
	if err := erc20.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("failed to read decimals of %s: %w", token.Hex(), err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("unexpected decimals result for %s", token.Hex())
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T for %s", out[0], token.Hex())
	}
	return decimals, nil
}

func (c *Client) confirm(ctx context.Context, n *network, method string, tx *types.Transaction) (string, error) {
	hash := tx.Hash().Hex()
	c.logger.Info("Submitted %s on network %d: %s", method, n.config.ID, hash)
	if !c.config.WaitForReceipt {
		return hash, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.config.ReceiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, n.backend, tx)
	if err != nil {
		return hash, fmt.Errorf("waiting for %s %s: %w", method, hash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, fmt.Errorf("%w: %s %s", ErrReverted, method, hash)
	}
	return hash, nil
}

// Shutdown releases every dialed backend
func (c *Client) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, n := range c.networks {
		if closer, ok := n.backend.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(c.networks, id)
	}
}
