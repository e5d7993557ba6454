package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	registryABIJSON = `[
{"inputs":[],"name":"trackedAssets","outputs":[{"internalType":"string[]","name":"","type":"string[]"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"string","name":"assetId","type":"string"}],"name":"contributionRefs","outputs":[{"internalType":"string[]","name":"","type":"string[]"}],"stateMutability":"view","type":"function"}
]`
)

var (
	registryABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		panic("failed to parse asset registry ABI: " + err.Error())
	}
	registryABI = parsed
}

// EthOptions parameterise the RPC-backed ledger client.
type EthOptions struct {
	RPCURL          string
	RegistryAddress string
	Timeout         time.Duration
}

// Eth reads the asset registry contract over JSON-RPC.
type Eth struct {
	opts      EthOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewEth builds a new registry-backed ledger client.
func NewEth(opts EthOptions, logger zerolog.Logger) *Eth {
	return &Eth{opts: opts, logger: logger.With().Str("component", "ledger_eth").Logger()}
}

// TrackedAssets returns the registry's asset ids.
func (e *Eth) TrackedAssets(ctx context.Context) ([]string, error) {
	return e.callStrings(ctx, "trackedAssets")
}

// ContributionRefs returns the content refs recorded for assetID.
func (e *Eth) ContributionRefs(ctx context.Context, assetID string) ([]string, error) {
	return e.callStrings(ctx, "contributionRefs", assetID)
}

// VerifySignature checks a personal signature locally.
func (e *Eth) VerifySignature(payload []byte, signature, author string) (bool, error) {
	return VerifySignature(payload, signature, author)
}

func (e *Eth) callStrings(ctx context.Context, method string, args ...any) ([]string, error) {
	if e.opts.RPCURL == "" {
		return nil, errors.New("ledger rpc url not configured")
	}
	if e.opts.RegistryAddress == "" {
		return nil, errors.New("ledger registry address not configured")
	}

	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := registryABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(e.opts.RegistryAddress)
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}

	outputs, err := registryABI.Unpack(method, res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected " + method + " response")
	}

	values, ok := outputs[0].([]string)
	if !ok {
		return nil, errors.New("failed to decode " + method + " output")
	}
	return values, nil
}

func (e *Eth) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

var (
	_ Client    = (*Eth)(nil)
	_ RefSource = (*Eth)(nil)
)
