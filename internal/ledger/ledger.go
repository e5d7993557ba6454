package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrUnsupported is returned when a ledger client lacks an optional capability.
	ErrUnsupported = errors.New("ledger: operation not supported")
)

// Client is the ledger surface the pipeline consumes.
type Client interface {
	TrackedAssets(ctx context.Context) ([]string, error)
	VerifySignature(payload []byte, signature, author string) (bool, error)
}

// RefSource lists the content refs the ledger has recorded for an asset.
type RefSource interface {
	ContributionRefs(ctx context.Context, assetID string) ([]string, error)
}

// ContributionRefs asks client for the asset's refs when it implements RefSource.
func ContributionRefs(ctx context.Context, client Client, assetID string) ([]string, error) {
	src, ok := client.(RefSource)
	if !ok {
		return nil, ErrUnsupported
	}
	return src.ContributionRefs(ctx, assetID)
}

// VerifySignature checks an EIP-191 personal signature over payload against
// author. A malformed signature or author yields an error.
func VerifySignature(payload []byte, signature, author string) (bool, error) {
	if !common.IsHexAddress(author) {
		return false, fmt.Errorf("invalid author address %q", author)
	}
	recovered, err := RecoverAddress(payload, signature)
	if err != nil {
		return false, err
	}
	return recovered == common.HexToAddress(author), nil
}

// RecoverAddress returns the address that produced signature over payload.
func RecoverAddress(payload []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(ensureHexPrefix(strings.TrimSpace(signature)))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", ethcrypto.SignatureLength, len(sig))
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}

	pub, err := ethcrypto.SigToPub(accounts.TextHash(payload), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return "0x" + s[2:]
	}
	return "0x" + s
}
