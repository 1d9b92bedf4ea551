package security

import (
	"fmt"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// SignTypedData produces a wallet-style EIP-712 signature (V in {27, 28})
func SignTypedData(signer Signer, typedData apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}

	sig, err := signer.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}
