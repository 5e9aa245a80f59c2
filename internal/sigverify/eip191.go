package sigverify

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HashPersonal constructs the EIP-191 prefixed hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashPersonal(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// RecoverPersonal extracts the signer address from an EIP-191 signature.
// sig must be 65 bytes (R || S || V), with V in {0,1} or {27,28}.
func RecoverPersonal(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	return recoverDigest(HashPersonal(msg), sig)
}

// recoverDigest runs ecrecover on a 32-byte digest, normalizing V first
// (Ethereum uses 27/28, ecrecover expects 0/1).
func recoverDigest(digest []byte, sig []byte) (common.Address, error) {
	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	pub, err := crypto.SigToPub(digest, sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// DecodeSignature parses a 0x-prefixed (or bare) hex signature and requires
// the canonical 65-byte length.
func DecodeSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signature hex: %w", err)
	}
	if len(raw) != 65 {
		return nil, errors.New("invalid signature length")
	}
	return raw, nil
}

// sameAddress compares two addresses given as hex strings, case-insensitive.
func sameAddress(a common.Address, hexAddr string) bool {
	return common.IsHexAddress(hexAddr) && a == common.HexToAddress(hexAddr)
}
