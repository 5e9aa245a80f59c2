package sigverify

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	bidDomainName    = "SapienceParlay"
	bidDomainVersion = "1"
)

var approveTypeHash = crypto.Keccak256Hash([]byte(
	"Approve(bytes32 messageHash,address owner)",
))

// bidMessageArgs is the abi.encode layout of the inner message hash:
// (bytes outcome, uint256 makerWager, uint256 takerWager, address resolver,
// address taker, uint256 deadline).
var bidMessageArgs = mustArguments("bytes", "uint256", "uint256", "address", "address", "uint256")

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		ty, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		args[i] = abi.Argument{Type: ty}
	}
	return args
}

// bidDomainSeparator computes the EIP-712 domain separator for the bid
// approval domain on the given chain and verifying contract.
func bidDomainSeparator(chainID *big.Int, verifyingContract common.Address) [32]byte {
	domainTypeHash := crypto.Keccak256Hash([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
	))
	nameHash := crypto.Keccak256Hash([]byte(bidDomainName))
	versionHash := crypto.Keccak256Hash([]byte(bidDomainVersion))

	// ABI-encode: (bytes32, bytes32, bytes32, uint256, address), each element
	// in its own 32-byte slot (addresses right-aligned).
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	copy(encoded[32:64], nameHash[:])
	copy(encoded[64:96], versionHash[:])
	chainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], verifyingContract.Bytes())

	return crypto.Keccak256Hash(encoded)
}

// BidMessageHash builds keccak256(abi.encode(outcome, makerWager, takerWager,
// resolver, taker, deadline)) — the inner hash both sides commit to.
func BidMessageHash(outcome []byte, makerWager, takerWager *big.Int, resolver, taker common.Address, deadline int64) ([32]byte, error) {
	packed, err := bidMessageArgs.Pack(
		outcome,
		makerWager,
		takerWager,
		resolver,
		taker,
		big.NewInt(deadline),
	)
	if err != nil {
		return [32]byte{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// BidDigest builds the final EIP-712 digest of Approve{messageHash, owner}
// under the bid approval domain.
func BidDigest(messageHash [32]byte, owner common.Address, chainID *big.Int, verifyingContract common.Address) [32]byte {
	// structHash = keccak256(typeHash || messageHash || owner-padded)
	encoded := make([]byte, 3*32)
	copy(encoded[0:32], approveTypeHash[:])
	copy(encoded[32:64], messageHash[:])
	copy(encoded[76:96], owner.Bytes())
	structHash := crypto.Keccak256Hash(encoded)

	sep := bidDomainSeparator(chainID, verifyingContract)

	// Final digest: keccak256(0x1901 || domainSeparator || structHash)
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// OutcomeBytes decodes one predicted outcome. Outcomes arrive as 0x-prefixed
// hex blobs from the frontend; anything else is treated as raw bytes.
func OutcomeBytes(outcome string) []byte {
	if strings.HasPrefix(outcome, "0x") {
		if raw, err := hexutil.Decode(outcome); err == nil {
			return raw
		}
	}
	return []byte(outcome)
}
