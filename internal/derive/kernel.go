// Package derive computes the deterministic smart-account address for an
// owner EOA under the fixed account scheme the frontend deploys: a kernel
// v3.1 ERC-1967 proxy created through the kernel factory with the ECDSA
// validator as root validator, entrypoint v0.7, account index 0.
//
// Derivation is pure keccak arithmetic (CREATE2); no RPC. The account does
// not need to be deployed for the address to be known, which is what lets
// the verifier accept counterfactual smart-account takers and makers.
package derive

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// Kernel v3.1 deployment constants (entrypoint v0.7). Identical on every
	// chain the factory is deployed to, so derivation is chain independent.
	kernelFactory        = common.HexToAddress("0xaac5D4240AF87249B3f71BC8E4A2cae074A3E419")
	kernelImplementation = common.HexToAddress("0xBAC849bB641841b44E965fB01A4Bf5F074f84b4D")
	ecdsaValidator       = common.HexToAddress("0x845ADb2C711129d4f3966735eD98a9F09fC4cE57")

	// Creation code of the ERC-1967 proxy the factory deploys, without the
	// appended constructor argument (the implementation address).
	kernelProxyCreationCode = hexutil.MustDecode(
		"0x603d3d8160223d3973" + // deploy prelude
			"5c60da1b00000000000000000000000000000000000000000000000000000000" +
			"60095155f3363d3d373d3d363d7f360894a13ba1a3210667c828492db98dca3e" +
			"2076cc3735a920a3ca505d382bbc545af43d6000803e6038573d6000fd5b3d6000f3")
)

// accountIndex is fixed at 0: the scheme derives one account per owner.
var accountIndex = make([]byte, 32)

// cache maps lowercased owner hex → derived address. Entries are immutable,
// so a plain sync.Map is safe for concurrent readers.
var cache sync.Map

// AccountAddress returns the counterfactual kernel account address for owner.
func AccountAddress(owner common.Address) common.Address {
	key := strings.ToLower(owner.Hex())
	if v, ok := cache.Load(key); ok {
		return v.(common.Address)
	}

	derived := derive(owner)
	cache.Store(key, derived)
	return derived
}

func derive(owner common.Address) common.Address {
	// salt = keccak256(validator ‖ owner ‖ index)
	salt := crypto.Keccak256(ecdsaValidator.Bytes(), owner.Bytes(), accountIndex)

	// initCodeHash = keccak256(proxyCreationCode ‖ abi.encode(implementation))
	implArg := make([]byte, 32)
	copy(implArg[12:], kernelImplementation.Bytes())
	initCodeHash := crypto.Keccak256(kernelProxyCreationCode, implArg)

	return crypto.CreateAddress2(kernelFactory, [32]byte(salt), initCodeHash)
}
