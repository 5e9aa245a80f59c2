// Package chain provides the read-only contract calls the relayer needs:
// deployed-bytecode checks, EIP-1271 signature validation, and vault
// manager lookups. All calls fail closed: an RPC error, a missing client
// for the chain, or a timeout is reported as false/unknown.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Eip1271MagicValue is the bytes4 returned by isValidSignature on success.
var Eip1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

const (
	erc1271ABI = `[{"name":"isValidSignature","type":"function","stateMutability":"view","inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],"outputs":[{"name":"","type":"bytes4"}]}]`
	vaultABI   = `[{"name":"manager","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}]`
)

var (
	erc1271 = mustABI(erc1271ABI)
	vault   = mustABI(vaultABI)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// Reader is the read surface consumed by the signature verifier and the
// registry's authorized-signer cache.
type Reader interface {
	// HasCode reports whether the account has nonempty deployed bytecode.
	HasCode(ctx context.Context, chainID int64, addr common.Address) bool
	// VerifyEIP1271 calls isValidSignature(bytes32,bytes) on addr and
	// reports whether the returned selector equals the magic value.
	VerifyEIP1271(ctx context.Context, chainID int64, addr common.Address, hash [32]byte, sig []byte) bool
	// ReadVaultManager calls manager() on the vault. The second return is
	// false when the manager could not be determined.
	ReadVaultManager(ctx context.Context, chainID int64, vaultAddr common.Address) (common.Address, bool)
}

// caller is the slice of ethclient.Client the Reader needs. Tests inject
// fakes; production wraps lazily-dialed ethclients.
type caller interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client implements Reader over one ethclient per configured chain.
type Client struct {
	mu      sync.Mutex
	rpcURLs map[int64]string
	clients map[int64]caller

	timeout time.Duration
	cache   *Cache // nil disables caching
	log     *zap.Logger
}

func NewClient(rpcURLs map[int64]string, timeout time.Duration, cache *Cache, log *zap.Logger) *Client {
	return &Client{
		rpcURLs: rpcURLs,
		clients: make(map[int64]caller),
		timeout: timeout,
		cache:   cache,
		log:     log,
	}
}

// clientFor returns (dialing lazily) the client for chainID, or nil when the
// chain is not configured or the dial failed.
func (c *Client) clientFor(chainID int64) caller {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[chainID]; ok {
		return cl
	}
	url, ok := c.rpcURLs[chainID]
	if !ok {
		return nil
	}
	eth, err := ethclient.Dial(url)
	if err != nil {
		c.log.Warn("rpc dial failed", zap.Int64("chain_id", chainID), zap.Error(err))
		return nil
	}
	c.clients[chainID] = eth
	return eth
}

func (c *Client) HasCode(ctx context.Context, chainID int64, addr common.Address) bool {
	if c.cache != nil {
		if v, ok := c.cache.GetHasCode(ctx, chainID, addr); ok {
			return v
		}
	}

	cl := c.clientFor(chainID)
	if cl == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	code, err := cl.CodeAt(ctx, addr, nil)
	if err != nil {
		c.log.Debug("CodeAt failed", zap.Int64("chain_id", chainID),
			zap.String("addr", addr.Hex()), zap.Error(err))
		return false
	}

	has := len(code) > 0
	if c.cache != nil {
		c.cache.PutHasCode(ctx, chainID, addr, has)
	}
	return has
}

func (c *Client) VerifyEIP1271(ctx context.Context, chainID int64, addr common.Address, hash [32]byte, sig []byte) bool {
	cl := c.clientFor(chainID)
	if cl == nil {
		return false
	}

	data, err := erc1271.Pack("isValidSignature", hash, sig)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := cl.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		c.log.Debug("isValidSignature call failed", zap.Int64("chain_id", chainID),
			zap.String("addr", addr.Hex()), zap.Error(err))
		return false
	}
	if len(out) < 4 {
		return false
	}
	return [4]byte(out[:4]) == Eip1271MagicValue
}

func (c *Client) ReadVaultManager(ctx context.Context, chainID int64, vaultAddr common.Address) (common.Address, bool) {
	if c.cache != nil {
		if mgr, ok := c.cache.GetManager(ctx, chainID, vaultAddr); ok {
			return mgr, true
		}
	}

	cl := c.clientFor(chainID)
	if cl == nil {
		return common.Address{}, false
	}

	data, err := vault.Pack("manager")
	if err != nil {
		return common.Address{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := cl.CallContract(ctx, ethereum.CallMsg{To: &vaultAddr, Data: data}, nil)
	if err != nil {
		c.log.Debug("manager() call failed", zap.Int64("chain_id", chainID),
			zap.String("vault", vaultAddr.Hex()), zap.Error(err))
		return common.Address{}, false
	}

	var results []any
	if results, err = vault.Unpack("manager", out); err != nil || len(results) != 1 {
		return common.Address{}, false
	}
	mgr, ok := results[0].(common.Address)
	if !ok {
		return common.Address{}, false
	}

	if c.cache != nil {
		c.cache.PutManager(ctx, chainID, vaultAddr, mgr)
	}
	return mgr, true
}
