package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const (
	hasCodeTTL = 10 * time.Minute
	managerTTL = 60 * time.Second
)

// Cache is an optional redis-backed read-through cache for idempotent chain
// reads. Only positive-or-negative facts that age well are cached: bytecode
// presence and vault managers. Signature checks are never cached.
//
// Cache errors are ignored: a miss degrades to an RPC call, nothing worse.
type Cache struct {
	rdb *redis.Client
}

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func hasCodeKey(chainID int64, addr common.Address) string {
	return fmt.Sprintf("chain:code:%d:%s", chainID, addr.Hex())
}

func managerKey(chainID int64, vaultAddr common.Address) string {
	return fmt.Sprintf("chain:manager:%d:%s", chainID, vaultAddr.Hex())
}

func (c *Cache) GetHasCode(ctx context.Context, chainID int64, addr common.Address) (bool, bool) {
	v, err := c.rdb.Get(ctx, hasCodeKey(chainID, addr)).Result()
	if err != nil {
		return false, false
	}
	return v == "1", true
}

func (c *Cache) PutHasCode(ctx context.Context, chainID int64, addr common.Address, has bool) {
	v := "0"
	if has {
		v = "1"
	}
	c.rdb.Set(ctx, hasCodeKey(chainID, addr), v, hasCodeTTL)
}

func (c *Cache) GetManager(ctx context.Context, chainID int64, vaultAddr common.Address) (common.Address, bool) {
	v, err := c.rdb.Get(ctx, managerKey(chainID, vaultAddr)).Result()
	if err != nil || !common.IsHexAddress(v) {
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func (c *Cache) PutManager(ctx context.Context, chainID int64, vaultAddr, mgr common.Address) {
	c.rdb.Set(ctx, managerKey(chainID, vaultAddr), mgr.Hex(), managerTTL)
}
