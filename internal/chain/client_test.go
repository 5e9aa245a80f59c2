package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type fakeCaller struct {
	code     []byte
	codeErr  error
	ret      []byte
	retErr   error
	numCalls int
}

func (f *fakeCaller) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	f.numCalls++
	return f.code, f.codeErr
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.numCalls++
	return f.ret, f.retErr
}

func newTestClient(t *testing.T, chainID int64, f *fakeCaller, cache *Cache) *Client {
	t.Helper()
	c := NewClient(map[int64]string{}, 2*time.Second, cache, zap.NewNop())
	c.clients[chainID] = f
	return c
}

var testAddr = common.HexToAddress("0x1234567890123456789012345678901234567890")

func TestHasCode(t *testing.T) {
	ctx := context.Background()

	c := newTestClient(t, 42161, &fakeCaller{code: []byte{0x60, 0x80}}, nil)
	if !c.HasCode(ctx, 42161, testAddr) {
		t.Error("expected code present")
	}

	c = newTestClient(t, 42161, &fakeCaller{code: nil}, nil)
	if c.HasCode(ctx, 42161, testAddr) {
		t.Error("expected no code for empty bytecode")
	}
}

func TestHasCode_FailsClosed(t *testing.T) {
	ctx := context.Background()

	// RPC error → false
	c := newTestClient(t, 42161, &fakeCaller{codeErr: errors.New("rpc down")}, nil)
	if c.HasCode(ctx, 42161, testAddr) {
		t.Error("RPC error must report no code")
	}

	// Unconfigured chain → false
	c = NewClient(map[int64]string{}, time.Second, nil, zap.NewNop())
	if c.HasCode(ctx, 999, testAddr) {
		t.Error("unconfigured chain must report no code")
	}
}

func TestVerifyEIP1271_MagicValue(t *testing.T) {
	ctx := context.Background()
	hash := [32]byte{0xaa}
	sig := []byte{0x01, 0x02}

	ret := make([]byte, 32)
	copy(ret, Eip1271MagicValue[:])
	c := newTestClient(t, 1, &fakeCaller{ret: ret}, nil)
	if !c.VerifyEIP1271(ctx, 1, testAddr, hash, sig) {
		t.Error("magic value must verify")
	}

	// Any other selector fails
	c = newTestClient(t, 1, &fakeCaller{ret: make([]byte, 32)}, nil)
	if c.VerifyEIP1271(ctx, 1, testAddr, hash, sig) {
		t.Error("zero selector must not verify")
	}

	// Short return fails
	c = newTestClient(t, 1, &fakeCaller{ret: []byte{0x16}}, nil)
	if c.VerifyEIP1271(ctx, 1, testAddr, hash, sig) {
		t.Error("short return must not verify")
	}

	// Revert fails closed
	c = newTestClient(t, 1, &fakeCaller{retErr: errors.New("execution reverted")}, nil)
	if c.VerifyEIP1271(ctx, 1, testAddr, hash, sig) {
		t.Error("revert must not verify")
	}
}

func TestReadVaultManager(t *testing.T) {
	ctx := context.Background()
	mgr := common.HexToAddress("0xAbCd000000000000000000000000000000001234")

	ret := make([]byte, 32)
	copy(ret[12:], mgr.Bytes())
	c := newTestClient(t, 8453, &fakeCaller{ret: ret}, nil)

	got, ok := c.ReadVaultManager(ctx, 8453, testAddr)
	if !ok {
		t.Fatal("expected manager")
	}
	if got != mgr {
		t.Errorf("manager: got %s want %s", got.Hex(), mgr.Hex())
	}

	c = newTestClient(t, 8453, &fakeCaller{retErr: errors.New("boom")}, nil)
	if _, ok := c.ReadVaultManager(ctx, 8453, testAddr); ok {
		t.Error("RPC error must report unknown manager")
	}
}

// ── Redis cache ──────────────────────────────────────────────────────────────

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestCache_HasCodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	if _, ok := cache.GetHasCode(ctx, 1, testAddr); ok {
		t.Fatal("expected miss on empty cache")
	}
	cache.PutHasCode(ctx, 1, testAddr, true)
	v, ok := cache.GetHasCode(ctx, 1, testAddr)
	if !ok || !v {
		t.Errorf("got (%v,%v), want (true,true)", v, ok)
	}
}

func TestCache_ShortCircuitsRPC(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	f := &fakeCaller{code: []byte{0x01}}
	c := newTestClient(t, 1, f, cache)

	c.HasCode(ctx, 1, testAddr)
	c.HasCode(ctx, 1, testAddr)
	if f.numCalls != 1 {
		t.Errorf("expected 1 RPC call, got %d", f.numCalls)
	}
}

func TestCache_ManagerRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)
	mgr := common.HexToAddress("0x9999999999999999999999999999999999999999")

	cache.PutManager(ctx, 10, testAddr, mgr)
	got, ok := cache.GetManager(ctx, 10, testAddr)
	if !ok || got != mgr {
		t.Errorf("got (%s,%v), want (%s,true)", got.Hex(), ok, mgr.Hex())
	}
}
