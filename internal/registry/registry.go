// Package registry holds the relayer's process-local state: open auctions
// with their ordered bid lists, the latest vault quote per vault, and the
// authorized-signer cache. Everything here is ephemeral; a restart
// forgets all auctions, which is the intended durability level.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sapiencexyz/auction-relayer/internal/chain"
	"github.com/sapiencexyz/auction-relayer/internal/protocol"
)

const (
	signerCacheTTL = 60 * time.Second
	sweepInterval  = 30 * time.Second
)

// Auction is a registered request plus its identity.
type Auction struct {
	ID        string
	Request   protocol.AuctionRequest
	CreatedAt time.Time
}

type auctionEntry struct {
	auction Auction

	// seq orders bid appends and their fanout: the handler holds it across
	// append+broadcast so every subscriber observes bids in insert order.
	seq         sync.Mutex
	bids        []protocol.Bid
	maxDeadline int64
}

type signerEntry struct {
	signers   []string // lowercased
	fetchedAt time.Time
}

// Store is safe for concurrent use. The store mutex guards the maps; each
// auction's bid list is guarded by its own seq mutex.
type Store struct {
	mu       sync.Mutex
	auctions map[string]*auctionEntry
	quotes   map[protocol.VaultKey]protocol.VaultQuote
	signers  map[protocol.VaultKey]*signerEntry

	chain  chain.Reader
	maxAge time.Duration
	log    *zap.Logger

	lastSweep time.Time
	now       func() time.Time
}

func NewStore(chainReader chain.Reader, maxAuctionAge time.Duration, log *zap.Logger) *Store {
	return &Store{
		auctions: make(map[string]*auctionEntry),
		quotes:   make(map[protocol.VaultKey]protocol.VaultQuote),
		signers:  make(map[protocol.VaultKey]*signerEntry),
		chain:    chainReader,
		maxAge:   maxAuctionAge,
		log:      log,
		now:      time.Now,
	}
}

// UpsertAuction registers the request under a fresh UUIDv4. Auctions are
// never mutated after creation.
func (s *Store) UpsertAuction(req protocol.AuctionRequest) string {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	s.auctions[id] = &auctionEntry{
		auction: Auction{ID: id, Request: req, CreatedAt: s.now()},
	}
	return id
}

// GetAuction returns a copy of the auction, or nil when unknown or expired.
func (s *Store) GetAuction(id string) *Auction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	entry, ok := s.auctions[id]
	if !ok || s.expiredLocked(entry) {
		return nil
	}
	a := entry.auction
	return &a
}

// AppendBid appends the bid to the auction's list and, while still holding
// the auction's order lock, invokes fn with a stable snapshot of all bids.
// fn is where the caller fans the snapshot out; running it under the lock
// is what makes broadcast order equal insert order for every subscriber.
// Returns false when the auction does not exist or is expired.
func (s *Store) AppendBid(auctionID string, bid protocol.Bid, fn func(snapshot []protocol.Bid)) bool {
	s.mu.Lock()
	s.sweepLocked()
	entry, ok := s.auctions[auctionID]
	if !ok || s.expiredLocked(entry) {
		s.mu.Unlock()
		return false
	}
	// maxDeadline is read by the sweeper under the store lock, so it is
	// updated here rather than under the order lock.
	if bid.MakerDeadline > entry.maxDeadline {
		entry.maxDeadline = bid.MakerDeadline
	}
	s.mu.Unlock()

	entry.seq.Lock()
	defer entry.seq.Unlock()

	entry.bids = append(entry.bids, bid)
	if fn != nil {
		fn(snapshot(entry.bids))
	}
	return true
}

// GetBids returns a snapshot of the auction's bids in insertion order.
// Later appends are not visible through the returned slice.
func (s *Store) GetBids(auctionID string) []protocol.Bid {
	s.mu.Lock()
	entry, ok := s.auctions[auctionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	entry.seq.Lock()
	defer entry.seq.Unlock()
	return snapshot(entry.bids)
}

func snapshot(bids []protocol.Bid) []protocol.Bid {
	out := make([]protocol.Bid, len(bids))
	copy(out, bids)
	return out
}

// ── Vault quotes ─────────────────────────────────────────────────────────────

// PutVaultQuote retains the quote as the latest for its vault.
func (s *Store) PutVaultQuote(q protocol.VaultQuote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.Key()] = q
}

// LatestVaultQuote returns the most recent quote for the vault, if any.
func (s *Store) LatestVaultQuote(key protocol.VaultKey) (protocol.VaultQuote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[key]
	return q, ok
}

// ── Authorized signers ───────────────────────────────────────────────────────

// AuthorizedSigners returns the lowercased addresses allowed to publish
// quotes for the vault. The set is the vault's manager(), cached for 60
// seconds; when the chain read fails a stale entry keeps serving and an
// empty result authorizes nobody.
func (s *Store) AuthorizedSigners(ctx context.Context, chainID int64, vaultAddress string) []string {
	key := protocol.NewVaultKey(chainID, vaultAddress)

	s.mu.Lock()
	entry, ok := s.signers[key]
	if ok && s.now().Sub(entry.fetchedAt) < signerCacheTTL {
		signers := entry.signers
		s.mu.Unlock()
		return signers
	}
	s.mu.Unlock()

	mgr, found := s.chain.ReadVaultManager(ctx, chainID, common.HexToAddress(vaultAddress))

	s.mu.Lock()
	defer s.mu.Unlock()
	if !found {
		if entry != nil {
			// Keep serving the stale set rather than locking publishers out
			// on a transient RPC failure.
			return entry.signers
		}
		return nil
	}
	fresh := &signerEntry{
		signers:   []string{strings.ToLower(mgr.Hex())},
		fetchedAt: s.now(),
	}
	s.signers[key] = fresh
	return fresh.signers
}

// ── Expiry ───────────────────────────────────────────────────────────────────

// expiredLocked: an auction lives until the later of its creation TTL and
// its last bid deadline.
func (s *Store) expiredLocked(entry *auctionEntry) bool {
	now := s.now()
	if now.Before(entry.auction.CreatedAt.Add(s.maxAge)) {
		return false
	}
	return entry.maxDeadline < now.Unix()
}

// sweepLocked drops expired auctions, at most once per sweepInterval.
func (s *Store) sweepLocked() {
	now := s.now()
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now

	dropped := 0
	for id, entry := range s.auctions {
		if s.expiredLocked(entry) {
			delete(s.auctions, id)
			dropped++
		}
	}
	if dropped > 0 {
		s.log.Debug("swept expired auctions", zap.Int("dropped", dropped))
	}
}
