package relay

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/sapiencexyz/auction-relayer/internal/hub"
	"github.com/sapiencexyz/auction-relayer/internal/metrics"
	"github.com/sapiencexyz/auction-relayer/internal/protocol"
	"github.com/sapiencexyz/auction-relayer/internal/registry"
	"github.com/sapiencexyz/auction-relayer/internal/sigverify"
)

// quoteMaxSkew bounds |now − quote.timestamp| for vault-quote publishes.
const quoteMaxSkew = 5 * time.Minute

// Handlers implement the per-type message contracts. Every handler replies
// only to the originating connection; fanout to other connections goes
// through the hub.
type Handlers struct {
	store    *registry.Store
	hub      *hub.Hub
	verifier *sigverify.Verifier
	obs      metrics.Observer
	log      *zap.Logger

	// strictBids turns a failed maker-bid signature check into a rejection.
	// Off, failures are logged and the bid is accepted anyway.
	strictBids bool
	now        func() time.Time
}

func NewHandlers(store *registry.Store, h *hub.Hub, verifier *sigverify.Verifier, obs metrics.Observer, strictBids bool, log *zap.Logger) *Handlers {
	return &Handlers{
		store:      store,
		hub:        h,
		verifier:   verifier,
		obs:        obs,
		log:        log,
		strictBids: strictBids,
		now:        time.Now,
	}
}

func (h *Handlers) ping(c *Conn, msg *protocol.ClientMessage) {
	c.TrySend(protocol.Marshal(protocol.TypePong, struct{}{}))
}

// ── Auctions ─────────────────────────────────────────────────────────────────

func (h *Handlers) auctionStart(ctx context.Context, c *Conn, msg *protocol.ClientMessage) {
	req := msg.Start

	if req.TakerSignature != "" {
		if !h.verifier.VerifyAuctionStart(ctx, req, c.domain, c.uri) {
			h.obs.Error(protocol.ErrInvalidSignature)
			c.TrySend(protocol.Marshal(protocol.TypeAuctionAck, protocol.AuctionAck{
				AuctionID: "",
				ID:        msg.ID,
				Error:     protocol.ErrInvalidSignature,
			}))
			return
		}
	}

	id := h.store.UpsertAuction(*req)
	h.hub.Subscribe(hub.AuctionChannel(id), c)

	c.TrySend(protocol.Marshal(protocol.TypeAuctionAck, protocol.AuctionAck{
		AuctionID: id,
		ID:        msg.ID,
	}))

	// Every connected client learns about the new auction; this is how
	// makers discover work, independent of any subscription.
	started := protocol.Marshal(protocol.TypeAuctionStarted, protocol.AuctionStarted{
		AuctionRequest: *req,
		AuctionID:      id,
	})
	n := h.hub.BroadcastAll(started)
	h.obs.Broadcast("auction_started", n)

	if bids := h.store.GetBids(id); len(bids) > 0 {
		c.TrySend(protocol.Marshal(protocol.TypeAuctionBids, protocol.AuctionBids{AuctionID: id, Bids: bids}))
	}

	h.log.Info("auction started",
		zap.String("auctionId", id),
		zap.String("taker", req.Taker),
		zap.Int64("chainId", req.ChainID),
		zap.Int("notified", n))
}

func (h *Handlers) auctionSubscribe(c *Conn, msg *protocol.ClientMessage) {
	id := msg.AuctionRef.AuctionID
	if id == "" {
		h.obs.Error(protocol.ErrMissingAuctionID)
		c.TrySend(protocol.Marshal(protocol.TypeAuctionAck, protocol.AuctionAck{
			ID:    msg.ID,
			Error: protocol.ErrMissingAuctionID,
		}))
		return
	}

	h.hub.Subscribe(hub.AuctionChannel(id), c)
	c.TrySend(protocol.Marshal(protocol.TypeAuctionAck, protocol.AuctionAck{
		AuctionID:  id,
		ID:         msg.ID,
		Subscribed: true,
	}))

	// Late joiners get the current book before any further bid broadcast.
	if bids := h.store.GetBids(id); len(bids) > 0 {
		c.TrySend(protocol.Marshal(protocol.TypeAuctionBids, protocol.AuctionBids{AuctionID: id, Bids: bids}))
	}
}

func (h *Handlers) auctionUnsubscribe(c *Conn, msg *protocol.ClientMessage) {
	id := msg.AuctionRef.AuctionID
	if id == "" {
		h.obs.Error(protocol.ErrMissingAuctionID)
		c.TrySend(protocol.Marshal(protocol.TypeAuctionAck, protocol.AuctionAck{
			ID:    msg.ID,
			Error: protocol.ErrMissingAuctionID,
		}))
		return
	}

	h.hub.Unsubscribe(hub.AuctionChannel(id), c)
	c.TrySend(protocol.Marshal(protocol.TypeAuctionAck, protocol.AuctionAck{
		AuctionID:    id,
		ID:           msg.ID,
		Unsubscribed: true,
	}))
}

// ── Bids ─────────────────────────────────────────────────────────────────────

func (h *Handlers) bidSubmit(ctx context.Context, c *Conn, msg *protocol.ClientMessage) {
	bid := msg.Bid

	auction := h.store.GetAuction(bid.AuctionID)
	if auction == nil {
		h.bidReject(c, protocol.ErrAuctionNotFoundOrExpired)
		return
	}
	if kind := h.validateBid(bid); kind != "" {
		h.bidReject(c, kind)
		return
	}

	verifyingContract := common.HexToAddress(auction.Request.Resolver)
	if !h.verifier.VerifyBid(ctx, &auction.Request, bid, auction.Request.ChainID, verifyingContract) {
		if h.strictBids {
			h.bidReject(c, protocol.ErrInvalidSignature)
			return
		}
		// Advisory only: record the failure, keep the bid.
		h.obs.Error(protocol.ErrInvalidSignature)
		h.log.Warn("bid signature did not verify",
			zap.String("auctionId", bid.AuctionID),
			zap.String("maker", bid.Maker))
	}

	// The ack and the bids broadcast run under the auction's order lock, so
	// the submitter's ack precedes the broadcast and every subscriber sees
	// bid lists in acceptance order.
	ok := h.store.AppendBid(bid.AuctionID, *bid, func(snapshot []protocol.Bid) {
		c.TrySend(protocol.Marshal(protocol.TypeBidAck, protocol.BidAck{}))
		frame := protocol.Marshal(protocol.TypeAuctionBids, protocol.AuctionBids{
			AuctionID: bid.AuctionID,
			Bids:      snapshot,
		})
		n := h.hub.Broadcast(hub.AuctionChannel(bid.AuctionID), frame)
		h.obs.Broadcast("auction_bids", n)
	})
	if !ok {
		// The auction expired between the lookup and the append.
		h.bidReject(c, protocol.ErrAuctionNotFoundOrExpired)
	}
}

// validateBid runs the structural checks, returning the rejection kind or
// "" when the bid is well-formed. A deadline equal to now is already expired.
func (h *Handlers) validateBid(bid *protocol.Bid) string {
	if !protocol.ValidAddress(bid.Maker) {
		return protocol.ErrInvalidMaker
	}
	if protocol.ParseWager(bid.MakerWager) == nil {
		return protocol.ErrInvalidMakerWager
	}
	if bid.MakerDeadline <= h.now().Unix() {
		return protocol.ErrQuoteExpired
	}
	if len(bid.MakerSignature) < 10 {
		return protocol.ErrInvalidBidSignatureFormat
	}
	return ""
}

func (h *Handlers) bidReject(c *Conn, kind string) {
	h.obs.Error(kind)
	c.TrySend(protocol.Marshal(protocol.TypeBidAck, protocol.BidAck{Error: kind}))
}

// ── Vault quotes ─────────────────────────────────────────────────────────────

func (h *Handlers) vaultObserve(c *Conn, msg *protocol.ClientMessage) {
	h.hub.Observe(c)
	c.TrySend(protocol.Marshal(protocol.TypeVaultQuoteAck, protocol.VaultQuoteAck{OK: true}))
}

func (h *Handlers) vaultUnobserve(c *Conn, msg *protocol.ClientMessage) {
	h.hub.Unobserve(c)
	c.TrySend(protocol.Marshal(protocol.TypeVaultQuoteAck, protocol.VaultQuoteAck{OK: true}))
}

func (h *Handlers) vaultSubscribe(c *Conn, msg *protocol.ClientMessage) {
	ref := msg.VaultRef
	if ref.ChainID <= 0 || !protocol.ValidAddress(ref.VaultAddress) {
		h.vaultReject(c, protocol.ErrInvalidPayload)
		return
	}

	channel := hub.VaultChannel(ref.ChainID, ref.VaultAddress)
	h.hub.Subscribe(channel, c)
	c.TrySend(protocol.Marshal(protocol.TypeVaultQuoteAck, protocol.VaultQuoteAck{OK: true}))

	if quote, ok := h.store.LatestVaultQuote(protocol.NewVaultKey(ref.ChainID, ref.VaultAddress)); ok {
		c.TrySend(protocol.Marshal(protocol.TypeVaultQuoteUpdate, quote))
	}

	// Observers (typically the quoting services) learn that someone wants
	// prices for this vault.
	requested := protocol.Marshal(protocol.TypeVaultQuoteRequested, protocol.VaultQuoteRequested{
		ChainID:      ref.ChainID,
		VaultAddress: strings.ToLower(ref.VaultAddress),
		Channel:      channel,
	})
	h.hub.BroadcastObservers(requested)
}

func (h *Handlers) vaultUnsubscribe(c *Conn, msg *protocol.ClientMessage) {
	ref := msg.VaultRef
	if ref.ChainID <= 0 || !protocol.ValidAddress(ref.VaultAddress) {
		h.vaultReject(c, protocol.ErrInvalidPayload)
		return
	}
	h.hub.Unsubscribe(hub.VaultChannel(ref.ChainID, ref.VaultAddress), c)
	c.TrySend(protocol.Marshal(protocol.TypeVaultQuoteAck, protocol.VaultQuoteAck{OK: true}))
}

func (h *Handlers) vaultPublish(ctx context.Context, c *Conn, msg *protocol.ClientMessage) {
	quote := msg.VaultQuote

	if quote.ChainID <= 0 ||
		!protocol.ValidAddress(quote.VaultAddress) ||
		!protocol.ValidAddress(quote.SignedBy) ||
		quote.VaultCollateralPerShare == "" ||
		quote.Timestamp <= 0 ||
		quote.Signature == "" {
		h.vaultReject(c, protocol.ErrInvalidPayload)
		return
	}

	skew := h.now().UnixMilli() - quote.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > quoteMaxSkew.Milliseconds() {
		h.vaultReject(c, protocol.ErrStaleTimestamp)
		return
	}

	if !sigverify.VerifyVaultQuote(quote) {
		h.vaultReject(c, protocol.ErrBadSignature)
		return
	}

	signers := h.store.AuthorizedSigners(ctx, quote.ChainID, quote.VaultAddress)
	if !containsSigner(signers, quote.SignedBy) {
		h.vaultReject(c, protocol.ErrUnauthorizedSigner)
		return
	}

	// Normalize addresses so subscribers can compare without casing games.
	stored := *quote
	stored.VaultAddress = strings.ToLower(quote.VaultAddress)
	stored.SignedBy = strings.ToLower(quote.SignedBy)
	h.store.PutVaultQuote(stored)

	c.TrySend(protocol.Marshal(protocol.TypeVaultQuoteAck, protocol.VaultQuoteAck{OK: true}))

	update := protocol.Marshal(protocol.TypeVaultQuoteUpdate, stored)
	n := h.hub.BroadcastWithObservers(hub.VaultChannel(stored.ChainID, stored.VaultAddress), update)
	h.obs.Broadcast("vault_quote_update", n)
}

func (h *Handlers) vaultReject(c *Conn, kind string) {
	h.obs.Error(kind)
	c.TrySend(protocol.Marshal(protocol.TypeVaultQuoteAck, protocol.VaultQuoteAck{Error: kind}))
}

func containsSigner(signers []string, addr string) bool {
	lower := strings.ToLower(addr)
	for _, s := range signers {
		if s == lower {
			return true
		}
	}
	return false
}
