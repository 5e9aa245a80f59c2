package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/sapiencexyz/auction-relayer/internal/metrics"
	"github.com/sapiencexyz/auction-relayer/internal/protocol"
)

// Router decodes one inbound frame and dispatches it. Malformed JSON and
// unknown types are counted and dropped without a reply; handler panics are
// caught and answered with a best-effort internal_error ack. Neither closes
// the socket.
type Router struct {
	handlers *Handlers
	obs      metrics.Observer
	log      *zap.Logger
}

func NewRouter(handlers *Handlers, obs metrics.Observer, log *zap.Logger) *Router {
	return &Router{handlers: handlers, obs: obs, log: log}
}

// Route processes one frame. Returns false when the frame is oversized and
// the connection must be closed (1009); every other failure keeps the socket
// open.
func (r *Router) Route(ctx context.Context, c *Conn, frame []byte) bool {
	if len(frame) > protocol.MaxFrameBytes {
		r.obs.Error("message_too_large")
		return false
	}

	msg, err := protocol.ParseClientMessage(frame)
	if err != nil {
		r.obs.Error("malformed_json")
		r.log.Debug("dropped malformed frame", zap.String("remote", c.remoteAddr), zap.Error(err))
		return true
	}
	if msg.Unknown {
		r.obs.Error("unknown_type")
		r.log.Debug("dropped unknown message type", zap.String("remote", c.remoteAddr), zap.String("type", msg.Type))
		return true
	}

	r.obs.Message(msg.Type)
	r.dispatch(ctx, c, msg)
	return true
}

func (r *Router) dispatch(ctx context.Context, c *Conn, msg *protocol.ClientMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			r.obs.Error(protocol.ErrInternal)
			r.log.Error("handler panic",
				zap.String("type", msg.Type),
				zap.String("remote", c.remoteAddr),
				zap.Any("panic", rec))
			r.internalErrorAck(c, msg)
		}
	}()

	h := r.handlers
	switch msg.Type {
	case protocol.TypePing:
		h.ping(c, msg)
	case protocol.TypeAuctionStart:
		h.auctionStart(ctx, c, msg)
	case protocol.TypeAuctionSubscribe:
		h.auctionSubscribe(c, msg)
	case protocol.TypeAuctionUnsubscribe:
		h.auctionUnsubscribe(c, msg)
	case protocol.TypeBidSubmit:
		h.bidSubmit(ctx, c, msg)
	case protocol.TypeVaultQuoteObserve:
		h.vaultObserve(c, msg)
	case protocol.TypeVaultQuoteUnobserve:
		h.vaultUnobserve(c, msg)
	case protocol.TypeVaultQuoteSubscribe:
		h.vaultSubscribe(c, msg)
	case protocol.TypeVaultQuoteUnsubscribe:
		h.vaultUnsubscribe(c, msg)
	case protocol.TypeVaultQuotePublish, protocol.TypeVaultQuoteSubmit:
		h.vaultPublish(ctx, c, msg)
	}
}

// internalErrorAck picks the ack shape matching the failed message family.
func (r *Router) internalErrorAck(c *Conn, msg *protocol.ClientMessage) {
	switch msg.Type {
	case protocol.TypeBidSubmit:
		c.TrySend(protocol.Marshal(protocol.TypeBidAck, protocol.BidAck{Error: protocol.ErrInternal}))
	case protocol.TypeVaultQuoteObserve, protocol.TypeVaultQuoteUnobserve,
		protocol.TypeVaultQuoteSubscribe, protocol.TypeVaultQuoteUnsubscribe,
		protocol.TypeVaultQuotePublish, protocol.TypeVaultQuoteSubmit:
		c.TrySend(protocol.Marshal(protocol.TypeVaultQuoteAck, protocol.VaultQuoteAck{Error: protocol.ErrInternal}))
	case protocol.TypePing:
		// No ack shape; the client retries.
	default:
		c.TrySend(protocol.Marshal(protocol.TypeAuctionAck, protocol.AuctionAck{ID: msg.ID, Error: protocol.ErrInternal}))
	}
}
