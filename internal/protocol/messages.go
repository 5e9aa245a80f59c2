package protocol

import (
	"encoding/json"
	"errors"
)

// MaxFrameBytes is the largest inbound frame the router accepts.
const MaxFrameBytes = 64_000

// Client → server message types.
const (
	TypeAuctionStart          = "auction.start"
	TypeAuctionSubscribe      = "auction.subscribe"
	TypeAuctionUnsubscribe    = "auction.unsubscribe"
	TypeBidSubmit             = "bid.submit"
	TypeVaultQuoteObserve     = "vault_quote.observe"
	TypeVaultQuoteUnobserve   = "vault_quote.unobserve"
	TypeVaultQuoteSubscribe   = "vault_quote.subscribe"
	TypeVaultQuoteUnsubscribe = "vault_quote.unsubscribe"
	TypeVaultQuotePublish     = "vault_quote.publish"
	TypeVaultQuoteSubmit      = "vault_quote.submit" // alias of publish
	TypePing                  = "ping"
)

// Server → client message types.
const (
	TypeAuctionAck          = "auction.ack"
	TypeAuctionStarted      = "auction.started"
	TypeAuctionBids         = "auction.bids"
	TypeBidAck              = "bid.ack"
	TypeVaultQuoteAck       = "vault_quote.ack"
	TypeVaultQuoteUpdate    = "vault_quote.update"
	TypeVaultQuoteRequested = "vault_quote.requested"
	TypePong                = "pong"
)

// Error strings surfaced verbatim in ack payloads.
const (
	ErrInvalidSignature          = "invalid_signature"
	ErrSignatureVerification     = "signature_verification_failed"
	ErrMissingAuctionID          = "missing_auction_id"
	ErrAuctionNotFoundOrExpired  = "auction_not_found_or_expired"
	ErrQuoteExpired              = "quote_expired"
	ErrInvalidMaker              = "invalid_maker"
	ErrInvalidMakerWager         = "invalid_maker_wager"
	ErrInvalidBidSignatureFormat = "invalid_maker_bid_signature_format"
	ErrInvalidPayload            = "invalid_payload"
	ErrStaleTimestamp            = "stale_timestamp"
	ErrBadSignature              = "bad_signature"
	ErrUnauthorizedSigner        = "unauthorized_signer"
	ErrInternal                  = "internal_error"
)

// Close reasons for policy-level 1008 closes.
const (
	CloseRateLimited       = "rate_limited"
	CloseOriginNotAllowed  = "origin_not_allowed"
	CloseConnLimitExceeded = "connection_limit_exceeded"
	CloseIdleTimeout       = "idle_timeout"
	CloseMessageTooLarge   = "message_too_large"
)

// Envelope is the outer shape of every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// ClientMessage is the decoded tagged variant of one inbound frame. Exactly
// one payload pointer is set, matching Type; unknown types decode to a
// variant with Unknown=true rather than an error so the router can count
// and drop them uniformly.
type ClientMessage struct {
	Type    string
	ID      string
	Unknown bool

	Start      *AuctionRequest
	AuctionRef *AuctionRef // subscribe / unsubscribe
	Bid        *Bid
	VaultRef   *VaultRef // vault subscribe / unsubscribe
	VaultQuote *VaultQuote
}

// AuctionRef is the payload of auction.subscribe / auction.unsubscribe.
type AuctionRef struct {
	AuctionID string `json:"auctionId"`
}

// VaultRef is the payload of vault_quote.subscribe / vault_quote.unsubscribe.
type VaultRef struct {
	ChainID      int64  `json:"chainId"`
	VaultAddress string `json:"vaultAddress"`
}

var errNotObject = errors.New("frame is not a JSON object with string type")

// ParseClientMessage decodes one frame. A JSON-level failure (bad syntax,
// missing/non-string type, payload shape mismatch) returns an error; a
// syntactically valid frame with an unrecognized type returns Unknown=true.
func ParseClientMessage(frame []byte) (*ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errNotObject
	}

	msg := &ClientMessage{Type: env.Type, ID: env.ID}
	payload := env.Payload
	if payload == nil {
		payload = []byte("{}")
	}

	switch env.Type {
	case TypeAuctionStart:
		msg.Start = &AuctionRequest{}
		return msg, json.Unmarshal(payload, msg.Start)
	case TypeAuctionSubscribe, TypeAuctionUnsubscribe:
		msg.AuctionRef = &AuctionRef{}
		return msg, json.Unmarshal(payload, msg.AuctionRef)
	case TypeBidSubmit:
		msg.Bid = &Bid{}
		return msg, json.Unmarshal(payload, msg.Bid)
	case TypeVaultQuoteSubscribe, TypeVaultQuoteUnsubscribe:
		msg.VaultRef = &VaultRef{}
		return msg, json.Unmarshal(payload, msg.VaultRef)
	case TypeVaultQuotePublish, TypeVaultQuoteSubmit:
		msg.VaultQuote = &VaultQuote{}
		return msg, json.Unmarshal(payload, msg.VaultQuote)
	case TypeVaultQuoteObserve, TypeVaultQuoteUnobserve, TypePing:
		return msg, nil
	default:
		msg.Unknown = true
		return msg, nil
	}
}

// ── Server payloads ──────────────────────────────────────────────────────────

type AuctionAck struct {
	AuctionID    string `json:"auctionId,omitempty"`
	ID           string `json:"id,omitempty"`
	Error        string `json:"error,omitempty"`
	Subscribed   bool   `json:"subscribed,omitempty"`
	Unsubscribed bool   `json:"unsubscribed,omitempty"`
}

// AuctionStarted is the broadcast sent to every connection when an auction
// opens: the request payload plus the assigned id.
type AuctionStarted struct {
	AuctionRequest
	AuctionID string `json:"auctionId"`
}

type AuctionBids struct {
	AuctionID string `json:"auctionId"`
	Bids      []Bid  `json:"bids"`
}

type BidAck struct {
	Error string `json:"error,omitempty"`
}

type VaultQuoteAck struct {
	OK    bool   `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

type VaultQuoteRequested struct {
	ChainID      int64  `json:"chainId"`
	VaultAddress string `json:"vaultAddress"`
	Channel      string `json:"channel"`
}

// Marshal wraps a payload in an envelope and serializes it. Payloads here
// are always marshalable; an error is a programming bug, surfaced as nil.
func Marshal(msgType string, payload any) []byte {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	out, err := json.Marshal(Envelope{Type: msgType, Payload: raw})
	if err != nil {
		return nil
	}
	return out
}
