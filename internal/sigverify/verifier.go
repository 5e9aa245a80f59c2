// Package sigverify decides whether an auction request or a bid carries a
// valid signature for the account it claims. Four signer shapes are
// accepted: plain EOAs, session keys delegated by a smart-account owner,
// counterfactual kernel accounts (signature recovers to the owner EOA whose
// derived account equals the claimed address), and deployed contracts via
// EIP-1271. Only the last shape touches the chain.
//
// All verification entry points return a bare bool and never propagate
// errors: a failure to verify, for whatever reason, is a "no".
package sigverify

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/sapiencexyz/auction-relayer/internal/chain"
	"github.com/sapiencexyz/auction-relayer/internal/derive"
	"github.com/sapiencexyz/auction-relayer/internal/protocol"
)

// result is one strategy's verdict. matched=false means the strategy does
// not apply and the cascade moves on; matched=true ends the cascade with
// the accepted value.
type result struct {
	matched  bool
	accepted bool
}

var noMatch = result{}

type Verifier struct {
	chain chain.Reader
	log   *zap.Logger
	now   func() time.Time
}

func New(chainReader chain.Reader, log *zap.Logger) *Verifier {
	return &Verifier{chain: chainReader, log: log, now: time.Now}
}

// VerifyAuctionStart reports whether req's signature authorizes the claimed
// taker for exactly this request, reconstructed against the connection's
// domain and uri.
func (v *Verifier) VerifyAuctionStart(ctx context.Context, req *protocol.AuctionRequest, domain, uri string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error("panic in auction-start verification", zap.Any("panic", r))
			ok = false
		}
	}()

	if req.TakerSignature == "" || req.TakerSignedAt == "" {
		return false
	}
	if !protocol.ValidAddress(req.Taker) {
		return false
	}

	msg := AuctionStartMessage(req, domain, uri)
	if !messageBindsRequest(msg, req) {
		return false
	}

	sig, err := DecodeSignature(req.TakerSignature)
	if err != nil {
		return false
	}

	strategies := []func() result{
		func() result { return v.startSession(msg, sig, req) },
		func() result { return v.startEOA(msg, sig, req) },
		func() result { return v.startDerivedOwner(msg, sig, req) },
		func() result { return v.startEIP1271(ctx, msg, sig, req) },
	}
	for _, s := range strategies {
		if r := s(); r.matched {
			return r.accepted
		}
	}
	return false
}

// startSession applies when the request carries session metadata: the
// session key must have signed the message directly, the session must not
// be expired, and the owner-authorization proof must bind the key to the
// claimed taker.
func (v *Verifier) startSession(msg string, sig []byte, req *protocol.AuctionRequest) result {
	meta := req.SessionMetadata
	if meta == nil {
		return noMatch
	}

	if sessionExpired(meta.SessionExpiresAt, v.now()) {
		return result{matched: true}
	}
	key, ok := sessionKeyAddress(meta.SessionKeyAddress)
	if !ok {
		return result{matched: true}
	}

	recovered, err := RecoverPersonal([]byte(msg), sig)
	if err != nil || recovered != key {
		return result{matched: true}
	}

	approval := parseApproval(meta.SessionApproval)
	if approval == nil {
		approval = parseApproval(meta.EnableTypedData)
	}
	bound := approvalBinds(approval, req.Taker, req.ChainID, meta.SessionKeyAddress)
	return result{matched: true, accepted: bound}
}

// startEOA matches when the signature recovers to the taker itself.
func (v *Verifier) startEOA(msg string, sig []byte, req *protocol.AuctionRequest) result {
	recovered, err := RecoverPersonal([]byte(msg), sig)
	if err != nil {
		return noMatch
	}
	if !sameAddress(recovered, req.Taker) {
		return noMatch
	}
	return result{matched: true, accepted: true}
}

// startDerivedOwner matches when the recovered signer's counterfactual
// kernel account equals the taker: the owner EOA signed for a smart account
// that may not be deployed yet.
func (v *Verifier) startDerivedOwner(msg string, sig []byte, req *protocol.AuctionRequest) result {
	recovered, err := RecoverPersonal([]byte(msg), sig)
	if err != nil {
		return noMatch
	}
	if !sameAddress(derive.AccountAddress(recovered), req.Taker) {
		return noMatch
	}
	return result{matched: true, accepted: true}
}

// startEIP1271 is the last resort and the only path needing RPC: a deployed
// contract at the taker address decides signature validity itself.
func (v *Verifier) startEIP1271(ctx context.Context, msg string, sig []byte, req *protocol.AuctionRequest) result {
	taker := common.HexToAddress(req.Taker)
	if !v.chain.HasCode(ctx, req.ChainID, taker) {
		return noMatch
	}
	var digest [32]byte
	copy(digest[:], HashPersonal([]byte(msg)))
	accepted := v.chain.VerifyEIP1271(ctx, req.ChainID, taker, digest, sig)
	return result{matched: true, accepted: accepted}
}

// VerifyBid reports whether the bid's EIP-712 signature authorizes the
// claimed maker for this auction's terms. verifyingContract is the resolver
// the parlay settles through.
func (v *Verifier) VerifyBid(ctx context.Context, auction *protocol.AuctionRequest, bid *protocol.Bid, chainID int64, verifyingContract common.Address) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error("panic in bid verification", zap.Any("panic", r))
			ok = false
		}
	}()

	if !protocol.ValidAddress(bid.Maker) || len(auction.PredictedOutcomes) == 0 {
		return false
	}
	makerWager := protocol.ParseWager(bid.MakerWager)
	takerWager := protocol.ParseWager(auction.Wager)
	if makerWager == nil || takerWager == nil {
		return false
	}
	sig, err := DecodeSignature(bid.MakerSignature)
	if err != nil {
		return false
	}

	messageHash, err := BidMessageHash(
		OutcomeBytes(auction.PredictedOutcomes[0]),
		makerWager,
		takerWager,
		common.HexToAddress(auction.Resolver),
		common.HexToAddress(auction.Taker),
		bid.MakerDeadline,
	)
	if err != nil {
		return false
	}
	digest := BidDigest(messageHash, common.HexToAddress(bid.Maker), big.NewInt(chainID), verifyingContract)

	strategies := []func() result{
		func() result { return v.bidSession(digest, sig, bid, chainID) },
		func() result { return v.bidDirect(digest, sig, bid) },
		func() result { return v.bidDerivedOwner(digest, sig, bid) },
	}
	for _, s := range strategies {
		if r := s(); r.matched {
			return r.accepted
		}
	}
	return false
}

// bidSession applies when the bid carries a session approval: the typed-data
// signature must recover to the approval's session key, and the approval
// must bind that key to the maker.
func (v *Verifier) bidSession(digest [32]byte, sig []byte, bid *protocol.Bid, chainID int64) result {
	if len(bid.SessionApproval) == 0 {
		return noMatch
	}

	approval := parseApproval(bid.SessionApproval)
	if approval == nil {
		approval = parseApproval(bid.SessionTypedData)
	}
	if approval == nil || approval.SessionKey == "" {
		return result{matched: true}
	}
	key, ok := sessionKeyAddress(approval.SessionKey)
	if !ok {
		return result{matched: true}
	}

	recovered, err := recoverDigest(digest[:], sig)
	if err != nil || recovered != key {
		return result{matched: true}
	}

	bound := approvalBinds(approval, bid.Maker, chainID, approval.SessionKey)
	return result{matched: true, accepted: bound}
}

// bidDirect matches when the typed-data signature recovers to the maker.
func (v *Verifier) bidDirect(digest [32]byte, sig []byte, bid *protocol.Bid) result {
	recovered, err := recoverDigest(digest[:], sig)
	if err != nil {
		return noMatch
	}
	if !sameAddress(recovered, bid.Maker) {
		return noMatch
	}
	return result{matched: true, accepted: true}
}

// bidDerivedOwner matches when the recovered signer's derived kernel
// account equals the maker.
func (v *Verifier) bidDerivedOwner(digest [32]byte, sig []byte, bid *protocol.Bid) result {
	recovered, err := recoverDigest(digest[:], sig)
	if err != nil {
		return noMatch
	}
	if !sameAddress(derive.AccountAddress(recovered), bid.Maker) {
		return noMatch
	}
	return result{matched: true, accepted: true}
}
