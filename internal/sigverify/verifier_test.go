package sigverify

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/sapiencexyz/auction-relayer/internal/derive"
	"github.com/sapiencexyz/auction-relayer/internal/protocol"
)

// fakeChain stubs the chain.Reader surface; the default rejects everything,
// mirroring the fail-closed production behavior.
type fakeChain struct {
	hasCode bool
	valid   bool
}

func (f *fakeChain) HasCode(ctx context.Context, chainID int64, addr common.Address) bool {
	return f.hasCode
}

func (f *fakeChain) VerifyEIP1271(ctx context.Context, chainID int64, addr common.Address, hash [32]byte, sig []byte) bool {
	return f.valid
}

func (f *fakeChain) ReadVaultManager(ctx context.Context, chainID int64, vaultAddr common.Address) (common.Address, bool) {
	return common.Address{}, false
}

const (
	testDomain = "app.sapience.xyz"
	testURI    = "https://app.sapience.xyz"
)

func newTestVerifier(t *testing.T, ch *fakeChain) *Verifier {
	t.Helper()
	if ch == nil {
		ch = &fakeChain{}
	}
	return New(ch, zap.NewNop())
}

func genKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func baseRequest(taker common.Address) *protocol.AuctionRequest {
	return &protocol.AuctionRequest{
		Wager:             "1000000000000000000",
		PredictedOutcomes: []string{"0xdeadbeef"},
		Resolver:          "0x1234567890123456789012345678901234567890",
		Taker:             taker.Hex(),
		TakerNonce:        1,
		ChainID:           42161,
		TakerSignedAt:     "2026-08-24T12:00:00Z",
	}
}

// signStart signs the reconstructed auction-start message with key.
func signStart(t *testing.T, req *protocol.AuctionRequest, key *ecdsa.PrivateKey) {
	t.Helper()
	msg := AuctionStartMessage(req, testDomain, testURI)
	sig, err := crypto.Sign(HashPersonal([]byte(msg)), key)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27
	req.TakerSignature = "0x" + hex.EncodeToString(sig)
}

// ── auction.start ────────────────────────────────────────────────────────────

func TestVerifyAuctionStart_EOA(t *testing.T) {
	key, taker := genKey(t)
	req := baseRequest(taker)
	signStart(t, req, key)

	v := newTestVerifier(t, nil)
	if !v.VerifyAuctionStart(context.Background(), req, testDomain, testURI) {
		t.Fatal("valid EOA signature rejected")
	}
}

func TestVerifyAuctionStart_MissingSignatureFields(t *testing.T) {
	key, taker := genKey(t)
	v := newTestVerifier(t, nil)

	req := baseRequest(taker)
	signStart(t, req, key)
	req.TakerSignature = ""
	if v.VerifyAuctionStart(context.Background(), req, testDomain, testURI) {
		t.Error("missing signature accepted")
	}

	req = baseRequest(taker)
	signStart(t, req, key)
	req.TakerSignedAt = ""
	if v.VerifyAuctionStart(context.Background(), req, testDomain, testURI) {
		t.Error("missing signedAt accepted")
	}
}

func TestVerifyAuctionStart_Tampering(t *testing.T) {
	v := newTestVerifier(t, nil)

	tamper := map[string]func(*protocol.AuctionRequest){
		"wager":    func(r *protocol.AuctionRequest) { r.Wager = "2000000000000000000" },
		"nonce":    func(r *protocol.AuctionRequest) { r.TakerNonce = 2 },
		"chain id": func(r *protocol.AuctionRequest) { r.ChainID = 1 },
		"outcome":  func(r *protocol.AuctionRequest) { r.PredictedOutcomes = []string{"0xfeedface"} },
		"resolver": func(r *protocol.AuctionRequest) { r.Resolver = "0x9999999999999999999999999999999999999999" },
	}
	for name, mutate := range tamper {
		key, taker := genKey(t)
		req := baseRequest(taker)
		signStart(t, req, key)
		mutate(req)
		if v.VerifyAuctionStart(context.Background(), req, testDomain, testURI) {
			t.Errorf("tampered %s accepted", name)
		}
	}
}

func TestVerifyAuctionStart_WrongSigner(t *testing.T) {
	other, _ := genKey(t)
	_, taker := genKey(t)
	req := baseRequest(taker)
	signStart(t, req, other)

	v := newTestVerifier(t, nil)
	if v.VerifyAuctionStart(context.Background(), req, testDomain, testURI) {
		t.Fatal("signature from unrelated key accepted")
	}
}

func TestVerifyAuctionStart_DerivedOwner(t *testing.T) {
	ownerKey, owner := genKey(t)
	account := derive.AccountAddress(owner)

	req := baseRequest(account)
	signStart(t, req, ownerKey)

	v := newTestVerifier(t, nil)
	if !v.VerifyAuctionStart(context.Background(), req, testDomain, testURI) {
		t.Fatal("counterfactual smart-account signature rejected")
	}
}

func TestVerifyAuctionStart_EIP1271(t *testing.T) {
	key, _ := genKey(t)
	contract := common.HexToAddress("0x4444444444444444444444444444444444444444")

	req := baseRequest(contract)
	signStart(t, req, key)

	// Contract deployed and accepts: pass.
	v := newTestVerifier(t, &fakeChain{hasCode: true, valid: true})
	if !v.VerifyAuctionStart(context.Background(), req, testDomain, testURI) {
		t.Error("EIP-1271 acceptance rejected")
	}

	// Contract deployed and rejects: fail.
	v = newTestVerifier(t, &fakeChain{hasCode: true, valid: false})
	if v.VerifyAuctionStart(context.Background(), req, testDomain, testURI) {
		t.Error("EIP-1271 rejection accepted")
	}

	// No code at address: the path never matches.
	v = newTestVerifier(t, &fakeChain{hasCode: false, valid: true})
	if v.VerifyAuctionStart(context.Background(), req, testDomain, testURI) {
		t.Error("signature accepted for codeless contract address")
	}
}

func TestVerifyAuctionStart_Session(t *testing.T) {
	sessionKey, sessionAddr := genKey(t)
	account := common.HexToAddress("0x5555555555555555555555555555555555555555")

	approval, _ := json.Marshal(map[string]any{
		"account":    account.Hex(),
		"chainId":    42161,
		"sessionKey": sessionAddr.Hex(),
	})

	req := baseRequest(account)
	req.SessionMetadata = &protocol.SessionMetadata{
		SessionKeyAddress: sessionAddr.Hex(),
		SessionExpiresAt:  time.Now().Add(time.Hour).Unix(),
		SessionApproval:   approval,
	}
	signStart(t, req, sessionKey)

	v := newTestVerifier(t, nil)
	if !v.VerifyAuctionStart(context.Background(), req, testDomain, testURI) {
		t.Fatal("valid session signature rejected")
	}
}

func TestVerifyAuctionStart_SessionExpired(t *testing.T) {
	sessionKey, sessionAddr := genKey(t)
	account := common.HexToAddress("0x5555555555555555555555555555555555555555")

	req := baseRequest(account)
	req.SessionMetadata = &protocol.SessionMetadata{
		SessionKeyAddress: sessionAddr.Hex(),
		SessionExpiresAt:  time.Now().Add(-time.Minute).Unix(),
	}
	signStart(t, req, sessionKey)

	v := newTestVerifier(t, nil)
	if v.VerifyAuctionStart(context.Background(), req, testDomain, testURI) {
		t.Fatal("expired session accepted")
	}
}

func TestVerifyAuctionStart_SessionAccountMismatch(t *testing.T) {
	sessionKey, sessionAddr := genKey(t)
	account := common.HexToAddress("0x5555555555555555555555555555555555555555")

	// Approval binds the session key to a different account.
	approval, _ := json.Marshal(map[string]any{
		"account":    "0x6666666666666666666666666666666666666666",
		"chainId":    42161,
		"sessionKey": sessionAddr.Hex(),
	})

	req := baseRequest(account)
	req.SessionMetadata = &protocol.SessionMetadata{
		SessionKeyAddress: sessionAddr.Hex(),
		SessionExpiresAt:  time.Now().Add(time.Hour).Unix(),
		SessionApproval:   approval,
	}
	signStart(t, req, sessionKey)

	v := newTestVerifier(t, nil)
	if v.VerifyAuctionStart(context.Background(), req, testDomain, testURI) {
		t.Fatal("approval for a different account accepted")
	}
}

func TestAuctionStartMessage_CarriesNonceAndChainID(t *testing.T) {
	_, taker := genKey(t)
	req := baseRequest(taker)
	req.TakerNonce = 77
	req.ChainID = 8453

	msg := AuctionStartMessage(req, testDomain, testURI)
	for _, want := range []string{"Nonce: 77", "Chain ID: 8453"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

// ── bid.submit ───────────────────────────────────────────────────────────────

func baseBid(auctionID string, maker common.Address) *protocol.Bid {
	return &protocol.Bid{
		AuctionID:     auctionID,
		Maker:         maker.Hex(),
		MakerWager:    "500000000000000000",
		MakerDeadline: time.Now().Add(time.Hour).Unix(),
		MakerNonce:    3,
	}
}

func signBid(t *testing.T, auction *protocol.AuctionRequest, bid *protocol.Bid, key *ecdsa.PrivateKey, chainID int64, verifyingContract common.Address) {
	t.Helper()
	messageHash, err := BidMessageHash(
		OutcomeBytes(auction.PredictedOutcomes[0]),
		protocol.ParseWager(bid.MakerWager),
		protocol.ParseWager(auction.Wager),
		common.HexToAddress(auction.Resolver),
		common.HexToAddress(auction.Taker),
		bid.MakerDeadline,
	)
	if err != nil {
		t.Fatal(err)
	}
	digest := BidDigest(messageHash, common.HexToAddress(bid.Maker), big.NewInt(chainID), verifyingContract)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27
	bid.MakerSignature = "0x" + hex.EncodeToString(sig)
}

func TestVerifyBid_DirectEOA(t *testing.T) {
	_, taker := genKey(t)
	makerKey, maker := genKey(t)
	auction := baseRequest(taker)
	resolver := common.HexToAddress(auction.Resolver)

	bid := baseBid("a-1", maker)
	signBid(t, auction, bid, makerKey, auction.ChainID, resolver)

	v := newTestVerifier(t, nil)
	if !v.VerifyBid(context.Background(), auction, bid, auction.ChainID, resolver) {
		t.Fatal("valid maker signature rejected")
	}
}

func TestVerifyBid_TamperedWager(t *testing.T) {
	_, taker := genKey(t)
	makerKey, maker := genKey(t)
	auction := baseRequest(taker)
	resolver := common.HexToAddress(auction.Resolver)

	bid := baseBid("a-1", maker)
	signBid(t, auction, bid, makerKey, auction.ChainID, resolver)
	bid.MakerWager = "600000000000000000"

	v := newTestVerifier(t, nil)
	if v.VerifyBid(context.Background(), auction, bid, auction.ChainID, resolver) {
		t.Fatal("tampered maker wager accepted")
	}
}

func TestVerifyBid_DerivedOwner(t *testing.T) {
	_, taker := genKey(t)
	ownerKey, owner := genKey(t)
	account := derive.AccountAddress(owner)
	auction := baseRequest(taker)
	resolver := common.HexToAddress(auction.Resolver)

	bid := baseBid("a-1", account)
	signBid(t, auction, bid, ownerKey, auction.ChainID, resolver)

	v := newTestVerifier(t, nil)
	if !v.VerifyBid(context.Background(), auction, bid, auction.ChainID, resolver) {
		t.Fatal("counterfactual maker signature rejected")
	}
}

func TestVerifyBid_SessionApproval(t *testing.T) {
	_, taker := genKey(t)
	sessionKey, sessionAddr := genKey(t)
	maker := common.HexToAddress("0x7777777777777777777777777777777777777777")
	auction := baseRequest(taker)
	resolver := common.HexToAddress(auction.Resolver)

	approval, _ := json.Marshal(map[string]any{
		"account":    maker.Hex(),
		"chainId":    auction.ChainID,
		"sessionKey": sessionAddr.Hex(),
	})

	bid := baseBid("a-1", maker)
	bid.SessionApproval = approval
	signBid(t, auction, bid, sessionKey, auction.ChainID, resolver)

	v := newTestVerifier(t, nil)
	if !v.VerifyBid(context.Background(), auction, bid, auction.ChainID, resolver) {
		t.Fatal("valid session bid rejected")
	}

	// Approval bound to someone else must fail.
	wrong, _ := json.Marshal(map[string]any{
		"account":    "0x8888888888888888888888888888888888888888",
		"chainId":    auction.ChainID,
		"sessionKey": sessionAddr.Hex(),
	})
	bid.SessionApproval = wrong
	if v.VerifyBid(context.Background(), auction, bid, auction.ChainID, resolver) {
		t.Fatal("session bid with foreign approval accepted")
	}
}

func TestVerifyBid_MalformedInputs(t *testing.T) {
	_, taker := genKey(t)
	auction := baseRequest(taker)
	resolver := common.HexToAddress(auction.Resolver)
	v := newTestVerifier(t, nil)

	bad := []*protocol.Bid{
		{AuctionID: "a", Maker: "not-an-address", MakerWager: "1", MakerSignature: "0x" + fmt.Sprintf("%0130d", 0)},
		{AuctionID: "a", Maker: taker.Hex(), MakerWager: "0", MakerSignature: "0x" + fmt.Sprintf("%0130d", 0)},
		{AuctionID: "a", Maker: taker.Hex(), MakerWager: "1", MakerSignature: "0xzz"},
		{AuctionID: "a", Maker: taker.Hex(), MakerWager: "1", MakerSignature: "0x0102"},
	}
	for i, b := range bad {
		if v.VerifyBid(context.Background(), auction, b, auction.ChainID, resolver) {
			t.Errorf("malformed bid %d accepted", i)
		}
	}
}
