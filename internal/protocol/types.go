// Package protocol defines the JSON wire format of the auction socket:
// the client/server envelopes, the domain payloads they carry, and the
// error strings surfaced in ack messages.
package protocol

import (
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// SessionMetadata carries a session-key delegation for a smart-account
// signer: the session key that produced the signature, its expiry, and the
// owner-authorization proof binding the key to the account. The approval is
// either a serialized session approval or EIP-712 Enable typed data; both
// are kept as raw JSON and interpreted by the verifier.
type SessionMetadata struct {
	SessionKeyAddress string          `json:"sessionKeyAddress"`
	SessionExpiresAt  int64           `json:"sessionExpiresAt"`
	SessionApproval   json.RawMessage `json:"sessionApproval,omitempty"`
	EnableTypedData   json.RawMessage `json:"enableTypedData,omitempty"`
}

// AuctionRequest is what a taker submits with auction.start.
type AuctionRequest struct {
	Wager             string           `json:"wager"`
	PredictedOutcomes []string         `json:"predictedOutcomes"`
	Resolver          string           `json:"resolver"`
	Taker             string           `json:"taker"`
	TakerNonce        int64            `json:"takerNonce"`
	ChainID           int64            `json:"chainId"`
	TakerSignature    string           `json:"takerSignature,omitempty"`
	TakerSignedAt     string           `json:"takerSignedAt,omitempty"`
	SessionMetadata   *SessionMetadata `json:"sessionMetadata,omitempty"`
}

// Bid is a maker's signed counter-offer on an open auction.
type Bid struct {
	AuctionID        string          `json:"auctionId"`
	Maker            string          `json:"maker"`
	MakerWager       string          `json:"makerWager"`
	MakerDeadline    int64           `json:"makerDeadline"`
	MakerSignature   string          `json:"makerSignature"`
	MakerNonce       int64           `json:"makerNonce"`
	SessionApproval  json.RawMessage `json:"sessionApproval,omitempty"`
	SessionTypedData json.RawMessage `json:"sessionTypedData,omitempty"`
}

// VaultQuote is a signed share-price quote published by a vault manager.
type VaultQuote struct {
	ChainID                 int64  `json:"chainId"`
	VaultAddress            string `json:"vaultAddress"`
	VaultCollateralPerShare string `json:"vaultCollateralPerShare"`
	Timestamp               int64  `json:"timestamp"` // unix milliseconds
	SignedBy                string `json:"signedBy"`
	Signature               string `json:"signature"`
}

// Key returns the subscription key for the quote's vault, address lowercased.
func (q *VaultQuote) Key() VaultKey {
	return NewVaultKey(q.ChainID, q.VaultAddress)
}

// VaultKey identifies a vault channel: "<chainId>:<lowercase address>".
type VaultKey string

func NewVaultKey(chainID int64, vaultAddress string) VaultKey {
	return VaultKey(strconv.FormatInt(chainID, 10) + ":" + strings.ToLower(vaultAddress))
}

// ParseWager parses a positive u256 decimal string. Returns nil when the
// value is malformed, negative, or zero.
func ParseWager(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 || v.BitLen() > 256 {
		return nil
	}
	return v
}

// ValidAddress reports whether s is a well-formed 20-byte hex address.
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}
