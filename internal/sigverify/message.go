package sigverify

import (
	"fmt"
	"strings"

	"github.com/sapiencexyz/auction-relayer/internal/protocol"
)

// AuctionStartMessage reconstructs the SIWE-shaped string the taker signed
// when opening the auction. The frontend builds the identical string from
// the same fields, so any field tampered with after signing changes the
// message and breaks recovery.
//
// domain and uri come from the connection's handshake (Host and
// X-Forwarded-Proto headers), not from the payload.
func AuctionStartMessage(req *protocol.AuctionRequest, domain, uri string) string {
	outcome := ""
	if len(req.PredictedOutcomes) > 0 {
		outcome = req.PredictedOutcomes[0]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n", domain)
	fmt.Fprintf(&b, "%s\n", req.Taker)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Start auction: wager %s on outcome %s via resolver %s\n", req.Wager, outcome, req.Resolver)
	b.WriteString("\n")
	fmt.Fprintf(&b, "URI: %s\n", uri)
	b.WriteString("Version: 1\n")
	fmt.Fprintf(&b, "Chain ID: %d\n", req.ChainID)
	fmt.Fprintf(&b, "Nonce: %d\n", req.TakerNonce)
	fmt.Fprintf(&b, "Issued At: %s", req.TakerSignedAt)
	return b.String()
}

// messageBindsRequest re-checks that the reconstructed message carries the
// request's nonce and chain id verbatim. The builder above always produces
// them; this guards against a reconstruction bug silently widening what a
// signature authorizes.
func messageBindsRequest(msg string, req *protocol.AuctionRequest) bool {
	return strings.Contains(msg, fmt.Sprintf("Nonce: %d", req.TakerNonce)) &&
		strings.Contains(msg, fmt.Sprintf("Chain ID: %d", req.ChainID))
}
