package sigverify

import (
	"fmt"
	"strings"

	"github.com/sapiencexyz/auction-relayer/internal/protocol"
)

// VaultQuoteMessage builds the canonical string a vault manager signs when
// publishing a share-price quote. Five lines, fixed order; the vault
// address is lowercased so checksum casing never changes the message.
func VaultQuoteMessage(q *protocol.VaultQuote) string {
	return fmt.Sprintf(
		"Sapience Vault Share Quote\nVault: %s\nChainId: %d\nCollateralPerShare: %s\nTimestamp: %d",
		strings.ToLower(q.VaultAddress),
		q.ChainID,
		q.VaultCollateralPerShare,
		q.Timestamp,
	)
}

// VerifyVaultQuote checks the quote's EIP-191 signature against its claimed
// signer. Authorization of the signer is the registry's concern, not ours.
func VerifyVaultQuote(q *protocol.VaultQuote) bool {
	sig, err := DecodeSignature(q.Signature)
	if err != nil {
		return false
	}
	recovered, err := RecoverPersonal([]byte(VaultQuoteMessage(q)), sig)
	if err != nil {
		return false
	}
	return sameAddress(recovered, q.SignedBy)
}
