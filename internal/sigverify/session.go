package sigverify

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// sessionApproval is the owner-authorization proof delegating signing
// authority to a session key. Wallet SDKs emit it either as a serialized
// approval object or as the EIP-712 Enable typed data the owner signed;
// both shapes carry the fields we bind against.
type sessionApproval struct {
	Account           string
	ChainID           int64
	VerifyingContract string
	SessionKey        string
}

// serializedApprovalJSON is the flat shape.
type serializedApprovalJSON struct {
	Account           string      `json:"account"`
	AccountAddress    string      `json:"accountAddress"`
	ChainID           json.Number `json:"chainId"`
	VerifyingContract string      `json:"verifyingContract"`
	SessionKey        string      `json:"sessionKey"`
	SessionKeyAddress string      `json:"sessionKeyAddress"`
}

// enableTypedDataJSON is the EIP-712 Enable shape: the account lives in the
// message, the chain binding in the domain.
type enableTypedDataJSON struct {
	Domain struct {
		ChainID           json.Number `json:"chainId"`
		VerifyingContract string      `json:"verifyingContract"`
	} `json:"domain"`
	Message struct {
		Account    string `json:"account"`
		Owner      string `json:"owner"`
		SessionKey string `json:"sessionKey"`
	} `json:"message"`
}

// parseApproval accepts either shape and normalizes it. Returns nil when
// neither parse yields an account binding.
func parseApproval(raw json.RawMessage) *sessionApproval {
	if len(raw) == 0 {
		return nil
	}

	// The payload may arrive double-encoded (a JSON string holding JSON).
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil {
		raw = json.RawMessage(inner)
	}

	var flat serializedApprovalJSON
	if err := json.Unmarshal(raw, &flat); err == nil {
		account := flat.Account
		if account == "" {
			account = flat.AccountAddress
		}
		if account != "" {
			chainID, _ := flat.ChainID.Int64()
			key := flat.SessionKey
			if key == "" {
				key = flat.SessionKeyAddress
			}
			return &sessionApproval{
				Account:           account,
				ChainID:           chainID,
				VerifyingContract: flat.VerifyingContract,
				SessionKey:        key,
			}
		}
	}

	var typed enableTypedDataJSON
	if err := json.Unmarshal(raw, &typed); err != nil {
		return nil
	}
	account := typed.Message.Account
	if account == "" {
		account = typed.Message.Owner
	}
	if account == "" {
		return nil
	}
	chainID, _ := typed.Domain.ChainID.Int64()
	return &sessionApproval{
		Account:           account,
		ChainID:           chainID,
		VerifyingContract: typed.Domain.VerifyingContract,
		SessionKey:        typed.Message.SessionKey,
	}
}

// approvalBinds checks the parsed approval against the claimed account and
// chain. A zero chainId or empty verifyingContract in the approval is
// tolerated (older SDK payloads omit them); present values must match.
// The Enable signature's verifying contract is the smart account itself.
func approvalBinds(a *sessionApproval, account string, chainID int64, sessionKey string) bool {
	if a == nil {
		return false
	}
	if !strings.EqualFold(a.Account, account) {
		return false
	}
	if a.ChainID != 0 && a.ChainID != chainID {
		return false
	}
	if a.VerifyingContract != "" && !strings.EqualFold(a.VerifyingContract, account) {
		return false
	}
	if a.SessionKey != "" && sessionKey != "" && !strings.EqualFold(a.SessionKey, sessionKey) {
		return false
	}
	return true
}

func sessionExpired(expiresAt int64, now time.Time) bool {
	return expiresAt > 0 && now.Unix() > expiresAt
}

// sessionKeyAddress parses the claimed session key address, zero on failure.
func sessionKeyAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}
