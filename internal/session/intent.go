package session

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/oobe-protocol/synapse-gateway/internal/amount"
	"github.com/oobe-protocol/synapse-gateway/internal/pricing"
)

// Intent is a buyer's signed commitment to pay up to a budget for a
// session under a chosen tier. Immutable once issued; sessions reference
// it by nonce.
type Intent struct {
	Nonce      string
	BuyerID    string
	SellerID   string
	TierID     string
	MaxBudget  *big.Int
	Token      pricing.Token
	Signature  string
	CreatedAt  time.Time
	TTLSeconds int64
}

type intentWire struct {
	Nonce      string        `json:"nonce"`
	BuyerID    string        `json:"buyerId"`
	SellerID   string        `json:"sellerId"`
	TierID     string        `json:"tierId"`
	MaxBudget  string        `json:"maxBudget"`
	Token      pricing.Token `json:"token"`
	Signature  string        `json:"signature,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
	TTLSeconds int64         `json:"ttlSeconds"`
}

// MarshalJSON emits the budget as a decimal string.
func (in Intent) MarshalJSON() ([]byte, error) {
	return json.Marshal(intentWire{
		Nonce:      in.Nonce,
		BuyerID:    in.BuyerID,
		SellerID:   in.SellerID,
		TierID:     in.TierID,
		MaxBudget:  amount.Format(in.MaxBudget),
		Token:      in.Token,
		Signature:  in.Signature,
		CreatedAt:  in.CreatedAt,
		TTLSeconds: in.TTLSeconds,
	})
}

// UnmarshalJSON parses the wire form, rejecting malformed budgets.
func (in *Intent) UnmarshalJSON(data []byte) error {
	var w intentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	budget, ok := amount.Parse(w.MaxBudget)
	if !ok {
		return fmt.Errorf("session: intent %s: invalid maxBudget %q", w.Nonce, w.MaxBudget)
	}
	*in = Intent{
		Nonce:      w.Nonce,
		BuyerID:    w.BuyerID,
		SellerID:   w.SellerID,
		TierID:     w.TierID,
		MaxBudget:  budget,
		Token:      w.Token,
		Signature:  w.Signature,
		CreatedAt:  w.CreatedAt,
		TTLSeconds: w.TTLSeconds,
	}
	return nil
}

// Validate runs the structural intent checks: seller match, positive
// budget, positive ttl, and freshness. Cryptographic verification of the
// buyer signature is a pluggable extension, not done here.
func (in *Intent) Validate(sellerID string, now time.Time) error {
	if in.SellerID != sellerID {
		return &Error{Code: CodeWrongSeller, Message: fmt.Sprintf("intent addressed to %q, gateway is %q", in.SellerID, sellerID)}
	}
	if !amount.IsPositive(in.MaxBudget) {
		return &Error{Code: CodeInvalidBudget, Message: "maxBudget must be positive"}
	}
	if in.TTLSeconds <= 0 {
		return &Error{Code: CodeInvalidTTL, Message: "ttlSeconds must be positive"}
	}
	if now.Sub(in.CreatedAt) > time.Duration(in.TTLSeconds)*time.Second {
		return &Error{Code: CodeIntentExpired, Message: "intent is older than its ttl"}
	}
	return nil
}
