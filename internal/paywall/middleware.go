package paywall

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oobe-protocol/synapse-gateway/internal/amount"
	"github.com/oobe-protocol/synapse-gateway/pkg/x402"
)

const ctxKeyOutcome = "paywall_outcome"

// Middleware gates a gin route behind the paywall. Free routes pass
// through untouched; unpaid requests get a 402 with the challenge in
// both the PAYMENT-REQUIRED header and the body; paid requests proceed
// with the settlement attached to the eventual response.
func (p *Paywall) Middleware(description string) gin.HandlerFunc {
	return func(c *gin.Context) {
		resource := c.FullPath()
		if resource == "" {
			resource = c.Request.URL.Path
		}

		outcome, err := p.Process(c.Request.Context(), resource, description, c.GetHeader(x402.HeaderPaymentSignature))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
				"error":   "payment_processing_failed",
				"message": err.Error(),
			})
			return
		}

		switch outcome.Kind {
		case OutcomeOpen:
			c.Next()
		case OutcomeChallenge:
			c.Header(x402.HeaderPaymentRequired, outcome.ChallengeHeader)
			c.AbortWithStatusJSON(http.StatusPaymentRequired, outcome.Challenge)
		case OutcomePaid:
			c.Header(x402.HeaderPaymentResponse, outcome.SettlementHeader)
			c.Set(ctxKeyOutcome, outcome)
			c.Next()
		}
	}
}

// PaidOutcome retrieves the payment outcome stored by Middleware, nil
// when the route was free.
func PaidOutcome(c *gin.Context) *Outcome {
	if v, ok := c.Get(ctxKeyOutcome); ok {
		return v.(*Outcome)
	}
	return nil
}

// PaidAmount is a convenience accessor for handlers that only need the
// settled amount. Returns "0" for free routes.
func PaidAmount(c *gin.Context) string {
	if o := PaidOutcome(c); o != nil {
		return amount.Format(o.AmountPaid)
	}
	return "0"
}
