package gateway

import (
	"math/big"

	"github.com/oobe-protocol/synapse-gateway/internal/idgen"
	"github.com/oobe-protocol/synapse-gateway/internal/marketplace"
	"github.com/oobe-protocol/synapse-gateway/internal/paywall"
	"github.com/oobe-protocol/synapse-gateway/internal/pricing"
)

// PublishOptions decorate marketplace listings.
type PublishOptions struct {
	Region      string
	Commitments []string
	Tags        []string
	// Description builds the listing text per method; nil leaves it
	// empty.
	Description func(method string) string
	// UptimePct is the self-reported uptime; 0 defaults to 100.
	UptimePct float64
}

// Publish lists the given methods on the marketplace under the
// gateway's identity, using the pricing engine's effective tiers. When
// a paywall is configured the cheapest tier also prices the per-call
// x402 route for each method.
func (g *Gateway) Publish(methods []string, opts PublishOptions) []marketplace.Listing {
	uptime := opts.UptimePct
	if uptime <= 0 {
		uptime = 100
	}

	out := make([]marketplace.Listing, 0, len(methods))
	for _, method := range methods {
		tiers := g.pricing.TiersForMethod(method)
		description := ""
		if opts.Description != nil {
			description = opts.Description(method)
		}

		listing := g.market.Publish(marketplace.Listing{
			Method:               method,
			Description:          description,
			Seller:               g.identity.Clone(),
			Tiers:                tiers,
			UptimePct:            uptime,
			AttestationAvailable: g.attestationAvailable(tiers),
			Region:               opts.Region,
			Commitments:          opts.Commitments,
			Tags:                 opts.Tags,
		})
		out = append(out, listing)

		if g.paywall != nil {
			if price := cheapestPrice(tiers); price != nil {
				g.paywall.SetPrice(method, price)
			}
		}
	}

	g.logger.Info("published methods", "count", len(methods), "region", opts.Region)
	return out
}

// PublishBundle registers a bundle both as pricing overrides and as a
// marketplace entry.
func (g *Gateway) PublishBundle(name string, methods []string, tiers []pricing.Tier, description string) marketplace.Bundle {
	id := idgen.WithPrefix("bdl_")
	g.pricing.RegisterBundle(id, methods, tiers)

	bundle := g.market.PublishBundle(marketplace.Bundle{
		ID:          id,
		Name:        name,
		Description: description,
		Methods:     methods,
		Seller:      g.identity.Clone(),
		Tiers:       tiers,
	})

	g.logger.Info("published bundle", "bundleId", id, "name", name, "methods", len(methods))
	return bundle
}

// ReportVerification feeds a buyer-side attestation verification into
// the marketplace reputation of a seller.
func (g *Gateway) ReportVerification(sellerID string, verified bool, latencyMs float64) marketplace.Sample {
	return g.market.ReportAttestation(sellerID, verified, latencyMs)
}

// Paywall exposes the configured paywall, nil when x402 selling is
// disabled.
func (g *Gateway) Paywall() *paywall.Paywall { return g.paywall }

func (g *Gateway) attestationAvailable(tiers []pricing.Tier) bool {
	if g.attestByDefault {
		return true
	}
	for _, t := range tiers {
		if t.IncludesAttestation {
			return true
		}
	}
	return false
}

func cheapestPrice(tiers []pricing.Tier) *big.Int {
	var best *big.Int
	for _, t := range tiers {
		if t.PricePerCall == nil {
			continue
		}
		if best == nil || t.PricePerCall.Cmp(best) < 0 {
			best = new(big.Int).Set(t.PricePerCall)
		}
	}
	return best
}
