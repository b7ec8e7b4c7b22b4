package router

import (
	"fmt"
	"strings"

	"github.com/modelrelay/relay/core"
	"github.com/modelrelay/relay/providers/openai"
)

// inferVendor derives the vendor from the model prefix table. Callers that
// want the managed Vertex surface for a Gemini model must name it
// explicitly; inference defaults to the direct surface.
func inferVendor(model string) (core.Vendor, error) {
	switch {
	case strings.HasPrefix(model, "gpt-"),
		strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"),
		strings.HasPrefix(model, "o4"):
		return core.VendorOpenAI, nil
	case strings.HasPrefix(model, "gemini-"):
		return core.VendorGemini, nil
	default:
		return "", fmt.Errorf("model %q matches no vendor prefix: %w", model, core.ErrUnknownModel)
	}
}

// siblingVendor returns the configured failover partner. Only the two
// surfaces of the Gemini family form a pair.
func siblingVendor(v core.Vendor) (core.Vendor, bool) {
	switch v {
	case core.VendorGemini:
		return core.VendorVertex, true
	case core.VendorVertex:
		return core.VendorGemini, true
	}
	return "", false
}

// modelAllowed checks the per-vendor allowlist. A vendor with no configured
// list accepts any model the prefix table maps to it.
func (r *Router) modelAllowed(vendor core.Vendor, model string) bool {
	allowed := r.cfg.AllowedModels[vendor]
	if len(allowed) == 0 {
		return true
	}
	for _, m := range allowed {
		if m == model {
			return true
		}
	}
	return false
}

// applyGroundingAdjustment swaps a conversational variant for its
// grounded-capable sibling when the request is grounded, adjustment is
// enabled, and the sibling is allowed. This is the only permitted model
// substitution.
func (r *Router) applyGroundingAdjustment(vendor core.Vendor, model string, grounded bool) (string, bool) {
	if !grounded || !r.cfg.ModelAdjustForGrounding || vendor != core.VendorOpenAI {
		return model, false
	}
	sibling, ok := openai.GroundedSibling(model)
	if !ok || !r.modelAllowed(vendor, sibling) {
		return model, false
	}
	return sibling, true
}
