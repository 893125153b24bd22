package budget

// Tier classifies a model by where it runs. Local models cost nothing;
// cloud models are metered in dollars.
type Tier string

const (
	TierLocal Tier = "local"
	TierCloud Tier = "cloud"
)

// Pricing holds per-million-token rates for one model.
type Pricing struct {
	InputUSDPerMillion  float64 `json:"input_usd_per_million"`
	OutputUSDPerMillion float64 `json:"output_usd_per_million"`
	Tier                Tier    `json:"tier"`
}

// unknownModelPricing is the conservative fallback: an unrecognized model is
// treated as an expensive cloud model so budget checks err on refusal.
var unknownModelPricing = Pricing{
	InputUSDPerMillion:  15.0,
	OutputUSDPerMillion: 75.0,
	Tier:                TierCloud,
}

// DefaultPricingTable returns the built-in pricing table. Callers may
// overlay their own entries via Manager options.
func DefaultPricingTable() map[string]Pricing {
	return map[string]Pricing{
		"local-coder":     {Tier: TierLocal},
		"local-reviewer":  {Tier: TierLocal},
		"local-fast":      {Tier: TierLocal},
		"cloud-cheap":     {InputUSDPerMillion: 0.25, OutputUSDPerMillion: 1.25, Tier: TierCloud},
		"cloud-standard":  {InputUSDPerMillion: 3.0, OutputUSDPerMillion: 15.0, Tier: TierCloud},
		"cloud-premium":   {InputUSDPerMillion: 15.0, OutputUSDPerMillion: 75.0, Tier: TierCloud},
		"cloud-reasoning": {InputUSDPerMillion: 10.0, OutputUSDPerMillion: 40.0, Tier: TierCloud},
	}
}

// Lookup returns the pricing for a model, falling back to the conservative
// unknown-model entry.
func (m *Manager) Lookup(model string) Pricing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.lookupLocked(model)
}

// lookupLocked is Lookup for callers already holding mu in either mode.
func (m *Manager) lookupLocked(model string) Pricing {
	if p, ok := m.pricing[model]; ok {
		return p
	}
	return unknownModelPricing
}
