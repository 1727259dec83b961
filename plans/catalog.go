package plans

// Plan is one entry of the public pricing catalog.
type Plan struct {
	ID         Tier     `json:"id"`
	Name       string   `json:"name"`
	PriceCents int64    `json:"priceCents"`
	Currency   string   `json:"currency"`
	Interval   string   `json:"interval"`
	Features   []string `json:"features"`
	Limits     Limits   `json:"limits"`
	Popular    bool     `json:"popular"`
}

// Catalog returns the plans offered for self-service checkout.
func Catalog() []Plan {
	return []Plan{
		{
			ID:         TierFree,
			Name:       "Free",
			PriceCents: 0,
			Currency:   "usd",
			Interval:   "month",
			Features: []string{
				"3 AI messages per month",
				"1 appointment per month",
				"Symptom checker",
			},
			Limits: LimitsFor(TierFree),
		},
		{
			ID:         TierPro,
			Name:       "Pro",
			PriceCents: 1900,
			Currency:   "usd",
			Interval:   "month",
			Features: []string{
				"Unlimited AI consultations",
				"10 appointments per month",
				"Prescription history",
				"Priority support",
			},
			Limits:  LimitsFor(TierPro),
			Popular: true,
		},
		{
			ID:         TierClinic,
			Name:       "Clinic",
			PriceCents: 9900,
			Currency:   "usd",
			Interval:   "month",
			Features: []string{
				"Unlimited AI consultations",
				"Unlimited appointments",
				"Multi-doctor workspace",
				"Usage analytics",
			},
			Limits: LimitsFor(TierClinic),
		},
	}
}

// PriceBook maps gateway price ids to tiers and back.
type PriceBook struct {
	byTier  map[Tier]string
	byPrice map[string]Tier
}

func NewPriceBook(proPriceID, clinicPriceID string) PriceBook {
	b := PriceBook{byTier: map[Tier]string{}, byPrice: map[string]Tier{}}
	if proPriceID != "" {
		b.byTier[TierPro] = proPriceID
		b.byPrice[proPriceID] = TierPro
	}
	if clinicPriceID != "" {
		b.byTier[TierClinic] = clinicPriceID
		b.byPrice[clinicPriceID] = TierClinic
	}
	return b
}

// PriceFor returns the configured price id of a paid tier.
func (b PriceBook) PriceFor(t Tier) (string, bool) {
	id, ok := b.byTier[t]
	return id, ok
}

// TierFor maps a price id to a tier. Unmapped ids fall back to pro so a
// webhook for a new price never fails.
func (b PriceBook) TierFor(priceID string) Tier {
	if t, ok := b.byPrice[priceID]; ok {
		return t
	}
	return TierPro
}
