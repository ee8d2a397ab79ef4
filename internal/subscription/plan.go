package subscription

// Tier is a subscription plan tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierStarter Tier = "starter"
	TierPremium Tier = "premium"
	TierPro     Tier = "pro"
)

// tierPower orders tiers by ascending power. Upgrades are only permitted
// to a tier of equal or greater power; the product rule for going down is
// cancel auto-renew and let the current tier expire naturally.
var tierPower = map[Tier]int{
	TierFree:    0,
	TierStarter: 1,
	TierPremium: 2,
	TierPro:     3,
}

// Power returns the ordering rank of a tier. Unknown tiers rank below Free.
func (t Tier) Power() int {
	if p, ok := tierPower[t]; ok {
		return p
	}
	return -1
}

// Valid reports whether the tier is one of the known plan tiers.
func (t Tier) Valid() bool {
	_, ok := tierPower[t]
	return ok
}

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// PlanSpec describes the token economics of one tier.
type PlanSpec struct {
	Tier Tier

	// UpgradeBonus is the one-time purchased-bucket grant applied when the
	// tier is first reached. Purchased grants survive daily resets.
	UpgradeBonus uint64

	// DailyTokens is the free-bucket daily amount. When DailyAdditive is
	// false the free bucket is overwritten (no carry-over); when true the
	// amount is added on top of whatever the free bucket holds.
	DailyTokens   uint64
	DailyAdditive bool

	// MonthlyTokens, when non-zero, overwrites the free bucket once per
	// calendar month.
	MonthlyTokens uint64

	// Unlimited marks the tier that reports the unlimited sentinel
	// instead of a counted balance.
	Unlimited bool
}

// PlanSpecs maps each tier to its token economics.
var PlanSpecs = map[Tier]PlanSpec{
	TierFree: {
		Tier:        TierFree,
		DailyTokens: 10,
	},
	TierStarter: {
		Tier:          TierStarter,
		UpgradeBonus:  300,
		DailyTokens:   10,
		DailyAdditive: true,
		MonthlyTokens: 200,
	},
	TierPremium: {
		Tier:          TierPremium,
		UpgradeBonus:  500,
		DailyTokens:   20,
		DailyAdditive: true,
		MonthlyTokens: 500,
	},
	TierPro: {
		Tier:      TierPro,
		Unlimited: true,
	},
}

// SpecFor returns the plan spec for the given tier, falling back to Free
// for unknown tiers.
func SpecFor(tier Tier) PlanSpec {
	if spec, ok := PlanSpecs[tier]; ok {
		return spec
	}
	return PlanSpecs[TierFree]
}
