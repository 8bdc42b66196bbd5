package access

import "strings"

// Requirement flags one feature's sensitivity. A feature may carry any
// combination; all flagged categories must pass.
type Requirement struct {
	PIN          bool
	KYC          bool
	Subscription bool
}

// Requirements is the single source of truth mapping feature names to
// their gates. Unknown features carry no requirements.
type Requirements map[string]Requirement

func (r Requirements) For(feature string) Requirement {
	return r[strings.ToLower(strings.TrimSpace(feature))]
}

// Feature names used across the admin surface.
const (
	FeatureWalletWithdraw = "wallet_withdraw"
	FeatureWalletView     = "wallet_view"
	FeaturePayoutAccounts = "payout_accounts"
	FeatureCustomDomain   = "custom_domain"
	FeatureInvoices       = "invoices"
)

// DefaultRequirements mirrors the production gating table: withdrawing
// funds demands everything, payout account changes demand a fresh PIN, and
// premium surfaces demand a live subscription.
func DefaultRequirements() Requirements {
	return Requirements{
		FeatureWalletWithdraw: {PIN: true, KYC: true, Subscription: true},
		FeatureWalletView:     {KYC: true},
		FeaturePayoutAccounts: {PIN: true, KYC: true},
		FeatureCustomDomain:   {Subscription: true},
		FeatureInvoices:       {Subscription: true},
	}
}

// ParseRequirements builds the table from three comma-separated env lists.
// Empty lists fall back to the default table so a blank deployment still
// gates the sensitive surfaces.
func ParseRequirements(pinList, kycList, subscriptionList string) Requirements {
	if strings.TrimSpace(pinList) == "" && strings.TrimSpace(kycList) == "" && strings.TrimSpace(subscriptionList) == "" {
		return DefaultRequirements()
	}
	out := Requirements{}
	for _, name := range splitList(pinList) {
		req := out[name]
		req.PIN = true
		out[name] = req
	}
	for _, name := range splitList(kycList) {
		req := out[name]
		req.KYC = true
		out[name] = req
	}
	for _, name := range splitList(subscriptionList) {
		req := out[name]
		req.Subscription = true
		out[name] = req
	}
	return out
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		name := strings.ToLower(strings.TrimSpace(p))
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}
