package dto

type SubscribeRequest struct {
	PlanID       string `json:"plan_id" binding:"required"`
	BillingCycle string `json:"billing_cycle" binding:"required"`
}

type CancelSubscriptionRequest struct {
	Immediate bool   `json:"immediate"`
	Reason    string `json:"reason"`
}

type ChangePlanPricingRequest struct {
	MonthlyPrice        *float64 `json:"monthly_price"`
	AnnualPrice         *float64 `json:"annual_price"`
	GrandfatherExisting bool     `json:"grandfather_existing"`
	Notes               string   `json:"notes"`
}

type PlanDTO struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	MonthlyPrice float64 `json:"monthly_price"`
	AnnualPrice  float64 `json:"annual_price"`
	Active       bool    `json:"active"`
}

type PlansResponse struct {
	Plans []PlanDTO `json:"plans"`
}

type SubscriptionResponse struct {
	ID                 string  `json:"id"`
	PlanID             string  `json:"plan_id"`
	Status             string  `json:"status"`
	BillingCycle       string  `json:"billing_cycle"`
	EffectivePrice     float64 `json:"effective_price"`
	Grandfathered      bool    `json:"grandfathered_pricing"`
	CancelAtPeriodEnd  bool    `json:"cancel_at_period_end"`
	CurrentPeriodStart string  `json:"current_period_start"`
	CurrentPeriodEnd   string  `json:"current_period_end"`
}

type ChangePlanPricingResponse struct {
	PlanID        string `json:"plan_id"`
	Grandfathered bool   `json:"grandfather_existing"`
}
