package models

// DailyStats is a count for a single calendar day.
type DailyStats struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// SystemStats is the admin overview.
type SystemStats struct {
	TotalUsers     int64            `json:"total_users"`
	ActiveUsers    int64            `json:"active_users"`
	TotalOrders    int64            `json:"total_orders"`
	TotalLicenses  int64            `json:"total_licenses"`
	OrderStats     map[string]int64 `json:"order_stats"`
	PlanStats      map[string]int64 `json:"plan_stats"`
	SummariesToday int64            `json:"summaries_today"`
	UsageHistory   []DailyStats     `json:"usage_history,omitempty"`
}
