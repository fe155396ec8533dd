package domain

type FeedItem struct {
	ID              string  `json:"id,omitempty"`
	Type            string  `json:"type"`
	UserName        string  `json:"user_name"`
	UserPhoto       string  `json:"user_photo,omitempty"`
	GoalDescription string  `json:"goal_description"`
	Status          string  `json:"status"`
	Timestamp       string  `json:"timestamp"`
	EvidenceSummary string  `json:"evidence_summary"`
	TrustScoreDelta float64 `json:"trust_score_delta"`
}

type LeaderboardUser struct {
	UserID             string  `json:"user_id"`
	DisplayName        string  `json:"display_name"`
	PhotoURL           string  `json:"photo_url,omitempty"`
	TrustScore         float64 `json:"trust_score"`
	ContractsCompleted int64   `json:"contracts_completed"`
}

type TraceSummary struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	StartTime string  `json:"start_time"`
	Duration  float64 `json:"duration"`
	Status    string  `json:"status"`
}

type TelemetryStats struct {
	TotalTraces int64            `json:"total_traces"`
	SuccessRate float64          `json:"success_rate"`
	AvgDuration float64          `json:"avg_duration"`
	ByName      map[string]int64 `json:"by_name"`
}
