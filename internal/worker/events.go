package worker

// NudgePayload is the body published on every nudge topic. Account topics set
// AccountID, the categorize topic sets ContentID.
type NudgePayload struct {
	AccountID int64 `json:"account_id,omitempty"`
	ContentID int64 `json:"content_id,omitempty"`
	Rebuild   bool  `json:"rebuild,omitempty"`

	CorrelationID string `json:"correlation_id,omitempty"`
}

// ID returns whichever identifier the payload carries.
func (p NudgePayload) ID() int64 {
	if p.AccountID != 0 {
		return p.AccountID
	}
	return p.ContentID
}
