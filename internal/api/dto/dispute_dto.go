package dto

type OpenDisputeRequest struct {
	JobID      string `json:"job_id" binding:"required"`
	ReasonCode string `json:"reason_code" binding:"required"`
}

type SubmitEvidenceRequest struct {
	Evidence string `json:"evidence" binding:"required"`
}

type ResolveDisputeRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Notes      string `json:"notes"`
}

type DisputeResponse struct {
	ID         string `json:"id"`
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	ReasonCode string `json:"reason_code"`
	Resolution string `json:"resolution,omitempty"`
	OpenedBy   string `json:"opened_by,omitempty"`
	CreatedAt  string `json:"created_at"`
	ResolvedAt string `json:"resolved_at,omitempty"`
}

type DisputesResponse struct {
	JobID    string            `json:"job_id"`
	Disputes []DisputeResponse `json:"disputes"`
}

type TimelineEntryDTO struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Note      string `json:"note,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

type TimelineResponse struct {
	DisputeID string             `json:"dispute_id"`
	Entries   []TimelineEntryDTO `json:"entries"`
}
