package dto

type RefundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type HoldResponse struct {
	JobID            string `json:"job_id"`
	PaymentReference string `json:"payment_reference"`
	Status           string `json:"status"`
}

type PaymentStatusResponse struct {
	JobID            string  `json:"job_id"`
	EscrowStatus     string  `json:"escrow_status"`
	PaymentReference string  `json:"payment_reference,omitempty"`
	BidAmount        float64 `json:"bid_amount"`
}

type TransactionDTO struct {
	ID               string  `json:"id"`
	JobID            string  `json:"job_id"`
	PaymentReference string  `json:"payment_reference"`
	Type             string  `json:"type"`
	Status           string  `json:"status"`
	Amount           float64 `json:"amount"`
	Description      string  `json:"description,omitempty"`
	CreatedAt        string  `json:"created_at"`
	ProcessedAt      string  `json:"processed_at,omitempty"`
}

type TransactionsResponse struct {
	JobID        string           `json:"job_id"`
	Transactions []TransactionDTO `json:"transactions"`
}
