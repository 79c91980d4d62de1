package quote

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Professional is the identity joined onto each quote.
type Professional struct {
	ID         string
	Name       string
	Phone      string
	Profession string
}

// Quote is a professional's priced response to a request.
type Quote struct {
	ID            string
	RequestID     string
	Professional  Professional
	Price         float64
	EstimatedTime string
	Description   string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type CreateParams struct {
	RequestID      string
	ProfessionalID string
	Price          float64
	EstimatedTime  string
	Description    string
}
