package request

import "time"

type Status string

const (
	StatusActive           Status = "active"
	StatusWaitingForRating Status = "waiting_for_rating"
	StatusCompleted        Status = "completed"
	StatusExpired          Status = "expired"
	StatusCanceled         Status = "canceled"
)

// Request is a homeowner's posted need for service.
type Request struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Location    string
	Timing      *string
	Status      Status
	Date        time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type CreateParams struct {
	UserID      string
	Title       string
	Description string
	Location    string
	Timing      *string
}
