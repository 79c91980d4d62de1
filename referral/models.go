package referral

import (
	"time"

	"quoteflow/localcache"
)

type Status string

const (
	StatusNew       Status = "new"
	StatusContacted Status = "contacted"
)

// Referral records that a user has been given a professional's contact
// details. At most one exists per (user, professional) pair.
type Referral struct {
	ID               string
	UserID           string
	ProfessionalID   string
	ProfessionalName string
	PhoneNumber      string
	Profession       string
	CompletedWork    bool
	Status           Status
	Date             time.Time
	UpdatedAt        time.Time
}

// Local reports whether the referral only exists in the local cache, meaning
// the remote write has not been confirmed yet.
func (r Referral) Local() bool {
	return localcache.IsLocalID(r.ID)
}

// toItem and fromItem are the single mapping between the typed referral and
// the cache's loose JSON shape. Nothing outside them touches raw items.
func toItem(r Referral) localcache.Item {
	item := localcache.Item{
		"userId":           r.UserID,
		"professionalId":   r.ProfessionalID,
		"professionalName": r.ProfessionalName,
		"phoneNumber":      r.PhoneNumber,
		"profession":       r.Profession,
		"completedWork":    r.CompletedWork,
		"status":           string(r.Status),
		"date":             r.Date.Format(time.RFC3339Nano),
	}
	if r.ID != "" {
		item["id"] = r.ID
	}
	return item
}

func fromItem(item localcache.Item) (Referral, bool) {
	id, _ := item["id"].(string)
	if id == "" {
		return Referral{}, false
	}
	r := Referral{ID: id}
	r.UserID, _ = item["userId"].(string)
	r.ProfessionalID, _ = item["professionalId"].(string)
	r.ProfessionalName, _ = item["professionalName"].(string)
	r.PhoneNumber, _ = item["phoneNumber"].(string)
	r.Profession, _ = item["profession"].(string)
	r.CompletedWork, _ = item["completedWork"].(bool)
	if status, ok := item["status"].(string); ok {
		r.Status = Status(status)
	} else {
		r.Status = StatusNew
	}
	if raw, ok := item["date"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			r.Date = parsed
		}
	}
	if raw, ok := item["updatedAt"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			r.UpdatedAt = parsed
		}
	}
	return r, true
}
