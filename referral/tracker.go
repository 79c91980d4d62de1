package referral

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"quoteflow/session"
)

// RevealOutcome tells the caller how a phone-reveal attempt ended.
type RevealOutcome string

const (
	// RevealDone: the number may be shown and a referral was recorded.
	RevealDone RevealOutcome = "revealed"
	// RevealBlocked: the external gate declined; nothing happened.
	RevealBlocked RevealOutcome = "blocked"
	// RevealLoginRequired: anonymous caller; no record is written.
	RevealLoginRequired RevealOutcome = "login_required"
	// RevealPhoneUnverified: the user must verify their phone first.
	RevealPhoneUnverified RevealOutcome = "phone_verification_required"
)

// UserSource yields the authenticated caller, if any.
type UserSource interface {
	CurrentUser(ctx context.Context) (*session.User, error)
}

// PhoneVerifier answers whether a user completed phone verification.
type PhoneVerifier interface {
	IsPhoneVerified(ctx context.Context, userID string) (bool, error)
}

// Saver persists referrals; satisfied by *Store.
type Saver interface {
	Save(ctx context.Context, params SaveParams) (Referral, error)
}

// Gate is a caller-defined pre-condition (rate limit, paywall). Returning
// false aborts the reveal silently.
type Gate func(ctx context.Context, professionalID string) bool

// Tracker gates and records phone-reveal events.
type Tracker struct {
	users  UserSource
	phones PhoneVerifier
	store  Saver
	gate   Gate
	log    zerolog.Logger
}

func NewTracker(users UserSource, phones PhoneVerifier, store Saver, log zerolog.Logger) *Tracker {
	return &Tracker{users: users, phones: phones, store: store, log: log}
}

func (t *Tracker) WithGate(gate Gate) *Tracker {
	t.gate = gate
	return t
}

type RevealParams struct {
	ProfessionalID   string
	ProfessionalName string
	PhoneNumber      string
	Profession       string
}

// Reveal decides whether the caller may see a professional's phone number
// and, when allowed, records the referral. The reveal itself is optimistic:
// a failed persist does not take the number back.
func (t *Tracker) Reveal(ctx context.Context, params RevealParams) (RevealOutcome, error) {
	if t.gate != nil && !t.gate(ctx, params.ProfessionalID) {
		return RevealBlocked, nil
	}

	user, err := t.users.CurrentUser(ctx)
	if err != nil || user == nil {
		if err != nil && !errors.Is(err, session.ErrNoSession) {
			t.log.Debug().Err(err).Msg("reveal with unusable session token")
		}
		return RevealLoginRequired, nil
	}

	verified, err := t.phones.IsPhoneVerified(ctx, user.ID)
	if err != nil {
		return "", err
	}
	if !verified {
		return RevealPhoneUnverified, nil
	}

	if _, err := t.store.Save(ctx, SaveParams{
		UserID:           user.ID,
		ProfessionalID:   params.ProfessionalID,
		ProfessionalName: params.ProfessionalName,
		PhoneNumber:      params.PhoneNumber,
		Profession:       params.Profession,
	}); err != nil {
		// Reveal already happened on screen; the record catches up later.
		t.log.Warn().Err(err).Str("professional_id", params.ProfessionalID).
			Msg("referral persist failed after reveal")
	}
	return RevealDone, nil
}
