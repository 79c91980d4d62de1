// Package acceptance drives a quote through pending, accepted and rejected
// while keeping sibling quotes, the parent request and the accepted-quote
// ledger consistent.
package acceptance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"quoteflow/ledger"
	"quoteflow/metrics"
	"quoteflow/notifybus"
	"quoteflow/quote"
	"quoteflow/referral"
	"quoteflow/request"
)

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCredit PaymentMethod = "credit"
)

// Decision is the outcome of the first acceptance step.
type Decision string

const (
	// DecisionAlreadyAccepted: the quote already reads accepted; nothing to do.
	DecisionAlreadyAccepted Decision = "already_accepted"
	// DecisionAlreadyCommitted: the ledger shows a committed acceptance, so
	// the payment/commit flow must not run again.
	DecisionAlreadyCommitted Decision = "already_committed"
	// DecisionPaymentMethodRequired: proceed by calling Commit with the
	// user's chosen payment method.
	DecisionPaymentMethodRequired Decision = "payment_method_required"
)

var (
	// ErrBusy signals another accept/reject is in flight on this instance;
	// the call is dropped, not queued.
	ErrBusy = errors.New("acceptance: operation already in flight")
	// ErrInvalidPaymentMethod rejects anything but cash or credit.
	ErrInvalidPaymentMethod = errors.New("acceptance: invalid payment method")
	// ErrRequestResolved: a different quote on the same request has already
	// been committed; it must be rejected first.
	ErrRequestResolved = errors.New("acceptance: request already has an accepted quote")
)

// PaymentRedirector hands the user off to the external payment screen.
type PaymentRedirector interface {
	RedirectToPayment(ctx context.Context, quoteID string, amount float64)
}

// ReferralSaver persists the referral implied by an acceptance; satisfied by
// *referral.Store.
type ReferralSaver interface {
	Save(ctx context.Context, params referral.SaveParams) (referral.Referral, error)
}

// Service orchestrates quote acceptance for one request at a time. It keeps
// an in-memory view of the request's quotes for the UI and serializes its
// operations behind an instance-scoped in-flight flag.
type Service struct {
	quotes    quote.Repository
	requests  request.Repository
	ledger    ledger.Ledger
	referrals ReferralSaver
	notifier  notifybus.Notifier
	payments  PaymentRedirector
	log       zerolog.Logger
	metrics   *metrics.Metrics

	// notifyGap sequences the rating reminder after the acceptance
	// notification; settleDelay lets backend triggers settle before the
	// post-commit refresh read.
	notifyGap   time.Duration
	settleDelay time.Duration
	now         func() time.Time

	inFlight atomic.Bool

	mu            sync.Mutex
	viewRequestID string
	view          []quote.Quote
}

func NewService(
	quotes quote.Repository,
	requests request.Repository,
	led ledger.Ledger,
	referrals ReferralSaver,
	notifier notifybus.Notifier,
	payments PaymentRedirector,
	log zerolog.Logger,
) *Service {
	return &Service{
		quotes:      quotes,
		requests:    requests,
		ledger:      led,
		referrals:   referrals,
		notifier:    notifier,
		payments:    payments,
		log:         log,
		notifyGap:   2 * time.Second,
		settleDelay: time.Second,
		now:         time.Now,
	}
}

// WithDelays overrides the notification gap and the post-commit settle
// delay. Zero makes both synchronous, for tests.
func (s *Service) WithDelays(notifyGap, settleDelay time.Duration) *Service {
	s.notifyGap = notifyGap
	s.settleDelay = settleDelay
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Load pulls the quotes for a request into the in-memory view.
func (s *Service) Load(ctx context.Context, requestID string) error {
	quotes, err := s.quotes.ListByRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("acceptance: load quotes: %w", err)
	}
	s.mu.Lock()
	s.viewRequestID = requestID
	s.view = quotes
	s.mu.Unlock()
	return nil
}

// Refresh re-reads the view for the request loaded last. A no-op before the
// first Load.
func (s *Service) Refresh(ctx context.Context) error {
	s.mu.Lock()
	requestID := s.viewRequestID
	s.mu.Unlock()
	if requestID == "" {
		return nil
	}
	return s.Load(ctx, requestID)
}

// Quotes returns a copy of the current view.
func (s *Service) Quotes() []quote.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]quote.Quote, len(s.view))
	copy(out, s.view)
	return out
}

// Accept starts the acceptance flow. It never commits anything itself: it
// either short-circuits on prior state or asks the caller to pick a payment
// method and call Commit.
func (s *Service) Accept(ctx context.Context, userID, quoteID string) (Decision, error) {
	if !s.begin() {
		return "", ErrBusy
	}
	defer s.end()

	q, err := s.quotes.Get(ctx, quoteID)
	if err != nil {
		if errors.Is(err, quote.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("acceptance: resolve quote: %w", err)
	}

	if q.Status == quote.StatusAccepted {
		return DecisionAlreadyAccepted, nil
	}

	rec, committed, err := s.ledger.ForRequest(ctx, q.RequestID)
	if err != nil {
		return "", fmt.Errorf("acceptance: ledger check: %w", err)
	}
	if committed {
		if rec.QuoteID != quoteID {
			return "", ErrRequestResolved
		}
		// Double submission: the commit already happened, possibly from a
		// retried call whose status write we cannot see yet.
		s.setViewStatus(quoteID, quote.StatusAccepted)
		s.notifier.Notify(ctx, userID, notifybus.KindQuoteAccepted, map[string]any{
			"quote_id":   quoteID,
			"request_id": q.RequestID,
		})
		return DecisionAlreadyCommitted, nil
	}

	return DecisionPaymentMethodRequired, nil
}

// CommitResult reports how a commit concluded.
type CommitResult struct {
	AlreadyCommitted    bool
	RedirectedToPayment bool
	Confirmed           bool
}

// Commit finishes an acceptance once a payment method is chosen. Failures on
// the quote or request status writes abort with an error; later steps run
// at-least-once and rely on the ledger check to stay idempotent on retry.
func (s *Service) Commit(ctx context.Context, userID, quoteID string, method PaymentMethod) (CommitResult, error) {
	if method != PaymentCash && method != PaymentCredit {
		return CommitResult{}, ErrInvalidPaymentMethod
	}
	if !s.begin() {
		return CommitResult{}, ErrBusy
	}
	defer s.end()

	q, err := s.quotes.Get(ctx, quoteID)
	if err != nil {
		if errors.Is(err, quote.ErrNotFound) {
			return CommitResult{}, err
		}
		return CommitResult{}, fmt.Errorf("acceptance: resolve quote: %w", err)
	}

	// Race protection against a concurrent or retried commit on this request.
	rec, committed, err := s.ledger.ForRequest(ctx, q.RequestID)
	if err != nil {
		return CommitResult{}, fmt.Errorf("acceptance: ledger check: %w", err)
	}
	if committed {
		if rec.QuoteID != quoteID {
			return CommitResult{}, ErrRequestResolved
		}
		s.setViewStatus(quoteID, quote.StatusAccepted)
		return CommitResult{AlreadyCommitted: true}, nil
	}

	if _, err := s.quotes.UpdateStatus(ctx, quoteID, quote.StatusAccepted); err != nil {
		s.metrics.RemoteFailure("quote_status")
		s.notifyFailure(ctx, userID, quoteID, "accept")
		return CommitResult{}, fmt.Errorf("acceptance: update quote status: %w", err)
	}

	if _, err := s.requests.UpdateStatus(ctx, q.RequestID, request.StatusWaitingForRating); err != nil {
		s.metrics.RemoteFailure("request_status")
		s.notifyFailure(ctx, userID, quoteID, "accept")
		return CommitResult{}, fmt.Errorf("acceptance: update request status: %w", err)
	}

	s.notifier.Notify(ctx, userID, notifybus.KindQuoteAccepted, map[string]any{
		"quote_id":          quoteID,
		"request_id":        q.RequestID,
		"professional_name": q.Professional.Name,
	})
	bg := context.WithoutCancel(ctx)
	s.after(s.notifyGap, func() {
		s.notifier.Notify(bg, userID, notifybus.KindRatingReminder, map[string]any{
			"request_id": q.RequestID,
		})
	})

	// Close out the competing quotes. Sibling writes are tolerated failures:
	// the accepted quote and the ledger record define the outcome, and the
	// UI view is resolved regardless.
	if siblings, err := s.quotes.ListByRequest(ctx, q.RequestID); err != nil {
		s.log.Warn().Err(err).Str("request_id", q.RequestID).Msg("listing siblings failed")
	} else {
		for _, sibling := range siblings {
			if sibling.ID == quoteID || sibling.Status != quote.StatusPending {
				continue
			}
			if _, err := s.quotes.UpdateStatus(ctx, sibling.ID, quote.StatusRejected); err != nil {
				s.metrics.RemoteFailure("quote_status")
				s.log.Warn().Err(err).Str("quote_id", sibling.ID).Msg("rejecting sibling quote failed")
			}
		}
	}
	s.resolveView(quoteID)

	record := ledger.Record{
		UserID:           userID,
		QuoteID:          quoteID,
		RequestID:        q.RequestID,
		ProfessionalID:   q.Professional.ID,
		ProfessionalName: q.Professional.Name,
		Price:            q.Price,
		Date:             s.now(),
		Description:      q.Description,
		PaymentMethod:    string(method),
	}
	if _, err := s.ledger.Save(ctx, record); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			// A concurrent commit slipped past the earlier check. Absorb it
			// only when the winner is this same quote.
			if existing, ok, lookupErr := s.ledger.ForRequest(ctx, q.RequestID); lookupErr == nil && ok && existing.QuoteID != quoteID {
				s.notifyFailure(ctx, userID, quoteID, "accept")
				return CommitResult{}, ErrRequestResolved
			}
		} else {
			s.metrics.RemoteFailure("ledger_save")
			s.notifyFailure(ctx, userID, quoteID, "accept")
			return CommitResult{}, fmt.Errorf("acceptance: save ledger record: %w", err)
		}
	}

	// Acceptance implies contact details were exchanged. A failure here is
	// tolerated: the referral store degrades to its local cache on its own,
	// and status correctness matters more than referral bookkeeping.
	if _, err := s.referrals.Save(ctx, referral.SaveParams{
		UserID:           userID,
		ProfessionalID:   q.Professional.ID,
		ProfessionalName: q.Professional.Name,
		PhoneNumber:      q.Professional.Phone,
		Profession:       q.Professional.Profession,
	}); err != nil {
		s.log.Warn().Err(err).Str("quote_id", quoteID).Msg("referral persist failed after acceptance")
	}

	s.metrics.AcceptCommitted()

	if method == PaymentCredit {
		s.payments.RedirectToPayment(ctx, quoteID, q.Price)
		return CommitResult{RedirectedToPayment: true}, nil
	}

	s.notifier.Notify(ctx, userID, notifybus.KindConfirmation, map[string]any{
		"request_id":        q.RequestID,
		"professional_name": q.Professional.Name,
	})
	s.after(s.settleDelay, func() {
		if err := s.Load(bg, q.RequestID); err != nil {
			s.log.Warn().Err(err).Str("request_id", q.RequestID).Msg("post-commit refresh failed")
		}
	})
	return CommitResult{Confirmed: true}, nil
}

// Reject rejects a quote. Rejecting a previously-accepted quote rolls the
// acceptance back: the ledger record is deleted, siblings return to pending
// and the request reopens. The view is refreshed from the repository on the
// way out no matter how the operation ends.
func (s *Service) Reject(ctx context.Context, userID, quoteID string) error {
	if !s.begin() {
		return ErrBusy
	}
	defer s.end()

	q, err := s.quotes.Get(ctx, quoteID)
	if err != nil {
		if errors.Is(err, quote.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("acceptance: resolve quote: %w", err)
	}

	defer func() {
		if err := s.Load(context.WithoutCancel(ctx), q.RequestID); err != nil {
			s.log.Warn().Err(err).Str("request_id", q.RequestID).Msg("post-reject refresh failed")
		}
	}()

	if q.Status != quote.StatusAccepted {
		if _, err := s.quotes.UpdateStatus(ctx, quoteID, quote.StatusRejected); err != nil {
			s.notifyFailure(ctx, userID, quoteID, "reject")
			return fmt.Errorf("acceptance: reject quote: %w", err)
		}
		return nil
	}

	// Acceptance rollback.
	if err := s.ledger.Delete(ctx, quoteID); err != nil {
		s.notifyFailure(ctx, userID, quoteID, "reject")
		return fmt.Errorf("acceptance: delete ledger record: %w", err)
	}
	if _, err := s.quotes.UpdateStatus(ctx, quoteID, quote.StatusRejected); err != nil {
		s.notifyFailure(ctx, userID, quoteID, "reject")
		return fmt.Errorf("acceptance: reject quote: %w", err)
	}

	siblings, err := s.quotes.ListByRequest(ctx, q.RequestID)
	if err != nil {
		return fmt.Errorf("acceptance: list siblings: %w", err)
	}
	for _, sibling := range siblings {
		if sibling.ID == quoteID || sibling.Status == quote.StatusAccepted || sibling.Status == quote.StatusPending {
			continue
		}
		if _, err := s.quotes.UpdateStatus(ctx, sibling.ID, quote.StatusPending); err != nil {
			return fmt.Errorf("acceptance: reset sibling %s: %w", sibling.ID, err)
		}
	}

	if _, err := s.requests.UpdateStatus(ctx, q.RequestID, request.StatusActive); err != nil {
		return fmt.Errorf("acceptance: reopen request: %w", err)
	}

	s.metrics.AcceptRolledBack()
	return nil
}

func (s *Service) begin() bool {
	return s.inFlight.CompareAndSwap(false, true)
}

func (s *Service) end() {
	s.inFlight.Store(false)
}

// after runs fn once d elapses; a non-positive d runs it inline so tests
// stay deterministic.
func (s *Service) after(d time.Duration, fn func()) {
	if d <= 0 {
		fn()
		return
	}
	time.AfterFunc(d, fn)
}

func (s *Service) notifyFailure(ctx context.Context, userID, quoteID, op string) {
	s.notifier.Notify(ctx, userID, notifybus.KindOperationFailed, map[string]any{
		"quote_id": quoteID,
		"op":       op,
	})
}

func (s *Service) setViewStatus(quoteID string, status quote.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.view {
		if s.view[i].ID == quoteID {
			s.view[i].Status = status
		}
	}
}

// resolveView marks the target accepted and every other pending sibling
// rejected: the request is resolved as far as the UI is concerned.
func (s *Service) resolveView(quoteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.view {
		switch {
		case s.view[i].ID == quoteID:
			s.view[i].Status = quote.StatusAccepted
		case s.view[i].Status == quote.StatusPending:
			s.view[i].Status = quote.StatusRejected
		}
	}
}
