package acceptance

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"quoteflow/ledger"
	"quoteflow/notifybus"
	"quoteflow/quote"
	"quoteflow/referral"
	"quoteflow/request"
)

type fakeQuotes struct {
	order   []string
	quotes  map[string]quote.Quote
	getErr  error
	statErr error
	updates []string
}

func newFakeQuotes(qs ...quote.Quote) *fakeQuotes {
	f := &fakeQuotes{quotes: map[string]quote.Quote{}}
	for _, q := range qs {
		f.order = append(f.order, q.ID)
		f.quotes[q.ID] = q
	}
	return f
}

func (f *fakeQuotes) ListByRequest(ctx context.Context, requestID string) ([]quote.Quote, error) {
	out := []quote.Quote{}
	for _, id := range f.order {
		if q := f.quotes[id]; q.RequestID == requestID {
			out = append(out, q)
		}
	}
	return out, nil
}

func (f *fakeQuotes) Get(ctx context.Context, id string) (quote.Quote, error) {
	if f.getErr != nil {
		return quote.Quote{}, f.getErr
	}
	q, ok := f.quotes[id]
	if !ok {
		return quote.Quote{}, quote.ErrNotFound
	}
	return q, nil
}

func (f *fakeQuotes) Create(ctx context.Context, params quote.CreateParams) (quote.Quote, error) {
	return quote.Quote{}, errors.New("not implemented")
}

func (f *fakeQuotes) UpdateStatus(ctx context.Context, id string, status quote.Status) (quote.Quote, error) {
	if f.statErr != nil {
		return quote.Quote{}, f.statErr
	}
	q, ok := f.quotes[id]
	if !ok {
		return quote.Quote{}, quote.ErrNotFound
	}
	q.Status = status
	f.quotes[id] = q
	f.updates = append(f.updates, id+":"+string(status))
	return q, nil
}

type fakeRequests struct {
	requests map[string]request.Request
	updates  []request.Status
	err      error
}

func (f *fakeRequests) Get(ctx context.Context, id string) (request.Request, error) {
	r, ok := f.requests[id]
	if !ok {
		return request.Request{}, request.ErrNotFound
	}
	return r, nil
}

func (f *fakeRequests) Create(ctx context.Context, params request.CreateParams) (request.Request, error) {
	return request.Request{}, errors.New("not implemented")
}

func (f *fakeRequests) UpdateStatus(ctx context.Context, id string, status request.Status) (request.Request, error) {
	if f.err != nil {
		return request.Request{}, f.err
	}
	r := f.requests[id]
	r.Status = status
	f.requests[id] = r
	f.updates = append(f.updates, status)
	return r, nil
}

func (f *fakeRequests) Delete(ctx context.Context, id string) error {
	return errors.New("not implemented")
}

type fakeLedger struct {
	records map[string]ledger.Record
	saveErr error
	delErr  error
	deletes []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: map[string]ledger.Record{}}
}

func (f *fakeLedger) Exists(ctx context.Context, requestID, quoteID string) (bool, error) {
	rec, ok := f.records[quoteID]
	return ok && rec.RequestID == requestID, nil
}

func (f *fakeLedger) ForRequest(ctx context.Context, requestID string) (ledger.Record, bool, error) {
	for _, rec := range f.records {
		if rec.RequestID == requestID {
			return rec, true, nil
		}
	}
	return ledger.Record{}, false, nil
}

func (f *fakeLedger) Save(ctx context.Context, rec ledger.Record) (ledger.Record, error) {
	if f.saveErr != nil {
		return ledger.Record{}, f.saveErr
	}
	if _, ok := f.records[rec.QuoteID]; ok {
		return ledger.Record{}, ledger.ErrDuplicate
	}
	rec.ID = "rec-" + rec.QuoteID
	f.records[rec.QuoteID] = rec
	return rec, nil
}

func (f *fakeLedger) Delete(ctx context.Context, quoteID string) error {
	if f.delErr != nil {
		return f.delErr
	}
	delete(f.records, quoteID)
	f.deletes = append(f.deletes, quoteID)
	return nil
}

type fakeReferrals struct {
	saved []referral.SaveParams
	err   error
}

func (f *fakeReferrals) Save(ctx context.Context, params referral.SaveParams) (referral.Referral, error) {
	if f.err != nil {
		return referral.Referral{}, f.err
	}
	f.saved = append(f.saved, params)
	return referral.Referral{ID: "ref-1"}, nil
}

type fakeNotifier struct {
	kinds []notifybus.Kind
}

func (f *fakeNotifier) Notify(ctx context.Context, userID string, kind notifybus.Kind, payload map[string]any) {
	f.kinds = append(f.kinds, kind)
}

type fakePayments struct {
	quoteID string
	amount  float64
}

func (f *fakePayments) RedirectToPayment(ctx context.Context, quoteID string, amount float64) {
	f.quoteID = quoteID
	f.amount = amount
}

type fixture struct {
	svc       *Service
	quotes    *fakeQuotes
	requests  *fakeRequests
	ledger    *fakeLedger
	referrals *fakeReferrals
	notifier  *fakeNotifier
	payments  *fakePayments
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	quotes := newFakeQuotes(
		quote.Quote{
			ID: "q1", RequestID: "req-1", Price: 450, Status: quote.StatusPending,
			Description: "fix leaking sink",
			Professional: quote.Professional{
				ID: "prof-1", Name: "Dana", Phone: "050-1111111", Profession: "plumbing",
			},
		},
		quote.Quote{
			ID: "q2", RequestID: "req-1", Price: 600, Status: quote.StatusPending,
			Professional: quote.Professional{ID: "prof-2", Name: "Omri", Phone: "050-2222222"},
		},
	)
	requests := &fakeRequests{requests: map[string]request.Request{
		"req-1": {ID: "req-1", UserID: "user-1", Status: request.StatusActive},
	}}
	led := newFakeLedger()
	refs := &fakeReferrals{}
	notifier := &fakeNotifier{}
	payments := &fakePayments{}

	svc := NewService(quotes, requests, led, refs, notifier, payments, zerolog.Nop()).
		WithDelays(0, 0)
	if err := svc.Load(context.Background(), "req-1"); err != nil {
		t.Fatalf("load view: %v", err)
	}
	return &fixture{svc, quotes, requests, led, refs, notifier, payments}
}

func (f *fixture) viewStatus(t *testing.T, quoteID string) quote.Status {
	t.Helper()
	for _, q := range f.svc.Quotes() {
		if q.ID == quoteID {
			return q.Status
		}
	}
	t.Fatalf("quote %s not in view", quoteID)
	return ""
}

func TestAcceptPendingQuoteAsksForPaymentMethod(t *testing.T) {
	f := newFixture(t)

	decision, err := f.svc.Accept(context.Background(), "user-1", "q1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionPaymentMethodRequired {
		t.Fatalf("expected payment method prompt, got %s", decision)
	}
	if len(f.quotes.updates) != 0 {
		t.Errorf("accept must not write before commit, got %v", f.quotes.updates)
	}
}

func TestAcceptAlreadyAcceptedQuoteIsNoop(t *testing.T) {
	f := newFixture(t)
	q := f.quotes.quotes["q1"]
	q.Status = quote.StatusAccepted
	f.quotes.quotes["q1"] = q

	decision, err := f.svc.Accept(context.Background(), "user-1", "q1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionAlreadyAccepted {
		t.Fatalf("expected already accepted, got %s", decision)
	}
	if len(f.notifier.kinds) != 0 {
		t.Errorf("no notifications expected, got %v", f.notifier.kinds)
	}
}

func TestAcceptWithExistingLedgerRecordShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.ledger.records["q1"] = ledger.Record{QuoteID: "q1", RequestID: "req-1"}

	decision, err := f.svc.Accept(context.Background(), "user-1", "q1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != DecisionAlreadyCommitted {
		t.Fatalf("expected already committed, got %s", decision)
	}
	if got := f.viewStatus(t, "q1"); got != quote.StatusAccepted {
		t.Errorf("view must show the committed quote as accepted, got %s", got)
	}
	if len(f.quotes.updates) != 0 {
		t.Errorf("no status writes on a double submission, got %v", f.quotes.updates)
	}
	if len(f.notifier.kinds) != 1 || f.notifier.kinds[0] != notifybus.KindQuoteAccepted {
		t.Errorf("expected a single acceptance notification, got %v", f.notifier.kinds)
	}
}

func TestCommitCashResolvesRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.Commit(ctx, "user-1", "q1", PaymentCash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Confirmed || result.RedirectedToPayment {
		t.Fatalf("expected confirmed cash commit, got %+v", result)
	}

	if got := f.quotes.quotes["q1"].Status; got != quote.StatusAccepted {
		t.Errorf("q1 status = %s, want accepted", got)
	}
	if got := f.quotes.quotes["q2"].Status; got != quote.StatusRejected {
		t.Errorf("sibling q2 status = %s, want rejected", got)
	}
	if got := f.viewStatus(t, "q2"); got != quote.StatusRejected {
		t.Errorf("sibling view status = %s, want rejected", got)
	}
	if got := f.requests.requests["req-1"].Status; got != request.StatusWaitingForRating {
		t.Errorf("request status = %s, want waiting_for_rating", got)
	}

	rec, ok := f.ledger.records["q1"]
	if !ok {
		t.Fatal("expected a ledger record for q1")
	}
	if rec.PaymentMethod != "cash" || rec.ProfessionalID != "prof-1" || rec.Price != 450 {
		t.Errorf("unexpected ledger record %+v", rec)
	}

	want := []notifybus.Kind{
		notifybus.KindQuoteAccepted,
		notifybus.KindRatingReminder,
		notifybus.KindConfirmation,
	}
	if len(f.notifier.kinds) != len(want) {
		t.Fatalf("notifications = %v, want %v", f.notifier.kinds, want)
	}
	for i, k := range want {
		if f.notifier.kinds[i] != k {
			t.Errorf("notification %d = %s, want %s", i, f.notifier.kinds[i], k)
		}
	}

	if len(f.referrals.saved) != 1 || f.referrals.saved[0].ProfessionalID != "prof-1" {
		t.Errorf("expected a referral for the accepted professional, got %+v", f.referrals.saved)
	}
}

func TestCommitCreditRedirectsToPayment(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.Commit(context.Background(), "user-1", "q1", PaymentCredit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.RedirectedToPayment || result.Confirmed {
		t.Fatalf("expected payment redirect, got %+v", result)
	}
	if f.payments.quoteID != "q1" || f.payments.amount != 450 {
		t.Errorf("redirect got quote %s amount %v", f.payments.quoteID, f.payments.amount)
	}
	if f.ledger.records["q1"].PaymentMethod != "credit" {
		t.Errorf("ledger record must carry the chosen method")
	}
	for _, k := range f.notifier.kinds {
		if k == notifybus.KindConfirmation {
			t.Error("credit flow must not send the cash confirmation")
		}
	}
}

func TestCommitRejectsUnknownPaymentMethod(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Commit(context.Background(), "user-1", "q1", PaymentMethod("bitcoin"))
	if !errors.Is(err, ErrInvalidPaymentMethod) {
		t.Fatalf("expected ErrInvalidPaymentMethod, got %v", err)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Commit(ctx, "user-1", "q1", PaymentCash); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	writes := len(f.quotes.updates)

	result, err := f.svc.Commit(ctx, "user-1", "q1", PaymentCash)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if !result.AlreadyCommitted {
		t.Fatalf("expected already-committed result, got %+v", result)
	}
	if len(f.quotes.updates) != writes {
		t.Errorf("retry must not write again, got %v", f.quotes.updates)
	}
	if len(f.ledger.records) != 1 {
		t.Errorf("expected exactly one ledger record, got %d", len(f.ledger.records))
	}
}

func TestCommitQuoteStatusFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.quotes.statErr = errors.New("connection refused")

	_, err := f.svc.Commit(context.Background(), "user-1", "q1", PaymentCash)
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(f.ledger.records) != 0 {
		t.Error("no ledger record may exist after a failed status write")
	}
	if len(f.requests.updates) != 0 {
		t.Error("request status must not change after a failed quote write")
	}
	var sawFailure bool
	for _, k := range f.notifier.kinds {
		if k == notifybus.KindOperationFailed {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("expected an operation-failed notification")
	}
}

func TestCommitToleratesReferralFailure(t *testing.T) {
	f := newFixture(t)
	f.referrals.err = errors.New("cache broken")

	result, err := f.svc.Commit(context.Background(), "user-1", "q1", PaymentCash)
	if err != nil {
		t.Fatalf("referral failure must not fail the commit: %v", err)
	}
	if !result.Confirmed {
		t.Fatalf("expected confirmed commit, got %+v", result)
	}
	if _, ok := f.ledger.records["q1"]; !ok {
		t.Error("ledger record must survive a referral failure")
	}
}

func TestRejectAcceptedQuoteRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Commit(ctx, "user-1", "q1", PaymentCash); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := f.svc.Reject(ctx, "user-1", "q1"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if len(f.ledger.records) != 0 {
		t.Error("ledger record must be deleted on rollback")
	}
	if got := f.quotes.quotes["q1"].Status; got != quote.StatusRejected {
		t.Errorf("q1 status = %s, want rejected", got)
	}
	if got := f.quotes.quotes["q2"].Status; got != quote.StatusPending {
		t.Errorf("sibling q2 status = %s, want pending", got)
	}
	if got := f.requests.requests["req-1"].Status; got != request.StatusActive {
		t.Errorf("request status = %s, want active", got)
	}
	// View is refreshed from the repository on the way out.
	if got := f.viewStatus(t, "q2"); got != quote.StatusPending {
		t.Errorf("view q2 = %s, want pending", got)
	}
}

func TestRejectPendingQuoteLeavesRequestAlone(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.Reject(context.Background(), "user-1", "q2"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := f.quotes.quotes["q2"].Status; got != quote.StatusRejected {
		t.Errorf("q2 status = %s, want rejected", got)
	}
	if len(f.requests.updates) != 0 {
		t.Errorf("request must be untouched, got %v", f.requests.updates)
	}
	if len(f.ledger.deletes) != 0 {
		t.Errorf("no ledger delete for a non-accepted quote")
	}
}

func TestRejectMissingQuoteIsNoop(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.Reject(context.Background(), "user-1", "missing"); err != nil {
		t.Fatalf("rejecting a vanished quote must be a no-op, got %v", err)
	}
}

func TestAcceptSecondQuoteOnResolvedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Commit(ctx, "user-1", "q1", PaymentCash); err != nil {
		t.Fatalf("commit q1: %v", err)
	}

	if _, err := f.svc.Accept(ctx, "user-1", "q2"); !errors.Is(err, ErrRequestResolved) {
		t.Errorf("Accept: expected ErrRequestResolved, got %v", err)
	}
	if _, err := f.svc.Commit(ctx, "user-1", "q2", PaymentCash); !errors.Is(err, ErrRequestResolved) {
		t.Errorf("Commit: expected ErrRequestResolved, got %v", err)
	}
	if len(f.ledger.records) != 1 {
		t.Errorf("expected a single ledger record, got %d", len(f.ledger.records))
	}
}

func TestRefreshRereadsLoadedRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.quotes.UpdateStatus(ctx, "q1", quote.StatusRejected); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := f.svc.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := f.viewStatus(t, "q1"); got != quote.StatusRejected {
		t.Errorf("view q1 = %s, want rejected after refresh", got)
	}
}

func TestOperationsRefuseWhileInFlight(t *testing.T) {
	f := newFixture(t)
	f.svc.inFlight.Store(true)

	if _, err := f.svc.Accept(context.Background(), "user-1", "q1"); !errors.Is(err, ErrBusy) {
		t.Errorf("Accept: expected ErrBusy, got %v", err)
	}
	if _, err := f.svc.Commit(context.Background(), "user-1", "q1", PaymentCash); !errors.Is(err, ErrBusy) {
		t.Errorf("Commit: expected ErrBusy, got %v", err)
	}
	if err := f.svc.Reject(context.Background(), "user-1", "q1"); !errors.Is(err, ErrBusy) {
		t.Errorf("Reject: expected ErrBusy, got %v", err)
	}
}
