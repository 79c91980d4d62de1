package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/singleflight"

	"quoteflow/db"
	"quoteflow/localcache"
	"quoteflow/metrics"
)

const collection = "referrals"

// remoteAPI is the remote half of the dual-write store.
type remoteAPI interface {
	upsert(ctx context.Context, r Referral) (Referral, error)
	list(ctx context.Context, userID string) ([]Referral, error)
	setStatus(ctx context.Context, id string, status Status) error
}

// Store keeps referrals in the remote store and the local cache at once. The
// cache is written unconditionally so a reveal never depends on the network;
// remote and local sets are merged on read, remote winning on conflict.
type Store struct {
	remote  remoteAPI
	cache   *localcache.Cache
	log     zerolog.Logger
	metrics *metrics.Metrics

	reads  *gobreaker.CircuitBreaker[[]Referral]
	writes *gobreaker.CircuitBreaker[Referral]
	group  singleflight.Group

	now func() time.Time
}

func NewStore(pool *pgxpool.Pool, cache *localcache.Cache, log zerolog.Logger) *Store {
	return &Store{
		remote:  &pgRemote{pool: pool},
		cache:   cache,
		log:     log,
		reads:   gobreaker.NewCircuitBreaker[[]Referral](gobreaker.Settings{Name: "referral-remote-read"}),
		writes:  gobreaker.NewCircuitBreaker[Referral](gobreaker.Settings{Name: "referral-remote-write"}),
		now:     time.Now,
	}
}

func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.metrics = m
	return s
}

func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

type SaveParams struct {
	UserID           string
	ProfessionalID   string
	ProfessionalName string
	PhoneNumber      string
	Profession       string
}

// Save records a reveal. The local cache is written first and never skipped;
// the remote upsert (keyed on user and professional) is best-effort. A remote
// failure still reports success, backed by the cached copy.
func (s *Store) Save(ctx context.Context, params SaveParams) (Referral, error) {
	if params.UserID == "" || params.ProfessionalID == "" {
		return Referral{}, fmt.Errorf("referral: user and professional ids required")
	}

	local, err := s.writeThrough(params)
	if err != nil {
		return Referral{}, err
	}

	remote, err := s.writes.Execute(func() (Referral, error) {
		return s.remote.upsert(ctx, Referral{
			UserID:           params.UserID,
			ProfessionalID:   params.ProfessionalID,
			ProfessionalName: params.ProfessionalName,
			PhoneNumber:      params.PhoneNumber,
			Profession:       params.Profession,
			Status:           StatusNew,
			Date:             s.now(),
		})
	})
	if err != nil {
		s.metrics.RemoteFailure("referral_save")
		s.metrics.ReferralSaved("local_only")
		s.log.Warn().Err(err).Str("professional_id", params.ProfessionalID).
			Msg("referral remote write failed, keeping local copy")
		return local, nil
	}

	// Remote confirmed: replace any synthetic-id cache entry with the real row.
	if local.Local() {
		if err := s.cache.Delete(collection, params.UserID, local.ID); err != nil {
			s.log.Warn().Err(err).Msg("dropping synthetic referral entry failed")
		}
	}
	if _, err := s.cache.Save(collection, params.UserID, toItem(remote)); err != nil {
		s.log.Warn().Err(err).Msg("refreshing referral cache entry failed")
	}
	s.metrics.ReferralSaved("remote")
	return remote, nil
}

// writeThrough upserts into the cache keyed by professional id, so repeated
// reveals update the existing entry instead of duplicating it.
func (s *Store) writeThrough(params SaveParams) (Referral, error) {
	fields := localcache.Item{
		"userId":           params.UserID,
		"professionalId":   params.ProfessionalID,
		"professionalName": params.ProfessionalName,
		"phoneNumber":      params.PhoneNumber,
		"profession":       params.Profession,
	}

	items, err := s.cache.GetAll(collection, params.UserID)
	if err != nil {
		return Referral{}, fmt.Errorf("referral: read cache: %w", err)
	}
	for _, item := range items {
		if pid, _ := item["professionalId"].(string); pid == params.ProfessionalID {
			id, _ := item["id"].(string)
			updated, err := s.cache.Update(collection, params.UserID, id, fields)
			if err != nil {
				return Referral{}, fmt.Errorf("referral: update cache: %w", err)
			}
			r, _ := fromItem(updated)
			return r, nil
		}
	}

	fields["status"] = string(StatusNew)
	fields["date"] = s.now().Format(time.RFC3339Nano)
	saved, err := s.cache.Save(collection, params.UserID, fields)
	if err != nil {
		return Referral{}, fmt.Errorf("referral: write cache: %w", err)
	}
	r, _ := fromItem(saved)
	return r, nil
}

// LoadResult carries the merged referral list. Degraded is set when the
// remote fetch failed for a reason worth warning the user about.
type LoadResult struct {
	Items    []Referral
	Degraded bool
}

// LoadAll merges the cached and remote referral sets for a user. The remote
// list is authoritative; local records with synthetic ids, or with real ids
// the remote did not return, are appended.
func (s *Store) LoadAll(ctx context.Context, userID string) (LoadResult, error) {
	items, err := s.cache.GetAll(collection, userID)
	if err != nil {
		return LoadResult{}, fmt.Errorf("referral: read cache: %w", err)
	}
	locals := make([]Referral, 0, len(items))
	for _, item := range items {
		if r, ok := fromItem(item); ok {
			locals = append(locals, r)
		}
	}

	remote, err, _ := s.group.Do(userID, func() (any, error) {
		return s.reads.Execute(func() ([]Referral, error) {
			return s.remote.list(ctx, userID)
		})
	})
	if err != nil {
		if db.IsAccessControl(err) {
			// Expected transiently for fresh users; local data, no alert.
			return LoadResult{Items: locals}, nil
		}
		s.metrics.CacheFallback()
		s.log.Warn().Err(err).Str("user_id", userID).
			Msg("referral remote read failed, serving cached data")
		return LoadResult{Items: locals, Degraded: true}, nil
	}

	remoteList := remote.([]Referral)
	remoteIDs := make(map[string]struct{}, len(remoteList))
	for _, r := range remoteList {
		remoteIDs[r.ID] = struct{}{}
		if _, err := s.cache.Save(collection, userID, toItem(r)); err != nil {
			s.log.Warn().Err(err).Str("referral_id", r.ID).Msg("refreshing referral cache failed")
		}
	}

	merged := append([]Referral{}, remoteList...)
	for _, local := range locals {
		if local.Local() {
			// Remote write may still be catching up; always keep it.
			merged = append(merged, local)
			continue
		}
		if _, ok := remoteIDs[local.ID]; !ok {
			merged = append(merged, local)
		}
	}
	return LoadResult{Items: merged}, nil
}

// MarkContacted flips a referral to contacted: cache first so the UI state
// sticks, then a best-effort remote update.
func (s *Store) MarkContacted(ctx context.Context, userID, referralID string) error {
	_, err := s.cache.Update(collection, userID, referralID, localcache.Item{
		"status": string(StatusContacted),
	})
	if err != nil && !errors.Is(err, localcache.ErrNotFound) {
		s.log.Warn().Err(err).Str("referral_id", referralID).Msg("cache contacted update failed")
	}

	if localcache.IsLocalID(referralID) {
		// The remote store never saw this record; it syncs on the next save.
		return nil
	}

	if _, err := s.writes.Execute(func() (Referral, error) {
		return Referral{}, s.remote.setStatus(ctx, referralID, StatusContacted)
	}); err != nil {
		s.metrics.RemoteFailure("referral_mark_contacted")
		s.log.Warn().Err(err).Str("referral_id", referralID).
			Msg("remote contacted update failed, local state kept")
	}
	return nil
}

// pgRemote is the PostgreSQL implementation of the remote half.
type pgRemote struct {
	pool *pgxpool.Pool
}

const referralColumns = `id, user_id, professional_id, professional_name, phone_number, profession, completed_work, status::text, date, updated_at`

func (r *pgRemote) upsert(ctx context.Context, ref Referral) (Referral, error) {
	query := `
		INSERT INTO referrals (user_id, professional_id, professional_name, phone_number, profession, status, date)
		VALUES ($1, $2, $3, $4, $5, 'new', $6)
		ON CONFLICT (user_id, professional_id) DO UPDATE
		SET professional_name = EXCLUDED.professional_name,
		    phone_number = EXCLUDED.phone_number,
		    profession = EXCLUDED.profession,
		    updated_at = now()
		RETURNING ` + referralColumns

	saved, err := scanReferral(r.pool.QueryRow(ctx, query,
		ref.UserID,
		ref.ProfessionalID,
		ref.ProfessionalName,
		ref.PhoneNumber,
		ref.Profession,
		ref.Date,
	))
	if err != nil {
		return Referral{}, fmt.Errorf("referral: upsert: %w", err)
	}
	return saved, nil
}

func (r *pgRemote) list(ctx context.Context, userID string) ([]Referral, error) {
	query := `SELECT ` + referralColumns + ` FROM referrals WHERE user_id = $1 ORDER BY date DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("referral: list: %w", err)
	}
	defer rows.Close()

	out := make([]Referral, 0, 8)
	for rows.Next() {
		ref, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("referral: scan: %w", err)
		}
		out = append(out, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("referral: iterate: %w", err)
	}
	return out, nil
}

func (r *pgRemote) setStatus(ctx context.Context, id string, status Status) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE referrals SET status = $2::referral_status, updated_at = now() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return fmt.Errorf("referral: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("referral: set status: no such referral %s", id)
	}
	return nil
}

func scanReferral(row pgx.Row) (Referral, error) {
	var ref Referral
	return ref, row.Scan(
		&ref.ID,
		&ref.UserID,
		&ref.ProfessionalID,
		&ref.ProfessionalName,
		&ref.PhoneNumber,
		&ref.Profession,
		&ref.CompletedWork,
		&ref.Status,
		&ref.Date,
		&ref.UpdatedAt,
	)
}
