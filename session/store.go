package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"math"
	"strconv"
	"time"

	"github.com/brixsport/statekit/errors"
	"github.com/brixsport/statekit/metric"
	"github.com/brixsport/statekit/redisclient"
)

// Config configures the session store.
type Config struct {
	// TTL is the session lifetime.
	TTL time.Duration

	// MaxPerOwner caps concurrent sessions per owner. Creating past the
	// cap evicts the owner's oldest sessions first.
	MaxPerOwner int

	// RefreshOnAccess enables sliding expiry: every valid Get pushes
	// ExpiresAt forward by TTL.
	RefreshOnAccess bool

	// Retention is how long an expired or revoked record stays readable
	// so callers can distinguish "expired"/"revoked" from "never existed".
	Retention time.Duration

	// CSRFSecret signs CSRF tokens. Must be at least 16 bytes.
	CSRFSecret []byte

	// LockStripes sizes the per-id lock table.
	LockStripes int
}

func (c Config) normalized() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.MaxPerOwner <= 0 {
		c.MaxPerOwner = 5
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.LockStripes <= 0 {
		c.LockStripes = 64
	}
	return c
}

// Option configures optional store collaborators.
type Option func(*Store)

// WithMetrics exports session lifecycle counters.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// Store keeps session records in the remote store. Each record lives at
// session:{id}; an owner's session ids live in a sorted set scored by
// creation time; a global sorted set scored by hard-removal time drives
// the cleanup sweep. Operations on one session id are linearized through
// striped locks, so a Revoke and a concurrent Get cannot interleave into
// a revoked-but-served session.
type Store struct {
	remote  redisclient.RemoteStore
	cfg     Config
	signer  *csrfSigner
	locks   *keyMutex
	metrics *metric.Metrics
}

// NewStore creates a session store.
func NewStore(remote redisclient.RemoteStore, cfg Config, opts ...Option) (*Store, error) {
	if remote == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "session", "NewStore", "remote store")
	}
	cfg = cfg.normalized()

	signer, err := newCSRFSigner(cfg.CSRFSecret)
	if err != nil {
		return nil, err
	}

	s := &Store{
		remote: remote,
		cfg:    cfg,
		signer: signer,
		locks:  newKeyMutex(cfg.LockStripes),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func recordKey(id string) string   { return "session:" + id }
func ownerKey(owner string) string { return "session:owner:" + owner }
func expiryKey() string            { return "session:expiry" }

func removalAt(s *Session, retention time.Duration) time.Time {
	return s.ExpiresAt.Add(retention)
}

// newSessionID builds an id with a sortable time prefix and a random
// suffix. The prefix keeps ids roughly creation-ordered in debugging
// output; the suffix makes them unguessable.
func newSessionID() (string, error) {
	suffix := make([]byte, 12)
	if _, err := rand.Read(suffix); err != nil {
		return "", errors.WrapTransient(err, "session", "newSessionID", "read random bytes")
	}
	return strconv.FormatInt(time.Now().UnixNano(), 36) + hex.EncodeToString(suffix), nil
}

// Create opens a new session for ownerID and returns it with a CSRF
// token bound to it. When the owner is at their session cap, their
// oldest sessions are evicted first.
func (s *Store) Create(ctx context.Context, ownerID string, data Data) (*Session, string, error) {
	if ownerID == "" {
		return nil, "", errors.WrapInvalid(errors.ErrInvalidConfig, "session", "Create", "owner id cannot be empty")
	}
	if !data.Role.Valid() {
		return nil, "", errors.WrapInvalid(errors.ErrInvalidConfig, "session", "Create", "unknown role "+string(data.Role))
	}

	unlock := s.locks.lock(ownerKey(ownerID))
	defer unlock()

	if err := s.evictOverCap(ctx, ownerID); err != nil {
		return nil, "", err
	}

	id, err := newSessionID()
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	sess := &Session{
		ID:        id,
		OwnerID:   ownerID,
		Data:      data,
		Version:   1,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}

	if err := s.save(ctx, sess); err != nil {
		return nil, "", err
	}
	if err := s.remote.ZAdd(ctx, ownerKey(ownerID), redisclient.ZMember{
		Member: id,
		Score:  float64(now.UnixNano()),
	}); err != nil {
		return nil, "", errors.WrapTransient(err, "session", "Create", "index owner session")
	}

	if s.metrics != nil {
		s.metrics.SessionsCreated.Inc()
		s.metrics.SessionsActive.Inc()
	}
	return sess, s.signer.token(id, sess.Version), nil
}

// evictOverCap removes the owner's oldest sessions until one slot is
// free. Caller holds the owner lock.
func (s *Store) evictOverCap(ctx context.Context, ownerID string) error {
	count, err := s.remote.ZCard(ctx, ownerKey(ownerID))
	if err != nil {
		return errors.WrapTransient(err, "session", "Create", "count owner sessions")
	}
	if count < int64(s.cfg.MaxPerOwner) {
		return nil
	}

	excess := count - int64(s.cfg.MaxPerOwner) + 1
	oldest, err := s.remote.ZRangeOldest(ctx, ownerKey(ownerID), excess)
	if err != nil {
		return errors.WrapTransient(err, "session", "Create", "list oldest sessions")
	}

	for _, id := range oldest {
		if err := s.revokeRecord(ctx, id, ownerID); err != nil && !errors.IsSessionInvalid(err) {
			return err
		}
		if s.metrics != nil {
			s.metrics.SessionsEvicted.Inc()
		}
	}
	return nil
}

// Get returns a live session by id, refreshing its expiry. The outcome
// distinguishes a session that never existed (or whose record already
// aged out) from one that was revoked and one that expired.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := liveness(sess, time.Now()); err != nil {
		return nil, err
	}

	if s.cfg.RefreshOnAccess {
		// Sliding expiry: an active session stays alive
		sess.ExpiresAt = time.Now().Add(s.cfg.TTL)
		if err := s.save(ctx, sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

// Update replaces the session's data and bumps its version, invalidating
// every previously issued CSRF token. Returns the updated session and a
// fresh token.
func (s *Store) Update(ctx context.Context, id string, data Data) (*Session, string, error) {
	if !data.Role.Valid() {
		return nil, "", errors.WrapInvalid(errors.ErrInvalidConfig, "session", "Update", "unknown role "+string(data.Role))
	}

	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if err := liveness(sess, time.Now()); err != nil {
		return nil, "", err
	}

	sess.Data = data
	sess.Version++
	sess.ExpiresAt = time.Now().Add(s.cfg.TTL)
	if err := s.save(ctx, sess); err != nil {
		return nil, "", err
	}
	return sess, s.signer.token(id, sess.Version), nil
}

// IssueCSRF returns the CSRF token for the session's current version.
func (s *Store) IssueCSRF(sess *Session) string {
	return s.signer.token(sess.ID, sess.Version)
}

// VerifyCSRF checks a presented token against the session's current
// version in constant time.
func (s *Store) VerifyCSRF(ctx context.Context, id, token string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if err := liveness(sess, time.Now()); err != nil {
		return err
	}
	if !s.signer.verify(id, sess.Version, token) {
		return errors.WrapInvalid(errors.ErrCsrfMismatch, "session", "VerifyCSRF", "token mismatch")
	}
	return nil
}

// Revoke invalidates a session immediately. The record is retained for
// the configured window so subsequent reads report "revoked" rather
// than "not found". Revoking twice is not an error.
func (s *Store) Revoke(ctx context.Context, id string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	sess, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if sess.Revoked() {
		return nil
	}
	return s.revokeLoaded(ctx, sess)
}

// revokeRecord is Revoke without taking the id lock, for callers that
// already hold an enclosing lock.
func (s *Store) revokeRecord(ctx context.Context, id, ownerID string) error {
	sess, err := s.load(ctx, id)
	if err != nil {
		if stderrors.Is(err, errors.ErrSessionNotFound) {
			// Record already aged out; drop the dangling index entry
			_ = s.remote.ZRem(ctx, ownerKey(ownerID), id)
			_ = s.remote.ZRem(ctx, expiryKey(), id)
		}
		return err
	}
	if sess.Revoked() {
		return nil
	}
	return s.revokeLoaded(ctx, sess)
}

func (s *Store) revokeLoaded(ctx context.Context, sess *Session) error {
	now := time.Now()
	sess.RevokedAt = &now

	raw, err := json.Marshal(sess)
	if err != nil {
		return errors.WrapInvalid(err, "session", "Revoke", "encode session")
	}
	if err := s.remote.Set(ctx, recordKey(sess.ID), string(raw), s.cfg.Retention); err != nil {
		return errors.WrapTransient(err, "session", "Revoke", "store revoked record")
	}

	if err := s.remote.ZRem(ctx, ownerKey(sess.OwnerID), sess.ID); err != nil {
		return errors.WrapTransient(err, "session", "Revoke", "drop owner index")
	}
	// Hard removal moves up to the end of the retention window
	if err := s.remote.ZAdd(ctx, expiryKey(), redisclient.ZMember{
		Member: sess.ID,
		Score:  float64(now.Add(s.cfg.Retention).Unix()),
	}); err != nil {
		return errors.WrapTransient(err, "session", "Revoke", "reschedule removal")
	}

	if s.metrics != nil {
		s.metrics.SessionsRevoked.Inc()
		s.metrics.SessionsActive.Dec()
	}
	return nil
}

// RevokeAll invalidates every session of an owner except exceptID and
// reports how many were revoked. Pass an empty exceptID to revoke all;
// pass the caller's own session id to log out every other device.
func (s *Store) RevokeAll(ctx context.Context, ownerID, exceptID string) (int, error) {
	ids, err := s.remote.ZRangeByScore(ctx, ownerKey(ownerID), 0, math.MaxFloat64)
	if err != nil {
		return 0, errors.WrapTransient(err, "session", "RevokeAll", "list owner sessions")
	}

	revoked := 0
	for _, id := range ids {
		if id == exceptID {
			continue
		}
		if err := s.Revoke(ctx, id); err != nil {
			if errors.IsSessionInvalid(err) {
				continue
			}
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// ListByOwner returns the owner's live sessions, oldest first. Index
// entries whose records have aged out are dropped as a side effect.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]*Session, error) {
	ids, err := s.remote.ZRangeByScore(ctx, ownerKey(ownerID), 0, math.MaxFloat64)
	if err != nil {
		return nil, errors.WrapTransient(err, "session", "ListByOwner", "list owner sessions")
	}

	sessions := make([]*Session, 0, len(ids))
	now := time.Now()
	for _, id := range ids {
		sess, err := s.load(ctx, id)
		if err != nil {
			if stderrors.Is(err, errors.ErrSessionNotFound) {
				_ = s.remote.ZRem(ctx, ownerKey(ownerID), id)
				continue
			}
			return nil, err
		}
		if liveness(sess, now) != nil {
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// CountByOwner returns the number of indexed sessions for an owner.
func (s *Store) CountByOwner(ctx context.Context, ownerID string) (int64, error) {
	count, err := s.remote.ZCard(ctx, ownerKey(ownerID))
	if err != nil {
		return 0, errors.WrapTransient(err, "session", "CountByOwner", "count owner sessions")
	}
	return count, nil
}

// CleanupExpired removes up to limit records whose retention window has
// passed, along with their index entries, and reports how many were
// removed. A non-positive limit sweeps everything due. Intended to run
// periodically; a bounded limit keeps each sweep short under backlog.
func (s *Store) CleanupExpired(ctx context.Context, limit int) (int, error) {
	due, err := s.remote.ZRangeByScore(ctx, expiryKey(), 0, float64(time.Now().Unix()))
	if err != nil {
		return 0, errors.WrapTransient(err, "session", "CleanupExpired", "list due sessions")
	}
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	removed := 0
	for _, id := range due {
		unlock := s.locks.lock(id)

		sess, err := s.load(ctx, id)
		switch {
		case stderrors.Is(err, errors.ErrSessionNotFound):
			// Record already aged out via TTL
		case err != nil:
			unlock()
			return removed, err
		default:
			// Refreshed since the sweep started; leave it alone
			if removalAt(sess, s.cfg.Retention).After(time.Now()) {
				unlock()
				continue
			}
			if delErr := s.remote.Del(ctx, recordKey(id)); delErr != nil {
				unlock()
				return removed, errors.WrapTransient(delErr, "session", "CleanupExpired", "delete record")
			}
			_ = s.remote.ZRem(ctx, ownerKey(sess.OwnerID), id)
		}

		if err := s.remote.ZRem(ctx, expiryKey(), id); err != nil {
			unlock()
			return removed, errors.WrapTransient(err, "session", "CleanupExpired", "drop removal entry")
		}
		unlock()
		removed++
	}
	return removed, nil
}

// load reads and decodes a session record. An absent record reports
// ErrSessionNotFound.
func (s *Store) load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.remote.Get(ctx, recordKey(id))
	if err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			return nil, errors.WrapInvalid(errors.ErrSessionNotFound, "session", "load", id)
		}
		return nil, errors.WrapTransient(err, "session", "load", "read record")
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, errors.WrapInvalid(err, "session", "load", "decode record")
	}
	return &sess, nil
}

// save persists a session record with a TTL covering its lifetime plus
// the retention window, and schedules its hard removal.
func (s *Store) save(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return errors.WrapInvalid(err, "session", "save", "encode session")
	}

	ttl := time.Until(removalAt(sess, s.cfg.Retention))
	if err := s.remote.Set(ctx, recordKey(sess.ID), string(raw), ttl); err != nil {
		return errors.WrapTransient(err, "session", "save", "store record")
	}

	if err := s.remote.ZAdd(ctx, expiryKey(), redisclient.ZMember{
		Member: sess.ID,
		Score:  float64(removalAt(sess, s.cfg.Retention).Unix()),
	}); err != nil {
		return errors.WrapTransient(err, "session", "save", "schedule removal")
	}
	return nil
}

// liveness maps a loaded record to its caller-visible outcome.
func liveness(sess *Session, now time.Time) error {
	if sess.Revoked() {
		return errors.WrapInvalid(errors.ErrSessionRevoked, "session", "Get", sess.ID)
	}
	if sess.Expired(now) {
		return errors.WrapInvalid(errors.ErrSessionExpired, "session", "Get", sess.ID)
	}
	return nil
}
