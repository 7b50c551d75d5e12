package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rlmrs/rlmrs/pkg/config"
	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/metastore"
)

const sessionSKPrefix = "SESSION#"

// Service persists sessions in the metadata store, keyed by
// (TENANT#{tenant}, SESSION#{id}).
type Service struct {
	store  metastore.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a session service. ttl is the default session expiry.
func NewService(store metastore.Store, ttl time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ttl: ttl, logger: logger}
}

func tenantPK(tenant string) string {
	return "TENANT#" + tenant
}

// Create registers a new session. Documents may be empty and added later
// until the session becomes ready.
func (s *Service) Create(ctx context.Context, tenant string, readiness Readiness, docs []Document, defaults *config.LimitsConfig) (*Session, error) {
	if tenant == "" {
		return nil, fault.New(fault.CodeValidation, "tenant must not be empty")
	}
	switch readiness {
	case "", ReadinessLax:
		readiness = ReadinessLax
	case ReadinessStrict:
	default:
		return nil, fault.New(fault.CodeValidation, "unknown readiness mode %q", readiness)
	}
	if err := validateDocs(docs); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Status:    StatusPending,
		Readiness: readiness,
		Documents: docs,
		Defaults:  defaults,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	sess.refreshStatus(now)

	if err := s.put(ctx, sess, 0); err != nil {
		return nil, err
	}
	s.logger.Info("session created", "session", sess.ID, "tenant", tenant, "documents", len(docs), "status", sess.Status)
	return sess, nil
}

// Get loads a session, lazily marking it expired when the TTL has passed.
func (s *Service) Get(ctx context.Context, tenant, id string) (*Session, error) {
	sess, version, err := s.load(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if sess.Status != StatusExpired && sess.Expired(now) {
		sess.Status = StatusExpired
		if err := s.put(ctx, sess, version); err != nil && !errors.Is(err, metastore.ErrVersionConflict) {
			return nil, err
		}
	}
	return sess, nil
}

// AddDocuments appends documents to a pending session. Ready sessions are
// immutable.
func (s *Service) AddDocuments(ctx context.Context, tenant, id string, docs []Document) (*Session, error) {
	if err := validateDocs(docs); err != nil {
		return nil, err
	}
	sess, version, err := s.load(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusReady {
		return nil, fault.New(fault.CodeValidation, "session %s is ready; its corpus is immutable", id)
	}
	if sess.Status == StatusExpired || sess.Expired(time.Now().UTC()) {
		return nil, fault.New(fault.CodeSessionNotFound, "session %s has expired", id)
	}

	sess.Documents = append(sess.Documents, docs...)
	sess.refreshStatus(time.Now().UTC())
	if err := s.put(ctx, sess, version); err != nil {
		return nil, err
	}
	return sess, nil
}

// SetDocumentStatus records parser/indexer progress for one document and
// re-evaluates readiness.
func (s *Service) SetDocumentStatus(ctx context.Context, tenant, id, docID string, parsed, indexed bool) (*Session, error) {
	sess, version, err := s.load(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	found := false
	for i := range sess.Documents {
		if sess.Documents[i].ID == docID {
			sess.Documents[i].Parsed = parsed
			sess.Documents[i].Indexed = indexed
			found = true
			break
		}
	}
	if !found {
		return nil, fault.New(fault.CodeValidation, "document %s not in session %s", docID, id)
	}
	sess.refreshStatus(time.Now().UTC())
	if err := s.put(ctx, sess, version); err != nil {
		return nil, err
	}
	if sess.Status == StatusReady {
		s.logger.Info("session ready", "session", sess.ID, "tenant", tenant, "documents", len(sess.Documents))
	}
	return sess, nil
}

// RequireReady loads a session and checks it can serve executions.
func (s *Service) RequireReady(ctx context.Context, tenant, id string) (*Session, error) {
	sess, err := s.Get(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	switch sess.Status {
	case StatusReady:
		return sess, nil
	case StatusExpired:
		return nil, fault.New(fault.CodeSessionNotFound, "session %s has expired", id)
	default:
		return nil, fault.New(fault.CodeSessionNotReady, "session %s is not ready", id)
	}
}

// SweepExpired marks every expired session in the tenant partition and
// returns how many it transitioned.
func (s *Service) SweepExpired(ctx context.Context, tenant string) (int, error) {
	items, err := s.store.Query(ctx, tenantPK(tenant), sessionSKPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	now := time.Now().UTC()
	swept := 0
	for _, item := range items {
		var sess Session
		if err := json.Unmarshal(item.Data, &sess); err != nil {
			s.logger.Warn("skipping corrupt session item", "sk", item.SK, "error", err)
			continue
		}
		if sess.Status == StatusExpired || !sess.Expired(now) {
			continue
		}
		sess.Status = StatusExpired
		if err := s.put(ctx, &sess, item.Version); err != nil {
			if errors.Is(err, metastore.ErrVersionConflict) {
				continue
			}
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info("expired sessions swept", "tenant", tenant, "count", swept)
	}
	return swept, nil
}

func (s *Service) load(ctx context.Context, tenant, id string) (*Session, int64, error) {
	item, err := s.store.Get(ctx, tenantPK(tenant), sessionSKPrefix+id)
	if errors.Is(err, metastore.ErrNotFound) {
		return nil, 0, fault.New(fault.CodeSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(item.Data, &sess); err != nil {
		return nil, 0, fmt.Errorf("corrupt session item: %w", err)
	}
	return &sess, item.Version, nil
}

// put writes the session. version 0 creates; otherwise a conditional
// update.
func (s *Service) put(ctx context.Context, sess *Session, version int64) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	item := metastore.Item{
		PK:        tenantPK(sess.Tenant),
		SK:        sessionSKPrefix + sess.ID,
		Data:      data,
		ExpiresAt: sess.ExpiresAt,
	}
	if version == 0 {
		_, err = s.store.Create(ctx, item)
	} else {
		_, err = s.store.UpdateIf(ctx, item, version)
	}
	if err != nil && !errors.Is(err, metastore.ErrVersionConflict) {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return err
}

func (sess *Session) refreshStatus(now time.Time) {
	if sess.Expired(now) {
		sess.Status = StatusExpired
		return
	}
	if sess.ready() {
		sess.Status = StatusReady
	} else {
		sess.Status = StatusPending
	}
}

func validateDocs(docs []Document) error {
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			return fault.New(fault.CodeValidation, "document id must not be empty")
		}
		if seen[d.ID] {
			return fault.New(fault.CodeValidation, "duplicate document id %q", d.ID)
		}
		seen[d.ID] = true
		if d.Parsed && d.TextKey == "" {
			return fault.New(fault.CodeValidation, "parsed document %q has no text key", d.ID)
		}
		if d.Parsed && !strings.HasPrefix(d.Checksum, "sha256:") {
			return fault.New(fault.CodeValidation, "document %q checksum must be sha256-prefixed", d.ID)
		}
	}
	return nil
}
