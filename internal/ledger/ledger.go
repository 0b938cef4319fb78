// Package ledger implements the forensic ledger: an append-only, per-tenant
// hash chain of audit entries backed by SQLite.
//
// Append is the only path that creates entries or advances a chain head.
// Appends for one tenant are serialized by a per-tenant mutex; different
// tenants proceed in parallel.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/metrics"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/store"
)

// Filter narrows a ledger query.
type Filter = store.EntryFilter

// Record is the caller-supplied content of a new entry. Identity, ordering
// and hashes are assigned by the ledger.
type Record struct {
	TenantID        string
	SessionID       string
	AgentID         string
	OperatorID      string
	Action          domain.ActionType
	Target          string
	Classification  domain.Classification
	PolicyDecision  domain.PolicyDecision
	Approved        *bool
	ApproverID      string
	AttestationText string
	Reasoning       string
	Details         map[string]any
}

// Appender is the write side of the ledger used by the other components.
type Appender interface {
	Append(ctx context.Context, rec Record) (*domain.AuditEntry, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) { lg.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(lg *Ledger) { lg.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// Ledger is the forensic ledger.
type Ledger struct {
	db      *sql.DB
	entries store.AuditEntryRepo
	heads   store.ChainHeadRepo
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantChain
}

type tenantChain struct {
	mu     sync.Mutex
	head   domain.ChainHead
	loaded bool
}

// New creates a Ledger over db.
func New(db *sql.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		logger:  zap.NewNop(),
		now:     time.Now,
		tenants: make(map[string]*tenantChain),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) chain(tenantID string) *tenantChain {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.tenants[tenantID]
	if !ok {
		c = &tenantChain{}
		l.tenants[tenantID] = c
	}
	return c
}

// Append creates, hashes and durably stores a new entry at the tip of the
// tenant's chain. A store failure returns ErrLedgerUnavailable and leaves the
// chain head unchanged.
func (l *Ledger) Append(ctx context.Context, rec Record) (*domain.AuditEntry, error) {
	if rec.TenantID == "" {
		return nil, domain.Wrap(domain.ErrLedgerUnavailable, "tenant id is required", nil)
	}
	if rec.Action == "" {
		return nil, domain.Wrap(domain.ErrLedgerUnavailable, "action is required", nil)
	}
	details, err := normalizeDetails(rec.Details)
	if err != nil {
		return nil, domain.Wrap(domain.ErrLedgerUnavailable, "encode details", err)
	}

	c := l.chain(rec.TenantID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		head, err := l.heads.Get(ctx, l.db, rec.TenantID)
		if err != nil {
			return nil, domain.Wrap(domain.ErrLedgerUnavailable, "load chain head", err)
		}
		c.head = head
		c.loaded = true
	}

	e := domain.AuditEntry{
		ID:              uuid.NewString(),
		TenantID:        rec.TenantID,
		SessionID:       rec.SessionID,
		SequenceNumber:  c.head.LastSequence + 1,
		Timestamp:       l.now().UTC().Round(0),
		AgentID:         rec.AgentID,
		OperatorID:      rec.OperatorID,
		Action:          rec.Action,
		Target:          rec.Target,
		Classification:  rec.Classification,
		PolicyDecision:  rec.PolicyDecision,
		Approved:        rec.Approved,
		ApproverID:      rec.ApproverID,
		AttestationText: rec.AttestationText,
		Reasoning:       rec.Reasoning,
		Details:         details,
		PreviousHash:    c.head.LastHash,
	}
	if err := seal(&e); err != nil {
		return nil, domain.Wrap(domain.ErrLedgerUnavailable, "hash entry", err)
	}

	next := domain.ChainHead{TenantID: rec.TenantID, LastHash: e.ContentHash, LastSequence: e.SequenceNumber}
	if err := l.persist(ctx, e, c.head, next); err != nil {
		// Another writer may have moved the head; reload on next append.
		c.loaded = false
		l.logger.Error("ledger append failed",
			zap.String("tenant", rec.TenantID),
			zap.String("action", string(rec.Action)),
			zap.Int64("sequence", e.SequenceNumber),
			zap.Error(err))
		return nil, domain.Wrap(domain.ErrLedgerUnavailable, "append", err)
	}
	c.head = next

	l.metrics.RecordLedgerAppend(string(e.Action))
	l.logger.Debug("ledger entry appended",
		zap.String("tenant", e.TenantID),
		zap.String("session", e.SessionID),
		zap.Int64("sequence", e.SequenceNumber),
		zap.String("action", string(e.Action)))
	return &e, nil
}

func (l *Ledger) persist(ctx context.Context, e domain.AuditEntry, prev, next domain.ChainHead) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := l.entries.AppendTx(ctx, tx, e); err != nil {
		return err
	}
	if err := l.heads.AdvanceTx(ctx, tx, prev, next); err != nil {
		return err
	}
	return tx.Commit()
}

// Head returns the stored chain head of a tenant.
func (l *Ledger) Head(ctx context.Context, tenantID string) (domain.ChainHead, error) {
	head, err := l.heads.Get(ctx, l.db, tenantID)
	if err != nil {
		return domain.ChainHead{}, domain.Wrap(domain.ErrLedgerUnavailable, "load chain head", err)
	}
	return head, nil
}

// Find returns entries matching f in tenant and sequence order.
func (l *Ledger) Find(ctx context.Context, f Filter) ([]domain.AuditEntry, error) {
	entries, err := l.entries.List(ctx, l.db, f)
	if err != nil {
		return nil, domain.Wrap(domain.ErrStoreQuery, "find entries", err)
	}
	return entries, nil
}

// FindByID returns a single entry.
func (l *Ledger) FindByID(ctx context.Context, id string) (*domain.AuditEntry, error) {
	e, err := l.entries.GetByID(ctx, l.db, id)
	if err != nil {
		if errors.Is(err, domain.ErrEntryNotFound) {
			return nil, err
		}
		return nil, domain.Wrap(domain.ErrStoreQuery, "find entry", err)
	}
	return e, nil
}

// FindBySession returns every entry of one session (workflow run).
func (l *Ledger) FindBySession(ctx context.Context, tenantID, sessionID string) ([]domain.AuditEntry, error) {
	return l.Find(ctx, Filter{TenantID: tenantID, SessionID: sessionID})
}
