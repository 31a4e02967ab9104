package workflowtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/workflow"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

// Now returns the current time and ticks one microsecond so successive events are ordered.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Microsecond)
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sequence returns an id generator producing prefix-1, prefix-2, ...
func Sequence(prefix string) func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, atomic.AddInt64(&n, 1))
	}
}

// Extractor returns Fields, or Err. Block, when set, is awaited before returning.
// Stall sleeps without watching ctx, like a client that ignores deadlines.
type Extractor struct {
	Fields map[string]any
	Err    error
	Block  chan struct{}
	Stall  time.Duration
	calls  atomic.Int32
}

func (x *Extractor) Extract(ctx context.Context, doc *models.Document) (*models.ExtractionResult, error) {
	x.calls.Add(1)
	if x.Stall > 0 {
		time.Sleep(x.Stall)
	}
	if x.Block != nil {
		select {
		case <-x.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if x.Err != nil {
		return nil, x.Err
	}
	return &models.ExtractionResult{Fields: x.Fields, Model: "fake-extractor"}, nil
}

func (x *Extractor) Calls() int { return int(x.calls.Load()) }

// Reasoner returns Drafts in order, repeating the last one.
type Reasoner struct {
	mu     sync.Mutex
	Drafts []models.ProposalDraft
	Err    error
	calls  int
}

func (r *Reasoner) Propose(ctx context.Context, doc *models.Document) (*models.ProposalDraft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.Err != nil {
		return nil, r.Err
	}
	if len(r.Drafts) == 0 {
		return nil, fmt.Errorf("no draft scripted")
	}
	i := r.calls - 1
	if i >= len(r.Drafts) {
		i = len(r.Drafts) - 1
	}
	d := r.Drafts[i]
	return &d, nil
}

type Policy struct {
	Decision models.PolicyDecision
	Err      error
}

func (p *Policy) Evaluate(ctx context.Context, prop *models.Proposal, doc *models.Document) (models.PolicyDecision, error) {
	return p.Decision, p.Err
}

// Mapper maps every line to AccountID.
type Mapper struct {
	AccountID int
	Err       error
}

func (m *Mapper) Map(ctx context.Context, p *models.Proposal) (models.ProposalMapping, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	out := models.ProposalMapping{}
	for _, e := range p.Entries {
		out[e.LineNo] = m.AccountID
	}
	return out, nil
}

type Reconciler struct {
	DuplicateOf *string
}

func (r *Reconciler) Reconcile(ctx context.Context, doc *models.Document, p *models.Proposal) (*models.ReconcileResult, error) {
	return &models.ReconcileResult{DuplicateOfDocumentId: r.DuplicateOf}, nil
}

// Ledger records posts and is idempotent by approval id. Like the journal poster it
// rejects proposals with unmapped entries.
type Ledger struct {
	mu      sync.Mutex
	Err     error
	entries map[string]string
	calls   int
}

func (l *Ledger) Post(ctx context.Context, req models.LedgerPostRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.Err != nil {
		return "", l.Err
	}
	if _, err := models.JournalFromProposal("check", req.ApprovalId, req.Document, req.Proposal, 2, req.Actor, time.Time{}); err != nil {
		return "", err
	}
	if l.entries == nil {
		l.entries = map[string]string{}
	}
	if id, ok := l.entries[req.ApprovalId]; ok {
		return id, nil
	}
	id := fmt.Sprintf("JE-%d", len(l.entries)+1)
	l.entries[req.ApprovalId] = id
	return id, nil
}

func (l *Ledger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// Posted is the number of distinct ledger entries written.
func (l *Ledger) Posted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) SetErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Err = err
}

// BalancedDraft debits and credits amount on one line each.
func BalancedDraft(amount int64) models.ProposalDraft {
	return models.ProposalDraft{
		Entries: []models.ProposalLine{
			{Account: "Office Supplies", Debit: amount, Description: "supplies"},
			{Account: "Accounts Payable", Credit: amount, Description: "vendor"},
		},
		AiConfidence: 0.92,
		Currency:     "USD",
		Rationale:    "office supplies invoice",
	}
}

// UnbalancedDraft debits debit and credits credit.
func UnbalancedDraft(debit, credit int64) models.ProposalDraft {
	d := BalancedDraft(debit)
	d.Entries[1].Credit = credit
	return d
}

// Harness wires an engine to a MemStore and fakes with a deterministic clock and ids.
type Harness struct {
	Store      *MemStore
	Clock      *Clock
	Extractor  *Extractor
	Reasoner   *Reasoner
	Policy     *Policy
	Mapper     *Mapper
	Reconciler *Reconciler
	Ledger     *Ledger
	Engine     *workflow.Engine
	newID      func() string
}

func NewHarness(opts ...workflow.Option) *Harness {
	h := &Harness{
		Store: NewMemStore(),
		Clock: NewClock(time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)),
		Extractor: &Extractor{Fields: map[string]any{
			"vendor":         "Acme Office",
			"invoice_number": "INV-1001",
			"total":          "5000.00",
		}},
		Reasoner:   &Reasoner{Drafts: []models.ProposalDraft{BalancedDraft(500000)}},
		Policy:     &Policy{Decision: models.PolicyDecision{Reason: "manual review"}},
		Mapper:     &Mapper{AccountID: 7},
		Reconciler: &Reconciler{},
		Ledger:     &Ledger{},
	}
	h.newID = Sequence("id")
	h.Engine = h.EngineOn(h.Store, opts...)
	return h
}

// EngineOn builds another engine over store that shares the harness fakes, clock and id sequence.
func (h *Harness) EngineOn(store workflow.Store, opts ...workflow.Option) *workflow.Engine {
	base := []workflow.Option{
		workflow.WithClock(h.Clock.Now),
		workflow.WithIDGenerator(h.newID),
	}
	return workflow.NewEngine(store, workflow.Stages{
		Extractor:  h.Extractor,
		Reasoner:   h.Reasoner,
		Policy:     h.Policy,
		Mapper:     h.Mapper,
		Reconciler: h.Reconciler,
		Ledger:     h.Ledger,
	}, workflow.Settings{
		StageTimeout:      500 * time.Millisecond,
		LedgerPostTimeout: 500 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		StaleAfter:        time.Minute,
	}, append(base, opts...)...)
}
