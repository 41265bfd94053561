package usecase

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"Newsroom/internal/domain"
	"Newsroom/internal/ports"
)

var testNow = time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type memTasks struct {
	mu       sync.Mutex
	seq      int
	tasks    map[string]*domain.Task
	order    []string
	conflict map[string]bool
}

var _ ports.TaskRepository = (*memTasks)(nil)

func newMemTasks() *memTasks {
	return &memTasks{tasks: map[string]*domain.Task{}, conflict: map[string]bool{}}
}

func (m *memTasks) Insert(_ context.Context, n domain.NewTask) (string, error) {
	if err := n.Validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := "task-" + strconv.Itoa(m.seq)
	m.tasks[id] = &domain.Task{
		ID:        id,
		Owner:     n.Owner,
		Type:      n.Type(),
		Priority:  n.Priority,
		Status:    domain.TaskPending,
		SourceURL: n.SourceURL,
		Payload:   n.Payload,
		RetryOf:   n.RetryOf,
		CreatedAt: testNow.Add(time.Duration(m.seq) * time.Millisecond),
	}
	m.order = append(m.order, id)
	return id, nil
}

func (m *memTasks) Get(_ context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return *t, nil
}

func (m *memTasks) ListPending(_ context.Context, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, id := range m.order {
		if t := m.tasks[id]; t.Status == domain.TaskPending {
			out = append(out, *t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() > out[j].Priority.Rank()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTasks) Claim(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != domain.TaskPending || m.conflict[id] {
		return domain.ErrConcurrencyConflict
	}
	t.Status = domain.TaskProcessing
	t.StartedAt = now
	return nil
}

func (m *memTasks) Finish(_ context.Context, id string, o domain.Outcome, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != domain.TaskProcessing {
		return domain.ErrConcurrencyConflict
	}
	t.Status = o.Status
	t.CompletedAt = now
	switch o.Status {
	case domain.TaskFailed:
		t.ErrorDetails = o.Details
	case domain.TaskDeferred:
		t.DenyReason = o.Details
		t.RetryAfter = o.RetryAfter
	}
	return nil
}

func (m *memTasks) ListDeferredDue(_ context.Context, now time.Time, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, id := range m.order {
		t := m.tasks[id]
		if t.Status == domain.TaskDeferred && t.RequeuedAt.IsZero() && !t.RetryAfter.After(now) {
			out = append(out, *t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTasks) MarkRequeued(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Status != domain.TaskDeferred || !t.RequeuedAt.IsZero() {
		return domain.ErrConcurrencyConflict
	}
	t.RequeuedAt = now
	return nil
}

func (m *memTasks) FailAbandoned(_ context.Context, startedBefore time.Time, details string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == domain.TaskProcessing && t.StartedAt.Before(startedBefore) {
			t.Status = domain.TaskFailed
			t.ErrorDetails = details
			t.CompletedAt = now
			n++
		}
	}
	return n, nil
}

func (m *memTasks) CountByStatus(context.Context) (map[domain.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[domain.TaskStatus]int{}
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out, nil
}

// ofType returns tasks of one type in insertion order.
func (m *memTasks) ofType(tt domain.TaskType) []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, id := range m.order {
		if t := m.tasks[id]; t.Type == tt {
			out = append(out, *t)
		}
	}
	return out
}

type memItems struct {
	mu    sync.Mutex
	seq   int
	items map[string]*domain.PipelineItem
	order []string
}

var _ ports.ItemRepository = (*memItems)(nil)

func newMemItems() *memItems {
	return &memItems{items: map[string]*domain.PipelineItem{}}
}

func (m *memItems) put(item domain.PipelineItem) domain.PipelineItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item.ID == "" {
		m.seq++
		item.ID = "item-" + strconv.Itoa(m.seq)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = testNow
	}
	m.items[item.ID] = &item
	m.order = append(m.order, item.ID)
	return item
}

func (m *memItems) Create(_ context.Context, item domain.PipelineItem) (domain.PipelineItem, bool, error) {
	m.mu.Lock()
	for _, id := range m.order {
		if existing := m.items[id]; existing.Signature == item.Signature {
			m.mu.Unlock()
			return *existing, false, nil
		}
	}
	m.mu.Unlock()
	return m.put(item), true, nil
}

func (m *memItems) Get(_ context.Context, id string) (domain.PipelineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return domain.PipelineItem{}, domain.ErrNotFound
	}
	return *item, nil
}

func (m *memItems) Advance(_ context.Context, id string, u domain.StageUpdate, now time.Time) error {
	if !domain.CanAdvance(u.From, u.To) {
		return &domain.ValidationError{Field: "stage", Reason: "illegal transition"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok || item.Stage != u.From {
		return domain.ErrStageConflict
	}
	item.Stage = u.To
	item.UpdatedAt = now
	if u.Processed != nil {
		item.Processed = u.Processed
	}
	if u.Draft != nil {
		item.Draft = u.Draft
	}
	if u.QualityScore != nil {
		item.QualityScore = *u.QualityScore
	}
	if u.Revisions != nil {
		item.Revisions = *u.Revisions
	}
	if u.ReviewNotes != nil {
		item.ReviewNotes = *u.ReviewNotes
	}
	if u.ProcessedAt != nil {
		item.ProcessedAt = *u.ProcessedAt
	}
	return nil
}

func (m *memItems) Recent(_ context.Context, since time.Time, limit int) ([]domain.PipelineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PipelineItem
	for i := len(m.order) - 1; i >= 0; i-- {
		if item := m.items[m.order[i]]; !item.CreatedAt.Before(since) {
			out = append(out, *item)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memItems) ExistingSignatures(_ context.Context, sigs []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for _, sig := range sigs {
		for _, item := range m.items {
			if item.Signature == sig {
				out[sig] = true
			}
		}
	}
	return out, nil
}

type memSources struct {
	mu      sync.Mutex
	sources map[string]*domain.Source
	order   []string
}

var _ ports.SourceRepository = (*memSources)(nil)

func newMemSources(sources ...domain.Source) *memSources {
	m := &memSources{sources: map[string]*domain.Source{}}
	for _, s := range sources {
		m.sources[s.ID] = &s
		m.order = append(m.order, s.ID)
	}
	return m
}

func (m *memSources) Create(_ context.Context, s domain.Source) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[s.ID] = &s
	m.order = append(m.order, s.ID)
	return s.ID, nil
}

func (m *memSources) Get(_ context.Context, id string) (domain.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return domain.Source{}, domain.ErrNotFound
	}
	return *s, nil
}

func (m *memSources) List(context.Context) ([]domain.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Source, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.sources[id])
	}
	return out, nil
}

func (m *memSources) ListActive(ctx context.Context) ([]domain.Source, error) {
	all, _ := m.List(ctx)
	var out []domain.Source
	for _, s := range all {
		if s.IsActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSources) RecordSuccess(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.LastFetched, s.ErrorCount, s.LastError = at, 0, ""
	return nil
}

func (m *memSources) RecordFailure(_ context.Context, id, msg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return domain.ErrNotFound
	}
	s.ErrorCount++
	s.LastError = msg
	s.LastFetched = at
	return nil
}

type fakeFetcher struct {
	entries map[string][]domain.FeedEntry
	errs    map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, src domain.Source) ([]domain.FeedEntry, error) {
	if err := f.errs[src.ID]; err != nil {
		return nil, err
	}
	return f.entries[src.ID], nil
}

type fakeEnricher struct {
	out domain.ProcessedContent
}

func (f fakeEnricher) Enrich(context.Context, domain.RawContent) (domain.ProcessedContent, error) {
	return f.out, nil
}

type fakeExtractor struct {
	text string
	err  error
}

func (f fakeExtractor) Extract(context.Context, string) (string, error) {
	return f.text, f.err
}

type extractorFunc func(ctx context.Context, link string) (string, error)

func (f extractorFunc) Extract(ctx context.Context, link string) (string, error) {
	return f(ctx, link)
}

type generatorFunc func(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error)

func (f generatorFunc) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	return f(ctx, req)
}

type catalog struct {
	services   map[string]domain.Service
	generators map[string]ports.Generator
	def        string
}

func (c *catalog) Lookup(id string) (domain.Service, ports.Generator, bool) {
	svc, ok := c.services[id]
	if !ok {
		return domain.Service{}, nil, false
	}
	return svc, c.generators[id], true
}

func (c *catalog) Default() string { return c.def }

type fakeGate struct {
	mu        sync.Mutex
	decisions map[string]domain.Decision
	checked   []string
	recorded  map[string]float64
}

func (g *fakeGate) CheckPermission(_ context.Context, _, service string, _ float64) (domain.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checked = append(g.checked, service)
	if d, ok := g.decisions[service]; ok {
		return d, nil
	}
	return domain.Decision{Allowed: true, Action: domain.ActionAllow}, nil
}

func (g *fakeGate) RecordUsage(_ context.Context, _, service string, cost float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.recorded == nil {
		g.recorded = map[string]float64{}
	}
	g.recorded[service] += cost
	return nil
}

type memSignatures struct {
	mu      sync.Mutex
	claimed map[string]bool
}

func newMemSignatures() *memSignatures {
	return &memSignatures{claimed: map[string]bool{}}
}

func (s *memSignatures) Claim(_ context.Context, sig string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed[sig] {
		return false, nil
	}
	s.claimed[sig] = true
	return true, nil
}

func (s *memSignatures) Release(_ context.Context, sig string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, sig)
	return nil
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, domain.NewTask) (string, error) {
	return "", errors.New("queue unavailable")
}

// switchQueue forwards to next until fail is set.
type switchQueue struct {
	next Enqueuer
	fail atomic.Bool
}

func (q *switchQueue) Enqueue(ctx context.Context, task domain.NewTask) (string, error) {
	if q.fail.Load() {
		return "", errors.New("queue unavailable")
	}
	return q.next.Enqueue(ctx, task)
}

// wire is a fixtureOption that puts q in front of the fixture's scheduler.
func (q *switchQueue) wire(d *PipelineDeps) {
	q.next = d.Queue
	d.Queue = q
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, msg string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}
