package enrichment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadsync/internal/enrichment/provider"
	"github.com/sells-group/leadsync/internal/model"
	"github.com/sells-group/leadsync/internal/resilience"
)

type memStore struct {
	mu           sync.Mutex
	leads        map[string]*model.Lead
	statuses     []model.EnrichmentStatus
	attempts     []model.EnrichmentAttempt
	personWrites int
	updateErr    error
}

func newMemStore(leads ...*model.Lead) *memStore {
	s := &memStore{leads: map[string]*model.Lead{}}
	for _, l := range leads {
		s.leads[l.ID] = l
	}
	return s
}

func (s *memStore) GetLead(_ context.Context, id string) (*model.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return nil, errors.New("lead not found")
	}
	cp := *l
	cp.Persons = append([]model.Person(nil), l.Persons...)
	return &cp, nil
}

func (s *memStore) UpdateLead(_ context.Context, lead *model.Lead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	cp := *lead
	s.leads[lead.ID] = &cp
	return nil
}

func (s *memStore) UpdateEnrichmentStatus(_ context.Context, id string, status model.EnrichmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	s.leads[id].EnrichmentStatus = status
	return nil
}

func (s *memStore) UpdatePersons(_ context.Context, id string, persons []model.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personWrites++
	s.leads[id].Persons = persons
	return nil
}

func (s *memStore) InsertEnrichmentAttempt(_ context.Context, a *model.EnrichmentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *a)
	return nil
}

// scriptedCompany returns errs[i] on call i, then succeeds with data.
type scriptedCompany struct {
	errs  []error
	data  *model.CanonicalCompany
	calls int
}

func (p *scriptedCompany) Name() string { return "registry" }
func (p *scriptedCompany) LookupCompany(_ context.Context, _ string) (*model.CanonicalCompany, error) {
	p.calls++
	if p.calls <= len(p.errs) {
		return nil, p.errs[p.calls-1]
	}
	return p.data, nil
}

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

type countingScorer struct{ calls int }

func (c *countingScorer) Rescore(_ context.Context, lead *model.Lead) error {
	c.calls++
	score := 42
	lead.FitScore = &score
	return nil
}

func newTestOrchestrator(st Store, scorer Rescorer) (*Orchestrator, *sleepRecorder) {
	rec := &sleepRecorder{}
	return NewOrchestrator(st, scorer, Options{Sleep: rec.sleep}), rec
}

func pendingLead() *model.Lead {
	return &model.Lead{
		ID:               "lead-1",
		OrgID:            "org-1",
		TaxID:            "19.131.243/0001-97",
		LegalName:        "Old Name",
		Email:            "keep@example.com",
		EnrichmentStatus: model.EnrichmentPending,
	}
}

func TestEnrich_NotFoundMakesOneCall(t *testing.T) {
	st := newMemStore(pendingLead())
	orch, rec := newTestOrchestrator(st, nil)
	p := &scriptedCompany{errs: []error{
		resilience.NewAPIError("registry", 404, []byte(`{"message":"not found"}`)),
		resilience.NewAPIError("registry", 500, nil),
	}}

	res, err := orch.Enrich(context.Background(), "lead-1", "19131243000197", p, 3)
	require.Error(t, err)
	assert.True(t, resilience.IsNotFound(err))
	assert.Equal(t, 1, p.calls)
	assert.Empty(t, rec.delays)

	assert.False(t, res.Success)
	assert.Equal(t, model.EnrichmentNotFound, res.Status)
	assert.Equal(t, []model.EnrichmentStatus{model.EnrichmentEnriching, model.EnrichmentNotFound}, st.statuses)

	require.Len(t, st.attempts, 1)
	assert.Equal(t, model.AttemptNotFound, st.attempts[0].Status)
	assert.Equal(t, `{"message":"not found"}`, st.attempts[0].RawResponse)
	assert.Equal(t, 1, st.attempts[0].Attempt)
}

func TestEnrich_TransientExhaustsRetries(t *testing.T) {
	st := newMemStore(pendingLead())
	orch, rec := newTestOrchestrator(st, nil)
	transient := resilience.NewAPIError("registry", 503, nil)
	p := &scriptedCompany{errs: []error{transient, transient, transient, transient}}

	res, err := orch.Enrich(context.Background(), "lead-1", "19131243000197", p, 3)
	require.Error(t, err)
	assert.Equal(t, 3, p.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
	assert.Equal(t, model.EnrichmentFailed, res.Status)
	assert.Equal(t, model.EnrichmentFailed, st.leads["lead-1"].EnrichmentStatus)

	require.Len(t, st.attempts, 3)
	for i, a := range st.attempts {
		assert.Equal(t, i+1, a.Attempt)
		assert.Equal(t, model.AttemptError, a.Status)
		assert.Equal(t, "registry", a.Provider)
		assert.NotEmpty(t, a.Error)
	}
}

func TestEnrich_BackoffDoublesPerAttempt(t *testing.T) {
	st := newMemStore(pendingLead())
	orch, rec := newTestOrchestrator(st, nil)
	timeout := resilience.NewTransientError(errors.New("i/o timeout"), 0)
	p := &scriptedCompany{errs: []error{timeout, timeout, timeout, timeout}}

	_, err := orch.Enrich(context.Background(), "lead-1", "19131243000197", p, 4)
	require.Error(t, err)
	assert.Equal(t, 4, p.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.delays)
}

func TestEnrich_DefaultMaxRetries(t *testing.T) {
	st := newMemStore(pendingLead())
	orch, _ := newTestOrchestrator(st, nil)
	err429 := resilience.NewAPIError("registry", 429, nil)
	p := &scriptedCompany{errs: []error{err429, err429, err429, err429}}

	_, err := orch.Enrich(context.Background(), "lead-1", "x", p, 0)
	require.Error(t, err)
	assert.Equal(t, DefaultMaxRetries, p.calls)
}

func TestEnrich_ConfigurationErrorIsNotRetried(t *testing.T) {
	st := newMemStore(pendingLead())
	orch, _ := newTestOrchestrator(st, nil)
	p := &scriptedCompany{errs: []error{resilience.ErrNotConfigured}}

	res, err := orch.Enrich(context.Background(), "lead-1", "x", p, 3)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, model.EnrichmentFailed, res.Status)
}

func TestEnrich_SuccessMergesPresentFields(t *testing.T) {
	st := newMemStore(pendingLead())
	scorer := &countingScorer{}
	orch, rec := newTestOrchestrator(st, scorer)
	p := &scriptedCompany{
		errs: []error{resilience.NewAPIError("registry", 502, nil)},
		data: &model.CanonicalCompany{
			LegalName:        "OPEN KNOWLEDGE BRASIL",
			Email:            "",
			Address:          model.Address{City: "SAO PAULO", State: "SP"},
			EstimatedRevenue: decimal.NewNullDecimal(decimal.Zero),
			Persons:          []model.CanonicalPerson{{Name: "Fernanda", TaxID: "***690948**"}},
			Raw:              []byte(`{"ok":true}`),
		},
	}

	res, err := orch.Enrich(context.Background(), "lead-1", "19131243000197", p, 3)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, model.EnrichmentEnriched, res.Status)
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, []time.Duration{time.Second}, rec.delays)

	lead := st.leads["lead-1"]
	assert.Equal(t, "OPEN KNOWLEDGE BRASIL", lead.LegalName)
	assert.Equal(t, "keep@example.com", lead.Email)
	assert.Equal(t, "SP", lead.Address.State)
	assert.True(t, lead.EstimatedRevenue.Valid)
	assert.Equal(t, model.EnrichmentEnriched, lead.EnrichmentStatus)
	require.NotNil(t, lead.EnrichedAt)
	require.Len(t, lead.Persons, 1)
	assert.Equal(t, 1, scorer.calls)

	require.Len(t, st.attempts, 2)
	assert.Equal(t, model.AttemptError, st.attempts[0].Status)
	assert.Equal(t, model.AttemptSuccess, st.attempts[1].Status)
	assert.Equal(t, `{"ok":true}`, st.attempts[1].RawResponse)
}

func TestEnrich_SaveFailureMarksLeadFailed(t *testing.T) {
	st := newMemStore(pendingLead())
	st.updateErr = errors.New("disk full")
	orch, _ := newTestOrchestrator(st, nil)
	p := &scriptedCompany{data: &model.CanonicalCompany{LegalName: "OPEN KNOWLEDGE BRASIL"}}

	res, err := orch.Enrich(context.Background(), "lead-1", "19131243000197", p, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NotNil(t, res)
	assert.Equal(t, model.EnrichmentFailed, res.Status)
	assert.False(t, res.Success)

	require.NotEmpty(t, st.statuses)
	assert.Equal(t, model.EnrichmentFailed, st.statuses[len(st.statuses)-1])
	assert.Equal(t, model.EnrichmentFailed, st.leads["lead-1"].EnrichmentStatus)
	assert.Equal(t, "Old Name", st.leads["lead-1"].LegalName)
}

func TestEnrich_CanceledContextStopsRetrying(t *testing.T) {
	st := newMemStore(pendingLead())
	ctx, cancel := context.WithCancel(context.Background())
	orch := NewOrchestrator(st, nil, Options{Sleep: func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}})
	transient := resilience.NewAPIError("registry", 503, nil)
	p := &scriptedCompany{errs: []error{transient, transient, transient}}

	res, err := orch.Enrich(ctx, "lead-1", "x", p, 3)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
	assert.Equal(t, model.EnrichmentFailed, res.Status)
	assert.Equal(t, model.EnrichmentFailed, st.leads["lead-1"].EnrichmentStatus)
}

type scriptedPerson struct {
	results map[string]*model.CanonicalPerson
	calls   []string
}

func (p *scriptedPerson) Name() string { return "people" }
func (p *scriptedPerson) LookupPerson(_ context.Context, taxID string) (*model.CanonicalPerson, error) {
	p.calls = append(p.calls, taxID)
	if r, ok := p.results[taxID]; ok {
		return r, nil
	}
	return nil, resilience.NewAPIError("people", 500, []byte("boom"))
}

func TestEnrichFull_PerPersonOutcomes(t *testing.T) {
	st := newMemStore(pendingLead())
	orch, rec := newTestOrchestrator(st, nil)
	company := &scriptedCompany{data: &model.CanonicalCompany{
		LegalName: "ACME",
		Persons: []model.CanonicalPerson{
			{Name: "Masked", TaxID: "***690948**"},
			{Name: "Found", TaxID: "123.456.789-09"},
			{Name: "Broken", TaxID: "98765432100"},
		},
	}}
	person := &scriptedPerson{results: map[string]*model.CanonicalPerson{
		"123.456.789-09": {Emails: []string{"found@example.com"}, Phones: []string{"+5511987654321"}},
	}}

	coord := NewCoordinator(orch, st, 0)
	res, err := coord.EnrichFull(context.Background(), "lead-1", "19131243000197", company, person, 3)
	require.NoError(t, err)
	assert.True(t, res.Success)

	assert.Equal(t, []string{"123.456.789-09", "98765432100"}, person.calls)
	assert.Equal(t, []time.Duration{DefaultPersonDelay}, rec.delays)
	assert.Equal(t, 1, st.personWrites)

	persons := st.leads["lead-1"].Persons
	require.Len(t, persons, 3)
	assert.Empty(t, persons[0].ContactEnrichment)
	assert.Equal(t, model.ContactEnriched, persons[1].ContactEnrichment)
	assert.Equal(t, []string{"found@example.com"}, persons[1].Emails)
	assert.Equal(t, model.ContactFailed, persons[2].ContactEnrichment)

	// One company attempt plus one per person lookup.
	require.Len(t, st.attempts, 3)
	assert.Equal(t, "people", st.attempts[2].Provider)
	assert.Equal(t, "boom", st.attempts[2].RawResponse)
}

func TestEnrichFull_StageOneFailureSkipsPersons(t *testing.T) {
	st := newMemStore(pendingLead())
	orch, _ := newTestOrchestrator(st, nil)
	company := &scriptedCompany{errs: []error{resilience.ErrNotFound}}
	person := &scriptedPerson{}

	res, err := NewCoordinator(orch, st, time.Second).EnrichFull(context.Background(), "lead-1", "x", company, person, 3)
	require.Error(t, err)
	assert.Equal(t, model.EnrichmentNotFound, res.Status)
	assert.Empty(t, person.calls)
	assert.Zero(t, st.personWrites)
}

func TestEnrichFull_NoPersonsReturnsCompanyResult(t *testing.T) {
	st := newMemStore(pendingLead())
	orch, _ := newTestOrchestrator(st, nil)
	company := &scriptedCompany{data: &model.CanonicalCompany{LegalName: "ACME"}}
	person := &scriptedPerson{}

	res, err := NewCoordinator(orch, st, time.Second).EnrichFull(context.Background(), "lead-1", "x", company, person, 3)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, person.calls)
	assert.Zero(t, st.personWrites)
}

func TestService_EnrichLead(t *testing.T) {
	lead := pendingLead()
	noTax := &model.Lead{ID: "lead-2", OrgID: "org-1"}
	st := newMemStore(lead, noTax)
	orch, _ := newTestOrchestrator(st, nil)
	reg := provider.NewRegistry()
	company := &scriptedCompany{data: &model.CanonicalCompany{LegalName: "ACME"}}
	reg.RegisterCompany(company)

	svc := NewService(st, reg, NewCoordinator(orch, st, 0), ServiceConfig{
		CompanyProvider: "registry",
		PersonProvider:  "people",
		MaxRetries:      3,
	})

	res, err := svc.EnrichLead(context.Background(), "lead-1", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ACME", st.leads["lead-1"].LegalName)

	_, err = svc.EnrichLead(context.Background(), "lead-2", false)
	assert.ErrorContains(t, err, "has no tax id")

	_, err = svc.EnrichLead(context.Background(), "lead-1", true)
	assert.ErrorContains(t, err, "person provider")
}
