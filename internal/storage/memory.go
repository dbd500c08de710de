package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trellisflow/trellis/internal/model"
)

// Memory is the in-process gateway. It mirrors the Postgres conditional-write
// semantics under a single mutex, which is plenty for tests and dev mode.
type Memory struct {
	mu sync.Mutex

	flows    map[string]*model.Flow
	versions map[string]*model.FlowVersion
	runs     map[string]*model.FlowRun
	secrets  map[string]*model.Secret
	master   *model.VaultMaster
	pollers  map[string]*model.PollerState // key flowID/nodeID
	joins    map[string]*model.JoinState   // key flowID/nodeID/correlationValue
	tokens   map[string]*model.TokenEntry
	adapters map[string]*model.AuthAdapter
	policies map[string]*model.InboundAuthPolicy
	reports  map[string]*model.ErrorReport
	queueCfg *model.QueueConfig
}

// NewMemory creates an empty in-memory gateway.
func NewMemory() *Memory {
	return &Memory{
		flows:    make(map[string]*model.Flow),
		versions: make(map[string]*model.FlowVersion),
		runs:     make(map[string]*model.FlowRun),
		secrets:  make(map[string]*model.Secret),
		pollers:  make(map[string]*model.PollerState),
		joins:    make(map[string]*model.JoinState),
		tokens:   make(map[string]*model.TokenEntry),
		adapters: make(map[string]*model.AuthAdapter),
		policies: make(map[string]*model.InboundAuthPolicy),
		reports:  make(map[string]*model.ErrorReport),
	}
}

func key2(a, b string) string    { return a + "/" + b }
func key3(a, b, c string) string { return a + "/" + b + "/" + c }
func tokenKey(a string, t model.TokenType, s string) string {
	return a + "/" + string(t) + "/" + s
}

// --- flows ---

func (m *Memory) CreateFlow(ctx context.Context, f *model.Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	m.flows[f.ID] = &cp
	return nil
}

func (m *Memory) GetFlow(ctx context.Context, id string) (*model.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) GetFlowBySlug(ctx context.Context, slug string) (*model.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.flows {
		if f.Slug == slug {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListFlows(ctx context.Context) ([]*model.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Flow, 0, len(m.flows))
	for _, f := range m.flows {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateFlow(ctx context.Context, f *model.Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[f.ID]; !ok {
		return ErrNotFound
	}
	cp := *f
	m.flows[f.ID] = &cp
	return nil
}

func (m *Memory) DeleteFlow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[id]; !ok {
		return ErrNotFound
	}
	delete(m.flows, id)
	return nil
}

// --- flow versions ---

func (m *Memory) CreateFlowVersion(ctx context.Context, v *model.FlowVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.versions[v.ID] = &cp
	return nil
}

func (m *Memory) GetFlowVersion(ctx context.Context, id string) (*model.FlowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) ListFlowVersions(ctx context.Context, flowID string) ([]*model.FlowVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.FlowVersion
	for _, v := range m.versions {
		if v.FlowID == flowID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateFlowVersion(ctx context.Context, v *model.FlowVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[v.ID]; !ok {
		return ErrNotFound
	}
	cp := *v
	m.versions[v.ID] = &cp
	return nil
}

// --- runs ---

func (m *Memory) CreateRun(ctx context.Context, r *model.FlowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[r.ID]; exists {
		return ErrConflict
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (*model.FlowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

func (m *Memory) ListRunsByFlow(ctx context.Context, flowID string, limit int) ([]*model.FlowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.FlowRun
	for _, r := range m.runs {
		if r.FlowID == flowID {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateRun(ctx context.Context, r *model.FlowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		return ErrNotFound
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *Memory) AppendNodeExecution(ctx context.Context, runID string, exec model.NodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.Executions = append(r.Executions, exec)
	return nil
}

func cloneRun(r *model.FlowRun) *model.FlowRun {
	cp := *r
	cp.Executions = append([]model.NodeExecution(nil), r.Executions...)
	return &cp
}

// --- secrets / vault master ---

func (m *Memory) CreateSecret(ctx context.Context, s *model.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.secrets[s.ID] = &cp
	return nil
}

func (m *Memory) GetSecret(ctx context.Context, id string) (*model.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) ListSecrets(ctx context.Context) ([]*model.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Secret, 0, len(m.secrets))
	for _, s := range m.secrets {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateSecret(ctx context.Context, s *model.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.secrets[s.ID] = &cp
	return nil
}

func (m *Memory) DeleteSecret(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[id]; !ok {
		return ErrNotFound
	}
	delete(m.secrets, id)
	return nil
}

func (m *Memory) DeleteAllSecrets(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets = make(map[string]*model.Secret)
	return nil
}

func (m *Memory) GetVaultMaster(ctx context.Context) (*model.VaultMaster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.master == nil {
		return nil, ErrNotFound
	}
	cp := *m.master
	return &cp, nil
}

func (m *Memory) SaveVaultMaster(ctx context.Context, vm *model.VaultMaster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *vm
	m.master = &cp
	return nil
}

func (m *Memory) DeleteVaultMaster(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.master = nil
	return nil
}

// --- poller state ---

func (m *Memory) GetPollerState(ctx context.Context, flowID, nodeID string) (*model.PollerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.pollers[key2(flowID, nodeID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	cp.Fingerprints = append([]model.FileFingerprint(nil), s.Fingerprints...)
	return &cp, nil
}

func (m *Memory) SavePollerState(ctx context.Context, s *model.PollerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.Fingerprints = append([]model.FileFingerprint(nil), s.Fingerprints...)
	m.pollers[key2(s.FlowID, s.NodeID)] = &cp
	return nil
}

// --- join state ---

func (m *Memory) UpsertJoinArrival(ctx context.Context, a JoinArrival) (*model.JoinState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key3(a.FlowID, a.NodeID, a.CorrelationValue)
	st, ok := m.joins[k]
	if !ok {
		st = &model.JoinState{
			ID:               uuid.NewString(),
			FlowID:           a.FlowID,
			NodeID:           a.NodeID,
			CorrelationKey:   a.CorrelationKey,
			CorrelationValue: a.CorrelationValue,
			Strategy:         a.Strategy,
			TraceID:          a.TraceID,
			CreatedAt:        time.Now().UTC(),
			ExpiresAt:        a.ExpiresAt,
		}
		if a.Stream == model.StreamA {
			st.StreamA = a.Payload
			st.Status = model.JoinWaitingB
		} else {
			st.StreamB = a.Payload
			st.Status = model.JoinWaitingA
		}
		m.joins[k] = st
		return cloneJoin(st), false, nil
	}

	// Matched and timed-out slots are never resurrected.
	if !st.Status.Waiting() {
		return cloneJoin(st), false, nil
	}

	completed := false
	switch a.Stream {
	case model.StreamA:
		st.StreamA = a.Payload
		if st.Status == model.JoinWaitingA {
			completed = true
		}
	case model.StreamB:
		st.StreamB = a.Payload
		if st.Status == model.JoinWaitingB {
			completed = true
		}
	}
	if completed {
		now := time.Now().UTC()
		st.Status = model.JoinMatched
		st.MatchedAt = &now
	}
	return cloneJoin(st), completed, nil
}

func (m *Memory) GetJoinState(ctx context.Context, flowID, nodeID, correlationValue string) (*model.JoinState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.joins[key3(flowID, nodeID, correlationValue)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJoin(st), nil
}

func (m *Memory) ExpireJoinStates(ctx context.Context, now time.Time) ([]*model.JoinState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.JoinState
	for _, st := range m.joins {
		if st.Status.Waiting() && st.ExpiresAt.Before(now) {
			st.Status = model.JoinTimeout
			out = append(out, cloneJoin(st))
		}
	}
	return out, nil
}

func (m *Memory) DeleteJoinStatesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, st := range m.joins {
		if !st.Status.Waiting() && st.ExpiresAt.Before(cutoff) {
			delete(m.joins, k)
			n++
		}
	}
	return n, nil
}

func cloneJoin(st *model.JoinState) *model.JoinState {
	cp := *st
	return &cp
}

// --- token cache ---

func (m *Memory) GetToken(ctx context.Context, adapterID string, tokenType model.TokenType, scope string) (*model.TokenEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tokens[tokenKey(adapterID, tokenType, scope)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) InsertToken(ctx context.Context, e *model.TokenEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tokenKey(e.AdapterID, e.TokenType, e.Scope)
	if _, exists := m.tokens[k]; exists {
		return ErrConflict
	}
	cp := *e
	m.tokens[k] = &cp
	return nil
}

func (m *Memory) ClaimTokenRefresh(ctx context.Context, id string, version int64, now, stuckBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.tokenByID(id)
	if e == nil {
		return false, ErrNotFound
	}
	if e.Version != version {
		return false, nil
	}
	if e.RefreshInFlight && e.RefreshStartedAt != nil && e.RefreshStartedAt.After(stuckBefore) {
		return false, nil
	}
	e.RefreshInFlight = true
	e.RefreshStartedAt = &now
	e.UpdatedAt = now
	return true, nil
}

func (m *Memory) CompleteTokenRefresh(ctx context.Context, in *model.TokenEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.tokenByID(in.ID)
	if e == nil {
		return ErrNotFound
	}
	e.ValueEnc = in.ValueEnc
	e.ValueIV = in.ValueIV
	e.ValueTag = in.ValueTag
	e.IssuedAt = in.IssuedAt
	e.ExpiresAt = in.ExpiresAt
	e.RefreshInFlight = false
	e.RefreshStartedAt = nil
	e.LastRefreshError = ""
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	in.Version = e.Version
	return nil
}

func (m *Memory) FailTokenRefresh(ctx context.Context, id string, refreshErr string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.tokenByID(id)
	if e == nil {
		return ErrNotFound
	}
	e.RefreshInFlight = false
	e.RefreshStartedAt = nil
	e.LastRefreshError = refreshErr
	e.UpdatedAt = now
	return nil
}

func (m *Memory) TouchToken(ctx context.Context, id string, usedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.tokenByID(id)
	if e == nil {
		return ErrNotFound
	}
	e.LastUsedAt = &usedAt
	return nil
}

func (m *Memory) ListTokensExpiringBefore(ctx context.Context, cutoff time.Time) ([]*model.TokenEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.TokenEntry
	for _, e := range m.tokens {
		if e.ExpiresAt.Before(cutoff) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) DeleteTokensForAdapter(ctx context.Context, adapterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.tokens {
		if e.AdapterID == adapterID {
			delete(m.tokens, k)
		}
	}
	return nil
}

func (m *Memory) tokenByID(id string) *model.TokenEntry {
	for _, e := range m.tokens {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// --- adapters / policies ---

func (m *Memory) CreateAdapter(ctx context.Context, a *model.AuthAdapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.adapters[a.ID] = &cp
	return nil
}

func (m *Memory) GetAdapter(ctx context.Context, id string) (*model.AuthAdapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.adapters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAdapters(ctx context.Context) ([]*model.AuthAdapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.AuthAdapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateAdapter(ctx context.Context, a *model.AuthAdapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adapters[a.ID]; !ok {
		return ErrNotFound
	}
	cp := *a
	m.adapters[a.ID] = &cp
	return nil
}

func (m *Memory) DeleteAdapter(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adapters[id]; !ok {
		return ErrNotFound
	}
	delete(m.adapters, id)
	return nil
}

func (m *Memory) CreatePolicy(ctx context.Context, p *model.InboundAuthPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *Memory) ListPolicies(ctx context.Context) ([]*model.InboundAuthPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.InboundAuthPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		cp := *p
		out = append(out, &cp)
	}
	// Longest prefix first so the resolver can take the first match.
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].RoutePattern) != len(out[j].RoutePattern) {
			return len(out[i].RoutePattern) > len(out[j].RoutePattern)
		}
		return strings.Compare(out[i].RoutePattern, out[j].RoutePattern) < 0
	})
	return out, nil
}

func (m *Memory) UpdatePolicy(ctx context.Context, p *model.InboundAuthPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *Memory) DeletePolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[id]; !ok {
		return ErrNotFound
	}
	delete(m.policies, id)
	return nil
}

// --- error reports ---

func (m *Memory) CreateReport(ctx context.Context, r *model.ErrorReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.reports[r.ID] = &cp
	return nil
}

func (m *Memory) GetReport(ctx context.Context, id string) (*model.ErrorReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) ListReports(ctx context.Context, status model.ReportStatus, limit int) ([]*model.ErrorReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.ErrorReport
	for _, r := range m.reports {
		if status != "" && r.Status != status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateReport(ctx context.Context, r *model.ErrorReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.reports[r.ID] = &cp
	return nil
}

// --- queue config ---

func (m *Memory) GetQueueConfig(ctx context.Context) (*model.QueueConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueCfg == nil {
		return nil, ErrNotFound
	}
	cp := *m.queueCfg
	return &cp, nil
}

func (m *Memory) SaveQueueConfig(ctx context.Context, c *model.QueueConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.queueCfg = &cp
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }
