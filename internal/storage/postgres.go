package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/trellisflow/trellis/internal/model"
)

// Postgres is the durable gateway. All JSON-shaped document fields (flow
// definitions, payloads, fingerprints) live in jsonb columns; conditional
// writes are plain guarded UPDATEs so they stay correct across replicas.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, verifies the connection and applies pending
// migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

// jsonb marshals v for a jsonb column, mapping nil to SQL NULL.
func jsonb(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jsonb: %w", err)
	}
	return b, nil
}

// scanJSON decodes a nullable jsonb column into v, leaving v untouched on NULL.
func scanJSON(b []byte, v interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

// flowDefinition is the jsonb shape of a flow graph.
type flowDefinition struct {
	Nodes   []model.Node           `json:"nodes"`
	Edges   []model.Edge           `json:"edges"`
	Schemas map[string]interface{} `json:"schemas,omitempty"`
}

// --- flows ---

func (p *Postgres) CreateFlow(ctx context.Context, f *model.Flow) error {
	def, err := jsonb(flowDefinition{Nodes: f.Nodes, Edges: f.Edges, Schemas: f.Schemas})
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO flows (id, name, description, slug, definition, enabled, emulation_mode, active_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		f.ID, f.Name, f.Description, f.Slug, def, f.Enabled, f.EmulationMode, f.ActiveVersion, f.CreatedAt, f.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert flow: %w", err)
	}
	return nil
}

const flowColumns = `id, name, description, slug, definition, enabled, emulation_mode, active_version, created_at, updated_at`

func scanFlow(row interface{ Scan(...interface{}) error }) (*model.Flow, error) {
	var f model.Flow
	var def []byte
	err := row.Scan(&f.ID, &f.Name, &f.Description, &f.Slug, &def, &f.Enabled, &f.EmulationMode, &f.ActiveVersion, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan flow: %w", err)
	}
	var d flowDefinition
	if err := scanJSON(def, &d); err != nil {
		return nil, fmt.Errorf("failed to decode flow definition: %w", err)
	}
	f.Nodes, f.Edges, f.Schemas = d.Nodes, d.Edges, d.Schemas
	return &f, nil
}

func (p *Postgres) GetFlow(ctx context.Context, id string) (*model.Flow, error) {
	return scanFlow(p.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, id))
}

func (p *Postgres) GetFlowBySlug(ctx context.Context, slug string) (*model.Flow, error) {
	return scanFlow(p.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE slug = $1`, slug))
}

func (p *Postgres) ListFlows(ctx context.Context) ([]*model.Flow, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+flowColumns+` FROM flows ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()
	var out []*model.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateFlow(ctx context.Context, f *model.Flow) error {
	def, err := jsonb(flowDefinition{Nodes: f.Nodes, Edges: f.Edges, Schemas: f.Schemas})
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE flows SET name=$2, description=$3, slug=$4, definition=$5, enabled=$6, emulation_mode=$7, active_version=$8, updated_at=$9
		WHERE id=$1`,
		f.ID, f.Name, f.Description, f.Slug, def, f.Enabled, f.EmulationMode, f.ActiveVersion, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update flow: %w", err)
	}
	return requireRow(res)
}

func (p *Postgres) DeleteFlow(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM flows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- flow versions ---

func (p *Postgres) CreateFlowVersion(ctx context.Context, v *model.FlowVersion) error {
	def, err := jsonb(v.Definition)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO flow_versions (id, flow_id, version, change_type, change_description, environment, status, definition, created_by, created_at, approved_at, deployed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		v.ID, v.FlowID, v.Version, v.ChangeType, v.ChangeDescription, v.Environment, v.Status, def, v.CreatedBy, v.CreatedAt, nullTime(v.ApprovedAt), nullTime(v.DeployedAt))
	if err != nil {
		return fmt.Errorf("failed to insert flow version: %w", err)
	}
	return nil
}

const versionColumns = `id, flow_id, version, change_type, change_description, environment, status, definition, created_by, created_at, approved_at, deployed_at`

func scanVersion(row interface{ Scan(...interface{}) error }) (*model.FlowVersion, error) {
	var v model.FlowVersion
	var def []byte
	var approved, deployed sql.NullTime
	err := row.Scan(&v.ID, &v.FlowID, &v.Version, &v.ChangeType, &v.ChangeDescription, &v.Environment, &v.Status, &def, &v.CreatedBy, &v.CreatedAt, &approved, &deployed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan flow version: %w", err)
	}
	if err := scanJSON(def, &v.Definition); err != nil {
		return nil, fmt.Errorf("failed to decode version definition: %w", err)
	}
	v.ApprovedAt, v.DeployedAt = timePtr(approved), timePtr(deployed)
	return &v, nil
}

func (p *Postgres) GetFlowVersion(ctx context.Context, id string) (*model.FlowVersion, error) {
	return scanVersion(p.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM flow_versions WHERE id = $1`, id))
}

func (p *Postgres) ListFlowVersions(ctx context.Context, flowID string) ([]*model.FlowVersion, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+versionColumns+` FROM flow_versions WHERE flow_id = $1 ORDER BY created_at`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow versions: %w", err)
	}
	defer rows.Close()
	var out []*model.FlowVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateFlowVersion(ctx context.Context, v *model.FlowVersion) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE flow_versions SET status=$2, environment=$3, approved_at=$4, deployed_at=$5
		WHERE id=$1`,
		v.ID, v.Status, v.Environment, nullTime(v.ApprovedAt), nullTime(v.DeployedAt))
	if err != nil {
		return fmt.Errorf("failed to update flow version: %w", err)
	}
	return requireRow(res)
}

// --- runs ---

func (p *Postgres) CreateRun(ctx context.Context, r *model.FlowRun) error {
	input, err := jsonb(r.Input)
	if err != nil {
		return err
	}
	output, err := jsonb(r.Output)
	if err != nil {
		return err
	}
	runErr, err := jsonb(r.Error)
	if err != nil {
		return err
	}
	execs, err := jsonb(r.Executions)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO flow_runs (id, flow_id, flow_name, version_id, trace_id, trigger_node_id, source, status, emulated, input, output, error, executions, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13, '[]'::jsonb), $14, $15)`,
		r.ID, r.FlowID, r.FlowName, r.VersionID, r.TraceID, r.TriggerNodeID, r.Source, r.Status, r.Emulated, input, output, runErr, execs, r.StartedAt, nullTime(r.FinishedAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

const runColumns = `id, flow_id, flow_name, version_id, trace_id, trigger_node_id, source, status, emulated, input, output, error, executions, started_at, finished_at`

func scanRun(row interface{ Scan(...interface{}) error }) (*model.FlowRun, error) {
	var r model.FlowRun
	var input, output, runErr, execs []byte
	var finished sql.NullTime
	err := row.Scan(&r.ID, &r.FlowID, &r.FlowName, &r.VersionID, &r.TraceID, &r.TriggerNodeID, &r.Source, &r.Status, &r.Emulated, &input, &output, &runErr, &execs, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if err := scanJSON(input, &r.Input); err != nil {
		return nil, err
	}
	if err := scanJSON(output, &r.Output); err != nil {
		return nil, err
	}
	if err := scanJSON(runErr, &r.Error); err != nil {
		return nil, err
	}
	if err := scanJSON(execs, &r.Executions); err != nil {
		return nil, err
	}
	r.FinishedAt = timePtr(finished)
	return &r, nil
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*model.FlowRun, error) {
	return scanRun(p.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM flow_runs WHERE id = $1`, id))
}

func (p *Postgres) ListRunsByFlow(ctx context.Context, flowID string, limit int) ([]*model.FlowRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+runColumns+` FROM flow_runs WHERE flow_id = $1 ORDER BY started_at DESC LIMIT $2`, flowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()
	var out []*model.FlowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateRun(ctx context.Context, r *model.FlowRun) error {
	output, err := jsonb(r.Output)
	if err != nil {
		return err
	}
	runErr, err := jsonb(r.Error)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE flow_runs SET status=$2, output=$3, error=$4, finished_at=$5
		WHERE id=$1`,
		r.ID, r.Status, output, runErr, nullTime(r.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return requireRow(res)
}

func (p *Postgres) AppendNodeExecution(ctx context.Context, runID string, exec model.NodeExecution) error {
	b, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE flow_runs SET executions = COALESCE(executions, '[]'::jsonb) || $2::jsonb
		WHERE id = $1`,
		runID, b)
	if err != nil {
		return fmt.Errorf("failed to append execution: %w", err)
	}
	return requireRow(res)
}

// --- secrets / vault master ---

func (p *Postgres) CreateSecret(ctx context.Context, s *model.Secret) error {
	meta, err := jsonb(s.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO secrets (id, name, integration_type, ciphertext, iv, auth_tag, metadata, enabled, created_at, updated_at, last_rotated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		s.ID, s.Name, s.IntegrationType, s.Ciphertext, s.IV, s.AuthTag, meta, s.Enabled, s.CreatedAt, s.UpdatedAt, s.LastRotatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert secret: %w", err)
	}
	return nil
}

const secretColumns = `id, name, integration_type, ciphertext, iv, auth_tag, metadata, enabled, created_at, updated_at, last_rotated_at`

func scanSecret(row interface{ Scan(...interface{}) error }) (*model.Secret, error) {
	var s model.Secret
	var meta []byte
	err := row.Scan(&s.ID, &s.Name, &s.IntegrationType, &s.Ciphertext, &s.IV, &s.AuthTag, &meta, &s.Enabled, &s.CreatedAt, &s.UpdatedAt, &s.LastRotatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan secret: %w", err)
	}
	if err := scanJSON(meta, &s.Metadata); err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *Postgres) GetSecret(ctx context.Context, id string) (*model.Secret, error) {
	return scanSecret(p.db.QueryRowContext(ctx, `SELECT `+secretColumns+` FROM secrets WHERE id = $1`, id))
}

func (p *Postgres) ListSecrets(ctx context.Context) ([]*model.Secret, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+secretColumns+` FROM secrets ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()
	var out []*model.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateSecret(ctx context.Context, s *model.Secret) error {
	meta, err := jsonb(s.Metadata)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE secrets SET name=$2, integration_type=$3, ciphertext=$4, iv=$5, auth_tag=$6, metadata=$7, enabled=$8, updated_at=$9, last_rotated_at=$10
		WHERE id=$1`,
		s.ID, s.Name, s.IntegrationType, s.Ciphertext, s.IV, s.AuthTag, meta, s.Enabled, s.UpdatedAt, s.LastRotatedAt)
	if err != nil {
		return fmt.Errorf("failed to update secret: %w", err)
	}
	return requireRow(res)
}

func (p *Postgres) DeleteSecret(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM secrets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	return requireRow(res)
}

func (p *Postgres) DeleteAllSecrets(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM secrets`); err != nil {
		return fmt.Errorf("failed to delete secrets: %w", err)
	}
	return nil
}

func (p *Postgres) GetVaultMaster(ctx context.Context) (*model.VaultMaster, error) {
	var m model.VaultMaster
	var locked sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT salt, seed_hash, recovery_hash, time_cost, memory_kib, threads, failed_attempts, locked_until, created_at, updated_at
		FROM vault_master WHERE id = 1`).
		Scan(&m.Salt, &m.SeedHash, &m.RecoveryHash, &m.TimeCost, &m.MemoryKiB, &m.Threads, &m.FailedAttempts, &locked, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read vault master: %w", err)
	}
	m.LockedUntil = timePtr(locked)
	return &m, nil
}

func (p *Postgres) SaveVaultMaster(ctx context.Context, m *model.VaultMaster) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO vault_master (id, salt, seed_hash, recovery_hash, time_cost, memory_kib, threads, failed_attempts, locked_until, created_at, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			salt=EXCLUDED.salt, seed_hash=EXCLUDED.seed_hash, recovery_hash=EXCLUDED.recovery_hash,
			time_cost=EXCLUDED.time_cost, memory_kib=EXCLUDED.memory_kib, threads=EXCLUDED.threads,
			failed_attempts=EXCLUDED.failed_attempts, locked_until=EXCLUDED.locked_until, updated_at=EXCLUDED.updated_at`,
		m.Salt, m.SeedHash, m.RecoveryHash, m.TimeCost, m.MemoryKiB, m.Threads, m.FailedAttempts, nullTime(m.LockedUntil), m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save vault master: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteVaultMaster(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM vault_master WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to delete vault master: %w", err)
	}
	return nil
}

// --- poller state ---

func (p *Postgres) GetPollerState(ctx context.Context, flowID, nodeID string) (*model.PollerState, error) {
	var s model.PollerState
	var fps, cfg []byte
	var lastProcessed, lastErrAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT flow_id, node_id, poller_type, enabled, last_file, last_processed_at, fingerprints, config_snapshot, last_error, last_error_at, updated_at
		FROM poller_state WHERE flow_id = $1 AND node_id = $2`, flowID, nodeID).
		Scan(&s.FlowID, &s.NodeID, &s.PollerType, &s.Enabled, &s.LastFile, &lastProcessed, &fps, &cfg, &s.LastError, &lastErrAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read poller state: %w", err)
	}
	if err := scanJSON(fps, &s.Fingerprints); err != nil {
		return nil, err
	}
	if err := scanJSON(cfg, &s.ConfigSnapshot); err != nil {
		return nil, err
	}
	s.LastProcessedAt, s.LastErrorAt = timePtr(lastProcessed), timePtr(lastErrAt)
	return &s, nil
}

func (p *Postgres) SavePollerState(ctx context.Context, s *model.PollerState) error {
	fps, err := jsonb(s.Fingerprints)
	if err != nil {
		return err
	}
	cfg, err := jsonb(s.ConfigSnapshot)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO poller_state (flow_id, node_id, poller_type, enabled, last_file, last_processed_at, fingerprints, config_snapshot, last_error, last_error_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, '[]'::jsonb), $8, $9, $10, $11)
		ON CONFLICT (flow_id, node_id) DO UPDATE SET
			poller_type=EXCLUDED.poller_type, enabled=EXCLUDED.enabled, last_file=EXCLUDED.last_file,
			last_processed_at=EXCLUDED.last_processed_at, fingerprints=EXCLUDED.fingerprints,
			config_snapshot=EXCLUDED.config_snapshot, last_error=EXCLUDED.last_error,
			last_error_at=EXCLUDED.last_error_at, updated_at=EXCLUDED.updated_at`,
		s.FlowID, s.NodeID, s.PollerType, s.Enabled, s.LastFile, nullTime(s.LastProcessedAt), fps, cfg, s.LastError, nullTime(s.LastErrorAt), s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save poller state: %w", err)
	}
	return nil
}

// --- join state ---

const joinColumns = `id, flow_id, node_id, correlation_key, correlation_value, stream_a, stream_b, status, strategy, trace_id, created_at, expires_at, matched_at`

func scanJoin(row interface{ Scan(...interface{}) error }) (*model.JoinState, error) {
	var st model.JoinState
	var a, b []byte
	var matched sql.NullTime
	err := row.Scan(&st.ID, &st.FlowID, &st.NodeID, &st.CorrelationKey, &st.CorrelationValue, &a, &b, &st.Status, &st.Strategy, &st.TraceID, &st.CreatedAt, &st.ExpiresAt, &matched)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan join state: %w", err)
	}
	if err := scanJSON(a, &st.StreamA); err != nil {
		return nil, err
	}
	if err := scanJSON(b, &st.StreamB); err != nil {
		return nil, err
	}
	st.MatchedAt = timePtr(matched)
	return &st, nil
}

// UpsertJoinArrival locks the correlation slot, applies the arrival and
// reports whether this arrival completed the match. A lost insert race is
// retried once so both concurrent first arrivals settle on the same row.
func (p *Postgres) UpsertJoinArrival(ctx context.Context, a JoinArrival) (*model.JoinState, bool, error) {
	state, completed, err := p.tryJoinArrival(ctx, a)
	if isUniqueViolation(err) {
		state, completed, err = p.tryJoinArrival(ctx, a)
	}
	return state, completed, err
}

func (p *Postgres) tryJoinArrival(ctx context.Context, a JoinArrival) (*model.JoinState, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	st, err := scanJoin(tx.QueryRowContext(ctx, `
		SELECT `+joinColumns+` FROM join_state
		WHERE flow_id = $1 AND node_id = $2 AND correlation_value = $3
		FOR UPDATE`, a.FlowID, a.NodeID, a.CorrelationValue))

	if err == ErrNotFound {
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
		sa, err := jsonb(st.StreamA)
		if err != nil {
			return nil, false, err
		}
		sb, err := jsonb(st.StreamB)
		if err != nil {
			return nil, false, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO join_state (`+joinColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULL)`,
			st.ID, st.FlowID, st.NodeID, st.CorrelationKey, st.CorrelationValue, sa, sb, st.Status, st.Strategy, st.TraceID, st.CreatedAt, st.ExpiresAt)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, false, err
			}
			return nil, false, fmt.Errorf("failed to insert join state: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit join state: %w", err)
		}
		return st, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	// Matched and timed-out slots are never resurrected.
	if !st.Status.Waiting() {
		return st, false, nil
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

	sa, err := jsonb(st.StreamA)
	if err != nil {
		return nil, false, err
	}
	sb, err := jsonb(st.StreamB)
	if err != nil {
		return nil, false, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE join_state SET stream_a=$2, stream_b=$3, status=$4, matched_at=$5
		WHERE id=$1`,
		st.ID, sa, sb, st.Status, nullTime(st.MatchedAt))
	if err != nil {
		return nil, false, fmt.Errorf("failed to update join state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit join state: %w", err)
	}
	return st, completed, nil
}

func (p *Postgres) GetJoinState(ctx context.Context, flowID, nodeID, correlationValue string) (*model.JoinState, error) {
	return scanJoin(p.db.QueryRowContext(ctx, `
		SELECT `+joinColumns+` FROM join_state
		WHERE flow_id = $1 AND node_id = $2 AND correlation_value = $3`, flowID, nodeID, correlationValue))
}

func (p *Postgres) ExpireJoinStates(ctx context.Context, now time.Time) ([]*model.JoinState, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE join_state SET status = $2
		WHERE status IN ($3, $4) AND expires_at < $1
		RETURNING `+joinColumns,
		now, model.JoinTimeout, model.JoinWaitingA, model.JoinWaitingB)
	if err != nil {
		return nil, fmt.Errorf("failed to expire join states: %w", err)
	}
	defer rows.Close()
	var out []*model.JoinState
	for rows.Next() {
		st, err := scanJoin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteJoinStatesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM join_state
		WHERE status IN ($2, $3) AND expires_at < $1`,
		cutoff, model.JoinMatched, model.JoinTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to prune join states: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- token cache ---

const tokenColumns = `id, adapter_id, token_type, scope, value_enc, value_iv, value_tag, issued_at, expires_at, last_used_at, refresh_in_flight, refresh_started_at, last_refresh_error, version, updated_at`

func scanToken(row interface{ Scan(...interface{}) error }) (*model.TokenEntry, error) {
	var e model.TokenEntry
	var lastUsed, refreshStarted sql.NullTime
	err := row.Scan(&e.ID, &e.AdapterID, &e.TokenType, &e.Scope, &e.ValueEnc, &e.ValueIV, &e.ValueTag, &e.IssuedAt, &e.ExpiresAt, &lastUsed, &e.RefreshInFlight, &refreshStarted, &e.LastRefreshError, &e.Version, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan token: %w", err)
	}
	e.LastUsedAt, e.RefreshStartedAt = timePtr(lastUsed), timePtr(refreshStarted)
	return &e, nil
}

func (p *Postgres) GetToken(ctx context.Context, adapterID string, tokenType model.TokenType, scope string) (*model.TokenEntry, error) {
	return scanToken(p.db.QueryRowContext(ctx, `
		SELECT `+tokenColumns+` FROM token_cache
		WHERE adapter_id = $1 AND token_type = $2 AND scope = $3`, adapterID, tokenType, scope))
}

func (p *Postgres) InsertToken(ctx context.Context, e *model.TokenEntry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO token_cache (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.AdapterID, e.TokenType, e.Scope, e.ValueEnc, e.ValueIV, e.ValueTag, e.IssuedAt, e.ExpiresAt, nullTime(e.LastUsedAt), e.RefreshInFlight, nullTime(e.RefreshStartedAt), e.LastRefreshError, e.Version, e.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// ClaimTokenRefresh is the refresh CAS. The guarded UPDATE wins only when the
// caller's version still matches and no fresh refresh heartbeat holds the row.
func (p *Postgres) ClaimTokenRefresh(ctx context.Context, id string, version int64, now, stuckBefore time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE token_cache
		SET refresh_in_flight = TRUE, refresh_started_at = $2, updated_at = $2
		WHERE id = $1 AND version = $3
		  AND (refresh_in_flight = FALSE OR refresh_started_at IS NULL OR refresh_started_at <= $4)`,
		id, now, version, stuckBefore)
	if err != nil {
		return false, fmt.Errorf("failed to claim token refresh: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM token_cache WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check token: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *Postgres) CompleteTokenRefresh(ctx context.Context, e *model.TokenEntry) error {
	err := p.db.QueryRowContext(ctx, `
		UPDATE token_cache
		SET value_enc=$2, value_iv=$3, value_tag=$4, issued_at=$5, expires_at=$6,
		    refresh_in_flight=FALSE, refresh_started_at=NULL, last_refresh_error='',
		    version=version+1, updated_at=$7
		WHERE id=$1
		RETURNING version`,
		e.ID, e.ValueEnc, e.ValueIV, e.ValueTag, e.IssuedAt, e.ExpiresAt, time.Now().UTC()).
		Scan(&e.Version)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to complete token refresh: %w", err)
	}
	return nil
}

func (p *Postgres) FailTokenRefresh(ctx context.Context, id string, refreshErr string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE token_cache
		SET refresh_in_flight=FALSE, refresh_started_at=NULL, last_refresh_error=$2, updated_at=$3
		WHERE id=$1`,
		id, refreshErr, now)
	if err != nil {
		return fmt.Errorf("failed to record refresh failure: %w", err)
	}
	return requireRow(res)
}

func (p *Postgres) TouchToken(ctx context.Context, id string, usedAt time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE token_cache SET last_used_at=$2 WHERE id=$1`, id, usedAt)
	if err != nil {
		return fmt.Errorf("failed to touch token: %w", err)
	}
	return requireRow(res)
}

func (p *Postgres) ListTokensExpiringBefore(ctx context.Context, cutoff time.Time) ([]*model.TokenEntry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM token_cache WHERE expires_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring tokens: %w", err)
	}
	defer rows.Close()
	var out []*model.TokenEntry
	for rows.Next() {
		e, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteTokensForAdapter(ctx context.Context, adapterID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM token_cache WHERE adapter_id = $1`, adapterID); err != nil {
		return fmt.Errorf("failed to delete adapter tokens: %w", err)
	}
	return nil
}

// --- adapters / policies ---

func (p *Postgres) CreateAdapter(ctx context.Context, a *model.AuthAdapter) error {
	cfg, err := jsonb(a.Config)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO auth_adapters (id, name, kind, secret_id, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.Name, a.Kind, a.SecretID, cfg, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert adapter: %w", err)
	}
	return nil
}

func scanAdapter(row interface{ Scan(...interface{}) error }) (*model.AuthAdapter, error) {
	var a model.AuthAdapter
	var cfg []byte
	err := row.Scan(&a.ID, &a.Name, &a.Kind, &a.SecretID, &cfg, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan adapter: %w", err)
	}
	if err := scanJSON(cfg, &a.Config); err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) GetAdapter(ctx context.Context, id string) (*model.AuthAdapter, error) {
	return scanAdapter(p.db.QueryRowContext(ctx, `
		SELECT id, name, kind, secret_id, config, created_at, updated_at FROM auth_adapters WHERE id = $1`, id))
}

func (p *Postgres) ListAdapters(ctx context.Context) ([]*model.AuthAdapter, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, kind, secret_id, config, created_at, updated_at FROM auth_adapters ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list adapters: %w", err)
	}
	defer rows.Close()
	var out []*model.AuthAdapter
	for rows.Next() {
		a, err := scanAdapter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateAdapter(ctx context.Context, a *model.AuthAdapter) error {
	cfg, err := jsonb(a.Config)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE auth_adapters SET name=$2, kind=$3, secret_id=$4, config=$5, updated_at=$6 WHERE id=$1`,
		a.ID, a.Name, a.Kind, a.SecretID, cfg, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update adapter: %w", err)
	}
	return requireRow(res)
}

func (p *Postgres) DeleteAdapter(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM auth_adapters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete adapter: %w", err)
	}
	return requireRow(res)
}

func (p *Postgres) CreatePolicy(ctx context.Context, pol *model.InboundAuthPolicy) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_policies (id, route_pattern, method, enforcement, adapter_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pol.ID, pol.RoutePattern, pol.Method, pol.Enforcement, pq.Array(pol.AdapterIDs), pol.CreatedAt, pol.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert policy: %w", err)
	}
	return nil
}

func (p *Postgres) ListPolicies(ctx context.Context) ([]*model.InboundAuthPolicy, error) {
	// Longest prefix first so the resolver can take the first match.
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, route_pattern, method, enforcement, adapter_ids, created_at, updated_at
		FROM auth_policies ORDER BY length(route_pattern) DESC, route_pattern`)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()
	var out []*model.InboundAuthPolicy
	for rows.Next() {
		var pol model.InboundAuthPolicy
		var ids pq.StringArray
		if err := rows.Scan(&pol.ID, &pol.RoutePattern, &pol.Method, &pol.Enforcement, &ids, &pol.CreatedAt, &pol.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		pol.AdapterIDs = []string(ids)
		out = append(out, &pol)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdatePolicy(ctx context.Context, pol *model.InboundAuthPolicy) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE auth_policies SET route_pattern=$2, method=$3, enforcement=$4, adapter_ids=$5, updated_at=$6 WHERE id=$1`,
		pol.ID, pol.RoutePattern, pol.Method, pol.Enforcement, pq.Array(pol.AdapterIDs), pol.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update policy: %w", err)
	}
	return requireRow(res)
}

func (p *Postgres) DeletePolicy(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM auth_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete policy: %w", err)
	}
	return requireRow(res)
}

// --- error reports ---

func (p *Postgres) CreateReport(ctx context.Context, r *model.ErrorReport) error {
	tech, err := jsonb(r.Technical)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO error_reports (id, run_id, flow_id, flow_name, node_id, kind, summary, technical, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.RunID, r.FlowID, r.FlowName, r.NodeID, r.Kind, r.Summary, tech, r.Status, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}
	return nil
}

const reportColumns = `id, run_id, flow_id, flow_name, node_id, kind, summary, technical, status, created_at, updated_at`

func scanReport(row interface{ Scan(...interface{}) error }) (*model.ErrorReport, error) {
	var r model.ErrorReport
	var tech []byte
	err := row.Scan(&r.ID, &r.RunID, &r.FlowID, &r.FlowName, &r.NodeID, &r.Kind, &r.Summary, &tech, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan report: %w", err)
	}
	if err := scanJSON(tech, &r.Technical); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) GetReport(ctx context.Context, id string) (*model.ErrorReport, error) {
	return scanReport(p.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM error_reports WHERE id = $1`, id))
}

func (p *Postgres) ListReports(ctx context.Context, status model.ReportStatus, limit int) ([]*model.ErrorReport, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = p.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM error_reports ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM error_reports WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()
	var out []*model.ErrorReport
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateReport(ctx context.Context, r *model.ErrorReport) error {
	res, err := p.db.ExecContext(ctx, `UPDATE error_reports SET status=$2, updated_at=$3 WHERE id=$1`, r.ID, r.Status, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	return requireRow(res)
}

// --- queue config ---

func (p *Postgres) GetQueueConfig(ctx context.Context) (*model.QueueConfig, error) {
	var c model.QueueConfig
	err := p.db.QueryRowContext(ctx, `SELECT backend, previous_backend, updated_at FROM queue_config WHERE id = 1`).
		Scan(&c.Current, &c.Previous, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue config: %w", err)
	}
	return &c, nil
}

func (p *Postgres) SaveQueueConfig(ctx context.Context, c *model.QueueConfig) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO queue_config (id, backend, previous_backend, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			backend=EXCLUDED.backend, previous_backend=EXCLUDED.previous_backend, updated_at=EXCLUDED.updated_at`,
		c.Current, c.Previous, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save queue config: %w", err)
	}
	return nil
}
