package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/blarser/internal/db"
	"github.com/sells-group/blarser/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool; used by tests with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS events (
	id         BIGSERIAL PRIMARY KEY,
	event_time TIMESTAMPTZ NOT NULL,
	source     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    JSONB
);

CREATE TABLE IF NOT EXISTS event_effects (
	event_id    BIGINT NOT NULL REFERENCES events(id),
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL DEFAULT '',
	aux         JSONB
);

CREATE TABLE IF NOT EXISTS versions (
	id           BIGSERIAL PRIMARY KEY,
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	start_time   TIMESTAMPTZ NOT NULL,
	entity       JSONB NOT NULL,
	from_event   BIGINT NOT NULL REFERENCES events(id),
	event_aux    JSONB,
	observations TIMESTAMPTZ[] NOT NULL DEFAULT '{}',
	terminated   TEXT
);

CREATE TABLE IF NOT EXISTS version_links (
	parent_id BIGINT NOT NULL REFERENCES versions(id),
	child_id  BIGINT NOT NULL REFERENCES versions(id),
	UNIQUE(parent_id, child_id)
);

CREATE TABLE IF NOT EXISTS observations (
	id               BIGSERIAL PRIMARY KEY,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	perceived_at     TIMESTAMPTZ NOT NULL,
	earliest         TIMESTAMPTZ NOT NULL,
	latest           TIMESTAMPTZ NOT NULL,
	data             JSONB NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	resolved_version BIGINT REFERENCES versions(id),
	candidates       JSONB,
	mismatches       JSONB
);

CREATE TABLE IF NOT EXISTS approvals (
	id           BIGSERIAL PRIMARY KEY,
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	perceived_at TIMESTAMPTZ NOT NULL,
	message      TEXT NOT NULL,
	approved     BOOLEAN,
	explanation  TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(entity_type, entity_id, perceived_at, message)
);

CREATE INDEX IF NOT EXISTS idx_events_time ON events(event_time);
CREATE INDEX IF NOT EXISTS idx_event_effects_entity ON event_effects(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_versions_entity ON versions(entity_type, entity_id, start_time);
CREATE INDEX IF NOT EXISTS idx_version_links_child ON version_links(child_id);
CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(entity_type, entity_id, perceived_at);
CREATE INDEX IF NOT EXISTS idx_observations_status ON observations(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *model.Event) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin append event")
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO events (event_time, source, kind, payload) VALUES ($1, $2, $3, $4) RETURNING id`,
		e.Time.UTC(), string(e.Source), e.Kind, nullableJSON(e.Payload),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert event")
	}

	if len(e.Effects) > 0 {
		rows := make([][]any, 0, len(e.Effects))
		for _, eff := range e.Effects {
			entityID := ""
			if eff.EntityID != uuid.Nil {
				entityID = eff.EntityID.String()
			}
			rows = append(rows, []any{id, string(eff.EntityType), entityID, nullableJSON(eff.Aux)})
		}
		if _, err := db.CopyFrom(ctx, tx, "event_effects",
			[]string{"event_id", "entity_type", "entity_id", "aux"}, rows); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit append event")
	}
	e.ID = id
	for i := range e.Effects {
		e.Effects[i].EventID = id
	}
	return id, nil
}

func (s *PostgresStore) scanEventRow(rows pgx.Rows) (model.Event, error) {
	var (
		e       model.Event
		source  string
		payload []byte
	)
	if err := rows.Scan(&e.ID, &e.Time, &source, &e.Kind, &payload); err != nil {
		return e, eris.Wrap(err, "postgres: scan event")
	}
	e.Source = model.EventSource(source)
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return e, nil
}

func (s *PostgresStore) loadEffects(ctx context.Context, events []model.Event) error {
	for i := range events {
		rows, err := s.pool.Query(ctx,
			`SELECT event_id, entity_type, entity_id, aux FROM event_effects WHERE event_id = $1`,
			events[i].ID,
		)
		if err != nil {
			return eris.Wrap(err, "postgres: query event effects")
		}
		var effects []model.EventEffect
		for rows.Next() {
			var (
				eff      model.EventEffect
				entType  string
				entityID string
				aux      []byte
			)
			if err := rows.Scan(&eff.EventID, &entType, &entityID, &aux); err != nil {
				rows.Close()
				return eris.Wrap(err, "postgres: scan event effect")
			}
			eff.EntityType = model.EntityType(entType)
			if entityID != "" {
				id, err := uuid.Parse(entityID)
				if err != nil {
					rows.Close()
					return eris.Wrapf(err, "postgres: parse effect entity id %q", entityID)
				}
				eff.EntityID = id
			}
			if len(aux) > 0 {
				eff.Aux = json.RawMessage(aux)
			}
			effects = append(effects, eff)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return eris.Wrap(err, "postgres: iterate event effects")
		}
		events[i].Effects = effects
	}
	return nil
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query events")
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := s.scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate events")
	}
	rows.Close()
	if err := s.loadEffects(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	events, err := s.queryEvents(ctx,
		`SELECT id, event_time, source, kind, payload FROM events WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "event %d", id)
	}
	return &events[0], nil
}

func (s *PostgresStore) EventsAffecting(ctx context.Context, ref model.EntityRef, after, until time.Time) ([]model.Event, error) {
	return s.queryEvents(ctx, `
		SELECT DISTINCT e.id, e.event_time, e.source, e.kind, e.payload
		FROM events e
		JOIN event_effects eff ON eff.event_id = e.id
		WHERE eff.entity_type = $1 AND (eff.entity_id = '' OR eff.entity_id = $2)
		  AND e.event_time > $3 AND e.event_time <= $4
		ORDER BY e.event_time, e.id`,
		string(ref.Type), ref.ID.String(), after.UTC(), until.UTC(),
	)
}

func (s *PostgresStore) LatestEventTime(ctx context.Context) (time.Time, error) {
	var latest *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(event_time) FROM events`).Scan(&latest)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "postgres: latest event time")
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

func (s *PostgresStore) InsertVersions(ctx context.Context, vs []model.NewVersion) ([]int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin insert versions")
	}
	defer tx.Rollback(ctx)

	ids := make([]int64, 0, len(vs))
	var links [][]any
	for _, nv := range vs {
		obs := make([]time.Time, len(nv.Observations))
		for i, t := range nv.Observations {
			obs[i] = t.UTC()
		}
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO versions (entity_type, entity_id, start_time, entity, from_event, event_aux, observations)
			VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			string(nv.Entity.Type), nv.Entity.ID.String(), nv.StartTime.UTC(),
			string(nv.State), nv.FromEvent, nullableJSON(nv.EventAux), obs,
		).Scan(&id)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: insert version")
		}
		for _, pid := range nv.ParentIDs {
			links = append(links, []any{pid, id})
		}
		ids = append(ids, id)
	}

	if _, err := db.CopyFrom(ctx, tx, "version_links", []string{"parent_id", "child_id"}, links); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit insert versions")
	}
	return ids, nil
}

const pgVersionColumns = `id, entity_type, entity_id, start_time, entity, from_event, event_aux, observations, terminated`

func scanPgVersion(rows pgx.Rows) (model.Version, error) {
	var (
		v          model.Version
		entType    string
		entityID   string
		state      []byte
		aux        []byte
		obs        []time.Time
		terminated *string
	)
	if err := rows.Scan(&v.ID, &entType, &entityID, &v.StartTime, &state, &v.FromEvent, &aux, &obs, &terminated); err != nil {
		return v, eris.Wrap(err, "postgres: scan version")
	}
	id, err := uuid.Parse(entityID)
	if err != nil {
		return v, eris.Wrapf(err, "postgres: parse version entity id %q", entityID)
	}
	v.Entity = model.EntityRef{Type: model.EntityType(entType), ID: id}
	v.State = json.RawMessage(state)
	if len(aux) > 0 {
		v.EventAux = json.RawMessage(aux)
	}
	v.Observations = obs
	v.Terminated = terminated
	return v, nil
}

func (s *PostgresStore) queryVersions(ctx context.Context, query string, args ...any) ([]model.Version, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query versions")
	}
	defer rows.Close()

	var out []model.Version
	for rows.Next() {
		v, err := scanPgVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate versions")
}

func (s *PostgresStore) GetVersion(ctx context.Context, id int64) (*model.Version, error) {
	vs, err := s.queryVersions(ctx,
		`SELECT `+pgVersionColumns+` FROM versions WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "version %d", id)
	}
	return &vs[0], nil
}

func (s *PostgresStore) LiveVersionsAt(ctx context.Context, ref model.EntityRef, t time.Time) ([]model.Version, error) {
	return s.queryVersions(ctx, `
		SELECT `+pgVersionColumns+` FROM versions v
		WHERE v.entity_type = $1 AND v.entity_id = $2
		  AND v.terminated IS NULL AND v.start_time <= $3
		  AND NOT EXISTS (
			SELECT 1 FROM version_links l
			JOIN versions c ON c.id = l.child_id
			WHERE l.parent_id = v.id AND c.terminated IS NULL AND c.start_time <= $3
		  )
		ORDER BY v.id`,
		string(ref.Type), ref.ID.String(), t.UTC(),
	)
}

func (s *PostgresStore) VersionsInRange(ctx context.Context, ref model.EntityRef, t0, t1 time.Time) ([]model.Version, error) {
	return s.queryVersions(ctx, `
		SELECT `+pgVersionColumns+` FROM versions v
		WHERE v.entity_type = $1 AND v.entity_id = $2
		  AND v.terminated IS NULL AND v.start_time <= $3
		  AND NOT EXISTS (
			SELECT 1 FROM version_links l
			JOIN versions c ON c.id = l.child_id
			WHERE l.parent_id = v.id AND c.terminated IS NULL AND c.start_time <= $4
		  )
		ORDER BY v.start_time, v.id`,
		string(ref.Type), ref.ID.String(), t1.UTC(), t0.UTC(),
	)
}

func (s *PostgresStore) AncestorsUntil(ctx context.Context, versionID int64, tFloor time.Time) ([]model.Version, error) {
	if _, err := s.GetVersion(ctx, versionID); err != nil {
		return nil, err
	}
	return s.queryVersions(ctx, `
		WITH RECURSIVE anc(id) AS (
			SELECT parent_id FROM version_links WHERE child_id = $1
			UNION
			SELECT l.parent_id FROM version_links l JOIN anc a ON l.child_id = a.id
		)
		SELECT `+pgVersionColumns+` FROM versions v
		JOIN anc ON anc.id = v.id
		WHERE v.start_time >= $2
		ORDER BY v.start_time DESC, v.id DESC`,
		versionID, tFloor.UTC(),
	)
}

func (s *PostgresStore) Children(ctx context.Context, versionID int64) ([]model.Version, error) {
	return s.queryVersions(ctx, `
		SELECT `+pgVersionColumns+` FROM versions v
		JOIN version_links l ON l.child_id = v.id
		WHERE l.parent_id = $1
		ORDER BY v.id`,
		versionID,
	)
}

func (s *PostgresStore) ParentIDs(ctx context.Context, versionID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT parent_id FROM version_links WHERE child_id = $1 ORDER BY parent_id`, versionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query parent ids")
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan parent id")
		}
		out = append(out, id)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate parent ids")
}

func (s *PostgresStore) Terminate(ctx context.Context, versionIDs []int64, reason string) error {
	if len(versionIDs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin terminate")
	}
	defer tx.Rollback(ctx)

	terminate := func(ids []int64, why string) error {
		_, err := tx.Exec(ctx,
			`UPDATE versions SET terminated = $1 WHERE id = ANY($2) AND terminated IS NULL`, why, ids)
		return eris.Wrap(err, "postgres: terminate versions")
	}
	collect := func(query string) ([]int64, error) {
		rows, err := tx.Query(ctx, query)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: query cascade")
		}
		defer rows.Close()
		var out []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, eris.Wrap(err, "postgres: scan cascade id")
			}
			out = append(out, id)
		}
		return out, eris.Wrap(rows.Err(), "postgres: iterate cascade ids")
	}

	if err := terminate(versionIDs, reason); err != nil {
		return err
	}

	for {
		cascaded, err := collect(`
			SELECT v.id FROM versions v
			JOIN version_links l ON l.parent_id = v.id
			JOIN versions c ON c.id = l.child_id
			WHERE v.terminated IS NULL
			GROUP BY v.id
			HAVING COUNT(*) = COUNT(c.terminated)`)
		if err != nil {
			return err
		}
		orphaned, err := collect(`
			SELECT v.id FROM versions v
			JOIN version_links l ON l.child_id = v.id
			JOIN versions p ON p.id = l.parent_id
			WHERE v.terminated IS NULL
			GROUP BY v.id
			HAVING COUNT(*) = COUNT(p.terminated)`)
		if err != nil {
			return err
		}
		if len(cascaded) == 0 && len(orphaned) == 0 {
			break
		}
		if len(cascaded) > 0 {
			if err := terminate(cascaded, TerminatedCascade); err != nil {
				return err
			}
		}
		if len(orphaned) > 0 {
			if err := terminate(orphaned, TerminatedOrphaned); err != nil {
				return err
			}
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit terminate")
}

func (s *PostgresStore) AppendObservationTime(ctx context.Context, versionID int64, perceivedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE versions SET observations = array_append(observations, $1) WHERE id = $2`,
		perceivedAt.UTC(), versionID)
	if err != nil {
		return eris.Wrap(err, "postgres: append observation time")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "version %d", versionID)
	}
	return nil
}

func (s *PostgresStore) UpdateVersionState(ctx context.Context, versionID int64, state json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE versions SET entity = $1 WHERE id = $2`, string(state), versionID)
	if err != nil {
		return eris.Wrap(err, "postgres: update version state")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "version %d", versionID)
	}
	return nil
}

func (s *PostgresStore) FrontierVersions(ctx context.Context) ([]model.Version, error) {
	return s.queryVersions(ctx, `
		SELECT `+pgVersionColumns+` FROM versions v
		WHERE v.terminated IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM version_links l
			JOIN versions c ON c.id = l.child_id
			WHERE l.parent_id = v.id AND c.terminated IS NULL
		  )
		ORDER BY v.id`,
	)
}

func (s *PostgresStore) InsertObservation(ctx context.Context, o *model.Observation) (int64, error) {
	status := o.Status
	if status == "" {
		status = model.ObservationPending
	}
	var candidates any
	if o.Candidates != nil {
		data, err := json.Marshal(o.Candidates)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal candidate ids")
		}
		candidates = string(data)
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO observations (entity_type, entity_id, perceived_at, earliest, latest, data, status, resolved_version, candidates, mismatches)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		string(o.Entity.Type), o.Entity.ID.String(), o.PerceivedAt.UTC(), o.Earliest.UTC(), o.Latest.UTC(),
		string(o.Data), string(status), o.ResolvedVersion, candidates, nullableJSON(o.Mismatches),
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert observation")
	}
	o.ID = id
	o.Status = status
	return id, nil
}

func (s *PostgresStore) UpdateObservation(ctx context.Context, o *model.Observation) error {
	var candidates any
	if o.Candidates != nil {
		data, err := json.Marshal(o.Candidates)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal candidate ids")
		}
		candidates = string(data)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE observations
		SET perceived_at = $1, earliest = $2, latest = $3, status = $4, resolved_version = $5, candidates = $6, mismatches = $7
		WHERE id = $8`,
		o.PerceivedAt.UTC(), o.Earliest.UTC(), o.Latest.UTC(), string(o.Status),
		o.ResolvedVersion, candidates, nullableJSON(o.Mismatches), o.ID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: update observation")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "observation %d", o.ID)
	}
	return nil
}

const pgObservationColumns = `id, entity_type, entity_id, perceived_at, earliest, latest, data, status, resolved_version, candidates, mismatches`

func scanPgObservation(rows pgx.Rows) (model.Observation, error) {
	var (
		o          model.Observation
		entType    string
		entityID   string
		data       []byte
		status     string
		candidates []byte
		mismatches []byte
	)
	if err := rows.Scan(&o.ID, &entType, &entityID, &o.PerceivedAt, &o.Earliest, &o.Latest, &data, &status, &o.ResolvedVersion, &candidates, &mismatches); err != nil {
		return o, eris.Wrap(err, "postgres: scan observation")
	}
	id, err := uuid.Parse(entityID)
	if err != nil {
		return o, eris.Wrapf(err, "postgres: parse observation entity id %q", entityID)
	}
	o.Entity = model.EntityRef{Type: model.EntityType(entType), ID: id}
	o.Data = json.RawMessage(data)
	o.Status = model.ObservationStatus(status)
	if len(candidates) > 0 {
		if err := json.Unmarshal(candidates, &o.Candidates); err != nil {
			return o, eris.Wrap(err, "postgres: unmarshal candidate ids")
		}
	}
	if len(mismatches) > 0 {
		o.Mismatches = json.RawMessage(mismatches)
	}
	return o, nil
}

func (s *PostgresStore) queryObservations(ctx context.Context, query string, args ...any) ([]model.Observation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		o, err := scanPgObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate observations")
}

func (s *PostgresStore) GetObservation(ctx context.Context, id int64) (*model.Observation, error) {
	os, err := s.queryObservations(ctx,
		`SELECT `+pgObservationColumns+` FROM observations WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(os) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "observation %d", id)
	}
	return &os[0], nil
}

func (s *PostgresStore) ListObservations(ctx context.Context, f ObservationFilter) ([]model.Observation, error) {
	query := `SELECT ` + pgObservationColumns + ` FROM observations WHERE true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.Entity != nil {
		query += ` AND entity_type = ` + arg(string(f.Entity.Type)) + ` AND entity_id = ` + arg(f.Entity.ID.String())
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		query += ` AND status = ANY(` + arg(statuses) + `)`
	}
	if len(f.ResolvedBy) > 0 {
		query += ` AND resolved_version = ANY(` + arg(f.ResolvedBy) + `)`
	}
	query += ` ORDER BY perceived_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}
	return s.queryObservations(ctx, query, args...)
}

func (s *PostgresStore) LatestObservationTime(ctx context.Context) (time.Time, error) {
	var latest *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(perceived_at) FROM observations`).Scan(&latest)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "postgres: latest observation time")
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

func (s *PostgresStore) UpsertApproval(ctx context.Context, ref model.EntityRef, perceivedAt time.Time, message string) (*model.Approval, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approvals (entity_type, entity_id, perceived_at, message)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_type, entity_id, perceived_at, message) DO NOTHING`,
		string(ref.Type), ref.ID.String(), perceivedAt.UTC(), message,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert approval")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, entity_type, entity_id, perceived_at, message, approved, explanation, created_at
		FROM approvals
		WHERE entity_type = $1 AND entity_id = $2 AND perceived_at = $3 AND message = $4`,
		string(ref.Type), ref.ID.String(), perceivedAt.UTC(), message,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query approval")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, eris.Wrap(ErrNotFound, "approval after upsert")
	}
	a, err := scanPgApproval(rows)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanPgApproval(rows pgx.Rows) (model.Approval, error) {
	var (
		a        model.Approval
		entType  string
		entityID string
	)
	if err := rows.Scan(&a.ID, &entType, &entityID, &a.PerceivedAt, &a.Message, &a.Approved, &a.Explanation, &a.CreatedAt); err != nil {
		return a, eris.Wrap(err, "postgres: scan approval")
	}
	id, err := uuid.Parse(entityID)
	if err != nil {
		return a, eris.Wrapf(err, "postgres: parse approval entity id %q", entityID)
	}
	a.Entity = model.EntityRef{Type: model.EntityType(entType), ID: id}
	return a, nil
}

func (s *PostgresStore) ResolveApproval(ctx context.Context, id int64, approved bool, explanation string) error {
	var expl *string
	if explanation != "" {
		expl = &explanation
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE approvals SET approved = $1, explanation = $2 WHERE id = $3`, approved, expl, id)
	if err != nil {
		return eris.Wrap(err, "postgres: resolve approval")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "approval %d", id)
	}
	return nil
}

func (s *PostgresStore) ListApprovals(ctx context.Context, pendingOnly bool) ([]model.Approval, error) {
	query := `SELECT id, entity_type, entity_id, perceived_at, message, approved, explanation, created_at FROM approvals`
	if pendingOnly {
		query += ` WHERE approved IS NULL`
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query approvals")
	}
	defer rows.Close()

	var out []model.Approval
	for rows.Next() {
		a, err := scanPgApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate approvals")
}

func (s *PostgresStore) EntityDAG(ctx context.Context, ref model.EntityRef) (*model.EntityDAG, error) {
	versions, err := s.queryVersions(ctx, `
		SELECT `+pgVersionColumns+` FROM versions
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id`,
		string(ref.Type), ref.ID.String(),
	)
	if err != nil {
		return nil, err
	}

	dag := &model.EntityDAG{Entity: ref, Versions: versions, Events: make(map[int64]model.Event)}
	for _, v := range versions {
		if _, ok := dag.Events[v.FromEvent]; !ok {
			e, err := s.GetEvent(ctx, v.FromEvent)
			if err != nil {
				return nil, err
			}
			dag.Events[e.ID] = *e
		}
		parents, err := s.ParentIDs(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		for _, pid := range parents {
			dag.Links = append(dag.Links, model.VersionLink{ParentID: pid, ChildID: v.ID})
		}
	}
	return dag, nil
}

var _ Store = (*PostgresStore)(nil)
