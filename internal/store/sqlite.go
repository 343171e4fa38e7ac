package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/blarser/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_time TEXT NOT NULL,
	source     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT
);

CREATE TABLE IF NOT EXISTS event_effects (
	event_id    INTEGER NOT NULL REFERENCES events(id),
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL DEFAULT '',
	aux         TEXT
);

CREATE TABLE IF NOT EXISTS versions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	start_time   TEXT NOT NULL,
	entity       TEXT NOT NULL,
	from_event   INTEGER NOT NULL REFERENCES events(id),
	event_aux    TEXT,
	observations TEXT NOT NULL DEFAULT '[]',
	terminated   TEXT
);

CREATE TABLE IF NOT EXISTS version_links (
	parent_id INTEGER NOT NULL REFERENCES versions(id),
	child_id  INTEGER NOT NULL REFERENCES versions(id),
	UNIQUE(parent_id, child_id)
);

CREATE TABLE IF NOT EXISTS observations (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	perceived_at     TEXT NOT NULL,
	earliest         TEXT NOT NULL,
	latest           TEXT NOT NULL,
	data             TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	resolved_version INTEGER REFERENCES versions(id),
	candidates       TEXT,
	mismatches       TEXT
);

CREATE TABLE IF NOT EXISTS approvals (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_type  TEXT NOT NULL,
	entity_id    TEXT NOT NULL,
	perceived_at TEXT NOT NULL,
	message      TEXT NOT NULL,
	approved     INTEGER,
	explanation  TEXT,
	created_at   TEXT NOT NULL,
	UNIQUE(entity_type, entity_id, perceived_at, message)
);

CREATE INDEX IF NOT EXISTS idx_events_time ON events(event_time);
CREATE INDEX IF NOT EXISTS idx_event_effects_entity ON event_effects(entity_type, entity_id);
CREATE INDEX IF NOT EXISTS idx_versions_entity ON versions(entity_type, entity_id, start_time);
CREATE INDEX IF NOT EXISTS idx_version_links_child ON version_links(child_id);
CREATE INDEX IF NOT EXISTS idx_observations_entity ON observations(entity_type, entity_id, perceived_at);
CREATE INDEX IF NOT EXISTS idx_observations_status ON observations(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteTimeLayout is fixed-width so stored timestamps order lexicographically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse timestamp %q", s)
	}
	return t, nil
}

func marshalTimes(times []time.Time) (string, error) {
	out := make([]string, len(times))
	for i, t := range times {
		out[i] = ts(t)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal observation times")
	}
	return string(data), nil
}

func unmarshalTimes(data string) ([]time.Time, error) {
	if data == "" {
		return nil, nil
	}
	var raw []string
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal observation times")
	}
	var out []time.Time
	for _, s := range raw {
		t, err := parseTS(s)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *model.Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin append event")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_time, source, kind, payload) VALUES (?, ?, ?, ?)`,
		ts(e.Time), string(e.Source), e.Kind, nullableJSON(e.Payload),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert event")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: event id")
	}

	for _, eff := range e.Effects {
		entityID := ""
		if eff.EntityID != uuid.Nil {
			entityID = eff.EntityID.String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_effects (event_id, entity_type, entity_id, aux) VALUES (?, ?, ?, ?)`,
			id, string(eff.EntityType), entityID, nullableJSON(eff.Aux),
		); err != nil {
			return 0, eris.Wrap(err, "sqlite: insert event effect")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit append event")
	}
	e.ID = id
	for i := range e.Effects {
		e.Effects[i].EventID = id
	}
	return id, nil
}

func nullableJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func (s *SQLiteStore) scanEvent(ctx context.Context, row *sql.Rows) (model.Event, error) {
	var (
		e       model.Event
		timeStr string
		source  string
		payload sql.NullString
	)
	if err := row.Scan(&e.ID, &timeStr, &source, &e.Kind, &payload); err != nil {
		return e, eris.Wrap(err, "sqlite: scan event")
	}
	t, err := parseTS(timeStr)
	if err != nil {
		return e, err
	}
	e.Time = t
	e.Source = model.EventSource(source)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}

	effects, err := s.eventEffects(ctx, e.ID)
	if err != nil {
		return e, err
	}
	e.Effects = effects
	return e, nil
}

func (s *SQLiteStore) eventEffects(ctx context.Context, eventID int64) ([]model.EventEffect, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, entity_type, entity_id, aux FROM event_effects WHERE event_id = ? ORDER BY rowid`,
		eventID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query event effects")
	}
	defer rows.Close()

	var out []model.EventEffect
	for rows.Next() {
		var (
			eff      model.EventEffect
			entType  string
			entityID string
			aux      sql.NullString
		)
		if err := rows.Scan(&eff.EventID, &entType, &entityID, &aux); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event effect")
		}
		eff.EntityType = model.EntityType(entType)
		if entityID != "" {
			id, err := uuid.Parse(entityID)
			if err != nil {
				return nil, eris.Wrapf(err, "sqlite: parse effect entity id %q", entityID)
			}
			eff.EntityID = id
		}
		if aux.Valid {
			eff.Aux = json.RawMessage(aux.String)
		}
		out = append(out, eff)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_time, source, kind, payload FROM events WHERE id = ?`, id)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query event")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, eris.Wrapf(ErrNotFound, "event %d", id)
	}
	e, err := s.scanEvent(ctx, rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) EventsAffecting(ctx context.Context, ref model.EntityRef, after, until time.Time) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT e.id, e.event_time, e.source, e.kind, e.payload
		FROM events e
		JOIN event_effects eff ON eff.event_id = e.id
		WHERE eff.entity_type = ? AND (eff.entity_id = '' OR eff.entity_id = ?)
		  AND e.event_time > ? AND e.event_time <= ?
		ORDER BY e.event_time, e.id`,
		string(ref.Type), ref.ID.String(), ts(after), ts(until),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query events affecting")
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := s.scanEvent(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestEventTime(ctx context.Context) (time.Time, error) {
	var latest sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(event_time) FROM events`).Scan(&latest)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "sqlite: latest event time")
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return parseTS(latest.String)
}

func (s *SQLiteStore) InsertVersions(ctx context.Context, vs []model.NewVersion) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin insert versions")
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(vs))
	for _, nv := range vs {
		times, err := marshalTimes(nv.Observations)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO versions (entity_type, entity_id, start_time, entity, from_event, event_aux, observations)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(nv.Entity.Type), nv.Entity.ID.String(), ts(nv.StartTime),
			string(nv.State), nv.FromEvent, nullableJSON(nv.EventAux), times,
		)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: insert version")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: version id")
		}
		for _, pid := range nv.ParentIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO version_links (parent_id, child_id) VALUES (?, ?)`, pid, id,
			); err != nil {
				return nil, eris.Wrap(err, "sqlite: insert version link")
			}
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit insert versions")
	}
	return ids, nil
}

const versionColumns = `id, entity_type, entity_id, start_time, entity, from_event, event_aux, observations, terminated`

func scanVersion(rows *sql.Rows) (model.Version, error) {
	var (
		v          model.Version
		entType    string
		entityID   string
		startTime  string
		state      string
		aux        sql.NullString
		obs        string
		terminated sql.NullString
	)
	if err := rows.Scan(&v.ID, &entType, &entityID, &startTime, &state, &v.FromEvent, &aux, &obs, &terminated); err != nil {
		return v, eris.Wrap(err, "sqlite: scan version")
	}
	id, err := uuid.Parse(entityID)
	if err != nil {
		return v, eris.Wrapf(err, "sqlite: parse version entity id %q", entityID)
	}
	v.Entity = model.EntityRef{Type: model.EntityType(entType), ID: id}
	if v.StartTime, err = parseTS(startTime); err != nil {
		return v, err
	}
	v.State = json.RawMessage(state)
	if aux.Valid {
		v.EventAux = json.RawMessage(aux.String)
	}
	if v.Observations, err = unmarshalTimes(obs); err != nil {
		return v, err
	}
	if terminated.Valid {
		reason := terminated.String
		v.Terminated = &reason
	}
	return v, nil
}

func (s *SQLiteStore) queryVersions(ctx context.Context, query string, args ...any) ([]model.Version, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query versions")
	}
	defer rows.Close()

	var out []model.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetVersion(ctx context.Context, id int64) (*model.Version, error) {
	vs, err := s.queryVersions(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "version %d", id)
	}
	return &vs[0], nil
}

func (s *SQLiteStore) LiveVersionsAt(ctx context.Context, ref model.EntityRef, t time.Time) ([]model.Version, error) {
	return s.queryVersions(ctx, `
		SELECT `+versionColumns+` FROM versions v
		WHERE v.entity_type = ? AND v.entity_id = ?
		  AND v.terminated IS NULL AND v.start_time <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM version_links l
			JOIN versions c ON c.id = l.child_id
			WHERE l.parent_id = v.id AND c.terminated IS NULL AND c.start_time <= ?
		  )
		ORDER BY v.id`,
		string(ref.Type), ref.ID.String(), ts(t), ts(t),
	)
}

func (s *SQLiteStore) VersionsInRange(ctx context.Context, ref model.EntityRef, t0, t1 time.Time) ([]model.Version, error) {
	return s.queryVersions(ctx, `
		SELECT `+versionColumns+` FROM versions v
		WHERE v.entity_type = ? AND v.entity_id = ?
		  AND v.terminated IS NULL AND v.start_time <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM version_links l
			JOIN versions c ON c.id = l.child_id
			WHERE l.parent_id = v.id AND c.terminated IS NULL AND c.start_time <= ?
		  )
		ORDER BY v.start_time, v.id`,
		string(ref.Type), ref.ID.String(), ts(t1), ts(t0),
	)
}

func (s *SQLiteStore) AncestorsUntil(ctx context.Context, versionID int64, tFloor time.Time) ([]model.Version, error) {
	if _, err := s.GetVersion(ctx, versionID); err != nil {
		return nil, err
	}
	return s.queryVersions(ctx, `
		WITH RECURSIVE anc(anc_id) AS (
			SELECT parent_id FROM version_links WHERE child_id = ?
			UNION
			SELECT l.parent_id FROM version_links l JOIN anc a ON l.child_id = a.anc_id
		)
		SELECT `+versionColumns+` FROM versions v
		JOIN anc ON anc.anc_id = v.id
		WHERE v.start_time >= ?
		ORDER BY v.start_time DESC, v.id DESC`,
		versionID, ts(tFloor),
	)
}

func (s *SQLiteStore) Children(ctx context.Context, versionID int64) ([]model.Version, error) {
	return s.queryVersions(ctx, `
		SELECT `+versionColumns+` FROM versions v
		JOIN version_links l ON l.child_id = v.id
		WHERE l.parent_id = ?
		ORDER BY v.id`,
		versionID,
	)
}

func (s *SQLiteStore) ParentIDs(ctx context.Context, versionID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT parent_id FROM version_links WHERE child_id = ? ORDER BY parent_id`, versionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query parent ids")
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan parent id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Terminate(ctx context.Context, versionIDs []int64, reason string) error {
	if len(versionIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin terminate")
	}
	defer tx.Rollback()

	terminate := func(ids []int64, why string) error {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
		args := make([]any, 0, len(ids)+1)
		args = append(args, why)
		for _, id := range ids {
			args = append(args, id)
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE versions SET terminated = ? WHERE id IN (%s) AND terminated IS NULL`, placeholders), args...)
		return eris.Wrap(err, "sqlite: terminate versions")
	}
	collect := func(query string) ([]int64, error) {
		rows, err := tx.QueryContext(ctx, query)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: query cascade")
		}
		defer rows.Close()
		var out []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, eris.Wrap(err, "sqlite: scan cascade id")
			}
			out = append(out, id)
		}
		return out, rows.Err()
	}

	if err := terminate(versionIDs, reason); err != nil {
		return err
	}

	// Cascade to fixpoint: kill live versions that lost every child, then
	// live versions that lost every parent, until neither query matches.
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

	return eris.Wrap(tx.Commit(), "sqlite: commit terminate")
}

func (s *SQLiteStore) AppendObservationTime(ctx context.Context, versionID int64, perceivedAt time.Time) error {
	v, err := s.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	times, err := marshalTimes(append(v.Observations, perceivedAt))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE versions SET observations = ? WHERE id = ?`, times, versionID)
	return eris.Wrap(err, "sqlite: append observation time")
}

func (s *SQLiteStore) UpdateVersionState(ctx context.Context, versionID int64, state json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE versions SET entity = ? WHERE id = ?`, string(state), versionID)
	if err != nil {
		return eris.Wrap(err, "sqlite: update version state")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: update version state rows")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "version %d", versionID)
	}
	return nil
}

func (s *SQLiteStore) FrontierVersions(ctx context.Context) ([]model.Version, error) {
	return s.queryVersions(ctx, `
		SELECT `+versionColumns+` FROM versions v
		WHERE v.terminated IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM version_links l
			JOIN versions c ON c.id = l.child_id
			WHERE l.parent_id = v.id AND c.terminated IS NULL
		  )
		ORDER BY v.id`,
	)
}

func (s *SQLiteStore) InsertObservation(ctx context.Context, o *model.Observation) (int64, error) {
	status := o.Status
	if status == "" {
		status = model.ObservationPending
	}
	candidates, err := marshalInt64s(o.Candidates)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (entity_type, entity_id, perceived_at, earliest, latest, data, status, resolved_version, candidates, mismatches)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(o.Entity.Type), o.Entity.ID.String(), ts(o.PerceivedAt), ts(o.Earliest), ts(o.Latest),
		string(o.Data), string(status), o.ResolvedVersion, candidates, nullableJSON(o.Mismatches),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert observation")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: observation id")
	}
	o.ID = id
	o.Status = status
	return id, nil
}

func marshalInt64s(ids []int64) (any, error) {
	if ids == nil {
		return nil, nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal candidate ids")
	}
	return string(data), nil
}

func (s *SQLiteStore) UpdateObservation(ctx context.Context, o *model.Observation) error {
	candidates, err := marshalInt64s(o.Candidates)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE observations
		SET perceived_at = ?, earliest = ?, latest = ?, status = ?, resolved_version = ?, candidates = ?, mismatches = ?
		WHERE id = ?`,
		ts(o.PerceivedAt), ts(o.Earliest), ts(o.Latest), string(o.Status),
		o.ResolvedVersion, candidates, nullableJSON(o.Mismatches), o.ID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update observation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: update observation rows")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "observation %d", o.ID)
	}
	return nil
}

const observationColumns = `id, entity_type, entity_id, perceived_at, earliest, latest, data, status, resolved_version, candidates, mismatches`

func scanObservation(rows *sql.Rows) (model.Observation, error) {
	var (
		o           model.Observation
		entType     string
		entityID    string
		perceivedAt string
		earliest    string
		latest      string
		data        string
		status      string
		resolved    sql.NullInt64
		candidates  sql.NullString
		mismatches  sql.NullString
	)
	if err := rows.Scan(&o.ID, &entType, &entityID, &perceivedAt, &earliest, &latest, &data, &status, &resolved, &candidates, &mismatches); err != nil {
		return o, eris.Wrap(err, "sqlite: scan observation")
	}
	id, err := uuid.Parse(entityID)
	if err != nil {
		return o, eris.Wrapf(err, "sqlite: parse observation entity id %q", entityID)
	}
	o.Entity = model.EntityRef{Type: model.EntityType(entType), ID: id}
	if o.PerceivedAt, err = parseTS(perceivedAt); err != nil {
		return o, err
	}
	if o.Earliest, err = parseTS(earliest); err != nil {
		return o, err
	}
	if o.Latest, err = parseTS(latest); err != nil {
		return o, err
	}
	o.Data = json.RawMessage(data)
	o.Status = model.ObservationStatus(status)
	if resolved.Valid {
		v := resolved.Int64
		o.ResolvedVersion = &v
	}
	if candidates.Valid && candidates.String != "" {
		if err := json.Unmarshal([]byte(candidates.String), &o.Candidates); err != nil {
			return o, eris.Wrap(err, "sqlite: unmarshal candidate ids")
		}
	}
	if mismatches.Valid {
		o.Mismatches = json.RawMessage(mismatches.String)
	}
	return o, nil
}

func (s *SQLiteStore) queryObservations(ctx context.Context, query string, args ...any) ([]model.Observation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query observations")
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetObservation(ctx context.Context, id int64) (*model.Observation, error) {
	os, err := s.queryObservations(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(os) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "observation %d", id)
	}
	return &os[0], nil
}

func (s *SQLiteStore) ListObservations(ctx context.Context, f ObservationFilter) ([]model.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE 1=1`
	var args []any
	if f.Entity != nil {
		query += ` AND entity_type = ? AND entity_id = ?`
		args = append(args, string(f.Entity.Type), f.Entity.ID.String())
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",") + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.ResolvedBy) > 0 {
		query += ` AND resolved_version IN (` + strings.TrimSuffix(strings.Repeat("?,", len(f.ResolvedBy)), ",") + `)`
		for _, id := range f.ResolvedBy {
			args = append(args, id)
		}
	}
	query += ` ORDER BY perceived_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryObservations(ctx, query, args...)
}

func (s *SQLiteStore) LatestObservationTime(ctx context.Context) (time.Time, error) {
	var latest sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(perceived_at) FROM observations`).Scan(&latest)
	if err != nil {
		return time.Time{}, eris.Wrap(err, "sqlite: latest observation time")
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return parseTS(latest.String)
}

func (s *SQLiteStore) UpsertApproval(ctx context.Context, ref model.EntityRef, perceivedAt time.Time, message string) (*model.Approval, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (entity_type, entity_id, perceived_at, message, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id, perceived_at, message) DO NOTHING`,
		string(ref.Type), ref.ID.String(), ts(perceivedAt), message, ts(now),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert approval")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, perceived_at, message, approved, explanation, created_at
		FROM approvals
		WHERE entity_type = ? AND entity_id = ? AND perceived_at = ? AND message = ?`,
		string(ref.Type), ref.ID.String(), ts(perceivedAt), message,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query approval")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, eris.Wrap(ErrNotFound, "approval after upsert")
	}
	a, err := scanApproval(rows)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanApproval(rows *sql.Rows) (model.Approval, error) {
	var (
		a           model.Approval
		entType     string
		entityID    string
		perceivedAt string
		approved    sql.NullBool
		explanation sql.NullString
		createdAt   string
	)
	if err := rows.Scan(&a.ID, &entType, &entityID, &perceivedAt, &a.Message, &approved, &explanation, &createdAt); err != nil {
		return a, eris.Wrap(err, "sqlite: scan approval")
	}
	id, err := uuid.Parse(entityID)
	if err != nil {
		return a, eris.Wrapf(err, "sqlite: parse approval entity id %q", entityID)
	}
	a.Entity = model.EntityRef{Type: model.EntityType(entType), ID: id}
	if a.PerceivedAt, err = parseTS(perceivedAt); err != nil {
		return a, err
	}
	if approved.Valid {
		v := approved.Bool
		a.Approved = &v
	}
	if explanation.Valid {
		v := explanation.String
		a.Explanation = &v
	}
	if a.CreatedAt, err = parseTS(createdAt); err != nil {
		return a, err
	}
	return a, nil
}

func (s *SQLiteStore) ResolveApproval(ctx context.Context, id int64, approved bool, explanation string) error {
	var expl any
	if explanation != "" {
		expl = explanation
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET approved = ?, explanation = ? WHERE id = ?`, approved, expl, id)
	if err != nil {
		return eris.Wrap(err, "sqlite: resolve approval")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: resolve approval rows")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "approval %d", id)
	}
	return nil
}

func (s *SQLiteStore) ListApprovals(ctx context.Context, pendingOnly bool) ([]model.Approval, error) {
	query := `SELECT id, entity_type, entity_id, perceived_at, message, approved, explanation, created_at FROM approvals`
	if pendingOnly {
		query += ` WHERE approved IS NULL`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query approvals")
	}
	defer rows.Close()

	var out []model.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EntityDAG(ctx context.Context, ref model.EntityRef) (*model.EntityDAG, error) {
	versions, err := s.queryVersions(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE entity_type = ? AND entity_id = ?
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

var _ Store = (*SQLiteStore)(nil)
