// Copyright 2025 James Ross
// Package store is the durable artifact and queue substrate every stage
// driver and stage definition reads and writes through. It is a direct
// transliteration of the PMIDStore schema and operation set onto
// database/sql + github.com/mattn/go-sqlite3, one *sql.DB per process.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrReadonly is returned by any mutating call on a store opened readonly.
var ErrReadonly = errors.New("store: opened readonly")

const schema = `
CREATE TABLE IF NOT EXISTS abs(
  doc_id INTEGER PRIMARY KEY,
  abstract TEXT
);

CREATE TABLE IF NOT EXISTS files(
  doc_id INTEGER,
  name TEXT,
  content TEXT,
  PRIMARY KEY (doc_id, name)
);
CREATE INDEX IF NOT EXISTS idx_files_name ON files(name);

CREATE TABLE IF NOT EXISTS queue_items(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  queue_name TEXT NOT NULL,
  doc_id INTEGER NOT NULL,
  created_at REAL NOT NULL,
  UNIQUE(queue_name, doc_id)
);
CREATE INDEX IF NOT EXISTS idx_queue_items_qname_id ON queue_items(queue_name, id);
CREATE INDEX IF NOT EXISTS idx_queue_items_qname_docid ON queue_items(queue_name, doc_id);

CREATE TABLE IF NOT EXISTS queue_done(
  queue_name TEXT NOT NULL,
  doc_id INTEGER NOT NULL,
  created_at REAL NOT NULL,
  PRIMARY KEY(queue_name, doc_id)
);
CREATE INDEX IF NOT EXISTS idx_queue_done_qname ON queue_done(queue_name);

CREATE TABLE IF NOT EXISTS queue_inflight(
  stage_name TEXT NOT NULL,
  doc_id INTEGER NOT NULL,
  started_at REAL NOT NULL,
  PRIMARY KEY(stage_name, doc_id)
);
CREATE INDEX IF NOT EXISTS idx_queue_inflight_stage ON queue_inflight(stage_name);
`

// Store is a handle onto one SQLite database file. It is safe for
// concurrent use by multiple goroutines; database/sql pools and
// serializes access to the single underlying go-sqlite3 connection.
type Store struct {
	db       *sql.DB
	readonly bool
	log      *zap.Logger
}

// Open opens (and, unless readonly, initializes) the database at path.
func Open(path string, readonly bool, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mode := "rwc"
	if readonly {
		mode = "ro"
	}
	dsn := fmt.Sprintf("file:%s?mode=%s&_txlock=immediate&_busy_timeout=60000", path, mode)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// go-sqlite3 serializes per *sql.DB.Conn; pin the pool to one
	// connection so WAL writers never interleave at the driver level.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: synchronous pragma: %w", err)
	}

	s := &Store{db: db, readonly: readonly, log: log}
	if !readonly {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: init schema: %w", err)
		}
	}
	log.Info("store opened", zap.String("path", path), zap.Bool("readonly", readonly))
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// --------------------------------------------------------------------
// abstract
// --------------------------------------------------------------------

// GetAbstract returns the document's abstract, or ("", false) if absent.
func (s *Store) GetAbstract(ctx context.Context, docID int64) (string, bool, error) {
	var abstract sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT abstract FROM abs WHERE doc_id=?`, docID).Scan(&abstract)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get abstract: %w", err)
	}
	return abstract.String, true, nil
}

// PutAbstract atomically upserts the document's abstract.
func (s *Store) PutAbstract(ctx context.Context, docID int64, text string) error {
	if s.readonly {
		return ErrReadonly
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO abs(doc_id, abstract) VALUES (?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET abstract=excluded.abstract`,
		docID, text)
	if err != nil {
		return fmt.Errorf("store: put abstract: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------
// generic artifacts
// --------------------------------------------------------------------

// Get returns the decoded JSON value stored at (docID, name) if the
// content parses as JSON, otherwise the raw string. Returns (nil, false)
// if absent.
func (s *Store) Get(ctx context.Context, docID int64, name string) (any, bool, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM files WHERE doc_id=? AND name=?`, docID, name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get %d/%s: %w", docID, name, err)
	}
	var v any
	if err := json.Unmarshal([]byte(content), &v); err == nil {
		return v, true, nil
	}
	return content, true, nil
}

// Put upserts (docID, name). Maps, slices, arrays, structs and pointers
// are serialized as JSON; anything else is stored as its string form.
func (s *Store) Put(ctx context.Context, docID int64, name string, value any) error {
	if s.readonly {
		return ErrReadonly
	}
	content, err := encodeArtifact(value)
	if err != nil {
		return fmt.Errorf("store: encode %d/%s: %w", docID, name, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO files(doc_id, name, content) VALUES (?, ?, ?)
		 ON CONFLICT(doc_id, name) DO UPDATE SET content=excluded.content`,
		docID, name, content)
	if err != nil {
		return fmt.Errorf("store: put %d/%s: %w", docID, name, err)
	}
	return nil
}

// encodeArtifact mirrors the Python store's "dict/list -> json.dumps,
// else -> str(value)" branch: any map or slice (including concrete
// struct-backed types passed through an any) is serialized as JSON,
// everything else is stringified.
func encodeArtifact(value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	switch reflect.ValueOf(value).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Ptr:
		b, err := json.Marshal(value)
		return string(b), err
	default:
		return fmt.Sprint(value), nil
	}
}

// Has reports whether (docID, name) exists.
func (s *Store) Has(ctx context.Context, docID int64, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM files WHERE doc_id=? AND name=? LIMIT 1`, docID, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: has %d/%s: %w", docID, name, err)
	}
	return true, nil
}

// ListFiles returns the sorted artifact names owned by docID.
func (s *Store) ListFiles(ctx context.Context, docID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM files WHERE doc_id=? ORDER BY name`, docID)
	if err != nil {
		return nil, fmt.Errorf("store: list files %d: %w", docID, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// CountFiles counts rows in files, optionally restricted to one name.
func (s *Store) CountFiles(ctx context.Context, name string) (int, error) {
	var n int
	var err error
	if name == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE name=?`, name).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("store: count files: %w", err)
	}
	return n, nil
}

// QueueDepth reports how many items appended to q have not yet been
// marked done under q — a lightweight proxy for a Redis LLEN, used by
// the observability queue-length gauge sampler.
func (s *Store) QueueDepth(ctx context.Context, q string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_items qi WHERE qi.queue_name=? AND NOT EXISTS (
			SELECT 1 FROM queue_done qd WHERE qd.queue_name=qi.queue_name AND qd.doc_id=qi.doc_id)`,
		q).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: queue depth %s: %w", q, err)
	}
	return n, nil
}

// InflightCount reports how many documents stage currently holds claimed.
func (s *Store) InflightCount(ctx context.Context, stage string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_inflight WHERE stage_name=?`, stage).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: inflight count %s: %w", stage, err)
	}
	return n, nil
}

// GetAllDocIDs returns every document id known to the abstract table.
func (s *Store) GetAllDocIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM abs`)
	if err != nil {
		return nil, fmt.Errorf("store: get all doc ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, rows.Err()
}

// --------------------------------------------------------------------
// queue subsystem
// --------------------------------------------------------------------

// QueueAppend idempotently appends docID to the tail of q. A bare INSERT
// is used (no explicit BEGIN) so nested calls from inside a worker
// callback never hit "cannot start a transaction within a transaction".
func (s *Store) QueueAppend(ctx context.Context, q string, docID int64) error {
	if s.readonly {
		return ErrReadonly
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue_items(queue_name, doc_id, created_at) VALUES (?, ?, ?)`,
		q, docID, nowUnix())
	if err != nil {
		return fmt.Errorf("store: queue append %s/%d: %w", q, docID, err)
	}
	return nil
}

// QueueRequeueMany moves docID to the tail of each queue in qs (delete
// then re-insert, so a fresh autoincrement id puts it last).
func (s *Store) QueueRequeueMany(ctx context.Context, qs []string, docID int64) error {
	if s.readonly {
		return ErrReadonly
	}
	return s.withImmediateTx(ctx, func(tx *sql.Tx) error {
		now := nowUnix()
		for _, q := range qs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE queue_name=? AND doc_id=?`, q, docID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO queue_items(queue_name, doc_id, created_at) VALUES (?, ?, ?)`,
				q, docID, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// QueueDoneHas reports whether (q, docID) is in the done set.
func (s *Store) QueueDoneHas(ctx context.Context, q string, docID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM queue_done WHERE queue_name=? AND doc_id=? LIMIT 1`, q, docID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: queue done has %s/%d: %w", q, docID, err)
	}
	return true, nil
}

// QueueDoneAdd idempotently marks (q, docID) done.
func (s *Store) QueueDoneAdd(ctx context.Context, q string, docID int64) error {
	if s.readonly {
		return ErrReadonly
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue_done(queue_name, doc_id, created_at) VALUES (?, ?, ?)`,
		q, docID, nowUnix())
	if err != nil {
		return fmt.Errorf("store: queue done add %s/%d: %w", q, docID, err)
	}
	return nil
}

// QueueDoneClear deletes every done row for q, returning the row count.
func (s *Store) QueueDoneClear(ctx context.Context, q string) (int64, error) {
	if s.readonly {
		return 0, ErrReadonly
	}
	var n int64
	err := s.withImmediateTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM queue_done WHERE queue_name=?`, q)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// QueueDoneList returns the doc ids done under q, ordered by created_at.
func (s *Store) QueueDoneList(ctx context.Context, q string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM queue_done WHERE queue_name=? ORDER BY created_at ASC`, q)
	if err != nil {
		return nil, fmt.Errorf("store: queue done list %s: %w", q, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueueSeedFromDone copies every doc id in srcDone's done set into
// dstOp's op queue (defaulting dstOp to srcDone), returning the number
// of rows actually inserted.
func (s *Store) QueueSeedFromDone(ctx context.Context, srcDone, dstOp string) (int64, error) {
	if s.readonly {
		return 0, ErrReadonly
	}
	if dstOp == "" {
		dstOp = srcDone
	}
	var n int64
	err := s.withImmediateTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO queue_items(queue_name, doc_id, created_at)
			 SELECT ?, qd.doc_id, ? FROM queue_done qd WHERE qd.queue_name=?`,
			dstOp, nowUnix(), srcDone)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// QueueInflightRemove idempotently removes (stage, docID) from inflight.
func (s *Store) QueueInflightRemove(ctx context.Context, stage string, docID int64) error {
	if s.readonly {
		return ErrReadonly
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_inflight WHERE stage_name=? AND doc_id=?`, stage, docID)
	if err != nil {
		return fmt.Errorf("store: inflight remove %s/%d: %w", stage, docID, err)
	}
	return nil
}

// QueueInflightClear removes every inflight row for stage, returning the
// row count. Called at every stage driver startup (crash recovery).
func (s *Store) QueueInflightClear(ctx context.Context, stage string) (int64, error) {
	if s.readonly {
		return 0, ErrReadonly
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_inflight WHERE stage_name=?`, stage)
	if err != nil {
		return 0, fmt.Errorf("store: inflight clear %s: %w", stage, err)
	}
	return res.RowsAffected()
}

// QueueMarkDone atomically removes (stage, docID) from inflight and adds
// it to done, regardless of whether the stage body succeeded.
func (s *Store) QueueMarkDone(ctx context.Context, stage string, docID int64) error {
	if s.readonly {
		return ErrReadonly
	}
	return s.withImmediateTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_inflight WHERE stage_name=? AND doc_id=?`, stage, docID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO queue_done(queue_name, doc_id, created_at) VALUES (?, ?, ?)`,
			stage, docID, nowUnix())
		return err
	})
}

// ClaimIntersection atomically selects one doc id present in every
// op_queue_names queue, absent from done[stage] and inflight[stage],
// and inserts it into inflight[stage]. Candidates are ordered by the
// smallest MAX(id) across the participating queues (approximate FIFO
// over "latest arrival across inputs") -- see spec.md §9 Open Questions,
// preserved exactly as the reference implementation, not strengthened.
// Returns (0, false, nil) when no candidate is available.
func (s *Store) ClaimIntersection(ctx context.Context, opQueueNames []string, stage string) (int64, bool, error) {
	if s.readonly {
		return 0, false, ErrReadonly
	}
	if len(opQueueNames) == 0 {
		return 0, false, errors.New("store: op_queue_names cannot be empty")
	}
	n := len(opQueueNames)
	placeholders := placeholderList(n)
	sqlPick := fmt.Sprintf(`
		SELECT qi.doc_id
		FROM queue_items qi
		LEFT JOIN queue_done qd ON qd.queue_name=? AND qd.doc_id=qi.doc_id
		LEFT JOIN queue_inflight qf ON qf.stage_name=? AND qf.doc_id=qi.doc_id
		WHERE qi.queue_name IN (%s)
		  AND qd.doc_id IS NULL
		  AND qf.doc_id IS NULL
		GROUP BY qi.doc_id
		HAVING COUNT(DISTINCT qi.queue_name)=?
		ORDER BY MAX(qi.id) ASC
		LIMIT 1
	`, placeholders)

	var docID int64
	var found bool
	err := s.withImmediateTx(ctx, func(tx *sql.Tx) error {
		args := make([]any, 0, n+3)
		args = append(args, stage, stage)
		for _, q := range opQueueNames {
			args = append(args, q)
		}
		args = append(args, n)
		row := tx.QueryRowContext(ctx, sqlPick, args...)
		if err := row.Scan(&docID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		found = true
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO queue_inflight(stage_name, doc_id, started_at) VALUES (?, ?, ?)`,
			stage, docID, nowUnix())
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return docID, found, nil
}

// ClaimDoneIntersection is ClaimIntersection's pass-through-mode sibling:
// sources are done-sets, not op queues, and ordering is by earliest
// created_at rather than MAX(id).
func (s *Store) ClaimDoneIntersection(ctx context.Context, opDoneNames []string, stage string) (int64, bool, error) {
	if s.readonly {
		return 0, false, ErrReadonly
	}
	if len(opDoneNames) == 0 {
		return 0, false, errors.New("store: op_done_queue_names cannot be empty")
	}
	n := len(opDoneNames)
	placeholders := placeholderList(n)
	sqlPick := fmt.Sprintf(`
		SELECT qd_src.doc_id
		FROM queue_done qd_src
		LEFT JOIN queue_done qd_stage ON qd_stage.queue_name=? AND qd_stage.doc_id=qd_src.doc_id
		LEFT JOIN queue_inflight qf ON qf.stage_name=? AND qf.doc_id=qd_src.doc_id
		WHERE qd_src.queue_name IN (%s)
		  AND qd_stage.doc_id IS NULL
		  AND qf.doc_id IS NULL
		GROUP BY qd_src.doc_id
		HAVING COUNT(DISTINCT qd_src.queue_name)=?
		ORDER BY MAX(qd_src.created_at) ASC
		LIMIT 1
	`, placeholders)

	var docID int64
	var found bool
	err := s.withImmediateTx(ctx, func(tx *sql.Tx) error {
		args := make([]any, 0, n+3)
		args = append(args, stage, stage)
		for _, q := range opDoneNames {
			args = append(args, q)
		}
		args = append(args, n)
		row := tx.QueryRowContext(ctx, sqlPick, args...)
		if err := row.Scan(&docID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		found = true
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO queue_inflight(stage_name, doc_id, started_at) VALUES (?, ?, ?)`,
			stage, docID, nowUnix())
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return docID, found, nil
}

// QueueDoneCountIn counts how many of docIDs are already done under q,
// chunked to stay under SQLite's bound-variable limit.
func (s *Store) QueueDoneCountIn(ctx context.Context, q string, docIDs []int64) (int, error) {
	if len(docIDs) == 0 {
		return 0, nil
	}
	total := 0
	const chunkSize = 900
	for i := 0; i < len(docIDs); i += chunkSize {
		end := i + chunkSize
		if end > len(docIDs) {
			end = len(docIDs)
		}
		chunk := docIDs[i:end]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, q)
		for _, id := range chunk {
			args = append(args, id)
		}
		sqlCount := fmt.Sprintf(`SELECT COUNT(*) FROM queue_done WHERE queue_name=? AND doc_id IN (%s)`, placeholderList(len(chunk)))
		var n int
		if err := s.db.QueryRowContext(ctx, sqlCount, args...).Scan(&n); err != nil {
			return 0, fmt.Errorf("store: queue done count in %s: %w", q, err)
		}
		total += n
	}
	return total, nil
}

// PopIntersection is the classic-mode, destructive claim: it selects one
// doc id present in every op queue and absent from doneQueueName, then
// deletes it from all participating op queues so it cannot be claimed
// again. Preserved from the reference implementation per spec.md §9's
// Open Question; not used by the default Composer DAG (see DESIGN.md).
func (s *Store) PopIntersection(ctx context.Context, opQueueNames []string, doneQueueName string) (int64, bool, error) {
	if s.readonly {
		return 0, false, ErrReadonly
	}
	if len(opQueueNames) == 0 {
		return 0, false, errors.New("store: op_queue_names cannot be empty")
	}
	n := len(opQueueNames)
	placeholders := placeholderList(n)
	sqlPick := fmt.Sprintf(`
		SELECT qi.doc_id
		FROM queue_items qi
		LEFT JOIN queue_done qd ON qd.queue_name=? AND qd.doc_id=qi.doc_id
		WHERE qi.queue_name IN (%s)
		  AND qd.doc_id IS NULL
		GROUP BY qi.doc_id
		HAVING COUNT(DISTINCT qi.queue_name)=?
		ORDER BY MAX(qi.id) ASC
		LIMIT 1
	`, placeholders)
	sqlDel := fmt.Sprintf(`DELETE FROM queue_items WHERE doc_id=? AND queue_name IN (%s)`, placeholders)

	var docID int64
	var found bool
	err := s.withImmediateTx(ctx, func(tx *sql.Tx) error {
		args := make([]any, 0, n+2)
		args = append(args, doneQueueName)
		for _, q := range opQueueNames {
			args = append(args, q)
		}
		args = append(args, n)
		row := tx.QueryRowContext(ctx, sqlPick, args...)
		if err := row.Scan(&docID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return err
		}
		found = true
		delArgs := make([]any, 0, n+1)
		delArgs = append(delArgs, docID)
		for _, q := range opQueueNames {
			delArgs = append(delArgs, q)
		}
		_, err := tx.ExecContext(ctx, sqlDel, delArgs...)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return docID, found, nil
}

// --------------------------------------------------------------------
// internals
// --------------------------------------------------------------------

func (s *Store) withImmediateTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin immediate: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func placeholderList(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
