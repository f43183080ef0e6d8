// Package postgres is the Postgres-backed Store implementation. Grounded
// on the reference system's internal/storage/postgres.go: schema
// initialization via an embedded schema.sql guarded by a schema_version
// table, sql.DB opened through lib/pq, and a crude-but-working
// ILIKE-based substring search narrowed by domain/time before exact
// verification happens in Go.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"convlink/internal/model"
	"convlink/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store is a Postgres-backed implementation of store.Store.
type Store struct {
	db  *sql.DB
	log *logrus.Logger
	// pool is an optional pgx pool used only to surface connection-pool
	// saturation metrics; lib/pq's sql.DB remains the primary driver for
	// every query and write below.
	pool *pgxpool.Pool
}

// Options configures a new Store.
type Options struct {
	DSN               string
	MaxOpenConns      int
	UsePgxPoolMetrics bool
	Log               *logrus.Logger
}

// New opens a Postgres connection pool at opts.DSN and ensures the schema
// is present.
func New(ctx context.Context, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &Store{db: db, log: log}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if opts.UsePgxPoolMetrics {
		pool, err := pgxpool.New(ctx, opts.DSN)
		if err != nil {
			log.WithError(err).Warn("pgx pool metrics unavailable, continuing with lib/pq only")
		} else {
			s.pool = pool
		}
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = 'schema_version')").Scan(&exists)
	if err != nil {
		return err
	}

	if !exists {
		s.log.Info("initializing database schema")
		if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
			return err
		}
		return nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return err
	}
	s.log.WithField("version", version).Info("database schema is up to date")
	return nil
}

// PoolStat reports pgx pool saturation, or ok=false when pool metrics are
// not enabled.
func (s *Store) PoolStat() (total, idle int32, ok bool) {
	if s.pool == nil {
		return 0, 0, false
	}
	stat := s.pool.Stat()
	return stat.TotalConns(), stat.IdleConns(), true
}

func (s *Store) FindByCurrentHash(ctx context.Context, domain, currentHash string, before time.Time) (*store.Candidate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, "timestamp", conversation_id, branch_id, current_message_hash
		FROM requests WHERE domain = $1 AND current_message_hash = $2 AND "timestamp" < $3
		ORDER BY "timestamp" DESC, id DESC LIMIT 1`, domain, currentHash, before)
	c, err := scanCandidate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func (s *Store) FindTaskInvocationsBefore(ctx context.Context, domain, prompt string, before time.Time, page store.Pagination) ([]store.Candidate, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, "timestamp", conversation_id, branch_id, current_message_hash
		FROM requests
		WHERE domain = $1 AND "timestamp" < $2 AND response_body::text LIKE '%"Task"%'
		ORDER BY "timestamp" DESC, id DESC
		OFFSET $3 LIMIT $4`, domain, before, page.Offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []store.Candidate
	for rows.Next() {
		id, ts, conv, branchID, hash, err := scanCandidateRow(rows)
		if err != nil {
			return nil, err
		}
		// Exact verification happens by re-reading the row's response
		// body and checking the Task tool input, not the crude LIKE
		// filter above, which only narrows the scan.
		req, err := s.Get(ctx, id)
		if err != nil || req == nil || req.ResponseBody == nil {
			continue
		}
		matched := false
		for _, tu := range req.ResponseBody.ToolUses() {
			if tu.Name == model.TaskToolName {
				if p, _ := tu.Input["prompt"].(string); p == prompt {
					matched = true
					break
				}
			}
		}
		if matched {
			candidates = append(candidates, store.Candidate{
				RequestID: id, Timestamp: ts, ConversationID: conv,
				BranchID: branchID, CurrentMessageHash: hash,
			})
		}
	}
	return candidates, rows.Err()
}

func (s *Store) SearchResponseContaining(ctx context.Context, domain, target string, page store.Pagination) ([]store.Candidate, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, "timestamp", conversation_id, branch_id, current_message_hash
		FROM requests
		WHERE domain = $1 AND response_body::text ILIKE $2
		ORDER BY "timestamp" DESC, id DESC
		OFFSET $3 LIMIT $4`, domain, "%"+target+"%", page.Offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []store.Candidate
	for rows.Next() {
		id, ts, conv, branchID, hash, err := scanCandidateRow(rows)
		if err != nil {
			return nil, err
		}
		req, err := s.Get(ctx, id)
		if err != nil || req == nil || req.ResponseBody == nil {
			continue
		}
		if strings.Contains(req.ResponseBody.Text(), target) {
			candidates = append(candidates, store.Candidate{
				RequestID: id, Timestamp: ts, ConversationID: conv,
				BranchID: branchID, CurrentMessageHash: hash,
			})
		}
	}
	return candidates, rows.Err()
}

func (s *Store) CountChildren(ctx context.Context, domain, parentHash string, before time.Time, excludeID uuid.UUID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM requests
		WHERE domain = $1 AND parent_message_hash = $2
		AND ("timestamp" < $3 OR ("timestamp" = $3 AND id::text < $4))`,
		domain, parentHash, before, excludeID.String()).Scan(&count)
	return count, err
}

func (s *Store) ListBranchIDs(ctx context.Context, conversationID uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT branch_id FROM requests WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Save(ctx context.Context, req *model.Request) error {
	messagesJSON, err := json.Marshal(req.Messages)
	if err != nil {
		return err
	}
	var systemJSON []byte
	if req.System != nil {
		systemJSON, err = json.Marshal(req.System)
		if err != nil {
			return err
		}
	}
	var responseJSON []byte
	if req.ResponseBody != nil {
		responseJSON, err = json.Marshal(req.ResponseBody)
		if err != nil {
			return err
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (
			id, domain, "timestamp", messages, system_prompt, response_body,
			model, prompt_tokens, completion_tokens,
			current_message_hash, parent_message_hash, system_hash,
			conversation_id, branch_id, parent_request_id,
			is_subtask, parent_task_request_id, message_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			current_message_hash = EXCLUDED.current_message_hash,
			parent_message_hash = EXCLUDED.parent_message_hash,
			system_hash = EXCLUDED.system_hash,
			conversation_id = EXCLUDED.conversation_id,
			branch_id = EXCLUDED.branch_id,
			parent_request_id = EXCLUDED.parent_request_id,
			is_subtask = EXCLUDED.is_subtask,
			parent_task_request_id = EXCLUDED.parent_task_request_id,
			message_count = EXCLUDED.message_count`,
		req.ID, req.Domain, req.Timestamp, messagesJSON, nullableJSON(systemJSON), nullableJSON(responseJSON),
		req.Model, req.PromptTokens, req.CompletionTokens,
		req.CurrentMessageHash, req.ParentMessageHash, req.SystemHash,
		req.ConversationID, req.BranchID, req.ParentRequestID,
		req.IsSubtask, req.ParentTaskRequestID, req.MessageCount,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, domain, "timestamp", messages, system_prompt, response_body,
			model, prompt_tokens, completion_tokens,
			current_message_hash, parent_message_hash, system_hash,
			conversation_id, branch_id, parent_request_id,
			is_subtask, parent_task_request_id, message_count
		FROM requests WHERE id = $1`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return req, err
}

func (s *Store) ConversationRequestCounts(ctx context.Context, domain *string) (map[uuid.UUID]int, error) {
	var rows *sql.Rows
	var err error
	if domain != nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT conversation_id, COUNT(*) FROM requests WHERE domain = $1 GROUP BY conversation_id`, *domain)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT conversation_id, COUNT(*) FROM requests GROUP BY conversation_id`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (s *Store) StreamRequests(ctx context.Context, opts store.StreamOptions) (store.RequestIterator, error) {
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 500
	}
	return &pagedIterator{store: s, domain: opts.Domain, batchSize: batchSize}, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return s.db.Close()
}

// pagedIterator streams a domain's requests in ascending timestamp order
// using keyset pagination on (timestamp, id), avoiding OFFSET drift as
// rows are rewritten mid-stream by the Rebuilder's own writes.
type pagedIterator struct {
	store     *Store
	domain    string
	batchSize int
	lastTS    time.Time
	lastID    uuid.UUID
	started   bool
	done      bool
}

func (it *pagedIterator) Next(ctx context.Context) ([]*model.Request, bool, error) {
	if it.done {
		return nil, true, nil
	}

	var rows *sql.Rows
	var err error
	base := `
		SELECT id, domain, "timestamp", messages, system_prompt, response_body,
			model, prompt_tokens, completion_tokens,
			current_message_hash, parent_message_hash, system_hash,
			conversation_id, branch_id, parent_request_id,
			is_subtask, parent_task_request_id, message_count
		FROM requests WHERE domain = $1`

	if !it.started {
		rows, err = it.store.db.QueryContext(ctx, base+` ORDER BY "timestamp", id LIMIT $2`, it.domain, it.batchSize)
	} else {
		rows, err = it.store.db.QueryContext(ctx, base+` AND ("timestamp", id) > ($2, $3) ORDER BY "timestamp", id LIMIT $4`,
			it.domain, it.lastTS, it.lastID, it.batchSize)
	}
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var batch []*model.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, false, err
		}
		batch = append(batch, req)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	it.started = true
	if len(batch) < it.batchSize {
		it.done = true
	}
	if len(batch) > 0 {
		last := batch[len(batch)-1]
		it.lastTS, it.lastID = last.Timestamp, last.ID
	}
	return batch, it.done, nil
}

func (it *pagedIterator) Close() error { return nil }

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row rowScanner) (*store.Candidate, error) {
	var c store.Candidate
	if err := row.Scan(&c.RequestID, &c.Timestamp, &c.ConversationID, &c.BranchID, &c.CurrentMessageHash); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanCandidateRow(row rowScanner) (id uuid.UUID, ts time.Time, conv uuid.UUID, branchID, hash string, err error) {
	err = row.Scan(&id, &ts, &conv, &branchID, &hash)
	return
}

func scanRequest(row rowScanner) (*model.Request, error) {
	var req model.Request
	var messagesJSON []byte
	var systemJSON, responseJSON sql.NullString

	if err := row.Scan(
		&req.ID, &req.Domain, &req.Timestamp, &messagesJSON, &systemJSON, &responseJSON,
		&req.Model, &req.PromptTokens, &req.CompletionTokens,
		&req.CurrentMessageHash, &req.ParentMessageHash, &req.SystemHash,
		&req.ConversationID, &req.BranchID, &req.ParentRequestID,
		&req.IsSubtask, &req.ParentTaskRequestID, &req.MessageCount,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(messagesJSON, &req.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	if systemJSON.Valid && systemJSON.String != "" {
		var sys model.Content
		if err := json.Unmarshal([]byte(systemJSON.String), &sys); err != nil {
			return nil, fmt.Errorf("unmarshal system prompt: %w", err)
		}
		req.System = &sys
	}
	if responseJSON.Valid && responseJSON.String != "" {
		var resp model.ResponseBody
		if err := json.Unmarshal([]byte(responseJSON.String), &resp); err != nil {
			return nil, fmt.Errorf("unmarshal response body: %w", err)
		}
		req.ResponseBody = &resp
	}

	return &req, nil
}
