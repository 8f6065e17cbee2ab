package relaysync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	sqlEventsTable         = "relaysync_events"
	sqlSyncStatusTable     = "relaysync_sync_status"
	sqlTicketsTable        = "relaysync_tickets"
	sqlChangeRequestsTable = "relaysync_change_requests"
	sqlPipelinesTable      = "relaysync_pipelines"
	sqlOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures the few places the supported databases differ.
type sqlDialect struct {
	driver       string
	dollarParams bool
	maxOpenConns int
}

// SQLBackend implements Backend over database/sql. Times are stored as unix milliseconds so
// the same statements run on every dialect.
type SQLBackend struct {
	dialect sqlDialect
	dsn     string
	openDB  sqlOpenFunc
	now     func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLBackend(dialect sqlDialect, dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dialect: dialect,
		dsn:     dsn,
		openDB:  sql.Open,
		now:     time.Now,
	}, nil
}

func (b *SQLBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.maxOpenConns > 0 {
			db.SetMaxOpenConns(b.dialect.maxOpenConns)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range sqlSchema() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("bootstrap schema: %w", err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func sqlSchema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			processed_at BIGINT,
			last_attempt_at BIGINT
		)`, quoteIdentifier(sqlEventsTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (processed, created_at)`,
			quoteIdentifier(sqlEventsTable+"_pending_idx"), quoteIdentifier(sqlEventsTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (instance_id, kind, created_at)`,
			quoteIdentifier(sqlEventsTable+"_recent_idx"), quoteIdentifier(sqlEventsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			mapping_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			last_sync_at BIGINT,
			started_at BIGINT,
			sync_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			last_pass TEXT NOT NULL DEFAULT ''
		)`, quoteIdentifier(sqlSyncStatusTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			mapping_id TEXT NOT NULL,
			external_iid BIGINT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			state TEXT NOT NULL,
			labels TEXT NOT NULL,
			commit_refs TEXT NOT NULL,
			external_updated_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (mapping_id, external_iid)
		)`, quoteIdentifier(sqlTicketsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			mapping_id TEXT NOT NULL,
			external_iid BIGINT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			state TEXT NOT NULL,
			source_branch TEXT NOT NULL,
			target_branch TEXT NOT NULL,
			external_updated_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (mapping_id, external_iid)
		)`, quoteIdentifier(sqlChangeRequestsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			mapping_id TEXT NOT NULL,
			external_id BIGINT NOT NULL,
			ref TEXT NOT NULL,
			sha TEXT NOT NULL,
			status TEXT NOT NULL,
			external_updated_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (mapping_id, external_id)
		)`, quoteIdentifier(sqlPipelinesTable)),
	}
}

// q rewrites ? placeholders into the dialect's form.
func (b *SQLBackend) q(query string) string {
	if !b.dialect.dollarParams {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (b *SQLBackend) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return b.db.ExecContext(ctx, b.q(query), args...)
}

func (b *SQLBackend) queryRow(ctx context.Context, query string, args ...any) (*sql.Row, context.CancelFunc, error) {
	if err := b.ensureReady(); err != nil {
		return nil, func() {}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	return b.db.QueryRowContext(ctx, b.q(query), args...), cancel, nil
}

func (b *SQLBackend) query(ctx context.Context, query string, args ...any) (*sql.Rows, context.CancelFunc, error) {
	if err := b.ensureReady(); err != nil {
		return nil, func() {}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	rows, err := b.db.QueryContext(ctx, b.q(query), args...)
	if err != nil {
		cancel()
		return nil, func() {}, err
	}
	return rows, cancel, nil
}

const eventColumns = "id, instance_id, kind, payload, processed, error, retry_count, created_at, processed_at, last_attempt_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		ev          Event
		kind        string
		payload     string
		createdAt   int64
		processedAt sql.NullInt64
		lastAttempt sql.NullInt64
	)
	if err := row.Scan(&ev.ID, &ev.InstanceID, &kind, &payload, &ev.Processed, &ev.Error, &ev.RetryCount, &createdAt, &processedAt, &lastAttempt); err != nil {
		return Event{}, err
	}
	ev.Kind = ParseEventKind(kind)
	ev.Payload = json.RawMessage(payload)
	ev.CreatedAt = fromMillis(createdAt)
	if processedAt.Valid {
		ev.ProcessedAt = timePtr(fromMillis(processedAt.Int64))
	}
	if lastAttempt.Valid {
		ev.LastAttemptAt = timePtr(fromMillis(lastAttempt.Int64))
	}
	return ev, nil
}

func (b *SQLBackend) Append(ctx context.Context, instanceID string, kind EventKind, payload json.RawMessage) (Event, error) {
	if strings.TrimSpace(instanceID) == "" {
		return Event{}, ErrInvalidInput
	}
	ev := Event{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		Kind:       kind,
		Payload:    append(json.RawMessage(nil), payload...),
		CreatedAt:  b.now().UTC().Truncate(time.Millisecond),
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, instance_id, kind, payload, processed, error, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, '', 0, ?)`, quoteIdentifier(sqlEventsTable))
	if _, err := b.exec(ctx, query, ev.ID, ev.InstanceID, kind.String(), string(payload), false, toMillis(ev.CreatedAt)); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (b *SQLBackend) Get(ctx context.Context, id string) (Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, eventColumns, quoteIdentifier(sqlEventsTable))
	row, cancel, err := b.queryRow(ctx, query, id)
	defer cancel()
	if err != nil {
		return Event{}, err
	}
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return ev, err
}

// updateUnprocessed runs an UPDATE guarded by processed = false; a guarded no-op on an existing
// row is not an error.
func (b *SQLBackend) updateUnprocessed(ctx context.Context, id, set string, args ...any) error {
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ? AND processed = ?`, quoteIdentifier(sqlEventsTable), set)
	args = append(args, id, false)
	res, err := b.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = b.Get(ctx, id)
	return err
}

func (b *SQLBackend) UpdatePayload(ctx context.Context, id string, payload json.RawMessage) error {
	return b.updateUnprocessed(ctx, id, "payload = ?", string(payload))
}

func (b *SQLBackend) MarkProcessed(ctx context.Context, id string) error {
	return b.updateUnprocessed(ctx, id, "processed = ?, error = '', processed_at = ?", true, toMillis(b.now()))
}

func (b *SQLBackend) MarkFailed(ctx context.Context, id string, message string) error {
	return b.updateUnprocessed(ctx, id, "error = ?, retry_count = retry_count + 1, last_attempt_at = ?",
		truncateMessage(message), toMillis(b.now()))
}

func (b *SQLBackend) MarkExhausted(ctx context.Context, id string, message string, maxRetries int) error {
	return b.updateUnprocessed(ctx, id,
		"error = ?, retry_count = CASE WHEN retry_count < ? THEN ? ELSE retry_count END, last_attempt_at = ?",
		truncateMessage(message), maxRetries, maxRetries, toMillis(b.now()))
}

func (b *SQLBackend) ResetRetries(ctx context.Context, id string) error {
	return b.updateUnprocessed(ctx, id, "retry_count = 0, error = ''")
}

func (b *SQLBackend) FindPending(ctx context.Context, limit, maxRetries int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	where := "processed = ?"
	args := []any{false}
	if maxRetries > 0 {
		where += " AND retry_count < ?"
		args = append(args, maxRetries)
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY created_at ASC, id ASC LIMIT ?`,
		eventColumns, quoteIdentifier(sqlEventsTable), where)
	return b.listEvents(ctx, query, args...)
}

func (b *SQLBackend) Recent(ctx context.Context, instanceID string, kind EventKind, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE instance_id = ? AND kind = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		eventColumns, quoteIdentifier(sqlEventsTable))
	return b.listEvents(ctx, query, instanceID, kind.String(), limit)
}

func (b *SQLBackend) listEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, cancel, err := b.query(ctx, query, args...)
	defer cancel()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (b *SQLBackend) PurgeExpired(ctx context.Context, maxAgeProcessed, maxAgeExhausted time.Duration, maxRetries int) (int, error) {
	now := b.now()
	removed := 0
	if maxAgeProcessed > 0 {
		query := fmt.Sprintf(`DELETE FROM %s WHERE processed = ? AND created_at < ?`, quoteIdentifier(sqlEventsTable))
		res, err := b.exec(ctx, query, true, toMillis(now.Add(-maxAgeProcessed)))
		if err != nil {
			return removed, err
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	if maxAgeExhausted > 0 && maxRetries > 0 {
		query := fmt.Sprintf(`DELETE FROM %s WHERE processed = ? AND retry_count >= ? AND created_at < ?`, quoteIdentifier(sqlEventsTable))
		res, err := b.exec(ctx, query, false, maxRetries, toMillis(now.Add(-maxAgeExhausted)))
		if err != nil {
			return removed, err
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}

func (b *SQLBackend) Counts(ctx context.Context, maxRetries int) (EventCounts, error) {
	ceiling := maxRetries
	if ceiling <= 0 {
		ceiling = int(^uint32(0) >> 1)
	}
	query := fmt.Sprintf(`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN processed = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = ? AND error <> '' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN processed = ? AND retry_count >= ? THEN 1 ELSE 0 END), 0)
		FROM %s`, quoteIdentifier(sqlEventsTable))
	row, cancel, err := b.queryRow(ctx, query, true, false, false, ceiling)
	defer cancel()
	if err != nil {
		return EventCounts{}, err
	}
	var counts EventCounts
	if err := row.Scan(&counts.Total, &counts.Processed, &counts.Failed, &counts.Exhausted); err != nil {
		return EventCounts{}, err
	}
	counts.Pending = counts.Total - counts.Processed - counts.Failed
	return counts, nil
}

const syncStatusColumns = "mapping_id, state, last_sync_at, started_at, sync_count, last_error, last_pass"

func scanSyncStatus(row rowScanner) (SyncStatus, error) {
	var (
		st         SyncStatus
		state      string
		pass       string
		lastSyncAt sql.NullInt64
		startedAt  sql.NullInt64
	)
	if err := row.Scan(&st.MappingID, &state, &lastSyncAt, &startedAt, &st.SyncCount, &st.LastError, &pass); err != nil {
		return SyncStatus{}, err
	}
	st.State = SyncState(state)
	st.LastPass = SyncMode(pass)
	if lastSyncAt.Valid {
		st.LastSyncAt = timePtr(fromMillis(lastSyncAt.Int64))
	}
	if startedAt.Valid {
		st.StartedAt = timePtr(fromMillis(startedAt.Int64))
	}
	return st, nil
}

func (b *SQLBackend) BeginSync(ctx context.Context, mappingID string, mode SyncMode, now time.Time, staleAfter time.Duration) (SyncStatus, error) {
	table := quoteIdentifier(sqlSyncStatusTable)
	guard := fmt.Sprintf("%s.state <> ? OR %s.started_at IS NULL", table, table)
	args := []any{mappingID, string(SyncInProgress), toMillis(now), string(mode), string(SyncInProgress)}
	if staleAfter > 0 {
		guard += fmt.Sprintf(" OR %s.started_at <= ?", table)
		args = append(args, toMillis(now.Add(-staleAfter)))
	}
	query := fmt.Sprintf(`INSERT INTO %s (mapping_id, state, started_at, sync_count, last_error, last_pass)
		VALUES (?, ?, ?, 0, '', ?)
		ON CONFLICT (mapping_id) DO UPDATE SET
			state = excluded.state,
			started_at = excluded.started_at,
			last_error = '',
			last_pass = excluded.last_pass
		WHERE %s`, table, guard)
	res, err := b.exec(ctx, query, args...)
	if err != nil {
		return SyncStatus{}, err
	}
	current, err := b.GetSyncStatus(ctx, mappingID)
	if err != nil {
		return SyncStatus{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return current, ErrSyncInProgress
	}
	return current, nil
}

func (b *SQLBackend) FinishSync(ctx context.Context, mappingID string, result PassResult) (SyncStatus, error) {
	current, err := b.GetSyncStatus(ctx, mappingID)
	if err != nil {
		return SyncStatus{}, err
	}
	next := current.finish(result)
	query := fmt.Sprintf(`UPDATE %s SET state = ?, last_sync_at = ?, sync_count = ?, last_error = ?, last_pass = ? WHERE mapping_id = ?`,
		quoteIdentifier(sqlSyncStatusTable))
	var lastSyncAt any
	if next.LastSyncAt != nil {
		lastSyncAt = toMillis(*next.LastSyncAt)
	}
	if _, err := b.exec(ctx, query, string(next.State), lastSyncAt, next.SyncCount, next.LastError, string(next.LastPass), mappingID); err != nil {
		return SyncStatus{}, err
	}
	return next, nil
}

func (b *SQLBackend) GetSyncStatus(ctx context.Context, mappingID string) (SyncStatus, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mapping_id = ?`, syncStatusColumns, quoteIdentifier(sqlSyncStatusTable))
	row, cancel, err := b.queryRow(ctx, query, mappingID)
	defer cancel()
	if err != nil {
		return SyncStatus{}, err
	}
	st, err := scanSyncStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncStatus{}, ErrNotFound
	}
	return st, err
}

func (b *SQLBackend) ListSyncStatuses(ctx context.Context, mappingIDs []string) ([]SyncStatus, error) {
	out := make([]SyncStatus, 0, len(mappingIDs))
	if len(mappingIDs) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(mappingIDs)), ", ")
	args := make([]any, 0, len(mappingIDs))
	for _, id := range mappingIDs {
		args = append(args, id)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mapping_id IN (%s) ORDER BY mapping_id`,
		syncStatusColumns, quoteIdentifier(sqlSyncStatusTable), placeholders)
	rows, cancel, err := b.query(ctx, query, args...)
	defer cancel()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		st, err := scanSyncStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const ticketColumns = "mapping_id, external_iid, title, description, state, labels, commit_refs, external_updated_at, updated_at"

func scanTicket(row rowScanner) (Ticket, error) {
	var (
		t          Ticket
		state      string
		labels     string
		commitRefs string
		extUpdated int64
		updated    int64
	)
	if err := row.Scan(&t.MappingID, &t.ExternalIID, &t.Title, &t.Description, &state, &labels, &commitRefs, &extUpdated, &updated); err != nil {
		return Ticket{}, err
	}
	t.State = TicketState(state)
	if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
		return Ticket{}, fmt.Errorf("decode labels: %w", err)
	}
	if err := json.Unmarshal([]byte(commitRefs), &t.CommitRefs); err != nil {
		return Ticket{}, fmt.Errorf("decode commit refs: %w", err)
	}
	t.ExternalUpdatedAt = fromMillis(extUpdated)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

func (b *SQLBackend) GetTicket(ctx context.Context, mappingID string, iid int64) (Ticket, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mapping_id = ? AND external_iid = ?`, ticketColumns, quoteIdentifier(sqlTicketsTable))
	row, cancel, err := b.queryRow(ctx, query, mappingID, iid)
	defer cancel()
	if err != nil {
		return Ticket{}, err
	}
	t, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Ticket{}, ErrNotFound
	}
	return t, err
}

func (b *SQLBackend) UpsertTicket(ctx context.Context, t Ticket) error {
	labels, err := json.Marshal(nonNilStrings(t.Labels))
	if err != nil {
		return err
	}
	refs, err := json.Marshal(nonNilStrings(t.CommitRefs))
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mapping_id, external_iid) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			state = excluded.state,
			labels = excluded.labels,
			commit_refs = excluded.commit_refs,
			external_updated_at = excluded.external_updated_at,
			updated_at = excluded.updated_at`, quoteIdentifier(sqlTicketsTable), ticketColumns)
	_, err = b.exec(ctx, query, t.MappingID, t.ExternalIID, t.Title, t.Description, string(t.State),
		string(labels), string(refs), toMillis(t.ExternalUpdatedAt), toMillis(t.UpdatedAt))
	return err
}

func (b *SQLBackend) ListTickets(ctx context.Context, mappingID string) ([]Ticket, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mapping_id = ? ORDER BY external_iid`, ticketColumns, quoteIdentifier(sqlTicketsTable))
	rows, cancel, err := b.query(ctx, query, mappingID)
	defer cancel()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const changeRequestColumns = "mapping_id, external_iid, title, description, state, source_branch, target_branch, external_updated_at, updated_at"

func scanChangeRequest(row rowScanner) (ChangeRequest, error) {
	var (
		cr         ChangeRequest
		state      string
		extUpdated int64
		updated    int64
	)
	if err := row.Scan(&cr.MappingID, &cr.ExternalIID, &cr.Title, &cr.Description, &state, &cr.SourceBranch, &cr.TargetBranch, &extUpdated, &updated); err != nil {
		return ChangeRequest{}, err
	}
	cr.State = ChangeRequestState(state)
	cr.ExternalUpdatedAt = fromMillis(extUpdated)
	cr.UpdatedAt = fromMillis(updated)
	return cr, nil
}

func (b *SQLBackend) GetChangeRequest(ctx context.Context, mappingID string, iid int64) (ChangeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mapping_id = ? AND external_iid = ?`, changeRequestColumns, quoteIdentifier(sqlChangeRequestsTable))
	row, cancel, err := b.queryRow(ctx, query, mappingID, iid)
	defer cancel()
	if err != nil {
		return ChangeRequest{}, err
	}
	cr, err := scanChangeRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeRequest{}, ErrNotFound
	}
	return cr, err
}

func (b *SQLBackend) UpsertChangeRequest(ctx context.Context, cr ChangeRequest) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mapping_id, external_iid) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			state = excluded.state,
			source_branch = excluded.source_branch,
			target_branch = excluded.target_branch,
			external_updated_at = excluded.external_updated_at,
			updated_at = excluded.updated_at`, quoteIdentifier(sqlChangeRequestsTable), changeRequestColumns)
	_, err := b.exec(ctx, query, cr.MappingID, cr.ExternalIID, cr.Title, cr.Description, string(cr.State),
		cr.SourceBranch, cr.TargetBranch, toMillis(cr.ExternalUpdatedAt), toMillis(cr.UpdatedAt))
	return err
}

func (b *SQLBackend) ListChangeRequests(ctx context.Context, mappingID string) ([]ChangeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mapping_id = ? ORDER BY external_iid`, changeRequestColumns, quoteIdentifier(sqlChangeRequestsTable))
	rows, cancel, err := b.query(ctx, query, mappingID)
	defer cancel()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ChangeRequest, 0)
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

const pipelineColumns = "mapping_id, external_id, ref, sha, status, external_updated_at, updated_at"

func scanPipeline(row rowScanner) (Pipeline, error) {
	var (
		p          Pipeline
		extUpdated int64
		updated    int64
	)
	if err := row.Scan(&p.MappingID, &p.ExternalID, &p.Ref, &p.SHA, &p.Status, &extUpdated, &updated); err != nil {
		return Pipeline{}, err
	}
	p.ExternalUpdatedAt = fromMillis(extUpdated)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func (b *SQLBackend) GetPipeline(ctx context.Context, mappingID string, id int64) (Pipeline, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mapping_id = ? AND external_id = ?`, pipelineColumns, quoteIdentifier(sqlPipelinesTable))
	row, cancel, err := b.queryRow(ctx, query, mappingID, id)
	defer cancel()
	if err != nil {
		return Pipeline{}, err
	}
	p, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Pipeline{}, ErrNotFound
	}
	return p, err
}

func (b *SQLBackend) UpsertPipeline(ctx context.Context, p Pipeline) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mapping_id, external_id) DO UPDATE SET
			ref = excluded.ref,
			sha = excluded.sha,
			status = excluded.status,
			external_updated_at = excluded.external_updated_at,
			updated_at = excluded.updated_at`, quoteIdentifier(sqlPipelinesTable), pipelineColumns)
	_, err := b.exec(ctx, query, p.MappingID, p.ExternalID, p.Ref, p.SHA, p.Status,
		toMillis(p.ExternalUpdatedAt), toMillis(p.UpdatedAt))
	return err
}

func (b *SQLBackend) ListPipelines(ctx context.Context, mappingID string) ([]Pipeline, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE mapping_id = ? ORDER BY external_id`, pipelineColumns, quoteIdentifier(sqlPipelinesTable))
	rows, cancel, err := b.query(ctx, query, mappingID)
	defer cancel()
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Pipeline, 0)
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
