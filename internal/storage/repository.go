package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertPriceBarSQL = `INSERT INTO price_bars (
        asset_id,
        bar_ts,
        open,
        high,
        low,
        close,
        volume,
        error,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,NOW()
    )
    ON CONFLICT (asset_id, bar_ts) DO UPDATE
    SET
        open       = EXCLUDED.open,
        high       = EXCLUDED.high,
        low        = EXCLUDED.low,
        close      = EXCLUDED.close,
        volume     = EXCLUDED.volume,
        error      = EXCLUDED.error,
        updated_at = EXCLUDED.updated_at;`

	listBarsBetweenSQL = `SELECT
        asset_id,
        bar_ts,
        open,
        high,
        low,
        close,
        volume,
        error,
        updated_at
    FROM price_bars
    WHERE asset_id = $1
      AND bar_ts >= $2
      AND bar_ts < $3
    ORDER BY bar_ts;`

	listRecentBarsSQL = `SELECT
        asset_id,
        bar_ts,
        open,
        high,
        low,
        close,
        volume,
        error,
        updated_at
    FROM price_bars
    WHERE ($1 = '' OR asset_id = $1)
    ORDER BY bar_ts DESC, asset_id
    LIMIT $2;`

	latestBarsSQL = `SELECT DISTINCT ON (asset_id)
        asset_id,
        bar_ts,
        open,
        high,
        low,
        close,
        volume,
        error,
        updated_at
    FROM price_bars
    ORDER BY asset_id, bar_ts DESC;`

	insertSnapshotSQL = `INSERT INTO aggregate_snapshots (
        tick_id,
        asset_id,
        price,
        metrics
    ) VALUES (
        $1,$2,$3,$4
    );`

	insertMetricCommitSQL = `INSERT INTO metric_commits (
        tick_id,
        asset_id,
        payload,
        status
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id, created_at;`

	listPendingCommitsSQL = `SELECT
        id,
        tick_id,
        asset_id,
        payload,
        status,
        created_at
    FROM metric_commits
    WHERE status = 'pending'
    ORDER BY id
    LIMIT $1;`

	insertContributionRefSQL = `INSERT INTO contribution_refs (
        asset_id,
        ref
    ) VALUES (
        $1,$2
    )
    ON CONFLICT (asset_id, ref) DO NOTHING;`

	listContributionRefsSQL = `SELECT ref
    FROM contribution_refs
    WHERE asset_id = $1
    ORDER BY indexed_at, ref;`

	listRefAssetsSQL = `SELECT DISTINCT asset_id FROM contribution_refs ORDER BY asset_id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceBarStore defines operations for OHLC persistence.
type PriceBarStore interface {
	UpsertPriceBar(ctx context.Context, bar PriceBar) error
	ListBarsBetween(ctx context.Context, assetID string, from, to time.Time) ([]PriceBar, error)
	ListRecentBars(ctx context.Context, assetID string, limit int) ([]PriceBar, error)
	LatestBars(ctx context.Context) ([]PriceBar, error)
}

// SnapshotStore archives aggregate snapshots.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap AggregateSnapshot) error
}

// MetricCommitter enqueues ledger metric commits.
type MetricCommitter interface {
	CommitMetrics(ctx context.Context, commit MetricCommit) (MetricCommit, error)
}

// RefStore persists contribution reference registrations.
type RefStore interface {
	InsertContributionRef(ctx context.Context, assetID, ref string) (bool, error)
	ContributionRefs(ctx context.Context, assetID string) ([]string, error)
	RefAssets(ctx context.Context) ([]string, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to price bars, snapshots, commits and refs.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock is dropped with the connection anyway
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// UpsertPriceBar persists or updates the bar keyed by asset and bar timestamp.
func (s *Store) UpsertPriceBar(ctx context.Context, bar PriceBar) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if bar.Error != nil {
		errMsg = *bar.Error
	}

	if _, execErr := pool.Exec(ctx, upsertPriceBarSQL,
		bar.AssetID,
		bar.BarTS,
		bar.Open,
		bar.High,
		bar.Low,
		bar.Close,
		bar.Volume,
		errMsg,
	); execErr != nil {
		return fmt.Errorf("upsert price bar: %w", execErr)
	}
	return nil
}

// ListBarsBetween lists an asset's bars within a time window.
func (s *Store) ListBarsBetween(ctx context.Context, assetID string, from, to time.Time) ([]PriceBar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listBarsBetweenSQL, assetID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list bars between: %w", queryErr)
	}
	return collectBars(rows, 0)
}

// ListRecentBars lists the most recent bars ordered by descending timestamp.
// An empty assetID spans all assets.
func (s *Store) ListRecentBars(ctx context.Context, assetID string, limit int) ([]PriceBar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentBarsSQL, assetID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent bars: %w", queryErr)
	}
	return collectBars(rows, limit)
}

// LatestBars returns the newest bar of every asset.
func (s *Store) LatestBars(ctx context.Context) ([]PriceBar, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, latestBarsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("latest bars: %w", queryErr)
	}
	return collectBars(rows, 0)
}

// InsertSnapshot archives aggregate metrics for a tick.
func (s *Store) InsertSnapshot(ctx context.Context, snap AggregateSnapshot) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertSnapshotSQL,
		snap.TickID,
		snap.AssetID,
		snap.Price,
		[]byte(snap.Metrics),
	); execErr != nil {
		return fmt.Errorf("insert aggregate snapshot: %w", execErr)
	}
	return nil
}

// CommitMetrics enqueues a pending metric commit in the outbox.
func (s *Store) CommitMetrics(ctx context.Context, commit MetricCommit) (MetricCommit, error) {
	pool, err := s.getPool()
	if err != nil {
		return MetricCommit{}, err
	}
	if commit.Status == "" {
		commit.Status = CommitPending
	}

	if scanErr := pool.QueryRow(ctx, insertMetricCommitSQL,
		commit.TickID,
		commit.AssetID,
		[]byte(commit.Payload),
		commit.Status,
	).Scan(&commit.ID, &commit.CreatedAt); scanErr != nil {
		return MetricCommit{}, fmt.Errorf("insert metric commit: %w", scanErr)
	}
	return commit, nil
}

// ListPendingCommits returns outbox rows not yet picked up by a submitter.
func (s *Store) ListPendingCommits(ctx context.Context, limit int) ([]MetricCommit, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPendingCommitsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list pending commits: %w", queryErr)
	}
	defer rows.Close()

	commits := make([]MetricCommit, 0, limit)
	for rows.Next() {
		var (
			c       MetricCommit
			payload []byte
		)
		if err := rows.Scan(&c.ID, &c.TickID, &c.AssetID, &payload, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Payload = json.RawMessage(payload)
		commits = append(commits, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return commits, nil
}

// InsertContributionRef registers ref for assetID. It reports whether the row is new.
func (s *Store) InsertContributionRef(ctx context.Context, assetID, ref string) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, insertContributionRefSQL, assetID, ref)
	if execErr != nil {
		return false, fmt.Errorf("insert contribution ref: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// ContributionRefs lists the registered refs of an asset in registration order.
func (s *Store) ContributionRefs(ctx context.Context, assetID string) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listContributionRefsSQL, assetID)
	if queryErr != nil {
		return nil, fmt.Errorf("list contribution refs: %w", queryErr)
	}
	refs, collectErr := pgx.CollectRows(rows, pgx.RowTo[string])
	if collectErr != nil {
		return nil, fmt.Errorf("scan contribution refs: %w", collectErr)
	}
	return refs, nil
}

// RefAssets lists every asset with at least one registered ref.
func (s *Store) RefAssets(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRefAssetsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list ref assets: %w", queryErr)
	}
	assets, collectErr := pgx.CollectRows(rows, pgx.RowTo[string])
	if collectErr != nil {
		return nil, fmt.Errorf("scan ref assets: %w", collectErr)
	}
	return assets, nil
}

func collectBars(rows pgx.Rows, capacity int) ([]PriceBar, error) {
	defer rows.Close()

	bars := make([]PriceBar, 0, capacity)
	for rows.Next() {
		bar, err := scanPriceBar(rows)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return bars, nil
}

func scanPriceBar(rows pgx.Rows) (PriceBar, error) {
	var (
		bar    PriceBar
		errMsg sql.NullString
	)
	if err := rows.Scan(
		&bar.AssetID,
		&bar.BarTS,
		&bar.Open,
		&bar.High,
		&bar.Low,
		&bar.Close,
		&bar.Volume,
		&errMsg,
		&bar.UpdatedAt,
	); err != nil {
		return PriceBar{}, err
	}
	if errMsg.Valid {
		msg := errMsg.String
		bar.Error = &msg
	}
	return bar, nil
}

var (
	_ PriceBarStore   = (*Store)(nil)
	_ SnapshotStore   = (*Store)(nil)
	_ MetricCommitter = (*Store)(nil)
	_ RefStore        = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
