package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/pricehawk/pricehawk/internal/db"
	"github.com/pricehawk/pricehawk/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the ingestion hot path, prepared on each new
// connection.
var preparedStatements = map[string]string{
	"read_link_price": `SELECT site_id, last_price FROM product_links WHERE id = $1`,
	"update_link_price": `UPDATE product_links
		SET last_price = $1, last_price_pack = $2, pack_size = $3,
		    unit_label = $4, pack_label = $5, last_checked = $6
		WHERE id = $7`,
	"insert_snapshot": `INSERT INTO price_snapshots (product_link_id, unit_price, pack_price, pack_size, captured_at)
		VALUES ($1, $2, $3, $4, $5)`,
	"insert_change": `INSERT INTO price_changes (product_link_id, old_price, new_price, changed_at)
		VALUES ($1, $2, $3, $4)`,
	"update_run_note": `UPDATE query_runs SET note = $1 WHERE id = $2`,
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

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sites (
	id       BIGSERIAL PRIMARY KEY,
	site_key TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL,
	base_url TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS product_links (
	id              BIGSERIAL PRIMARY KEY,
	product_id      BIGINT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	site_id         BIGINT NOT NULL REFERENCES sites(id),
	sku             TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	selector        TEXT NOT NULL DEFAULT '',
	search_query    TEXT NOT NULL DEFAULT '',
	last_price      DOUBLE PRECISION,
	last_price_pack DOUBLE PRECISION,
	pack_size       INTEGER,
	unit_label      TEXT NOT NULL DEFAULT '',
	pack_label      TEXT NOT NULL DEFAULT '',
	last_checked    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS price_snapshots (
	id              BIGSERIAL PRIMARY KEY,
	product_link_id BIGINT NOT NULL REFERENCES product_links(id) ON DELETE CASCADE,
	unit_price      DOUBLE PRECISION NOT NULL,
	pack_price      DOUBLE PRECISION,
	pack_size       INTEGER,
	captured_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS price_changes (
	id              BIGSERIAL PRIMARY KEY,
	product_link_id BIGINT NOT NULL REFERENCES product_links(id) ON DELETE CASCADE,
	old_price       DOUBLE PRECISION NOT NULL,
	new_price       DOUBLE PRECISION NOT NULL,
	changed_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS query_runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ,
	eta_sec     INTEGER,
	note        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS site_credentials (
	site_key    TEXT PRIMARY KEY,
	username    TEXT NOT NULL,
	password    TEXT NOT NULL,
	totp_secret TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_product_links_site_id ON product_links(site_id);
CREATE INDEX IF NOT EXISTS idx_price_snapshots_link ON price_snapshots(product_link_id);
CREATE INDEX IF NOT EXISTS idx_price_changes_link ON price_changes(product_link_id);
CREATE INDEX IF NOT EXISTS idx_price_changes_changed_at ON price_changes(changed_at DESC);
CREATE INDEX IF NOT EXISTS idx_query_runs_status ON query_runs(status);
CREATE INDEX IF NOT EXISTS idx_query_runs_started_at ON query_runs(started_at DESC);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) ListSites(ctx context.Context) ([]model.Site, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, site_key, name, base_url FROM sites ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sites")
	}
	defer rows.Close()

	var sites []model.Site
	for rows.Next() {
		var st model.Site
		if err := rows.Scan(&st.ID, &st.Key, &st.Name, &st.BaseURL); err != nil {
			return nil, eris.Wrap(err, "postgres: scan site")
		}
		sites = append(sites, st)
	}
	return sites, eris.Wrap(rows.Err(), "postgres: list sites iterate")
}

func (s *PostgresStore) SeedSites(ctx context.Context, sites []model.Site) error {
	for _, st := range sites {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO sites (site_key, name, base_url) VALUES ($1, $2, $3)
			 ON CONFLICT (site_key) DO UPDATE SET name = EXCLUDED.name, base_url = EXCLUDED.base_url`,
			st.Key, st.Name, st.BaseURL,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: seed site %s", st.Key)
		}
	}
	return nil
}

func (s *PostgresStore) CreateProduct(ctx context.Context, name string) (*model.Product, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO products (name) VALUES ($1) RETURNING id`, name,
	).Scan(&id)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert product")
	}
	return &model.Product{ID: id, Name: name}, nil
}

func (s *PostgresStore) CreateLink(ctx context.Context, link model.ProductLink) (*model.ProductLink, error) {
	var siteID int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM sites WHERE site_key = $1`, link.SiteKey,
	).Scan(&siteID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("postgres: unknown site %q", link.SiteKey)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: resolve site")
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO product_links (product_id, site_id, sku, url, selector, search_query)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		link.ProductID, siteID, link.SKU, link.URL, link.Selector, link.SearchQuery,
	).Scan(&id)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert link")
	}
	link.ID = id
	link.SiteID = siteID
	return &link, nil
}

const postgresLinkColumns = `
	l.id, l.product_id, l.site_id, s.site_key, p.name, l.sku, l.url,
	l.selector, l.search_query, l.last_price, l.last_price_pack,
	l.pack_size, l.unit_label, l.pack_label, l.last_checked`

func (s *PostgresStore) ListLinks(ctx context.Context, siteKey string) ([]model.ProductLink, error) {
	query := `SELECT ` + postgresLinkColumns + `
		FROM product_links l
		JOIN products p ON p.id = l.product_id
		JOIN sites s ON s.id = l.site_id`
	var args []any
	if siteKey != "" {
		query += ` WHERE s.site_key = $1`
		args = append(args, siteKey)
	}
	query += ` ORDER BY l.id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list links")
	}
	defer rows.Close()

	var links []model.ProductLink
	for rows.Next() {
		link, err := scanPgLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	return links, eris.Wrap(rows.Err(), "postgres: list links iterate")
}

func (s *PostgresStore) ApplyPriceUpdate(ctx context.Context, upd PriceUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx)

	var siteID int64
	var prev *float64
	err = tx.QueryRow(ctx,
		`SELECT site_id, last_price FROM product_links WHERE id = $1`, upd.LinkID,
	).Scan(&siteID, &prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrLinkNotFound, "id %d", upd.LinkID)
	}
	if err != nil {
		return eris.Wrap(err, "postgres: read link")
	}
	if upd.SiteID != 0 && siteID != upd.SiteID {
		return eris.Wrapf(ErrLinkNotFound, "id %d not on site %d", upd.LinkID, upd.SiteID)
	}

	_, err = tx.Exec(ctx,
		`UPDATE product_links
		 SET last_price = $1, last_price_pack = $2, pack_size = $3,
		     unit_label = $4, pack_label = $5, last_checked = $6
		 WHERE id = $7`,
		upd.UnitPrice, upd.PackPrice, upd.PackSize,
		upd.UnitLabel, upd.PackLabel, upd.CapturedAt.UTC(), upd.LinkID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: update link")
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO price_snapshots (product_link_id, unit_price, pack_price, pack_size, captured_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		upd.LinkID, upd.UnitPrice, upd.PackPrice, upd.PackSize, upd.CapturedAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert snapshot")
	}

	if prev != nil && *prev != upd.UnitPrice {
		_, err = tx.Exec(ctx,
			`INSERT INTO price_changes (product_link_id, old_price, new_price, changed_at)
			 VALUES ($1, $2, $3, $4)`,
			upd.LinkID, *prev, upd.UnitPrice, upd.CapturedAt.UTC(),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert change")
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit price update")
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, linkID int64) ([]model.PriceSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_link_id, unit_price, pack_price, pack_size, captured_at
		 FROM price_snapshots WHERE product_link_id = $1 ORDER BY captured_at, id`,
		linkID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list snapshots")
	}
	defer rows.Close()

	var snaps []model.PriceSnapshot
	for rows.Next() {
		var snap model.PriceSnapshot
		if err := rows.Scan(&snap.ID, &snap.ProductLinkID, &snap.UnitPrice, &snap.PackPrice, &snap.PackSize, &snap.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan snapshot")
		}
		snaps = append(snaps, snap)
	}
	return snaps, eris.Wrap(rows.Err(), "postgres: list snapshots iterate")
}

func (s *PostgresStore) ListChanges(ctx context.Context, linkID int64) ([]model.PriceChange, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, product_link_id, old_price, new_price, changed_at
		 FROM price_changes WHERE product_link_id = $1 ORDER BY changed_at, id`,
		linkID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list changes")
	}
	defer rows.Close()

	var changes []model.PriceChange
	for rows.Next() {
		var ch model.PriceChange
		if err := rows.Scan(&ch.ID, &ch.ProductLinkID, &ch.Old, &ch.New, &ch.ChangedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan change")
		}
		changes = append(changes, ch)
	}
	return changes, eris.Wrap(rows.Err(), "postgres: list changes iterate")
}

func (s *PostgresStore) RecentChanges(ctx context.Context, limit int) ([]ChangeFeedItem, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT p.name, st.name, c.old_price, c.new_price, c.changed_at
		 FROM price_changes c
		 JOIN product_links l ON l.id = c.product_link_id
		 JOIN products p ON p.id = l.product_id
		 JOIN sites st ON st.id = l.site_id
		 ORDER BY c.changed_at DESC, c.id DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent changes")
	}
	defer rows.Close()

	var feed []ChangeFeedItem
	for rows.Next() {
		var item ChangeFeedItem
		if err := rows.Scan(&item.Product, &item.Site, &item.Old, &item.New, &item.ChangedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan feed item")
		}
		feed = append(feed, item)
	}
	return feed, eris.Wrap(rows.Err(), "postgres: recent changes iterate")
}

func (s *PostgresStore) SiteAggregates(ctx context.Context) ([]SiteAggregate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT st.name, COUNT(l.id), MAX(l.last_checked)
		 FROM product_links l
		 JOIN sites st ON st.id = l.site_id
		 GROUP BY st.id, st.name
		 ORDER BY st.name`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: site aggregates")
	}
	defer rows.Close()

	var aggs []SiteAggregate
	for rows.Next() {
		var agg SiteAggregate
		if err := rows.Scan(&agg.Site, &agg.Items, &agg.Updated); err != nil {
			return nil, eris.Wrap(err, "postgres: scan aggregate")
		}
		aggs = append(aggs, agg)
	}
	return aggs, eris.Wrap(rows.Err(), "postgres: site aggregates iterate")
}

func (s *PostgresStore) CreateRun(ctx context.Context, etaSec *int, note string) (*model.QueryRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO query_runs (id, status, started_at, eta_sec, note) VALUES ($1, $2, $3, $4, $5)`,
		id, string(model.RunStatusRunning), now, etaSec, note,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.QueryRun{
		ID:        id,
		Status:    model.RunStatusRunning,
		StartedAt: now,
		EtaSec:    etaSec,
		Note:      note,
	}, nil
}

func (s *PostgresStore) UpdateRunNote(ctx context.Context, runID, note string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE query_runs SET note = $1 WHERE id = $2`, note, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run note %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "id %s", runID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, note string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE query_runs
		 SET status = $1, finished_at = $2, note = COALESCE(NULLIF($3, ''), note)
		 WHERE id = $4`,
		string(status), time.Now().UTC(), note, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrRunNotFound, "id %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.QueryRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, started_at, finished_at, eta_sec, note FROM query_runs WHERE id = $1`,
		runID,
	)
	run, err := scanPgRun(row)
	if err != nil && errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrRunNotFound, "id %s", runID)
	}
	return run, err
}

func (s *PostgresStore) LatestRun(ctx context.Context) (*model.QueryRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, started_at, finished_at, eta_sec, note
		 FROM query_runs ORDER BY started_at DESC LIMIT 1`,
	)
	run, err := scanPgRun(row)
	if err != nil && errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.QueryRun, error) {
	query := `SELECT id, status, started_at, finished_at, eta_sec, note FROM query_runs`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY started_at DESC`

	args = append(args, orDefault(filter.Limit, 100))
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.QueryRun
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) ResetStuckRuns(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE query_runs SET status = $1, note = 'manual reset', finished_at = $2 WHERE status = $3`,
		string(model.RunStatusError), time.Now().UTC(), string(model.RunStatusRunning),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reset stuck runs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetCredentials(ctx context.Context, siteKey string) (*model.Credentials, error) {
	var cred model.Credentials
	err := s.pool.QueryRow(ctx,
		`SELECT username, password, totp_secret FROM site_credentials WHERE site_key = $1`,
		siteKey,
	).Scan(&cred.Username, &cred.Password, &cred.TOTPSecret)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get credentials")
	}
	return &cred, nil
}

func (s *PostgresStore) UpsertCredentials(ctx context.Context, siteKey string, cred model.Credentials) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO site_credentials (site_key, username, password, totp_secret)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (site_key) DO UPDATE SET
		     username = EXCLUDED.username,
		     password = EXCLUDED.password,
		     totp_secret = EXCLUDED.totp_secret`,
		siteKey, cred.Username, cred.Password, cred.TOTPSecret,
	)
	return eris.Wrapf(err, "postgres: upsert credentials %s", siteKey)
}

func scanPgLink(row pgx.Row) (*model.ProductLink, error) {
	var l model.ProductLink
	err := row.Scan(
		&l.ID, &l.ProductID, &l.SiteID, &l.SiteKey, &l.ProductName, &l.SKU,
		&l.URL, &l.Selector, &l.SearchQuery, &l.LastPrice, &l.LastPack,
		&l.PackSize, &l.UnitLabel, &l.PackLabel, &l.LastChecked,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan link")
	}
	return &l, nil
}

func scanPgRun(row pgx.Row) (*model.QueryRun, error) {
	var r model.QueryRun
	err := row.Scan(&r.ID, &r.Status, &r.StartedAt, &r.FinishedAt, &r.EtaSec, &r.Note)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}
	return &r, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
