package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/pricehawk/pricehawk/internal/model"
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
CREATE TABLE IF NOT EXISTS sites (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	site_key TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL,
	base_url TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS product_links (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	product_id      INTEGER NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	site_id         INTEGER NOT NULL REFERENCES sites(id),
	sku             TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL DEFAULT '',
	selector        TEXT NOT NULL DEFAULT '',
	search_query    TEXT NOT NULL DEFAULT '',
	last_price      REAL,
	last_price_pack REAL,
	pack_size       INTEGER,
	unit_label      TEXT NOT NULL DEFAULT '',
	pack_label      TEXT NOT NULL DEFAULT '',
	last_checked    DATETIME
);

CREATE TABLE IF NOT EXISTS price_snapshots (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	product_link_id INTEGER NOT NULL REFERENCES product_links(id) ON DELETE CASCADE,
	unit_price      REAL NOT NULL,
	pack_price      REAL,
	pack_size       INTEGER,
	captured_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS price_changes (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	product_link_id INTEGER NOT NULL REFERENCES product_links(id) ON DELETE CASCADE,
	old_price       REAL NOT NULL,
	new_price       REAL NOT NULL,
	changed_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS query_runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME,
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
CREATE INDEX IF NOT EXISTS idx_price_changes_changed_at ON price_changes(changed_at);
CREATE INDEX IF NOT EXISTS idx_query_runs_status ON query_runs(status);
CREATE INDEX IF NOT EXISTS idx_query_runs_started_at ON query_runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ListSites(ctx context.Context) ([]model.Site, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, site_key, name, base_url FROM sites ORDER BY id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sites")
	}
	defer rows.Close()

	var sites []model.Site
	for rows.Next() {
		var st model.Site
		if err := rows.Scan(&st.ID, &st.Key, &st.Name, &st.BaseURL); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan site")
		}
		sites = append(sites, st)
	}
	return sites, eris.Wrap(rows.Err(), "sqlite: list sites iterate")
}

func (s *SQLiteStore) SeedSites(ctx context.Context, sites []model.Site) error {
	for _, st := range sites {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO sites (site_key, name, base_url) VALUES (?, ?, ?)
			 ON CONFLICT(site_key) DO UPDATE SET name = excluded.name, base_url = excluded.base_url`,
			st.Key, st.Name, st.BaseURL,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: seed site %s", st.Key)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateProduct(ctx context.Context, name string) (*model.Product, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO products (name) VALUES (?)`, name)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert product")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: product id")
	}
	return &model.Product{ID: id, Name: name}, nil
}

func (s *SQLiteStore) CreateLink(ctx context.Context, link model.ProductLink) (*model.ProductLink, error) {
	var siteID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM sites WHERE site_key = ?`, link.SiteKey,
	).Scan(&siteID)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("sqlite: unknown site %q", link.SiteKey)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: resolve site")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO product_links (product_id, site_id, sku, url, selector, search_query)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		link.ProductID, siteID, link.SKU, link.URL, link.Selector, link.SearchQuery,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert link")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: link id")
	}
	link.ID = id
	link.SiteID = siteID
	return &link, nil
}

const sqliteLinkColumns = `
	l.id, l.product_id, l.site_id, s.site_key, p.name, l.sku, l.url,
	l.selector, l.search_query, l.last_price, l.last_price_pack,
	l.pack_size, l.unit_label, l.pack_label, l.last_checked`

func (s *SQLiteStore) ListLinks(ctx context.Context, siteKey string) ([]model.ProductLink, error) {
	query := `SELECT ` + sqliteLinkColumns + `
		FROM product_links l
		JOIN products p ON p.id = l.product_id
		JOIN sites s ON s.id = l.site_id`
	var args []any
	if siteKey != "" {
		query += ` WHERE s.site_key = ?`
		args = append(args, siteKey)
	}
	query += ` ORDER BY l.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list links")
	}
	defer rows.Close()

	var links []model.ProductLink
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	return links, eris.Wrap(rows.Err(), "sqlite: list links iterate")
}

func (s *SQLiteStore) ApplyPriceUpdate(ctx context.Context, upd PriceUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	var siteID int64
	var prev sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		`SELECT site_id, last_price FROM product_links WHERE id = ?`, upd.LinkID,
	).Scan(&siteID, &prev)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrLinkNotFound, "id %d", upd.LinkID)
	}
	if err != nil {
		return eris.Wrap(err, "sqlite: read link")
	}
	if upd.SiteID != 0 && siteID != upd.SiteID {
		return eris.Wrapf(ErrLinkNotFound, "id %d not on site %d", upd.LinkID, upd.SiteID)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE product_links
		 SET last_price = ?, last_price_pack = ?, pack_size = ?,
		     unit_label = ?, pack_label = ?, last_checked = ?
		 WHERE id = ?`,
		upd.UnitPrice, nullFloat(upd.PackPrice), nullInt(upd.PackSize),
		upd.UnitLabel, upd.PackLabel, upd.CapturedAt.UTC(), upd.LinkID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update link")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO price_snapshots (product_link_id, unit_price, pack_price, pack_size, captured_at)
		 VALUES (?, ?, ?, ?, ?)`,
		upd.LinkID, upd.UnitPrice, nullFloat(upd.PackPrice), nullInt(upd.PackSize), upd.CapturedAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert snapshot")
	}

	if prev.Valid && prev.Float64 != upd.UnitPrice {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO price_changes (product_link_id, old_price, new_price, changed_at)
			 VALUES (?, ?, ?, ?)`,
			upd.LinkID, prev.Float64, upd.UnitPrice, upd.CapturedAt.UTC(),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert change")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit price update")
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, linkID int64) ([]model.PriceSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_link_id, unit_price, pack_price, pack_size, captured_at
		 FROM price_snapshots WHERE product_link_id = ? ORDER BY captured_at, id`,
		linkID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list snapshots")
	}
	defer rows.Close()

	var snaps []model.PriceSnapshot
	for rows.Next() {
		var snap model.PriceSnapshot
		var packPrice sql.NullFloat64
		var packSize sql.NullInt64
		if err := rows.Scan(&snap.ID, &snap.ProductLinkID, &snap.UnitPrice, &packPrice, &packSize, &snap.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan snapshot")
		}
		snap.PackPrice = floatPtr(packPrice)
		snap.PackSize = intPtr(packSize)
		snaps = append(snaps, snap)
	}
	return snaps, eris.Wrap(rows.Err(), "sqlite: list snapshots iterate")
}

func (s *SQLiteStore) ListChanges(ctx context.Context, linkID int64) ([]model.PriceChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, product_link_id, old_price, new_price, changed_at
		 FROM price_changes WHERE product_link_id = ? ORDER BY changed_at, id`,
		linkID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list changes")
	}
	defer rows.Close()

	var changes []model.PriceChange
	for rows.Next() {
		var ch model.PriceChange
		if err := rows.Scan(&ch.ID, &ch.ProductLinkID, &ch.Old, &ch.New, &ch.ChangedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan change")
		}
		changes = append(changes, ch)
	}
	return changes, eris.Wrap(rows.Err(), "sqlite: list changes iterate")
}

func (s *SQLiteStore) RecentChanges(ctx context.Context, limit int) ([]ChangeFeedItem, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.name, st.name, c.old_price, c.new_price, c.changed_at
		 FROM price_changes c
		 JOIN product_links l ON l.id = c.product_link_id
		 JOIN products p ON p.id = l.product_id
		 JOIN sites st ON st.id = l.site_id
		 ORDER BY c.changed_at DESC, c.id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent changes")
	}
	defer rows.Close()

	var feed []ChangeFeedItem
	for rows.Next() {
		var item ChangeFeedItem
		if err := rows.Scan(&item.Product, &item.Site, &item.Old, &item.New, &item.ChangedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan feed item")
		}
		feed = append(feed, item)
	}
	return feed, eris.Wrap(rows.Err(), "sqlite: recent changes iterate")
}

func (s *SQLiteStore) SiteAggregates(ctx context.Context) ([]SiteAggregate, error) {
	// MAX(last_checked) loses the DATETIME decltype the driver needs for
	// time conversion, so the per-site maximum is folded up here instead.
	rows, err := s.db.QueryContext(ctx,
		`SELECT st.name, l.last_checked
		 FROM product_links l
		 JOIN sites st ON st.id = l.site_id
		 ORDER BY st.name, l.id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: site aggregates")
	}
	defer rows.Close()

	var aggs []SiteAggregate
	for rows.Next() {
		var site string
		var checked sql.NullTime
		if err := rows.Scan(&site, &checked); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan aggregate")
		}
		if len(aggs) == 0 || aggs[len(aggs)-1].Site != site {
			aggs = append(aggs, SiteAggregate{Site: site})
		}
		agg := &aggs[len(aggs)-1]
		agg.Items++
		if checked.Valid && (agg.Updated == nil || checked.Time.After(*agg.Updated)) {
			t := checked.Time
			agg.Updated = &t
		}
	}
	return aggs, eris.Wrap(rows.Err(), "sqlite: site aggregates iterate")
}

func (s *SQLiteStore) CreateRun(ctx context.Context, etaSec *int, note string) (*model.QueryRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_runs (id, status, started_at, eta_sec, note) VALUES (?, ?, ?, ?, ?)`,
		id, string(model.RunStatusRunning), now, nullInt(etaSec), note,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.QueryRun{
		ID:        id,
		Status:    model.RunStatusRunning,
		StartedAt: now,
		EtaSec:    etaSec,
		Note:      note,
	}, nil
}

func (s *SQLiteStore) UpdateRunNote(ctx context.Context, runID, note string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_runs SET note = ? WHERE id = ?`, note, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run note %s", runID)
	}
	return checkRunAffected(res, runID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, note string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_runs
		 SET status = ?, finished_at = ?, note = COALESCE(NULLIF(?, ''), note)
		 WHERE id = ?`,
		string(status), time.Now().UTC(), note, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRunAffected(res, runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.QueryRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, started_at, finished_at, eta_sec, note FROM query_runs WHERE id = ?`,
		runID,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrRunNotFound, "id %s", runID)
	}
	return run, err
}

func (s *SQLiteStore) LatestRun(ctx context.Context) (*model.QueryRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, started_at, finished_at, eta_sec, note
		 FROM query_runs ORDER BY started_at DESC LIMIT 1`,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.QueryRun, error) {
	query := `SELECT id, status, started_at, finished_at, eta_sec, note FROM query_runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.QueryRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) ResetStuckRuns(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_runs SET status = ?, note = 'manual reset', finished_at = ? WHERE status = ?`,
		string(model.RunStatusError), time.Now().UTC(), string(model.RunStatusRunning),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset stuck runs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetCredentials(ctx context.Context, siteKey string) (*model.Credentials, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT username, password, totp_secret FROM site_credentials WHERE site_key = ?`,
		siteKey,
	)
	var cred model.Credentials
	err := row.Scan(&cred.Username, &cred.Password, &cred.TOTPSecret)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get credentials")
	}
	return &cred, nil
}

func (s *SQLiteStore) UpsertCredentials(ctx context.Context, siteKey string, cred model.Credentials) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO site_credentials (site_key, username, password, totp_secret)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(site_key) DO UPDATE SET
		     username = excluded.username,
		     password = excluded.password,
		     totp_secret = excluded.totp_secret`,
		siteKey, cred.Username, cred.Password, cred.TOTPSecret,
	)
	return eris.Wrapf(err, "sqlite: upsert credentials %s", siteKey)
}

// helpers

func checkRunAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrRunNotFound, "id %s", runID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLink(row scannable) (*model.ProductLink, error) {
	var l model.ProductLink
	var lastPrice, lastPack sql.NullFloat64
	var packSize sql.NullInt64
	var lastChecked sql.NullTime

	err := row.Scan(
		&l.ID, &l.ProductID, &l.SiteID, &l.SiteKey, &l.ProductName, &l.SKU,
		&l.URL, &l.Selector, &l.SearchQuery, &lastPrice, &lastPack,
		&packSize, &l.UnitLabel, &l.PackLabel, &lastChecked,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: scan link")
	}

	l.LastPrice = floatPtr(lastPrice)
	l.LastPack = floatPtr(lastPack)
	l.PackSize = intPtr(packSize)
	if lastChecked.Valid {
		t := lastChecked.Time
		l.LastChecked = &t
	}
	return &l, nil
}

func scanRun(row scannable) (*model.QueryRun, error) {
	var r model.QueryRun
	var finishedAt sql.NullTime
	var etaSec sql.NullInt64

	err := row.Scan(&r.ID, &r.Status, &r.StartedAt, &finishedAt, &etaSec, &r.Note)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: scan run")
	}

	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	r.EtaSec = intPtr(etaSec)
	return &r, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
