// Package sqlstore keeps the dataset in PostgreSQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sensortree/sensortree/internal/dataset"
	"github.com/sensortree/sensortree/internal/logging"
	"github.com/sensortree/sensortree/internal/metrics"
	"github.com/sensortree/sensortree/pkg/models"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// Driver names registered by the imported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store is a SQL-backed dataset store.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and pings it.
func Open(driver, dsn string) (*Store, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// One connection so in-memory databases are shared.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate runs the embedded schema migrations in name order.
func (s *Store) Migrate(ctx context.Context) error {
	files, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Debug("running migration", zap.String("file", f))
		content, err := migrations.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		for _, stmt := range strings.Split(string(content), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration %s: %w", f, err)
			}
		}
	}
	return nil
}

// Empty reports whether no nodes are stored.
func (s *Store) Empty(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes`).Scan(&n); err != nil {
		return false, fmt.Errorf("count nodes: %w", err)
	}
	return n == 0, nil
}

// Seed replaces the stored forest with roots.
func (s *Store) Seed(ctx context.Context, roots []*dataset.Entity) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("seed", time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{`DELETE FROM metadata`, `DELETE FROM sensors`, `DELETE FROM nodes`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("clear tables: %w", err)
		}
	}

	insertNode := s.rebind(`INSERT INTO nodes (id, parent_id, name, type, position) VALUES (?, ?, ?, ?, ?)`)
	insertSensor := s.rebind(`INSERT INTO sensors (id, node_id, name, position) VALUES (?, ?, ?, ?)`)
	insertMeta := s.rebind(`INSERT INTO metadata (owner_id, meta_key, meta_value) VALUES (?, ?, ?)`)

	pos := 0
	var insert func(entities []*dataset.Entity, parent sql.NullString) error
	insertMetadata := func(id string, md models.Metadata) error {
		for k, v := range md {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode metadata %s.%s: %w", id, k, err)
			}
			if _, err := tx.ExecContext(ctx, insertMeta, id, k, string(raw)); err != nil {
				return fmt.Errorf("insert metadata %s.%s: %w", id, k, err)
			}
		}
		return nil
	}
	insert = func(entities []*dataset.Entity, parent sql.NullString) error {
		for _, e := range entities {
			pos++
			if _, err := tx.ExecContext(ctx, insertNode, e.ID, parent, e.Name, string(e.Type), pos); err != nil {
				return fmt.Errorf("insert node %s: %w", e.ID, err)
			}
			if err := insertMetadata(e.ID, e.Metadata); err != nil {
				return err
			}
			for _, sensor := range e.Sensors {
				pos++
				if _, err := tx.ExecContext(ctx, insertSensor, sensor.ID, e.ID, sensor.Name, pos); err != nil {
					return fmt.Errorf("insert sensor %s: %w", sensor.ID, err)
				}
				if err := insertMetadata(sensor.ID, sensor.Metadata); err != nil {
					return err
				}
			}
			if err := insert(e.Children, sql.NullString{String: e.ID, Valid: true}); err != nil {
				return err
			}
		}
		return nil
	}
	if err := insert(roots, sql.NullString{}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	logging.Info("seeded dataset store",
		zap.String("driver", s.driver),
		zap.Int("entities", dataset.CountEntities(roots)))
	return nil
}

// Load reads the stored forest.
func (s *Store) Load(ctx context.Context) ([]*dataset.Entity, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("load", time.Since(start)) }()

	byID := make(map[string]*dataset.Entity)
	var roots []*dataset.Entity

	rows, err := s.db.QueryContext(ctx, `SELECT id, parent_id, name, type FROM nodes ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	for rows.Next() {
		var e dataset.Entity
		var parent sql.NullString
		var kind string
		if err := rows.Scan(&e.ID, &parent, &e.Name, &kind); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if err := e.Type.UnmarshalText([]byte(kind)); err != nil {
			rows.Close()
			return nil, fmt.Errorf("node %s: %w", e.ID, err)
		}
		node := &e
		byID[e.ID] = node
		if !parent.Valid {
			roots = append(roots, node)
			continue
		}
		p, ok := byID[parent.String]
		if !ok {
			rows.Close()
			return nil, fmt.Errorf("node %s: parent %s stored after child", e.ID, parent.String)
		}
		p.Children = append(p.Children, node)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT id, node_id, name FROM sensors ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query sensors: %w", err)
	}
	for rows.Next() {
		sensor := &dataset.Entity{Type: models.KindSensor}
		var owner string
		if err := rows.Scan(&sensor.ID, &owner, &sensor.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sensor: %w", err)
		}
		p, ok := byID[owner]
		if !ok {
			rows.Close()
			return nil, fmt.Errorf("sensor %s: unknown node %s", sensor.ID, owner)
		}
		p.Sensors = append(p.Sensors, sensor)
		byID[sensor.ID] = sensor
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate sensors: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT owner_id, meta_key, meta_value FROM metadata`)
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var owner, key, raw string
		if err := rows.Scan(&owner, &key, &raw); err != nil {
			return nil, fmt.Errorf("scan metadata: %w", err)
		}
		e, ok := byID[owner]
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("metadata %s.%s: %w", owner, key, err)
		}
		if e.Metadata == nil {
			e.Metadata = models.Metadata{}
		}
		e.Metadata[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metadata: %w", err)
	}

	return roots, nil
}

// Rename updates the stored name of a node or sensor.
func (s *Store) Rename(ctx context.Context, id, name string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("rename", time.Since(start)) }()

	for _, table := range []string{"nodes", "sensors"} {
		res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE `+table+` SET name = ? WHERE id = ?`), name, id)
		if err != nil {
			return fmt.Errorf("rename in %s: %w", table, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}
	return models.NotFoundError(id)
}

// LoadDataset migrates the schema, optionally seeds an empty store from
// seedFrom, and returns a dataset that writes renames back to the store.
func LoadDataset(ctx context.Context, s *Store, seedFrom []*dataset.Entity) (*dataset.Dataset, error) {
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	if seedFrom != nil {
		empty, err := s.Empty(ctx)
		if err != nil {
			return nil, err
		}
		if empty {
			if err := s.Seed(ctx, seedFrom); err != nil {
				return nil, err
			}
		}
	}

	roots, err := s.Load(ctx)
	if err != nil {
		metrics.RecordDatasetReload(s.driver, false)
		return nil, err
	}
	d, err := dataset.New(roots)
	metrics.RecordDatasetReload(s.driver, err == nil)
	if err != nil {
		return nil, err
	}
	d.SetPersister(s)
	return d, nil
}
