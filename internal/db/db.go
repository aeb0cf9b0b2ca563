// Package db stores simulation outcomes in SQLite: one run per scenario,
// the sweep sessions each station reported, their SNR samples, refinement
// results and link events.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/beamlink/internal/httputil"
	"github.com/banshee-data/beamlink/internal/monitoring"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (or creates) the database at path and migrates it to
// LatestVersion. Use ":memory:" for a throwaway store.
func NewDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A memory database exists per connection.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, path: path}
	if err := db.applyPragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) applyPragmas() error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	if db.path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// StartRun records a new run of scenario and returns its ID.
func (db *DB) StartRun(scenario string) (string, error) {
	id := uuid.New().String()
	if _, err := db.Exec(`INSERT INTO runs (run_id, scenario) VALUES (?, ?)`, id, scenario); err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// TableStats is the row count of one table.
type TableStats struct {
	Name string `json:"name"`
	Rows int64  `json:"rows"`
}

// Stats returns row counts for every result table.
func (db *DB) Stats() ([]TableStats, error) {
	tables := []string{"runs", "sls_sessions", "snr_samples", "brp_results", "link_events"}
	stats := make([]TableStats, 0, len(tables))
	for _, name := range tables {
		var n int64
		if err := db.QueryRow("SELECT COUNT(*) FROM " + name).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", name, err)
		}
		stats = append(stats, TableStats{Name: name, Rows: n})
	}
	return stats, nil
}

// AttachAdminRoutes mounts the tsweb debug pages: a tailsql console over
// the results store, table statistics and a gzipped backup download.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://beamlink.db", db.DB, &tailsql.DBOptions{
		Label: "Beamforming results",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("db-stats", "Row counts of the results tables", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := db.Stats()
		if err != nil {
			httputil.InternalError(w, "failed to read table stats", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, stats)
	}))

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	dir, err := os.MkdirTemp("", "beamlink-backup")
	if err != nil {
		httputil.InternalError(w, "failed to create backup dir", err)
		return
	}
	defer os.RemoveAll(dir)

	name := fmt.Sprintf("backup-%d.db", time.Now().Unix())
	backupPath := filepath.Join(dir, name)
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		httputil.InternalError(w, "failed to create backup", err)
		return
	}
	backupFile, err := os.Open(backupPath)
	if err != nil {
		httputil.InternalError(w, "failed to open backup file", err)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		monitoring.Logf("backup: copy failed: %v", err)
	}
}
