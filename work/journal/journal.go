package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"streamfox/work/logger"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Entry is a single failure record: which endpoint failed, why, and when it
// was last marked.
type Entry struct {
	URL      string    `json:"url"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`
}

// Journal is the on-disk record of endpoints that were marked failed,
// together with the reason (admission, health_check, playback). It exists
// for diagnostics and the admin surface — the pool's in-memory failed set
// is authoritative for serving decisions.
type Journal struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS failed_endpoints (
	url       TEXT PRIMARY KEY,
	reason    TEXT NOT NULL,
	failed_at TIMESTAMP NOT NULL
);
`

// Open creates or opens the journal database at the given path, creating
// parent directories and the schema as needed.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	logger.Debug("[JOURNAL] opened failure journal at %s", path)
	return &Journal{db: db}, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record inserts or updates the failure entry for an endpoint. A repeat
// failure with a different reason overwrites the reason and timestamp.
func (j *Journal) Record(url, reason string) error {
	_, err := j.db.Exec(`
		INSERT INTO failed_endpoints (url, reason, failed_at) VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET reason = excluded.reason, failed_at = excluded.failed_at`,
		url, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record endpoint failure: %w", err)
	}
	return nil
}

// Revive removes an endpoint from the journal. Returns an error when the
// endpoint was not present.
func (j *Journal) Revive(url string) error {
	res, err := j.db.Exec(`DELETE FROM failed_endpoints WHERE url = ?`, url)
	if err != nil {
		return fmt.Errorf("failed to revive endpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("endpoint not found in journal")
	}
	return nil
}

// Reason returns the recorded failure reason for an endpoint, or "" when the
// endpoint is not in the journal.
func (j *Journal) Reason(url string) string {
	var reason string
	err := j.db.QueryRow(`SELECT reason FROM failed_endpoints WHERE url = ?`, url).Scan(&reason)
	if err != nil {
		return ""
	}
	return reason
}

// List returns every journal entry, most recent first.
func (j *Journal) List() ([]Entry, error) {
	rows, err := j.db.Query(`SELECT url, reason, failed_at FROM failed_endpoints ORDER BY failed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.URL, &e.Reason, &e.FailedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
