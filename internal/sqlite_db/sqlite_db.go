package sqlite_db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ErrNoCheckpoint is returned when a run has no checkpoint for an epoch.
var ErrNoCheckpoint = errors.New("checkpoint not found")

// InitDB initializes an SQLite database at the given path.
// It creates the database file if it doesn't exist and sets up a 'checkpoints' table.
func InitDB(dataSourceName string) (*sql.DB, error) {
	dir := filepath.Dir(dataSourceName)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	// modernc.org/sqlite registers itself as "sqlite"
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createTableSQL := `CREATE TABLE IF NOT EXISTS checkpoints (
		"name" TEXT NOT NULL,
		"epoch" INTEGER NOT NULL,
		"blob" BLOB NOT NULL,
		"created_at" DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY ("name", "epoch")
	);`

	if _, err = db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return db, nil
}

// SaveCheckpoint stores blob for (name, epoch), replacing an earlier one.
func SaveCheckpoint(db *sql.DB, name string, epoch int, blob []byte) error {
	upsertSQL := `INSERT INTO checkpoints(name, epoch, blob) VALUES (?, ?, ?)
		ON CONFLICT(name, epoch) DO UPDATE SET blob = excluded.blob, created_at = CURRENT_TIMESTAMP`
	if _, err := db.Exec(upsertSQL, name, epoch, blob); err != nil {
		return fmt.Errorf("failed to save checkpoint %s/%d: %w", name, epoch, err)
	}
	return nil
}

// GetCheckpoint retrieves the blob stored for (name, epoch).
func GetCheckpoint(db *sql.DB, name string, epoch int) ([]byte, error) {
	query := `SELECT blob FROM checkpoints WHERE name = ? AND epoch = ?`
	var blob []byte
	err := db.QueryRow(query, name, epoch).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s epoch %d: %w", name, epoch, ErrNoCheckpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return blob, nil
}

// GetEpochs lists the epochs stored for name in ascending order.
func GetEpochs(db *sql.DB, name string) ([]int, error) {
	rows, err := db.Query(`SELECT epoch FROM checkpoints WHERE name = ? ORDER BY epoch ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query epochs: %w", err)
	}
	defer rows.Close()

	var epochs []int
	for rows.Next() {
		var e int
		if err := rows.Scan(&e); err != nil {
			return nil, fmt.Errorf("failed to scan epoch: %w", err)
		}
		epochs = append(epochs, e)
	}
	return epochs, rows.Err()
}
