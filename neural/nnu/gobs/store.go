package gobs

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/borkdominik/CM2ML/internal/sqlite_db"
	"github.com/borkdominik/CM2ML/neural/nn"
	"github.com/borkdominik/CM2ML/neural/tensor"
)

// ErrNotFound is returned when a store holds no checkpoint for an epoch.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists encoded checkpoints keyed by run name and epoch.
type Store interface {
	Save(name string, epoch int, blob []byte) error
	Load(name string, epoch int) ([]byte, error)
	// Epochs lists the stored epochs of name in ascending order.
	Epochs(name string) ([]int, error)
}

// Checkpoint is the model and optimizer state after an epoch. Both parts are
// always written and restored together.
type Checkpoint struct {
	Name      string
	Epoch     int
	Model     map[string]*tensor.Tensor
	Optimizer nn.AdamState
}

// Encode serialises c to a gob blob.
func (c *Checkpoint) Encode() ([]byte, error) {
	blob, err := encode(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint %s/%d: %w", c.Name, c.Epoch, err)
	}
	return blob, nil
}

// DecodeCheckpoint reads a blob written by Checkpoint.Encode.
func DecodeCheckpoint(blob []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := decode(blob, &c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &c, nil
}

// FileStore keeps one gob file per name and epoch under Dir.
type FileStore struct {
	Dir string
}

var checkpointFile = regexp.MustCompile(`^(.+)\.epoch-(\d+)\.gob$`)

func (s FileStore) path(name string, epoch int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s.epoch-%d.gob", name, epoch))
}

func (s FileStore) Save(name string, epoch int, blob []byte) error {
	return SaveGOB(s.path(name, epoch), blob)
}

func (s FileStore) Load(name string, epoch int) ([]byte, error) {
	var blob []byte
	err := LoadGOB(s.path(name, epoch), &blob)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s epoch %d: %w", name, epoch, ErrNotFound)
	}
	return blob, err
}

func (s FileStore) Epochs(name string) ([]int, error) {
	entries, err := os.ReadDir(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var epochs []int
	for _, e := range entries {
		m := checkpointFile.FindStringSubmatch(e.Name())
		if m == nil || m[1] != name {
			continue
		}
		epoch, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		epochs = append(epochs, epoch)
	}
	sort.Ints(epochs)
	return epochs, nil
}

// SQLStore keeps checkpoints in an SQLite database.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens or creates the database at path.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sqlite_db.InitDB(path)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Save(name string, epoch int, blob []byte) error {
	return sqlite_db.SaveCheckpoint(s.db, name, epoch, blob)
}

func (s *SQLStore) Load(name string, epoch int) ([]byte, error) {
	blob, err := sqlite_db.GetCheckpoint(s.db, name, epoch)
	if errors.Is(err, sqlite_db.ErrNoCheckpoint) {
		return nil, fmt.Errorf("%s epoch %d: %w", name, epoch, ErrNotFound)
	}
	return blob, err
}

func (s *SQLStore) Epochs(name string) ([]int, error) {
	return sqlite_db.GetEpochs(s.db, name)
}

// Close releases the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// SaveCheckpoint encodes c and writes it to s. It returns the size of the
// encoded checkpoint in bytes.
func SaveCheckpoint(s Store, c *Checkpoint) (int, error) {
	blob, err := c.Encode()
	if err != nil {
		return 0, err
	}
	if err := s.Save(c.Name, c.Epoch, blob); err != nil {
		return 0, err
	}
	return len(blob), nil
}

// LoadCheckpoint reads and decodes the checkpoint of name at epoch.
func LoadCheckpoint(s Store, name string, epoch int) (*Checkpoint, error) {
	blob, err := s.Load(name, epoch)
	if err != nil {
		return nil, err
	}
	return DecodeCheckpoint(blob)
}
