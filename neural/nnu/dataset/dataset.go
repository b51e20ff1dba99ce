// Package dataset loads paired model trees from dataset files and turns them
// into encoded training examples.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/borkdominik/CM2ML/neural/nnu/gobs"
	"github.com/borkdominik/CM2ML/neural/tree"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// DefaultMaxNodes is the size above which trees are dropped.
const DefaultMaxNodes = 3000

// Metadata describes the attribute names that carry the element type. They
// are removed from the source tree so the model has to predict them.
type Metadata struct {
	TypeAttributes []string
}

// DefaultMetadata covers XMI and XSI type attributes.
func DefaultMetadata() Metadata {
	return Metadata{TypeAttributes: []string{"xmi:type", "xsi:type"}}
}

func (m Metadata) isType(name string) bool {
	for _, a := range m.TypeAttributes {
		if a == name {
			return true
		}
	}
	return false
}

// Entry is one model of a dataset file.
type Entry struct {
	ID   string
	Pair tree.Pair
}

// Dataset is the content of one dataset file.
type Dataset struct {
	Name       string
	Entries    []Entry
	Vocabulary []string
}

// Pairs returns the tree pairs in file order.
func (d *Dataset) Pairs() []tree.Pair {
	out := make([]tree.Pair, len(d.Entries))
	for i, e := range d.Entries {
		out[i] = e.Pair
	}
	return out
}

type rawEntry struct {
	Tree struct {
		Root *tree.Node `json:"root"`
	} `json:"tree"`
}

// Parse reads a dataset file. Entries keep the order of the file.
func Parse(r io.Reader, md Metadata) (*Dataset, error) {
	dec := json.NewDecoder(r)
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	ds := &Dataset{}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("reading dataset key: %w", err)
		}
		switch key {
		case "data":
			if err := parseEntries(dec, md, ds); err != nil {
				return nil, err
			}
		case "__metadata__":
			var meta struct {
				Vocabulary []string `json:"vocabulary"`
			}
			if err := dec.Decode(&meta); err != nil {
				return nil, fmt.Errorf("reading dataset metadata: %w", err)
			}
			ds.Vocabulary = meta.Vocabulary
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("skipping dataset key %v: %w", key, err)
			}
		}
	}
	return ds, expectDelim(dec, '}')
}

func parseEntries(dec *json.Decoder, md Metadata, ds *Dataset) error {
	if err := expectDelim(dec, '{'); err != nil {
		return err
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("reading entry id: %w", err)
		}
		id, _ := tok.(string)
		var raw rawEntry
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("reading entry %s: %w", id, err)
		}
		if raw.Tree.Root == nil {
			return fmt.Errorf("entry %s has no tree root: %w", id, tree.ErrCorruptTree)
		}
		source, err := StripTypes(raw.Tree.Root, md)
		if err != nil {
			return fmt.Errorf("entry %s: %w", id, err)
		}
		ds.Entries = append(ds.Entries, Entry{ID: id, Pair: tree.Pair{Source: source, Target: raw.Tree.Root}})
	}
	return expectDelim(dec, '}')
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("reading dataset: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("dataset: expected %q, got %v", want, tok)
	}
	return nil
}

// StripTypes returns a copy of a model tree without type attributes. The
// root's children are the classes; the second child of every class holds
// its attributes.
func StripTypes(root *tree.Node, md Metadata) (*tree.Node, error) {
	clone := root.Clone()
	for i, class := range clone.Children {
		if len(class.Children) < 2 {
			return nil, fmt.Errorf("class %d (%s) has no attribute list: %w", i, class.Value, tree.ErrCorruptTree)
		}
		attrs := class.Children[1]
		kept := attrs.Children[:0]
		for _, a := range attrs.Children {
			if !md.isType(a.Value) {
				kept = append(kept, a)
			}
		}
		attrs.Children = kept
	}
	return clone, nil
}

// FilterMaxNodes drops pairs whose source or target tree has more than max
// nodes and returns the kept pairs with the number dropped.
func FilterMaxNodes(pairs []tree.Pair, max int) ([]tree.Pair, int) {
	kept := make([]tree.Pair, 0, len(pairs))
	for _, p := range pairs {
		if tree.CountNodes(p.Source) > max || tree.CountNodes(p.Target) > max {
			continue
		}
		kept = append(kept, p)
	}
	return kept, len(pairs) - len(kept)
}

// Loader reads dataset files and keeps a gob cache of parsed files.
type Loader struct {
	CacheDir string // empty disables the cache
	Metadata Metadata
	Logger   *zap.Logger
}

// Load parses the file at path, using the cache when present.
func (l Loader) Load(name, path string) (*Dataset, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()
	cache := ""
	if l.CacheDir != "" {
		cache = filepath.Join(l.CacheDir, filepath.Base(path)+".dataset")
		var ds Dataset
		err := gobs.LoadGOB(cache, &ds)
		if err == nil {
			ds.Name = name
			logger.Info("dataset loaded from cache",
				zap.String("dataset", name),
				zap.String("cache", cache),
				zap.Int("entries", len(ds.Entries)),
				zap.String("duration", time.Since(start).String()))
			return &ds, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("removing unreadable dataset cache", zap.String("cache", cache), zap.Error(err))
			if err := gobs.DeleteGobFile(cache); err != nil {
				return nil, err
			}
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %s: %w", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat dataset %s: %w", name, err)
	}
	ds, err := Parse(f, l.Metadata)
	if err != nil {
		return nil, fmt.Errorf("parsing dataset %s: %w", name, err)
	}
	ds.Name = name
	if cache != "" {
		if err := gobs.SaveGOB(cache, ds); err != nil {
			logger.Warn("could not write dataset cache", zap.String("cache", cache), zap.Error(err))
		}
	}
	logger.Info("dataset parsed",
		zap.String("dataset", name),
		zap.String("size", humanize.Bytes(uint64(info.Size()))),
		zap.Int("entries", len(ds.Entries)),
		zap.String("duration", time.Since(start).String()))
	return ds, nil
}
