package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/borkdominik/CM2ML/neural/nnu/vocab"
	"github.com/borkdominik/CM2ML/neural/tree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{
  "__metadata__": {"vocabulary": ["Model", "Class"]},
  "data": {
    "z-last": {"tree": {"root": {"value": "Model", "children": [
      {"value": "Class", "children": [
        {"value": "name", "children": []},
        {"value": "attrs", "children": [
          {"value": "xmi:type", "children": [{"value": "uml:Class", "children": []}]},
          {"value": "visibility", "children": [{"value": "public", "children": []}]}
        ]}
      ]}
    ]}}},
    "a-first": {"tree": {"root": {"value": "Model", "children": []}}, "extra": 1}
  },
  "other": [1, 2, 3]
}`

func TestParse(t *testing.T) {
	ds, err := Parse(strings.NewReader(sample), DefaultMetadata())
	require.NoError(t, err)
	assert.Equal(t, []string{"Model", "Class"}, ds.Vocabulary)
	require.Len(t, ds.Entries, 2)
	assert.Equal(t, "z-last", ds.Entries[0].ID)
	assert.Equal(t, "a-first", ds.Entries[1].ID)

	p := ds.Entries[0].Pair
	tgtAttrs := p.Target.Children[0].Children[1].Children
	srcAttrs := p.Source.Children[0].Children[1].Children
	require.Len(t, tgtAttrs, 2)
	require.Len(t, srcAttrs, 1)
	assert.Equal(t, "visibility", srcAttrs[0].Value)
	assert.Equal(t, "xmi:type", tgtAttrs[0].Value)
}

func TestParseRejectsClassWithoutAttributes(t *testing.T) {
	doc := `{"data": {"x": {"tree": {"root": {"value": "Model", "children": [{"value": "Class", "children": []}]}}}}}`
	_, err := Parse(strings.NewReader(doc), DefaultMetadata())
	assert.ErrorIs(t, err, tree.ErrCorruptTree)

	_, err = Parse(strings.NewReader(`[]`), DefaultMetadata())
	assert.Error(t, err)
}

func TestFilterMaxNodes(t *testing.T) {
	small := &tree.Node{Value: "A"}
	big := &tree.Node{Value: "A", Children: []*tree.Node{{Value: "B"}, {Value: "C"}}}
	kept, dropped := FilterMaxNodes([]tree.Pair{{Source: small, Target: small}, {Source: small, Target: big}}, 2)
	assert.Len(t, kept, 1)
	assert.Equal(t, 1, dropped)
}

func TestLoaderCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	l := Loader{CacheDir: filepath.Join(dir, "cache"), Metadata: DefaultMetadata()}

	first, err := l.Load("train", path)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, "cache", "train.json.dataset"))

	// The cache is used even once the source file is gone.
	require.NoError(t, os.Remove(path))
	second, err := l.Load("train", path)
	require.NoError(t, err)
	assert.Equal(t, first.Pairs()[0].Source.Children[0].Children[1].Children[0].Value,
		second.Pairs()[0].Source.Children[0].Children[1].Children[0].Value)
	assert.Len(t, second.Entries, 2)

	_, err = Loader{}.Load("missing", filepath.Join(dir, "nope.json"))
	assert.Error(t, err)
}

func TestLoaderReplacesUnreadableCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "train.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	cache := filepath.Join(dir, "cache", "train.json.dataset")
	require.NoError(t, os.MkdirAll(filepath.Dir(cache), 0o755))
	require.NoError(t, os.WriteFile(cache, []byte("not a gob"), 0o644))

	l := Loader{CacheDir: filepath.Join(dir, "cache"), Metadata: DefaultMetadata()}
	ds, err := l.Load("train", path)
	require.NoError(t, err)
	assert.Len(t, ds.Entries, 2)

	// the rewritten cache serves the next load without the source file
	require.NoError(t, os.Remove(path))
	again, err := l.Load("train", path)
	require.NoError(t, err)
	assert.Len(t, again.Entries, 2)
}

func TestPrepare(t *testing.T) {
	pairs := []tree.Pair{{
		Source: &tree.Node{Value: "A", Children: []*tree.Node{{Value: "B"}}},
		Target: &tree.Node{Value: "A", Children: []*tree.Node{{Value: "C"}}},
	}}
	v := vocab.BuildShared(pairs)
	examples := Prepare(pairs, v, v)
	require.Len(t, examples, 1)
	assert.Equal(t, []int{7, 9}, tree.PreOrder(examples[0].Target))
	assert.Equal(t, 4, examples[0].SourceTree.Len())
	assert.Equal(t, 4, examples[0].TargetTree.Len())
}
