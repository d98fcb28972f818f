package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightobserver/east/model"
)

type staticSource struct {
	params model.Params
	err    error
}

func (s *staticSource) StateDict() (model.Params, error) { return s.params, s.err }

func testSource() *staticSource {
	return &staticSource{params: model.Params{
		{Name: "conv1.weight", Dims: []int{2, 2}, DType: "float32",
			Data: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}},
		{Name: "conv1.bias", Dims: []int{2}, DType: "float32",
			Data: []byte{20, 21, 22, 23, 24, 25, 26, 27}},
	}}
}

func TestSymlinkReplaces(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "latest.pth")

	require.NoError(t, Symlink("a.pth", link))
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, "a.pth", target)

	// Replacing an existing link succeeds and repoints it.
	require.NoError(t, Symlink("b.pth", link))
	target, err = os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, "b.pth", target)

	// Idempotent: same target again.
	require.NoError(t, Symlink("b.pth", link))
}

func TestBuildRejectsFileAsDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o660))
	_, err := Build().Dir(file).Done()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestBuildRequiresDir(t *testing.T) {
	_, err := Build().Done()
	require.Error(t, err)
}

func TestSavePeriodicCreatesDirLazily(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "model", "pths")
	h, err := Build().Dir(dir).Done()
	require.NoError(t, err)

	// Building must not create the directory.
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))

	path, err := h.SavePeriodic(testSource(), 4)
	require.NoError(t, err)
	assert.Regexp(t, `5epoch_\d{6}_\d{6}\.pth$`, path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	target, err := os.Readlink(filepath.Join(dir, LatestLink))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(path), target)

	// A later save repoints latest.pth.
	path2, err := h.SavePeriodic(testSource(), 9)
	require.NoError(t, err)
	target, err = os.Readlink(filepath.Join(dir, LatestLink))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(path2), target)
}

func TestSaveBestUnnamed(t *testing.T) {
	dir := t.TempDir()
	h, err := Build().Dir(dir).Done()
	require.NoError(t, err)

	path, err := h.SaveBest(testSource())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, BestLink), path)
	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.Zero(t, fi.Mode()&os.ModeSymlink, "unnamed runs write best_model.pth directly")

	// A second best save overwrites in place.
	_, err = h.SaveBest(testSource())
	require.NoError(t, err)
}

func TestSaveBestRunNamed(t *testing.T) {
	dir := t.TempDir()
	h, err := Build().Dir(dir).RunName("ICDAR15 AdamW").Done()
	require.NoError(t, err)

	path, err := h.SaveBest(testSource())
	require.NoError(t, err)
	assert.Equal(t, "icdar15_adamw_best_model.pth", filepath.Base(path))

	target, err := os.Readlink(filepath.Join(dir, BestLink))
	require.NoError(t, err)
	assert.Equal(t, "icdar15_adamw_best_model.pth", target)

	// Best saves survive repetition: the symlink is force-updated.
	_, err = h.SaveBest(testSource())
	require.NoError(t, err)
}

func TestRunNamePrefixesPeriodic(t *testing.T) {
	dir := t.TempDir()
	h, err := Build().Dir(dir).RunName("My Run").Done()
	require.NoError(t, err)
	path, err := h.SavePeriodic(testSource(), 0)
	require.NoError(t, err)
	assert.Regexp(t, `^my_run_1epoch_\d{6}_\d{6}\.pth$`, filepath.Base(path))
}

func TestListCheckpointsOrdersByEpoch(t *testing.T) {
	dir := t.TempDir()
	h, err := Build().Dir(dir).Done()
	require.NoError(t, err)

	for _, epoch := range []int{9, 0, 1} {
		_, err := h.SavePeriodic(testSource(), epoch)
		require.NoError(t, err)
	}
	// Symlinks and unrelated files are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0o660))

	names, err := h.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, names, 3)
	assert.Equal(t, byte('1'), names[0][0])
	assert.Equal(t, byte('2'), names[1][0])
	assert.Equal(t, byte('1'), names[2][0]) // 10epoch_...
	assert.Regexp(t, `^10epoch_`, names[2])
}

func TestCheckpointBlobRoundTrip(t *testing.T) {
	dir := t.TempDir()
	h, err := Build().Dir(dir).Done()
	require.NoError(t, err)
	src := testSource()
	path, err := h.SaveBest(src)
	require.NoError(t, err)

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(blob), 8)
	headerLen := binary.LittleEndian.Uint64(blob[:8])
	var header []serializedParam
	require.NoError(t, json.Unmarshal(blob[8:8+headerLen], &header))
	require.Len(t, header, 2)

	dataSection := blob[8+headerLen:]
	for i, p := range header {
		want := src.params[i]
		assert.Equal(t, want.Name, p.Name)
		assert.Equal(t, want.Dims, p.Dims)
		assert.Equal(t, want.DType, p.DType)
		assert.Equal(t, want.Data, dataSection[p.Pos:p.Pos+p.Length])
	}
}

func TestSaveSurfacesSourceError(t *testing.T) {
	dir := t.TempDir()
	h, err := Build().Dir(dir).Done()
	require.NoError(t, err)
	src := &staticSource{err: os.ErrDeadlineExceeded}
	_, err = h.SaveBest(src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read model state")
}
