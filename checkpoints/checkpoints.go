// Package checkpoints implements checkpoint writing for training runs:
// periodic timestamped weight snapshots with a "latest" symlink, and best
// snapshots with an optional "best_model" symlink.
//
// The Handler is created by calling Build, followed by the options setting
// and finally calling Config.Done:
//
//	ckpt, err := checkpoints.Build().Dir(modelDir).RunName(runName).Done()
//
// Checkpoint files accumulate: nothing is deleted automatically. Loading is
// not part of this package -- a restarted run begins at epoch 0.
package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lightobserver/east/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DirPermMode is the default directory creation permission (before umask).
var DirPermMode = os.FileMode(0770)

const (
	// LatestLink is the symlink updated on every periodic save.
	LatestLink = "latest.pth"

	// BestLink is the symlink updated on every best save, when the run is
	// named.
	BestLink = "best_model.pth"

	checkpointSuffix = ".pth"
	timeLayout       = "060102_150405"
)

// Source provides the parameters to checkpoint. model.Model implements it.
type Source interface {
	StateDict() (model.Params, error)
}

// Config for the checkpoints Handler to be created. Created with Build,
// configured with the various methods, finalized with Done.
type Config struct {
	dir     string
	runName string
	err     error
}

// Build a configuration for a checkpoints.Handler.
func Build() *Config {
	return &Config{}
}

// Dir sets the directory where checkpoints are written. The directory is not
// created here: it is created lazily on the first periodic save.
func (c *Config) Dir(dir string) *Config {
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint path %q exists but is not a directory", dir))
		return c
	}
	c.dir = dir
	return c
}

// RunName prefixes checkpoint file names with the run name, lower-cased and
// with spaces replaced by underscores. When set, best checkpoints are
// run-named and symlinked from best_model.pth; when empty, the best
// checkpoint is the fixed best_model.pth itself.
func (c *Config) RunName(name string) *Config {
	c.runName = strings.ToLower(strings.ReplaceAll(name, " ", "_"))
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Done creates a Handler with the current configuration.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	return &Handler{dir: c.dir, runName: c.runName}, nil
}

// Handler writes checkpoints and maintains the latest/best symlinks. It is
// owned by the single training thread; it is not safe for concurrent
// multi-process runs targeting the same directory.
type Handler struct {
	dir     string
	runName string
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.dir)
}

// Dir returns the directory the Handler writes to.
func (h *Handler) Dir() string { return h.dir }

// prefixed prepends the run name to a checkpoint file name, if one was set.
func (h *Handler) prefixed(name string) string {
	if h.runName == "" {
		return name
	}
	return h.runName + "_" + name
}

// SaveBest writes a best-model checkpoint. With a run name it writes
// "<run>_best_model.pth" and force-updates the best_model.pth symlink;
// without one it writes the fixed best_model.pth directly.
//
// It assumes the checkpoint directory already exists.
func (h *Handler) SaveBest(src Source) (string, error) {
	name := h.prefixed(BestLink)
	path := filepath.Join(h.dir, name)
	if err := h.write(path, src); err != nil {
		return "", err
	}
	if h.runName != "" {
		if err := Symlink(name, filepath.Join(h.dir, BestLink)); err != nil {
			return "", err
		}
	}
	return path, nil
}

// SavePeriodic writes the timestamped checkpoint of the given epoch
// (0-based) and force-updates the latest.pth symlink. The checkpoint
// directory is created if missing.
func (h *Handler) SavePeriodic(src Source, epoch int) (string, error) {
	if err := os.MkdirAll(h.dir, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "%s: failed to create checkpoint directory", h)
	}
	name := h.prefixed(fmt.Sprintf("%depoch_%s%s", epoch+1, time.Now().Format(timeLayout), checkpointSuffix))
	path := filepath.Join(h.dir, name)
	if err := h.write(path, src); err != nil {
		return "", err
	}
	if err := Symlink(name, filepath.Join(h.dir, LatestLink)); err != nil {
		return "", err
	}
	return path, nil
}

// serializedParam describes one parameter's location within the blob.
type serializedParam struct {
	Name  string
	Dims  []int
	DType string

	// Pos, Length in bytes within the data section.
	Pos, Length int
}

// write serializes the source's state dict to path: a length-prefixed JSON
// header describing the parameters, followed by their raw data.
func (h *Handler) write(path string, src Source) error {
	params, err := src.StateDict()
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to read model state", h)
	}
	header := make([]serializedParam, 0, len(params))
	pos := 0
	for _, p := range params {
		header = append(header, serializedParam{
			Name:   p.Name,
			Dims:   p.Dims,
			DType:  p.DType,
			Pos:    pos,
			Length: len(p.Data),
		})
		pos += len(p.Data)
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to encode checkpoint header", h)
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint file %s", h, path)
	}
	if err = binary.Write(f, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "%s: failed to write checkpoint file %s", h, path)
	}
	written := int64(8 + len(headerJSON))
	if _, err = f.Write(headerJSON); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "%s: failed to write checkpoint file %s", h, path)
	}
	for _, p := range params {
		n, err := f.Write(p.Data)
		if err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "%s: failed to write parameter %s to %s", h, p.Name, path)
		}
		if n != len(p.Data) {
			_ = f.Close()
			return errors.Errorf("%s: short write for parameter %s -- %d bytes requested, %d written",
				h, p.Name, len(p.Data), n)
		}
		written += int64(n)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint file %s", h, path)
	}
	klog.V(1).Infof("Saved checkpoint %s (%s)", path, humanize.Bytes(uint64(written)))
	return nil
}

var epochCheckpointRegex = regexp.MustCompile(`(\d+)epoch_\d{6}_\d{6}\.pth$`)

// ListCheckpoints returns the file names of the periodic checkpoints in the
// directory, ordered by epoch.
func (h *Handler) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed listing checkpoints", h)
	}
	type epochFile struct {
		epoch int
		name  string
	}
	var found []epochFile
	for _, entry := range entries {
		if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			continue
		}
		matches := epochCheckpointRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		epoch, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		found = append(found, epochFile{epoch: epoch, name: entry.Name()})
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].epoch != found[j].epoch {
			return found[i].epoch < found[j].epoch
		}
		return found[i].name < found[j].name
	})
	names := make([]string, len(found))
	for i, f := range found {
		names[i] = f.name
	}
	return names, nil
}

// Symlink creates or replaces a symbolic link at linkName pointing at
// target: an idempotent pointer update. If the link already exists, the
// stale link is removed and creation retried once. Any other failure
// propagates.
func Symlink(target, linkName string) error {
	err := os.Symlink(target, linkName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrExist) {
		return errors.Wrapf(err, "failed to symlink %q -> %q", linkName, target)
	}
	if err = os.Remove(linkName); err != nil {
		return errors.Wrapf(err, "failed to remove stale symlink %q", linkName)
	}
	if err = os.Symlink(target, linkName); err != nil {
		return errors.Wrapf(err, "failed to symlink %q -> %q", linkName, target)
	}
	return nil
}
