// Package store implements a file-backed DataManager (the persistent store
// contract of spec §6), using codec-based per-iteration files grounded on
// the teacher's persist package, and a metadata record grounded on the
// teacher's checkpoint.Manager fail-fast resume validation.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/weensemble/wedriver/pkg/driver"
	"github.com/weensemble/wedriver/pkg/particle"
	"github.com/weensemble/wedriver/pkg/persist"
	"github.com/weensemble/wedriver/pkg/resample"
)

// dirPerm is the permission mode for the run directory and its children.
const dirPerm = 0o750

// MetadataVersion is the current run-metadata format version.
const MetadataVersion = 1

// Sentinel errors for resume validation; a mismatch is a configuration
// error per spec §7 and the driver fails fast rather than attempting
// recovery.
var (
	ErrSystemDriverMismatch = errors.New("store: resumed run's system driver name does not match configuration")
	ErrSchemaVersionMismatch = errors.New("store: checkpoint schema version mismatch")
)

// Metadata records the identity of a run for fail-fast resume validation.
type Metadata struct {
	Version          int
	CurrentIteration int
	SystemDriverName string
}

// FileStore is a file-backed DataManager. The driver calls FlushBacking at
// each durable commit point named in spec §4.1; in FileStore it is a no-op,
// and writes are not fsynced.
type FileStore struct {
	dir   string
	codec persist.Codec

	meta Metadata
}

// Open creates or resumes a FileStore rooted at dir, validating that a
// resumed run's system driver name matches systemDriverName.
func Open(dir, systemDriverName string) (*FileStore, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("store: create run dir: %w", err)
	}

	fs := &FileStore{dir: dir, codec: persist.NewJSONCodec()}

	metaPath := fs.metadataPath()

	if _, err := os.Stat(metaPath); err == nil {
		if err := fs.loadMetadata(); err != nil {
			return nil, err
		}

		if fs.meta.Version != MetadataVersion {
			return nil, fmt.Errorf("%w: have=%d want=%d", ErrSchemaVersionMismatch, fs.meta.Version, MetadataVersion)
		}

		if fs.meta.SystemDriverName != systemDriverName {
			return nil, fmt.Errorf("%w: have=%q want=%q", ErrSystemDriverMismatch, fs.meta.SystemDriverName, systemDriverName)
		}

		return fs, nil
	}

	fs.meta = Metadata{Version: MetadataVersion, CurrentIteration: 0, SystemDriverName: systemDriverName}
	if err := fs.saveMetadata(); err != nil {
		return nil, err
	}

	return fs, nil
}

func (fs *FileStore) metadataPath() string {
	return filepath.Join(fs.dir, "run.json")
}

func (fs *FileStore) loadMetadata() error {
	data, err := os.ReadFile(fs.metadataPath())
	if err != nil {
		return fmt.Errorf("store: read metadata: %w", err)
	}

	if err := json.Unmarshal(data, &fs.meta); err != nil {
		return fmt.Errorf("store: unmarshal metadata: %w", err)
	}

	return nil
}

func (fs *FileStore) saveMetadata() error {
	data, err := json.MarshalIndent(fs.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}

	if err := os.WriteFile(fs.metadataPath(), data, 0o600); err != nil {
		return fmt.Errorf("store: write metadata: %w", err)
	}

	return nil
}

func (fs *FileStore) segmentsBasename(nIter int) string {
	return fmt.Sprintf("iter_%06d_segments", nIter)
}

func (fs *FileStore) summaryBasename(nIter int) string {
	return fmt.Sprintf("iter_%06d_summary", nIter)
}

func (fs *FileStore) binDataBasename(nIter int) string {
	return fmt.Sprintf("iter_%06d_bindata", nIter)
}

func (fs *FileStore) recyclingBasename(nIter int) string {
	return fmt.Sprintf("iter_%06d_recycling", nIter)
}

// CurrentIteration implements driver.DataManager.
func (fs *FileStore) CurrentIteration(context.Context) (int, error) {
	return fs.meta.CurrentIteration, nil
}

// SetCurrentIteration implements driver.DataManager.
func (fs *FileStore) SetCurrentIteration(_ context.Context, n int) error {
	fs.meta.CurrentIteration = n

	return fs.saveMetadata()
}

// GetSegments implements driver.DataManager.
func (fs *FileStore) GetSegments(_ context.Context, nIter int) ([]particle.Segment, error) {
	var segs []particle.Segment

	err := persist.LoadState(fs.dir, fs.segmentsBasename(nIter), fs.codec, &segs)
	if err != nil {
		return nil, fmt.Errorf("store: get segments iter=%d: %w", nIter, err)
	}

	return segs, nil
}

// UpdateSegments implements driver.DataManager.
func (fs *FileStore) UpdateSegments(_ context.Context, nIter int, segs []particle.Segment) error {
	if err := persist.SaveState(fs.dir, fs.segmentsBasename(nIter), fs.codec, segs); err != nil {
		return fmt.Errorf("store: update segments iter=%d: %w", nIter, err)
	}

	return nil
}

// GetIterSummary implements driver.DataManager.
func (fs *FileStore) GetIterSummary(_ context.Context, nIter int) (driver.IterSummary, error) {
	var summary driver.IterSummary

	err := persist.LoadState(fs.dir, fs.summaryBasename(nIter), fs.codec, &summary)
	if err != nil {
		return driver.IterSummary{}, fmt.Errorf("store: get iter summary iter=%d: %w", nIter, err)
	}

	return summary, nil
}

// UpdateIterSummary implements driver.DataManager.
func (fs *FileStore) UpdateIterSummary(_ context.Context, nIter int, s driver.IterSummary) error {
	if err := persist.SaveState(fs.dir, fs.summaryBasename(nIter), fs.codec, s); err != nil {
		return fmt.Errorf("store: update iter summary iter=%d: %w", nIter, err)
	}

	return nil
}

// binDataFile is the on-disk shape for per-bin counts and probabilities.
type binDataFile struct {
	Counts []int
	Probs  []float64
}

// WriteBinData implements driver.DataManager.
func (fs *FileStore) WriteBinData(_ context.Context, nIter int, counts []int, probs []float64) error {
	data := binDataFile{Counts: counts, Probs: probs}
	if err := persist.SaveState(fs.dir, fs.binDataBasename(nIter), fs.codec, data); err != nil {
		return fmt.Errorf("store: write bin data iter=%d: %w", nIter, err)
	}

	return nil
}

// WriteRecyclingData implements driver.DataManager.
func (fs *FileStore) WriteRecyclingData(_ context.Context, nIter int, recycleFrom map[int]resample.RecycleAgg) error {
	if err := persist.SaveState(fs.dir, fs.recyclingBasename(nIter), fs.codec, recycleFrom); err != nil {
		return fmt.Errorf("store: write recycling data iter=%d: %w", nIter, err)
	}

	return nil
}

// PrepareIteration implements driver.DataManager: it assigns dense seg_ids
// 0..K-1 to newSegs, stamps their n_iter, and persists them as the seed
// segments for nIter.
func (fs *FileStore) PrepareIteration(ctx context.Context, nIter int, newSegs []particle.Segment) error {
	dense := make([]particle.Segment, len(newSegs))

	for i, s := range newSegs {
		s.SegID = i
		s.NIter = nIter
		dense[i] = s
	}

	return fs.UpdateSegments(ctx, nIter, dense)
}

// FlushBacking implements driver.DataManager's durability barrier. Every
// write above already went through os.Create/os.WriteFile synchronously;
// this method exists as the named barrier the driver calls at each commit
// point, and is the extension point for an fsync-on-directory if the
// filesystem requires it.
func (fs *FileStore) FlushBacking(context.Context) error {
	return nil
}
