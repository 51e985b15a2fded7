package xlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"

	"memstone/vclock"
)

const (
	snapSuffix       = ".snap"
	inprogressSuffix = ".snap.inprogress"
)

// Dir manages the snapshot directory: filename derivation, the ordered set
// of known checkpoints, and cleanup of abandoned in-progress files.
//
// Thread-safety: Dir is confined to the database owner; only cursor and
// writer objects it hands out may cross threads.
type Dir struct {
	path         string
	instanceUUID uuid.UUID
	logger       *slog.Logger

	// Known checkpoints ordered by signature.
	clocks *btree.BTreeG[*vclock.Clock]
}

// NewDir creates a Dir rooted at path. The directory is created if absent.
func NewDir(path string, instanceUUID uuid.UUID, logger *slog.Logger) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &Dir{
		path:         path,
		instanceUUID: instanceUUID,
		logger:       logger,
		clocks: btree.NewG[*vclock.Clock](8, func(a, b *vclock.Clock) bool {
			return a.Sum() < b.Sum()
		}),
	}, nil
}

// Path returns the directory path.
func (d *Dir) Path() string { return d.path }

// InstanceUUID returns the UUID stamped into files written through this Dir.
// Scan replaces it with the UUID of the newest snapshot found on disk.
func (d *Dir) InstanceUUID() uuid.UUID { return d.instanceUUID }

// FormatFilename derives the file name for a signature.
func (d *Dir) FormatFilename(signature int64, inprogress bool) string {
	suffix := snapSuffix
	if inprogress {
		suffix = inprogressSuffix
	}
	return filepath.Join(d.path, fmt.Sprintf("%020d%s", signature, suffix))
}

// Scan reads the directory and rebuilds the checkpoint set from the
// snapshot files present on disk.
func (d *Dir) Scan() error {
	matches, err := filepath.Glob(filepath.Join(d.path, "*"+snapSuffix))
	if err != nil {
		return err
	}
	d.clocks.Clear(false)

	var newestSig int64 = -1
	for _, path := range matches {
		base := filepath.Base(path)
		sigStr := strings.TrimSuffix(base, snapSuffix)
		sig, err := strconv.ParseInt(sigStr, 10, 64)
		if err != nil {
			d.logger.Warn("Skipping unrecognized snapshot file", "file", base)
			continue
		}

		cursor, err := OpenCursor(path)
		if err != nil {
			return fmt.Errorf("xlog: scan %s: %w", base, err)
		}
		clock := vclock.FromComponents(cursor.Meta.VClock)
		instanceUUID := cursor.Meta.InstanceUUID
		cursor.Close()

		if clock.Sum() != sig {
			return fmt.Errorf("xlog: %s: filename signature %d does not match vclock %s",
				base, sig, clock)
		}
		d.clocks.ReplaceOrInsert(clock)

		if sig > newestSig {
			newestSig = sig
			if parsed, err := uuid.Parse(instanceUUID); err == nil {
				d.instanceUUID = parsed
			}
		}
	}
	return nil
}

// Len returns the number of known checkpoints.
func (d *Dir) Len() int { return d.clocks.Len() }

// LastVClock returns the newest known checkpoint.
func (d *Dir) LastVClock() (*vclock.Clock, bool) {
	return d.clocks.Max()
}

// ContainsSignature reports whether a checkpoint with the signature exists.
func (d *Dir) ContainsSignature(signature int64) bool {
	probe := signatureProbe(signature)
	_, ok := d.clocks.Get(probe)
	return ok
}

// AddVClock registers a checkpoint.
func (d *Dir) AddVClock(clock *vclock.Clock) {
	d.clocks.ReplaceOrInsert(clock.Copy())
}

// Each calls fn for every known checkpoint in signature order.
func (d *Dir) Each(fn func(*vclock.Clock) bool) {
	d.clocks.Ascend(fn)
}

// CreateWriter opens the in-progress file for the given checkpoint.
func (d *Dir) CreateWriter(clock *vclock.Clock, opts WriterOpts) (*Writer, error) {
	meta := FileMeta{
		InstanceUUID: d.instanceUUID.String(),
		VClock:       clock.Components(),
	}
	return Create(d.FormatFilename(clock.Sum(), true), meta, opts)
}

// OpenCursor opens the snapshot with the given signature.
func (d *Dir) OpenCursor(signature int64) (*Cursor, error) {
	return OpenCursor(d.FormatFilename(signature, false))
}

// Touch updates the mtime of an existing snapshot. No content verification
// is performed.
func (d *Dir) Touch(clock *vclock.Clock) error {
	now := time.Now()
	return os.Chtimes(d.FormatFilename(clock.Sum(), false), now, now)
}

// Finalize renames the in-progress file to its final name.
func (d *Dir) Finalize(signature int64) error {
	return os.Rename(d.FormatFilename(signature, true),
		d.FormatFilename(signature, false))
}

// RemoveInprogress unlinks the in-progress file for a signature.
// Best-effort: a missing file is not an error.
func (d *Dir) RemoveInprogress(signature int64) {
	path := d.FormatFilename(signature, true)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("Failed to remove in-progress snapshot", "file", path, "err", err)
	}
}

// CollectInprogress removes abandoned *.inprogress files left over from a
// crash or an aborted checkpoint.
func (d *Dir) CollectInprogress() {
	matches, err := filepath.Glob(filepath.Join(d.path, "*"+inprogressSuffix))
	if err != nil {
		return
	}
	for _, path := range matches {
		d.logger.Info("Collecting abandoned in-progress snapshot", "file", filepath.Base(path))
		if err := os.Remove(path); err != nil {
			d.logger.Warn("Failed to remove in-progress snapshot", "file", path, "err", err)
		}
	}
}

// CollectGarbage removes snapshots older than the signature and returns the
// signatures removed.
func (d *Dir) CollectGarbage(beforeSignature int64) []int64 {
	var victims []*vclock.Clock
	d.clocks.AscendLessThan(signatureProbe(beforeSignature), func(c *vclock.Clock) bool {
		victims = append(victims, c)
		return true
	})

	removed := make([]int64, 0, len(victims))
	for _, c := range victims {
		sig := c.Sum()
		path := d.FormatFilename(sig, false)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			d.logger.Warn("Failed to remove old snapshot", "file", path, "err", err)
			continue
		}
		d.clocks.Delete(c)
		removed = append(removed, sig)
		d.logger.Info("Removed old snapshot", "signature", sig)
	}
	return removed
}

// signatureProbe builds a clock whose signature equals the argument, for
// btree lookups (the set is ordered by signature alone).
func signatureProbe(signature int64) *vclock.Clock {
	probe := vclock.New()
	probe.Follow(0, signature)
	return probe
}
