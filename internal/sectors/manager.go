package sectors

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/distsys-edu/atomicdrive/internal/logger"
	"github.com/distsys-edu/atomicdrive/internal/wire"
)

// NumWorkers is the fixed number of sector-owning workers in a process.
// Sector ownership and sharding throughout the process is by
// `sector_idx mod NumWorkers`.
const NumWorkers = 16

type entry struct {
	ts       uint64
	wr       uint8
	filename string
}

type shard struct {
	mu    sync.RWMutex
	index map[uint64]entry
}

// Manager is the sector storage engine: durable (ts, wr, data) triples on
// a POSIX filesystem, with an in-memory metadata index sharded by
// sector_idx mod NumWorkers so that concurrent access to different shards
// never contends on the same lock.
type Manager struct {
	dir    string
	shards [NumWorkers]*shard
}

// NewManager scans dir synchronously, deletes any tmpfile* left behind by
// an interrupted write, keeps only the maximum-(ts,wr) file per sector
// index, and rebuilds the sharded in-memory index. The scan must complete
// before the process starts accepting connections (spec.md's Design
// Notes require the startup scan to run before the listener binds).
func NewManager(dir string) (*Manager, error) {
	m := &Manager{dir: dir}
	for i := range m.shards {
		m.shards[i] = &shard{index: make(map[uint64]entry)}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sectors: read dir %s: %w", dir, err)
	}

	deletedAny := false
	for _, de := range entries {
		name := de.Name()
		if len(name) >= len(tmpfilePrefix) && name[:len(tmpfilePrefix)] == tmpfilePrefix {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return nil, fmt.Errorf("sectors: remove stale tmpfile %s: %w", name, err)
			}
			deletedAny = true
			continue
		}

		sectorIdx, ts, wr, ok := DecodeFilename(name)
		if !ok {
			continue
		}
		sh := m.shardFor(sectorIdx)
		current, exists := sh.index[sectorIdx]
		if !exists || lessPair(current.ts, current.wr, ts, wr) {
			if exists {
				if err := os.Remove(filepath.Join(dir, current.filename)); err != nil {
					return nil, fmt.Errorf("sectors: remove superseded file %s: %w", current.filename, err)
				}
				deletedAny = true
			}
			sh.index[sectorIdx] = entry{ts: ts, wr: wr, filename: name}
		} else {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return nil, fmt.Errorf("sectors: remove superseded file %s: %w", name, err)
			}
			deletedAny = true
		}
	}

	if deletedAny {
		if err := fsyncDir(dir); err != nil {
			return nil, fmt.Errorf("sectors: fsync dir after startup scan: %w", err)
		}
	}

	logger.Info("sectors manager startup scan complete", logger.StorageKey(dir))
	return m, nil
}

func (m *Manager) shardFor(sectorIdx uint64) *shard {
	return m.shards[sectorIdx%NumWorkers]
}

func lessPair(ts1 uint64, wr1 uint8, ts2 uint64, wr2 uint8) bool {
	if ts1 != ts2 {
		return ts1 < ts2
	}
	return wr1 < wr2
}

// ReadMetadata returns the (ts, wr) pair stored for sectorIdx, or (0, 0)
// if the sector has never been written.
func (m *Manager) ReadMetadata(sectorIdx uint64) (ts uint64, wr uint8) {
	sh := m.shardFor(sectorIdx)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.index[sectorIdx]
	if !ok {
		return 0, 0
	}
	return e.ts, e.wr
}

// ReadData returns the 4096-byte payload stored for sectorIdx, or all
// zeros if the sector has never been written. It panics if the on-disk
// file is not exactly wire.SectorSize bytes — invariant I5 guarantees this
// never happens for a file that passed through Write, so a violation here
// means on-disk corruption outside this process's control.
func (m *Manager) ReadData(sectorIdx uint64) ([]byte, error) {
	sh := m.shardFor(sectorIdx)
	sh.mu.RLock()
	e, ok := sh.index[sectorIdx]
	filename := e.filename
	sh.mu.RUnlock()

	if !ok {
		return make([]byte, wire.SectorSize), nil
	}

	data, err := os.ReadFile(filepath.Join(m.dir, filename))
	if err != nil {
		return nil, fmt.Errorf("sectors: read %s: %w", filename, err)
	}
	if len(data) != wire.SectorSize {
		panic(fmt.Sprintf("sectors: invariant violated: %s holds %d bytes, want %d", filename, len(data), wire.SectorSize))
	}
	return data, nil
}

// Write durably replaces the triple stored for sectorIdx, following the
// exact write/fsync/rename sequence required for crash-atomicity: write to
// a tmpfile, fsync it, fsync the directory, rename into place, open and
// fsync the destination, unlink the old file if its name differs, fsync
// the directory again, and only then update the in-memory index — so a
// concurrent reader of the same shard never observes a dangling filename.
func (m *Manager) Write(sectorIdx uint64, data []byte, ts uint64, wr uint8) error {
	if len(data) != wire.SectorSize {
		return fmt.Errorf("sectors: write: expected %d-byte sector, got %d", wire.SectorSize, len(data))
	}

	newName := EncodeFilename(sectorIdx, ts, wr)
	newPath := filepath.Join(m.dir, newName)
	tmpPath := filepath.Join(m.dir, tmpFilenameFor(newName))

	sh := m.shardFor(sectorIdx)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	oldEntry, hadOld := sh.index[sectorIdx]

	if err := writeFileFsync(tmpPath, data); err != nil {
		return fmt.Errorf("sectors: write tmpfile: %w", err)
	}
	if err := fsyncDir(m.dir); err != nil {
		return fmt.Errorf("sectors: fsync dir before rename: %w", err)
	}
	if err := os.Rename(tmpPath, newPath); err != nil {
		return fmt.Errorf("sectors: rename into place: %w", err)
	}
	if err := fsyncFile(newPath); err != nil {
		return fmt.Errorf("sectors: fsync destination: %w", err)
	}
	if hadOld && oldEntry.filename != newName {
		if err := os.Remove(filepath.Join(m.dir, oldEntry.filename)); err != nil {
			return fmt.Errorf("sectors: remove superseded file %s: %w", oldEntry.filename, err)
		}
	}
	if err := fsyncDir(m.dir); err != nil {
		return fmt.Errorf("sectors: fsync dir after rename: %w", err)
	}

	sh.index[sectorIdx] = entry{ts: ts, wr: wr, filename: newName}
	logger.Debug("sector written", logger.SectorIdx(sectorIdx), logger.Timestamp(ts), logger.WriteRank(wr))
	return nil
}

func writeFileFsync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func fsyncFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return unix.Fsync(int(f.Fd()))
}
