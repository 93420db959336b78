//go:build linux

package nsbox

// This file implements the Persistence Directory Manager (spec.md §4.6): per
// executor instance, a PersistenceKey -> (upper, work) table.
//
// For persist=true entries this module keeps the table durable across
// process restarts (not just across Run calls within one Executor instance)
// using a small go.etcd.io/bbolt index file under the selected
// PersistenceRoot -- a supplement to spec.md's minimum lifetime requirement,
// grounded on HQarroum-microbox's use of bbolt for small keyed local state.
// For persist=false entries, directories live under a freshly created
// tmpfs-backed workspace that is replaced by a fresh one on the next lookup
// for the same key and discarded on Release, in the spirit of the
// teacher's newRoBindDataBackingFile "prefer the ephemeral, in-memory-ish
// option, fall back to a plain temp file" idiom (sandbox/command.go).
import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	bolt "go.etcd.io/bbolt"
)

// PersistenceKey identifies a persistence slot, derived from
// (rootfsHostPath, sandboxMountPoint). The same pair always derives the same
// key.
type PersistenceKey string

// NewPersistenceKey derives a PersistenceKey from a rootfs host path and the
// sandbox mount point whose overlay state is being tracked.
func NewPersistenceKey(rootfsHostPath, sandboxMountPoint string) PersistenceKey {
	sum := sha256.Sum256([]byte(rootfsHostPath + "\x00" + sandboxMountPoint))

	return PersistenceKey(hex.EncodeToString(sum[:])[:32])
}

// WorkspaceDirs is the (upper, work) pair backing one overlay mount.
type WorkspaceDirs struct {
	Upper string
	Work  string
}

const persistenceBucketName = "dirs"

// PersistenceDirManager maintains PersistenceKey -> WorkspaceDirs for one
// Executor instance, per spec.md §4.6.
type PersistenceDirManager struct {
	root *PersistenceRoot

	mu       sync.Mutex
	db       *bolt.DB
	dbPath   string
	keyLocks map[PersistenceKey]*sync.Mutex
	ephemeral map[PersistenceKey]ephemeralWorkspace
}

type ephemeralWorkspace struct {
	dirs        WorkspaceDirs
	tmpfsMount  string
	tmpfsActive bool
}

// NewPersistenceDirManager returns a manager for root. It does not open the
// durable index: the index file lives at "<root>/.nsbox-persist.db" and is
// opened (created if necessary) lazily, on the first persist=true lookup, so
// that executors that never request
// a persistent overlay never touch the filesystem for this.
func NewPersistenceDirManager(root *PersistenceRoot) *PersistenceDirManager {
	return &PersistenceDirManager{
		root:      root,
		dbPath:    filepath.Join(root.Path, ".nsbox-persist.db"),
		keyLocks:  make(map[PersistenceKey]*sync.Mutex),
		ephemeral: make(map[PersistenceKey]ephemeralWorkspace),
	}
}

// lockFor returns (creating if needed) the per-key mutex serializing
// directory creation and lookups for key, per spec.md §5's "persistence
// directory creation ... serialized with respect to any run using the same
// key" guarantee.
func (m *PersistenceDirManager) lockFor(key PersistenceKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.keyLocks[key] = l
	}

	return l
}

// Dirs returns the (upper, work) pair for key. persist selects durable
// (bbolt-indexed, under the persistence root) vs ephemeral (tmpfs-backed,
// discarded on Release) storage. A durable pair is created on first use and
// returned again on later lookups; an ephemeral pair is fresh on every
// lookup, the previous one for key being released first. tmpfsSize is only
// consulted for ephemeral entries (0 means "let the kernel pick a default").
func (m *PersistenceDirManager) Dirs(key PersistenceKey, persist bool, tmpfsSize int64) (WorkspaceDirs, error) {
	lock := m.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if persist {
		return m.durableDirs(key)
	}

	return m.ephemeralDirs(key, tmpfsSize)
}

func (m *PersistenceDirManager) durableDirs(key PersistenceKey) (WorkspaceDirs, error) {
	db, err := m.openDB()
	if err != nil {
		return WorkspaceDirs{}, hostErrorf("persistence directory manager", "open index at %q: %v", m.dbPath, err)
	}

	var dirs WorkspaceDirs

	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(persistenceBucketName))
		if err != nil {
			return err
		}

		if existing := bucket.Get([]byte(key)); existing != nil {
			upper, work, ok := splitWorkspaceValue(existing)
			if ok {
				if dirsExist(upper, work) {
					dirs = WorkspaceDirs{Upper: upper, Work: work}
					return nil
				}
				// Fall through: recreate directories that were pruned out of
				// band (spec.md §4.6 permits the host application to prune
				// the persistence root between invocations).
			}
		}

		upper, work, err := createWorkspaceDirs(m.root, string(key))
		if err != nil {
			return err
		}

		dirs = WorkspaceDirs{Upper: upper, Work: work}

		return bucket.Put([]byte(key), encodeWorkspaceValue(upper, work))
	})
	if err != nil {
		return WorkspaceDirs{}, hostErrorf("persistence directory manager", "record workspace for key %q: %v", key, err)
	}

	return dirs, nil
}

func (m *PersistenceDirManager) ephemeralDirs(key PersistenceKey, tmpfsSize int64) (WorkspaceDirs, error) {
	if existing, ok := m.ephemeral[key]; ok {
		delete(m.ephemeral, key)

		if err := releaseEphemeralWorkspace(existing); err != nil {
			return WorkspaceDirs{}, hostErrorf("persistence directory manager", "release previous ephemeral workspace for key %q: %v", key, err)
		}
	}

	entry, err := newEphemeralWorkspace(tmpfsSize)
	if err != nil {
		return WorkspaceDirs{}, hostErrorf("persistence directory manager", "create ephemeral workspace for key %q: %v", key, err)
	}

	m.ephemeral[key] = entry

	return entry.dirs, nil
}

// Release tears down every ephemeral workspace created by this manager.
// Durable (persist=true) directories are left in place; spec.md §4.6 makes
// pruning those the host application's responsibility.
func (m *PersistenceDirManager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for key, entry := range m.ephemeral {
		if err := releaseEphemeralWorkspace(entry); err != nil {
			errs = append(errs, fmt.Errorf("release ephemeral workspace %q: %w", key, err))
		}
	}

	m.ephemeral = make(map[PersistenceKey]ephemeralWorkspace)

	if m.db != nil {
		if err := m.db.Close(); err != nil {
			errs = append(errs, err)
		}

		m.db = nil
	}

	return joinErrs(errs)
}

func (m *PersistenceDirManager) openDB() (*bolt.DB, error) {
	if m.db != nil {
		return m.db, nil
	}

	if err := os.MkdirAll(m.root.Path, 0o700); err != nil {
		return nil, err
	}

	db, err := bolt.Open(m.dbPath, 0o600, nil)
	if err != nil {
		return nil, err
	}

	m.db = db

	return db, nil
}

func createWorkspaceDirs(root *PersistenceRoot, key string) (upper, work string, err error) {
	upper, err = joinUnderPersistRoot(root, "persist", key, "upper")
	if err != nil {
		return "", "", err
	}

	work, err = joinUnderPersistRoot(root, "persist", key, "work")
	if err != nil {
		return "", "", err
	}

	if err := os.MkdirAll(upper, 0o700); err != nil {
		return "", "", fmt.Errorf("create upper dir %q: %w", upper, err)
	}

	if err := os.MkdirAll(work, 0o700); err != nil {
		return "", "", fmt.Errorf("create work dir %q: %w", work, err)
	}

	return upper, work, nil
}

func dirsExist(paths ...string) bool {
	for _, p := range paths {
		if info, err := os.Stat(p); err != nil || !info.IsDir() {
			return false
		}
	}

	return true
}

// newEphemeralWorkspace creates a fresh per-run directory, preferring an
// actual tmpfs mount (so overlay state never touches a persistent disk) and
// falling back to a plain temp directory when mounting tmpfs isn't permitted
// (e.g. no CAP_SYS_ADMIN outside a user namespace). Either way the directory
// is torn down by releaseEphemeralWorkspace.
func newEphemeralWorkspace(tmpfsSize int64) (ephemeralWorkspace, error) {
	base, err := os.MkdirTemp("", "nsbox-workspace-*")
	if err != nil {
		return ephemeralWorkspace{}, fmt.Errorf("create workspace staging dir: %w", err)
	}

	tmpfsActive := false

	opts := ""
	if tmpfsSize > 0 {
		opts = fmt.Sprintf("size=%d", tmpfsSize)
	}

	if err := unix.Mount("tmpfs", base, "tmpfs", 0, opts); err == nil {
		tmpfsActive = true
	}

	upper := filepath.Join(base, "upper")
	work := filepath.Join(base, "work")

	if err := os.MkdirAll(upper, 0o700); err != nil {
		_ = releaseEphemeralWorkspace(ephemeralWorkspace{tmpfsMount: base, tmpfsActive: tmpfsActive})
		return ephemeralWorkspace{}, fmt.Errorf("create upper dir: %w", err)
	}

	if err := os.MkdirAll(work, 0o700); err != nil {
		_ = releaseEphemeralWorkspace(ephemeralWorkspace{tmpfsMount: base, tmpfsActive: tmpfsActive})
		return ephemeralWorkspace{}, fmt.Errorf("create work dir: %w", err)
	}

	return ephemeralWorkspace{
		dirs:        WorkspaceDirs{Upper: upper, Work: work},
		tmpfsMount:  base,
		tmpfsActive: tmpfsActive,
	}, nil
}

func releaseEphemeralWorkspace(e ephemeralWorkspace) error {
	if e.tmpfsMount == "" {
		return nil
	}

	if e.tmpfsActive {
		_ = unix.Unmount(e.tmpfsMount, 0)
	}

	return os.RemoveAll(e.tmpfsMount)
}

func encodeWorkspaceValue(upper, work string) []byte {
	return []byte(upper + "\x00" + work)
}

func splitWorkspaceValue(v []byte) (upper, work string, ok bool) {
	for i, b := range v {
		if b == 0 {
			return string(v[:i]), string(v[i+1:]), true
		}
	}

	return "", "", false
}
