//go:build linux

package nsbox

// This file implements the Host Probe (spec.md §4.1): a set of cheap,
// best-effort queries about the running host. Every probe here is meant to
// be safe to call often; unreadable kernel tables demote to empty results
// rather than errors (spec.md §4.1 "Failure semantics"), mirroring how the
// teacher treats its own filesystem planning as best-effort where possible
// (sandbox/dns.go, for example, returns nil rather than erroring when
// /etc/resolv.conf isn't a symlink).

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// HostProbe groups the host-introspection operations of spec.md §4.1. The
// zero value is ready to use; it carries no state.
type HostProbe struct{}

// Uid returns the current real user id.
func (HostProbe) Uid() int { return os.Getuid() }

// Gid returns the current real group id.
func (HostProbe) Gid() int { return os.Getgid() }

// KernelVersion is a parsed (major, minor, patch) triple.
type KernelVersion struct {
	Major, Minor, Patch int
}

func (v KernelVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

var kernelVersionTriple = regexp.MustCompile(`^([0-9]+)\.([0-9]+)\.([0-9]+)$`)

// KernelVersion reads the kernel release (the third field of uname, i.e.
// unix.Utsname.Release) and parses it into a (major, minor, patch) triple.
//
// The release string often carries a distro-specific suffix (e.g.
// "6.18.5-fc-v18"). The parse strategy is to attempt a strict X.Y.Z match
// against progressively shorter prefixes of the string, starting from the
// whole string and stopping once the candidate would be shorter than 5
// characters (the minimum length of a well-formed "X.Y.Z" triple). The first
// prefix that parses wins.
//
// Returns false if no prefix of the release string parses as X.Y.Z.
func (HostProbe) KernelVersion() (KernelVersion, bool) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return KernelVersion{}, false
	}

	release := cstring(uts.Release[:])

	return parseKernelVersionPrefix(release)
}

func parseKernelVersionPrefix(release string) (KernelVersion, bool) {
	for end := len(release); end >= 5; end-- {
		candidate := release[:end]

		m := kernelVersionTriple.FindStringSubmatch(candidate)
		if m == nil {
			continue
		}

		major, err1 := strconv.Atoi(m[1])
		minor, err2 := strconv.Atoi(m[2])
		patch, err3 := strconv.Atoi(m[3])

		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}

		return KernelVersion{Major: major, Minor: minor, Patch: patch}, true
	}

	return KernelVersion{}, false
}

func cstring(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}

	return string(b[:i])
}

// MountEntry is one row of the kernel's live mount table.
type MountEntry struct {
	// MountPoint is canonicalized to end with "/".
	MountPoint string
	FSType     string
}

const procMountsPath = "/proc/mounts"

// Mounts reads the kernel's mount table. Each mount point is canonicalized to
// end with "/" (so prefix comparisons in IsEncrypted don't need to
// special-case the root mount). Returns an empty slice, not an
// error, if the table can't be read (spec.md §4.1).
func (HostProbe) Mounts() []MountEntry {
	f, err := os.Open(procMountsPath)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var out []MountEntry

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// Format (fstab-like, see proc(5)): device mountpoint fstype options dump pass
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}

		mountPoint := unescapeProcField(fields[1])
		if !strings.HasSuffix(mountPoint, "/") {
			mountPoint += "/"
		}

		out = append(out, MountEntry{MountPoint: mountPoint, FSType: fields[2]})
	}

	if sc.Err() != nil {
		return nil
	}

	return out
}

// unescapeProcField reverses the octal escaping /proc/mounts applies to
// spaces, tabs, backslashes and newlines in paths (e.g. "\040" for a space).
func unescapeProcField(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}

	var b strings.Builder

	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseInt(s[i+1:i+4], 8, 16); err == nil {
				b.WriteByte(byte(n))
				i += 3

				continue
			}
		}

		b.WriteByte(s[i])
	}

	return b.String()
}

const procModulesPath = "/proc/modules"

// LoadedModules returns the names of modules in the kernel's "Live" state,
// parsed from /proc/modules. Returns nil, not an error, if the table can't be
// read.
func (HostProbe) LoadedModules() []string {
	f, err := os.Open(procModulesPath)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var out []string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// Format: name size refcount deps state address
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}

		if fields[4] != "Live" {
			continue
		}

		out = append(out, fields[0])
	}

	if sc.Err() != nil {
		return nil
	}

	return out
}

// IsEncrypted reports whether path lives under an ecryptfs mount, and the
// mount point that covers it.
//
// path is canonicalized first (realpathStem, with a trailing "/" added if it
// names a directory). The longest mount-point prefix of the canonicalized
// path is found in Mounts(); IsEncrypted is true iff that mount's fstype is
// "ecryptfs". If no mount covers path (e.g. inside a chroot with an
// unpopulated mount table), it returns (false, path).
func (h HostProbe) IsEncrypted(path string) (bool, string) {
	canonical, err := h.realpathStemFor(path)
	if err != nil {
		canonical = filepath.Clean(path)
	}

	withSlash := canonical
	if info, statErr := os.Stat(canonical); statErr == nil && info.IsDir() && !strings.HasSuffix(withSlash, "/") {
		withSlash += "/"
	}

	best := ""
	bestFS := ""

	for _, m := range h.Mounts() {
		if strings.HasPrefix(withSlash, m.MountPoint) && len(m.MountPoint) > len(best) {
			best = m.MountPoint
			bestFS = m.FSType
		}
	}

	if best == "" {
		return false, path
	}

	return bestFS == "ecryptfs", best
}

func (h HostProbe) realpathStemFor(path string) (string, error) {
	return realpathStem(path)
}

// realpathStem returns the canonical form of path with symlinks resolved,
// tolerating a non-existent leaf component.
//
// If path exists, it delegates to filepath.EvalSymlinks. Otherwise it splits
// path into dir+leaf, recursively resolves dir, and rejoins leaf. It fails
// only if the recursion reaches a path whose split no longer shrinks it (the
// filesystem root with no existing parent).
func realpathStem(path string) (string, error) {
	clean := filepath.Clean(path)

	if _, err := os.Lstat(clean); err == nil {
		resolved, err := filepath.EvalSymlinks(clean)
		if err != nil {
			return "", fmt.Errorf("nsbox: resolve symlinks in %q: %w", clean, err)
		}

		return resolved, nil
	}

	dir, leaf := filepath.Split(clean)
	dir = filepath.Clean(dir)

	if dir == clean {
		return "", fmt.Errorf("nsbox: realpathStem: %q does not exist and has no resolvable parent", path)
	}

	resolvedDir, err := realpathStem(dir)
	if err != nil {
		return "", err
	}

	return filepath.Join(resolvedDir, leaf), nil
}
