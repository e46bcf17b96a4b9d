package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/m4xw311/acpclient/config"
	"github.com/m4xw311/acpclient/errors"
)

var (
	ErrAccessDenied = errors.Sentinel("access denied")
	ErrNotFound     = errors.Sentinel("file not found")
)

// FS gives the agent access to files under a root directory, subject to the
// configured hidden and read-only glob patterns. Patterns are matched
// against the path relative to the root and against the absolute path,
// both as given and with symlinks resolved.
type FS struct {
	root     string
	realRoot string
	access   config.FilesystemAccess
}

// New returns an FS rooted at root.
func New(root string, access config.FilesystemAccess) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve workspace root %s", root)
	}
	for _, p := range append(append([]string{}, access.Hidden...), access.ReadOnly...) {
		if !doublestar.ValidatePattern(p) {
			return nil, errors.New("invalid glob pattern '%s'", p)
		}
	}
	realRoot, err := evalExisting(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve workspace root %s", root)
	}
	return &FS{root: abs, realRoot: realRoot, access: access}, nil
}

func (f *FS) Root() string { return f.root }

// target is a path inside the workspace.
type target struct {
	abs, rel      string
	real, realRel string
}

// restricted checks if the target matches any of the glob patterns.
func (t target) restricted(patterns []string) bool {
	return isPathRestricted(t.abs, t.rel, patterns) || isPathRestricted(t.real, t.realRel, patterns)
}

// resolve cleans path, resolving relative paths against the root. Paths
// outside the root are denied, including paths that only leave it through
// a symlink.
func (f *FS) resolve(path string) (target, error) {
	if path == "" {
		return target{}, errors.New("empty path")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.root, path)
	}
	t := target{abs: filepath.Clean(path)}
	var (
		ok  bool
		err error
	)
	if t.rel, ok = within(f.root, t.abs); !ok {
		return target{}, errors.Wrapk(ErrAccessDenied, nil, "path '%s' is outside the workspace", path)
	}
	if t.real, err = evalExisting(t.abs); err != nil {
		return target{}, errors.Wrapf(err, "resolve '%s'", path)
	}
	if t.realRel, ok = within(f.realRoot, t.real); !ok {
		return target{}, errors.Wrapk(ErrAccessDenied, nil, "path '%s' links outside the workspace", path)
	}
	return t, nil
}

// within returns path relative to root, and whether it lies inside root.
func within(root, path string) (string, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// maxLinks bounds how many dangling symlinks evalExisting follows.
const maxLinks = 40

// evalExisting resolves symlinks in the longest existing prefix of path and
// appends the part that does not exist yet. A dangling symlink is followed
// to where it points.
func evalExisting(path string) (string, error) {
	for range maxLinks {
		p, rest := path, ""
		for {
			_, err := os.Lstat(p)
			if err == nil {
				break
			}
			if !os.IsNotExist(err) {
				return "", err
			}
			parent := filepath.Dir(p)
			if parent == p {
				return path, nil
			}
			rest = filepath.Join(filepath.Base(p), rest)
			p = parent
		}
		resolved, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		dest, err := os.Readlink(p)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(filepath.Dir(p), dest)
		}
		path = filepath.Join(dest, rest)
	}
	return "", errors.New("too many links resolving '%s'", path)
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(abs, rel string, patterns []string) bool {
	for _, pattern := range patterns {
		if match, _ := doublestar.Match(pattern, rel); match {
			return true
		}
		if match, _ := doublestar.Match(pattern, filepath.ToSlash(abs)); match {
			return true
		}
	}
	return false
}

func (f *FS) checkRead(path string) (target, error) {
	t, err := f.resolve(path)
	if err != nil {
		return target{}, err
	}
	if t.restricted(f.access.Hidden) {
		return target{}, errors.Wrapk(ErrAccessDenied, nil, "path '%s' is hidden", path)
	}
	return t, nil
}

// ReadTextFile returns the contents of path. line, when positive, is the
// 1-based line to start from; limit, when positive, caps the number of
// lines returned.
func (f *FS) ReadTextFile(path string, line, limit int) (string, error) {
	t, err := f.checkRead(path)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(t.real)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Wrapk(ErrNotFound, err, "'%s'", path)
		}
		return "", errors.Wrapf(err, "failed to read file '%s'", path)
	}
	if line <= 1 && limit <= 0 {
		return string(content), nil
	}

	lines := strings.SplitAfter(string(content), "\n")
	start := max(line-1, 0)
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], ""), nil
}

// WriteTextFile replaces the contents of path, creating it and its parent
// directories if needed.
func (f *FS) WriteTextFile(path, content string) error {
	t, err := f.checkRead(path)
	if err != nil {
		return err
	}
	if t.restricted(f.access.ReadOnly) {
		return errors.Wrapk(ErrAccessDenied, nil, "path '%s' is read-only", path)
	}
	if err := os.MkdirAll(filepath.Dir(t.real), 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory for '%s'", path)
	}
	if err := os.WriteFile(t.real, []byte(content), 0644); err != nil {
		return errors.Wrapf(err, "failed to write to file '%s'", path)
	}
	return nil
}
