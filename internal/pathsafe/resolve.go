// Package pathsafe maps untrusted project and script names onto paths
// that are guaranteed to be direct children of a trusted base directory.
//
// The check is structural: after joining, the parent of the result must be
// identical to the base. A string prefix test would accept "base-evil" for
// "base" and cannot see through symlinks, so neither is used.
package pathsafe

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/SirClappington/jeeves/internal/domain"
)

// Target is a resolved execution target.
type Target struct {
	// Dir is the project directory, a direct child of the base.
	Dir string
	// Script is the executable, a direct child of Dir.
	Script string
}

// Resolve joins base with project and script and enforces containment.
// base must already be absolute and canonical.
func Resolve(base, project, script string) (Target, error) {
	dir, err := Child(base, project)
	if err != nil {
		return Target{}, err
	}
	fi, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Target{}, domain.Errorf(domain.KindProjectNotFound, "project %q does not exist", project)
	case err != nil:
		return Target{}, domain.NewError(domain.KindProjectNotFound, errors.Wrapf(err, "stat project %q", project))
	case !fi.IsDir():
		return Target{}, domain.Errorf(domain.KindProjectNotFound, "project %q is not a directory", project)
	}

	// Script existence is not required here: a missing script is an
	// execution failure, reported when the spawn fails.
	path, err := Child(dir, script)
	if err != nil {
		return Target{}, err
	}
	return Target{Dir: dir, Script: path}, nil
}

// Child returns the path of name inside parent when it is a direct child of
// parent, both lexically and after following symlinks. Existing paths are
// returned with symlinks resolved; a path that does not exist yet only gets
// the lexical check.
func Child(parent, name string) (string, error) {
	if name == "" {
		return "", domain.Errorf(domain.KindPathEscape, "empty name")
	}
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", domain.Errorf(domain.KindPathEscape, "absolute name %q", name)
	}
	joined := filepath.Join(parent, name)
	if filepath.Dir(joined) != parent {
		return "", domain.Errorf(domain.KindPathEscape, "%q is not a direct child of %s", name, parent)
	}

	resolved, err := filepath.EvalSymlinks(joined)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if _, lerr := os.Lstat(joined); lerr == nil {
			// Dangling symlink: the target is unknown, refuse it.
			return "", domain.Errorf(domain.KindPathEscape, "%q is a dangling symlink", name)
		}
		return joined, nil
	case err != nil:
		return "", domain.NewError(domain.KindPathEscape, errors.Wrapf(err, "resolve %q", name))
	}
	if filepath.Dir(resolved) != parent {
		return "", domain.Errorf(domain.KindPathEscape, "%q resolves outside %s", name, parent)
	}
	return resolved, nil
}
