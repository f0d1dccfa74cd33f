package tool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileDecision is the outcome of a FileFilter consultation.
type FileDecision string

const (
	Allow        FileDecision = "allow"
	AllowExample FileDecision = "allow-example"
	Blocked      FileDecision = "blocked"
)

// FileFilter is an environment-supplied hook (§6 "Environment") that
// authoritatively decides a file's read eligibility. When present, it
// replaces the project's ignore list entirely.
type FileFilter func(path string) FileDecision

// IgnoreList is consulted only when no FileFilter is configured.
type IgnoreList interface {
	Matches(path string) bool
}

// Sentinel errors for the fixed checks. ErrOutsideProject is checked first,
// before the filter/ignore decision; the others apply in order once a file
// is determined not to be blocked.
var (
	ErrOutsideProject = errors.New("filegate: path is absolute or escapes the project root")
	ErrDoesNotExist   = errors.New("filegate: file does not exist")
	ErrTooLarge       = errors.New("filegate: file exceeds the 1 MiB read limit")
	ErrIO             = errors.New("filegate: unexpected I/O error")
)

// MaxReadBytes is the fixed size ceiling for a gated file read.
const MaxReadBytes = 1 << 20 // 1 MiB

// TemplateMarker prefixes the content of a file the filter marked
// allow-example, so the model can tell template files apart.
const TemplateMarker = "[TEMPLATE]\n"

// IgnoredSentinel is returned as the content of a blocked read — blocking
// is a content substitution, not a tool failure.
const IgnoredSentinel = "[IGNORED]"

// FileGate enforces the file-access policy described in §4.2.
type FileGate struct {
	projectRoot string
	filter      FileFilter
	ignore      IgnoreList
}

// NewFileGate builds a gate rooted at projectRoot. filter and ignore are
// both optional; when filter is nil, ignore (if non-nil) is consulted.
func NewFileGate(projectRoot string, filter FileFilter, ignore IgnoreList) *FileGate {
	return &FileGate{projectRoot: projectRoot, filter: filter, ignore: ignore}
}

// Read performs a gated file read, returning content (possibly the
// IgnoredSentinel or TemplateMarker-prefixed) or one of the sentinel
// errors above.
func (g *FileGate) Read(path string) (string, error) {
	if filepath.IsAbs(path) || escapesRoot(path) {
		return "", ErrOutsideProject
	}

	decision := g.decide(path)
	if decision == Blocked {
		return IgnoredSentinel, nil
	}

	full := filepath.Join(g.projectRoot, path)
	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrDoesNotExist
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}
	if info.Size() > MaxReadBytes {
		return "", ErrTooLarge
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}

	content := string(data)
	if decision == AllowExample {
		content = TemplateMarker + content
	}
	return content, nil
}

// decide resolves the allow/allow-example/blocked decision for path,
// consulting the filter when present and falling back to the ignore list
// otherwise — the filter, when set, is authoritative and the ignore list
// is skipped entirely.
func (g *FileGate) decide(path string) FileDecision {
	if g.filter != nil {
		return g.filter(path)
	}
	if g.ignore != nil && g.ignore.Matches(path) {
		return Blocked
	}
	return Allow
}

func escapesRoot(path string) bool {
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return true
	}
	return false
}
