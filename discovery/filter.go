package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum-optimism/infra/op-testhost/types"
	"github.com/ethereum/go-ethereum/log"
)

// FilterResolver turns an explicit list of module paths or glob patterns into test modules
type FilterResolver struct {
	log      log.Logger
	root     string
	patterns []string
}

// NewFilterResolver creates a resolver; relative patterns are resolved against root
func NewFilterResolver(logger log.Logger, root string, patterns []string) *FilterResolver {
	if logger == nil {
		logger = log.New()
	}
	return &FilterResolver{
		log:      logger.New("component", "filter-resolver"),
		root:     root,
		patterns: patterns,
	}
}

// Resolve expands every pattern and validates every match. Every problem is
// reported in the returned error. The paths are deduplicated and sorted.
func (r *FilterResolver) Resolve() ([]string, error) {
	if len(r.patterns) == 0 {
		return nil, errors.New("no test modules specified")
	}

	seen := make(map[string]struct{})
	var errs []error
	for _, pattern := range r.patterns {
		matches, err := r.expand(pattern)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, match := range matches {
			if err := checkExecutable(match); err != nil {
				errs = append(errs, err)
				continue
			}
			seen[match] = struct{}{}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Run resolves the patterns and, only if every one of them resolved, adds all
// modules to sink and completes it. It returns false without adding anything
// when resolution fails.
func (r *FilterResolver) Run(sink ModuleSink) bool {
	paths, err := r.Resolve()
	if err != nil {
		r.log.Error("Failed to resolve test modules", "err", err)
		return false
	}

	for _, p := range paths {
		if err := sink.AddModule(types.TestModule{Path: p}); err != nil {
			r.log.Error("Failed to add test module", "path", p, "err", err)
			return false
		}
		r.log.Debug("Resolved test module", "path", p)
	}
	sink.CompleteModules()
	r.log.Info("Resolved test modules", "count", len(paths))
	return true
}

func (r *FilterResolver) expand(pattern string) ([]string, error) {
	if pattern == "" {
		return nil, errors.New("empty test module pattern")
	}
	full := pattern
	if !filepath.IsAbs(full) && r.root != "" {
		full = filepath.Join(r.root, full)
	}
	full = filepath.Clean(full)

	if !strings.ContainsAny(full, "*?[") {
		return []string{full}, nil
	}
	matches, err := filepath.Glob(full)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no test module matches %q", pattern)
	}
	return matches, nil
}

// checkExecutable requires path to be an existing, regular, executable file
func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("test module %s does not exist", path)
		}
		return fmt.Errorf("failed to stat test module %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("test module %s is not a regular file", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("test module %s is not executable", path)
	}
	return nil
}
