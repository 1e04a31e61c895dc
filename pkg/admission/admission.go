// Package admission implements the delegator-side preflight check on a
// resource tree (size/count/sensitive-content bounds) and the executor-side
// INVITE acceptance policy (concurrency/ttl/auth).
package admission

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/cuemby/awcp/pkg/log"
	"github.com/cuemby/awcp/pkg/protocol"
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// Limits bounds a delegator-side admission check.
type Limits struct {
	MaxTotalBytes  int64
	MaxFiles       int
	MaxFileBytes   int64
	SensitiveGlobs []string
	IgnorePath     string // optional .awcpignore with extra sensitive globs
}

// Controller runs the walk-and-check described in spec.md §4.3.
type Controller struct {
	limits Limits
	ignore *gitignore.GitIgnore
}

// NewController compiles limits, loading the optional .awcpignore file if
// IgnorePath is set and exists.
func NewController(limits Limits) *Controller {
	c := &Controller{limits: limits}
	if limits.IgnorePath != "" {
		if ign, err := gitignore.CompileIgnoreFile(limits.IgnorePath); err == nil {
			c.ignore = ign
		} else {
			log.WithComponent("admission").Warn().Err(err).Str("path", limits.IgnorePath).Msg("failed to load .awcpignore, continuing without it")
		}
	}
	return c
}

// walkStats accumulates metrics over the tree.
type walkStats struct {
	totalBytes  int64
	fileCount   int
	largestFile int64
	sensitive   []string
}

// Check walks sourcePath and returns a protocol.Error (WORKSPACE_TOO_LARGE or
// SENSITIVE_FILES) or nil. skipSensitiveCheck disables the sensitive-file
// scan entirely. IO errors on individual children are logged and skipped —
// the walk fails open: a missing/permission-denied child is left out of the
// counts rather than rejecting the delegation.
func (c *Controller) Check(sourcePath, delegationID string, skipSensitiveCheck bool) error {
	logger := log.WithDelegationID(delegationID)

	var stats walkStats
	err := filepath.WalkDir(sourcePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Debug().Err(err).Str("path", path).Msg("admission walk: skipping unreadable entry")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, relErr := filepath.Rel(sourcePath, path)
		if relErr != nil {
			rel = path
		}

		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			logger.Debug().Err(statErr).Str("path", path).Msg("admission walk: stat failed, skipping")
			return nil
		}

		stats.fileCount++
		stats.totalBytes += info.Size()
		if info.Size() > stats.largestFile {
			stats.largestFile = info.Size()
		}

		if !skipSensitiveCheck && c.isSensitive(rel) {
			stats.sensitive = append(stats.sensitive, rel)
		}
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("admission walk returned an error; treating as fail-open")
	}

	if stats.totalBytes > c.limits.MaxTotalBytes {
		return protocol.NewError(protocol.ErrWorkspaceTooLarge,
			fmt.Sprintf("total size %dMB exceeds limit %dMB", stats.totalBytes/1024/1024, c.limits.MaxTotalBytes/1024/1024),
			fmt.Sprintf("reduce the resource's contents below %dMB or raise admissionMaxBytes", c.limits.MaxTotalBytes/1024/1024))
	}
	if stats.fileCount > c.limits.MaxFiles {
		return protocol.NewError(protocol.ErrWorkspaceTooLarge,
			fmt.Sprintf("file count %d exceeds limit %d", stats.fileCount, c.limits.MaxFiles),
			fmt.Sprintf("reduce the number of files to %d or fewer or raise admissionMaxFiles", c.limits.MaxFiles))
	}
	if stats.largestFile > c.limits.MaxFileBytes {
		return protocol.NewError(protocol.ErrWorkspaceTooLarge,
			fmt.Sprintf("largest file %dMB exceeds limit %dMB", stats.largestFile/1024/1024, c.limits.MaxFileBytes/1024/1024),
			fmt.Sprintf("split or exclude files larger than %dMB or raise admissionMaxFileBytes", c.limits.MaxFileBytes/1024/1024))
	}
	if len(stats.sensitive) > 0 {
		return protocol.NewError(protocol.ErrSensitiveFiles,
			fmt.Sprintf("%d sensitive file(s) matched", len(stats.sensitive)),
			fmt.Sprintf("offending paths: %v (set skipSensitiveCheck to override)", stats.sensitive))
	}
	return nil
}

func (c *Controller) isSensitive(relPath string) bool {
	for _, g := range c.limits.SensitiveGlobs {
		if ok, _ := doublestar.Match(g, relPath); ok {
			return true
		}
		if ok, _ := doublestar.Match(g, filepath.Base(relPath)); ok {
			return true
		}
	}
	if c.ignore != nil && c.ignore.MatchesPath(relPath) {
		return true
	}
	return false
}

// ValidateSource checks sourcePath exists and is a directory.
func ValidateSource(sourcePath string) error {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return protocol.NewError(protocol.ErrWorkspaceNotFound, err.Error(), "check the resource's source path")
	}
	if !info.IsDir() {
		return protocol.NewError(protocol.ErrWorkspaceInvalid, sourcePath+" is not a directory", "")
	}
	return nil
}
