package backup

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"backup-engine/internal/logging"
)

// ArchiveStats summarizes a written archive
type ArchiveStats struct {
	Files       int
	Bytes       int64
	Skipped     []string
	Directories []string
}

// DirectoryArchiver writes directory trees into a gzip compressed tarball
type DirectoryArchiver struct {
	level  int
	logger *logging.Logger
}

// NewDirectoryArchiver creates an archiver using the given gzip level
func NewDirectoryArchiver(level int, logger *logging.Logger) *DirectoryArchiver {
	if level < gzip.BestSpeed || level > gzip.BestCompression {
		level = 6
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &DirectoryArchiver{level: level, logger: logger}
}

// Create archives dirs into dest. Missing directories are skipped. Entries
// whose base name or slash separated path matches an exclude glob are left
// out, and excluded directories are not descended into.
func (a *DirectoryArchiver) Create(ctx context.Context, dest string, dirs, excludes []string) (*ArchiveStats, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to create archive directory for %s", dest), err)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, NewStorageError(fmt.Sprintf("failed to create archive %s", dest), err)
	}

	stats, err := a.write(ctx, out, dest, dirs, excludes)
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = NewStorageError(fmt.Sprintf("failed to close archive %s", dest), closeErr)
	}
	if err != nil {
		os.Remove(dest)
		return nil, err
	}
	return stats, nil
}

func (a *DirectoryArchiver) write(ctx context.Context, out io.Writer, dest string, dirs, excludes []string) (*ArchiveStats, error) {
	gz, err := gzip.NewWriterLevel(out, a.level)
	if err != nil {
		return nil, NewCompressionError("failed to create gzip writer", err)
	}
	tw := tar.NewWriter(gz)

	destAbs, _ := filepath.Abs(dest)
	stats := &ArchiveStats{}

	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				a.logger.WithField("directory", dir).Warn("Skipping missing backup directory")
				stats.Skipped = append(stats.Skipped, dir)
				continue
			}
			return nil, NewStorageError(fmt.Sprintf("cannot read %s", dir), err)
		}
		if !info.IsDir() {
			stats.Skipped = append(stats.Skipped, dir)
			continue
		}
		stats.Directories = append(stats.Directories, dir)

		err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			if abs, _ := filepath.Abs(path); abs == destAbs {
				return nil
			}

			name := archiveName(path)
			if matchesAny(excludes, d.Name(), name) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			return a.addEntry(tw, path, name, d, stats)
		})
		if err != nil {
			return nil, NewStorageError(fmt.Sprintf("failed to archive %s", dir), err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, NewStorageError("failed to finalize tar stream", err)
	}
	if err := gz.Close(); err != nil {
		return nil, NewCompressionError("failed to finalize gzip stream", err)
	}
	return stats, nil
}

func (a *DirectoryArchiver) addEntry(tw *tar.Writer, path, name string, d fs.DirEntry, stats *ArchiveStats) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	// files still being appended to are captured at their walked size
	written, err := io.CopyN(tw, file, header.Size)
	if err != nil {
		return err
	}
	stats.Files++
	stats.Bytes += written
	return nil
}

// archiveName maps a filesystem path to a relative, slash separated entry
// name so extraction under a restore root reproduces the tree.
func archiveName(path string) string {
	name := filepath.ToSlash(filepath.Clean(path))
	name = strings.TrimPrefix(name, "/")
	for strings.HasPrefix(name, "../") {
		name = strings.TrimPrefix(name, "../")
	}
	return strings.TrimPrefix(name, "./")
}

func matchesAny(patterns []string, base, name string) bool {
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
