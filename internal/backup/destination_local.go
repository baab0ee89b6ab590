package backup

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const partialSuffix = ".partial"

// LocalDestination keeps archives in a directory on this host.
type LocalDestination struct {
	dir string
}

// NewLocalDestination returns a destination rooted at dir. The directory is
// created on first upload.
func NewLocalDestination(dir string) *LocalDestination {
	return &LocalDestination{dir: dir}
}

// checkArchiveName refuses names that would leave the destination directory.
func checkArchiveName(filename string) error {
	if filename == "" || filename == "." || filename == ".." || strings.ContainsAny(filename, `/\`) {
		return fmt.Errorf("invalid archive name %q", filename)
	}
	return nil
}

func (ld *LocalDestination) path(filename string) (string, error) {
	if err := checkArchiveName(filename); err != nil {
		return "", err
	}
	return filepath.Join(ld.dir, filename), nil
}

// Upload streams the archive into a .partial file and renames it into place
// once the expected size has been written.
func (ld *LocalDestination) Upload(ctx context.Context, filename string, reader io.Reader, sizeBytes int64) error {
	target, err := ld.path(filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(ld.dir, 0755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	partial := target + partialSuffix
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("create %s: %w", partial, err)
	}
	written, err := io.Copy(f, &ctxReader{ctx: ctx, r: reader})
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && sizeBytes >= 0 && written != sizeBytes {
		err = fmt.Errorf("size mismatch: expected %d bytes, wrote %d", sizeBytes, written)
	}
	if err != nil {
		os.Remove(partial)
		return fmt.Errorf("store %s: %w", filename, err)
	}
	if err := os.Rename(partial, target); err != nil {
		os.Remove(partial)
		return fmt.Errorf("store %s: %w", filename, err)
	}

	log.Printf("[LocalDest] Stored %s (%d bytes)", target, written)
	return nil
}

// Download copies a stored archive into writer.
func (ld *LocalDestination) Download(ctx context.Context, filename string, writer io.Writer) error {
	src, err := ld.path(filename)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(writer, &ctxReader{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("read archive %s: %w", filename, err)
	}
	return nil
}

func (ld *LocalDestination) Delete(ctx context.Context, filename string) error {
	target, err := ld.path(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		return fmt.Errorf("delete archive: %w", err)
	}
	log.Printf("[LocalDest] Deleted %s", target)
	return nil
}

// List returns stored archives, oldest first. Unfinished uploads are skipped.
func (ld *LocalDestination) List(ctx context.Context) ([]BackupFile, error) {
	entries, err := os.ReadDir(ld.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var files []BackupFile
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasSuffix(entry.Name(), partialSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, BackupFile{
			Filename:  entry.Name(),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().Unix(),
		})
	}
	sortBackupFiles(files)
	return files, nil
}

func (ld *LocalDestination) GetType() string { return DestinationLocal }

func (ld *LocalDestination) Close() error { return nil }

// Exists reports whether a finished archive is stored under filename.
func (ld *LocalDestination) Exists(filename string) bool {
	target, err := ld.path(filename)
	if err != nil {
		return false
	}
	_, err = os.Stat(target)
	return err == nil
}

func sortBackupFiles(files []BackupFile) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].CreatedAt != files[j].CreatedAt {
			return files[i].CreatedAt < files[j].CreatedAt
		}
		return files[i].Filename < files[j].Filename
	})
}

// ctxReader stops a copy once ctx is done
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
