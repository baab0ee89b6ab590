package backup

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnsafeArchive is returned when an archive entry would land outside the
// extraction directory.
var ErrUnsafeArchive = errors.New("archive entry escapes destination")

// ArchiveInfo contains metadata about a created archive
type ArchiveInfo struct {
	Filename    string
	Path        string
	SizeBytes   int64
	CreatedAt   time.Time
	FileCount   int
	Compression CompressionConfig
}

// CreateArchive writes sourceDir into a tar (optionally gzip) archive at
// archivePath. Entry names are relative to sourceDir. Symlinks and other
// non-regular files are skipped.
func CreateArchive(sourceDir, archivePath string, compression CompressionConfig) (info *ArchiveInfo, err error) {
	compression = compression.normalized()

	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	file, err := os.Create(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close archive: %w", cerr)
		}
		if err != nil {
			os.Remove(archivePath)
		}
	}()

	var out io.Writer = file
	var gz *gzip.Writer
	if compression.Type == CompressionGzip {
		gz, err = gzip.NewWriterLevel(file, compression.Level)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip writer: %w", err)
		}
		out = gz
	}

	tw := tar.NewWriter(out)
	fileCount := 0

	walkErr := filepath.WalkDir(sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			log.Printf("[Archive] Skipping non-regular file %s", rel)
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		src, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, src)
		src.Close()
		if err != nil {
			return fmt.Errorf("failed to archive %s: %w", rel, err)
		}
		fileCount++
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to create archive: %w", walkErr)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish archive: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish archive: %w", err)
		}
	}

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to get archive size: %w", err)
	}

	info = &ArchiveInfo{
		Filename:    filepath.Base(archivePath),
		Path:        archivePath,
		SizeBytes:   stat.Size(),
		CreatedAt:   time.Now(),
		FileCount:   fileCount,
		Compression: compression,
	}
	log.Printf("[Archive] Archive created successfully: %s (size: %d bytes, files: %d)",
		info.Filename, info.SizeBytes, fileCount)
	return info, nil
}

// ExtractArchive extracts archivePath into destination, overwriting existing
// files. Entries that are absolute or climb out of destination are rejected
// before anything is written.
func ExtractArchive(archivePath, destination string) error {
	names, err := ListArchiveContents(archivePath)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := safeJoin(destination, name); err != nil {
			return err
		}
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	tr, closeFn, err := openTar(file, archivePath)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := os.MkdirAll(destination, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		target, err := safeJoin(destination, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			mode := hdr.FileInfo().Mode().Perm()
			if mode == 0 {
				mode = 0644
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", hdr.Name, err)
			}
			_, err = io.Copy(out, tr)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
		default:
			log.Printf("[Archive] Skipping unsupported entry %s (type %c)", hdr.Name, hdr.Typeflag)
		}
	}

	log.Printf("[Archive] Archive extracted successfully to %s", destination)
	return nil
}

// ListArchiveContents lists the entry names of an archive
func ListArchiveContents(archivePath string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	tr, closeFn, err := openTar(file, archivePath)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list archive contents: %w", err)
		}
		names = append(names, hdr.Name)
	}
}

func openTar(file *os.File, archivePath string) (*tar.Reader, func(), error) {
	if compressionForFile(archivePath).Type != CompressionGzip {
		return tar.NewReader(file), func() {}, nil
	}
	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	return tar.NewReader(gz), func() { gz.Close() }, nil
}

func safeJoin(destination, name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || filepath.VolumeName(clean) != "" {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchive, name)
	}
	return filepath.Join(destination, filepath.FromSlash(clean)), nil
}
