// Package bundle packs a crash report and its dump file into a single
// gzip-compressed tar archive with a checksummed manifest, suitable for
// attaching to a bug report.
package bundle

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/crashwatch/internal/fsutil"
	"github.com/hugo-lorenzo-mato/crashwatch/internal/report"
)

const (
	// FormatVersion is the current manifest format version.
	FormatVersion = 1

	manifestArchivePath = "manifest.json"
	reportArchivePath   = "report.json"
	dumpArchiveRoot     = "dump"
)

// FileEntry describes one archived file.
type FileEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Mode   int64  `json:"mode"`
}

// Manifest is the metadata file stored at the archive root.
type Manifest struct {
	Version      int         `json:"version"`
	CreatedAt    time.Time   `json:"created_at"`
	ReportID     string      `json:"report_id"`
	ClientPID    int         `json:"client_pid"`
	DumpIncluded bool        `json:"dump_included"`
	Files        []FileEntry `json:"files"`
}

// Result describes a finished export.
type Result struct {
	OutputPath string    `json:"output_path"`
	Manifest   *Manifest `json:"manifest"`
}

// Export writes the report at reportPath, plus the dump it references when
// that file still exists, into a new archive at outPath.
func Export(reportPath, outPath string) (*Result, error) {
	if strings.TrimSpace(reportPath) == "" {
		return nil, fmt.Errorf("report path is required")
	}
	if strings.TrimSpace(outPath) == "" {
		return nil, fmt.Errorf("output path is required")
	}

	r, err := report.Load(reportPath)
	if err != nil {
		return nil, err
	}
	reportData, reportMode, err := readFileWithMode(reportPath)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}

	var dumpData []byte
	var dumpMode int64
	dumpFound := false
	if r.DumpPath != "" {
		dumpData, dumpMode, err = readFileWithMode(r.DumpPath)
		switch {
		case err == nil:
			dumpFound = true
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading dump %s: %w", r.DumpPath, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304 -- caller controls path
	if err != nil {
		return nil, fmt.Errorf("creating bundle file: %w", err)
	}

	manifest := &Manifest{
		Version:   FormatVersion,
		CreatedAt: time.Now().UTC(),
		ReportID:  r.ID,
		ClientPID: r.Client.PID,
	}

	writeErr := func() error {
		gzWriter := gzip.NewWriter(out)
		tarWriter := tar.NewWriter(gzWriter)

		if err := addBytesToArchive(tarWriter, manifest, reportArchivePath, reportData, reportMode); err != nil {
			return err
		}
		if dumpFound {
			manifest.DumpIncluded = true
			name := dumpArchiveRoot + "/" + filepath.Base(r.DumpPath)
			if err := addBytesToArchive(tarWriter, manifest, name, dumpData, dumpMode); err != nil {
				return err
			}
		}

		manifestData, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding manifest: %w", err)
		}
		if err := writeTarEntry(tarWriter, manifestArchivePath, manifestData, 0o600); err != nil {
			return fmt.Errorf("writing manifest: %w", err)
		}
		if err := tarWriter.Close(); err != nil {
			return fmt.Errorf("closing tar stream: %w", err)
		}
		return gzWriter.Close()
	}()
	closeErr := out.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(outPath)
		return nil, writeErr
	}

	return &Result{OutputPath: outPath, Manifest: manifest}, nil
}

func readFileWithMode(path string) ([]byte, int64, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	return data, int64(info.Mode().Perm()), nil
}

func addBytesToArchive(tw *tar.Writer, manifest *Manifest, archivePath string, data []byte, mode int64) error {
	cleanPath, err := cleanArchivePath(archivePath)
	if err != nil {
		return fmt.Errorf("invalid archive path: %w", err)
	}
	if err := writeTarEntry(tw, cleanPath, data, mode); err != nil {
		return fmt.Errorf("writing archive entry %s: %w", cleanPath, err)
	}

	hash := sha256.Sum256(data)
	manifest.Files = append(manifest.Files, FileEntry{
		Path:   cleanPath,
		SHA256: hex.EncodeToString(hash[:]),
		Size:   int64(len(data)),
		Mode:   mode,
	})
	return nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte, mode int64) error {
	header := &tar.Header{
		Name:     filepath.ToSlash(name),
		Mode:     mode,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func cleanArchivePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty archive path")
	}
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("absolute archive path is not allowed: %s", p)
	}
	clean := filepath.ToSlash(filepath.Clean(strings.TrimPrefix(p, "./")))
	if clean == "." || clean == "" {
		return "", fmt.Errorf("invalid archive path: %s", p)
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path traversal detected: %s", p)
	}
	return clean, nil
}
