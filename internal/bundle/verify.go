package bundle

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Limits on what Verify will read into memory.
const (
	maxEntrySize = 1 << 30
	maxTotalSize = 2 << 30
	maxEntries   = 16
)

// Verify checks archive structure and file checksums and returns the manifest.
func Verify(inputPath string) (*Manifest, error) {
	if inputPath == "" {
		return nil, fmt.Errorf("input path is required")
	}

	files, err := readArchiveFiles(inputPath)
	if err != nil {
		return nil, err
	}

	manifestData, ok := files[manifestArchivePath]
	if !ok {
		return nil, fmt.Errorf("bundle is missing %s", manifestArchivePath)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if manifest.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported bundle version %d", manifest.Version)
	}

	for _, entry := range manifest.Files {
		data, ok := files[entry.Path]
		if !ok {
			return nil, fmt.Errorf("manifest entry not found in archive: %s", entry.Path)
		}
		if int64(len(data)) != entry.Size {
			return nil, fmt.Errorf("size mismatch for %s: manifest=%d archive=%d", entry.Path, entry.Size, len(data))
		}
		hash := sha256.Sum256(data)
		if hex.EncodeToString(hash[:]) != entry.SHA256 {
			return nil, fmt.Errorf("checksum mismatch for %s", entry.Path)
		}
	}
	if _, ok := files[reportArchivePath]; !ok {
		return nil, fmt.Errorf("bundle is missing required entry: %s", reportArchivePath)
	}

	return &manifest, nil
}

func readArchiveFiles(inputPath string) (map[string][]byte, error) {
	file, err := os.Open(inputPath) // #nosec G304 -- caller controls path
	if err != nil {
		return nil, fmt.Errorf("opening bundle: %w", err)
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	files := make(map[string][]byte)
	var total int64
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("unsupported tar entry type %d for %s", header.Typeflag, header.Name)
		}
		if header.Size > maxEntrySize {
			return nil, fmt.Errorf("tar entry %s too large: %d bytes", header.Name, header.Size)
		}
		if len(files) == maxEntries {
			return nil, fmt.Errorf("bundle has more than %d entries", maxEntries)
		}
		total += header.Size
		if total > maxTotalSize {
			return nil, fmt.Errorf("bundle contents exceed %d bytes", int64(maxTotalSize))
		}

		entryPath, err := cleanArchivePath(filepath.ToSlash(header.Name))
		if err != nil {
			return nil, fmt.Errorf("invalid archive path %q: %w", header.Name, err)
		}
		if _, dup := files[entryPath]; dup {
			return nil, fmt.Errorf("duplicate archive entry: %s", entryPath)
		}
		data, err := io.ReadAll(tarReader)
		if err != nil {
			return nil, fmt.Errorf("reading tar entry %s: %w", entryPath, err)
		}
		files[entryPath] = data
	}
	return files, nil
}
