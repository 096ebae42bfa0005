package artifacts

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// archiveDir writes srcDir as a tar.gz into the temp file at tmpPath and
// returns the archive's hex SHA-256 and size. The hash is computed over
// the compressed stream so the final blob path is content-addressed.
func archiveDir(srcDir, tmpPath string) (string, int64, error) {
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(f, hasher))
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if walkErr != nil {
		return "", 0, fmt.Errorf("failed to archive %s: %w", srcDir, walkErr)
	}

	if err := tw.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to finalize tar stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to finalize gzip stream: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), info.Size(), nil
}
