// Package backup archives the controller's device registry database and
// configuration as tar.gz, and restores such archives.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/HerbHall/pnvantage/internal/store"
)

// ErrExists is returned by Restore when a target file exists and force is
// not set.
var ErrExists = errors.New("backup: target file exists")

// DatabaseName is the archive entry holding the registry database.
const DatabaseName = "pnvantage.db"

// maxEntryBytes bounds a single restored file.
const maxEntryBytes = 1 << 30

// Archive writes a consistent copy of db and, when configPath names an
// existing file, the configuration to outputPath. The database copy is
// taken with VACUUM INTO so the controller can keep running.
func Archive(ctx context.Context, db *store.SQLiteStore, configPath, outputPath string) error {
	tmp, err := os.MkdirTemp("", "pnvantage-backup-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	snapshot := filepath.Join(tmp, DatabaseName)
	if _, err := db.DB().ExecContext(ctx, "VACUUM INTO ?", snapshot); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer outFile.Close()

	gw := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gw)

	if err := addFileToTar(tw, snapshot, DatabaseName); err != nil {
		return fmt.Errorf("add database to archive: %w", err)
	}
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := addFileToTar(tw, configPath, filepath.Base(configPath)); err != nil {
				return fmt.Errorf("add config to archive: %w", err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gw.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

// Restore unpacks archivePath into dir and returns the restored file names.
// Entries are flattened to their base name; existing files are only
// replaced when force is set.
func Restore(_ context.Context, archivePath, dir string, force bool) ([]string, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	defer gr.Close()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	var restored []string
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := filepath.Base(hdr.Name)
		if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			return restored, fmt.Errorf("archive entry %q: invalid name", hdr.Name)
		}
		target := filepath.Join(dir, name)
		if !force {
			if _, err := os.Stat(target); err == nil {
				return restored, fmt.Errorf("%s: %w", target, ErrExists)
			}
		}
		if err := writeEntry(tr, target, hdr.Size); err != nil {
			return restored, err
		}
		restored = append(restored, name)
	}
	if len(restored) == 0 {
		return nil, errors.New("backup: archive is empty")
	}
	return restored, nil
}

func writeEntry(r io.Reader, target string, size int64) error {
	if size > maxEntryBytes {
		return fmt.Errorf("%s: entry of %d bytes is too large", target, size)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(out, r, size); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", target, err)
	}
	return out.Close()
}

// addFileToTar adds a single file to the tar archive under the given name.
func addFileToTar(tw *tar.Writer, filePath, archiveName string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = archiveName

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	_, err = io.Copy(tw, f)
	return err
}
