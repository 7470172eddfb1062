// Package archive builds, verifies, and extracts store-mode zip archives.
// Contents are stored uncompressed: the payloads are already-compressed user
// files and store mode keeps CPU out of the transfer path.
package archive

import (
	"archive/zip"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zzenonn/zmigrate/internal/errors"
)

// MaxExpansionRatio caps uncompressed size relative to archive size during
// extraction. Store-mode archives legitimately sit near 1x.
const MaxExpansionRatio = 200

// Create writes a store-mode zip at dest containing the given files, which
// are paths relative to baseDir. Member names keep the relative paths with
// forward slashes so the full nested structure survives the round trip.
func Create(baseDir, dest string, files []string) error {
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", dest, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	for _, rel := range files {
		if err := addMember(zw, baseDir, rel); err != nil {
			zw.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive %s: %w", dest, err)
	}
	return out.Sync()
}

func addMember(zw *zip.Writer, baseDir, rel string) error {
	src := filepath.Join(baseDir, filepath.FromSlash(rel))
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("failed to build header for %s: %w", rel, err)
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.Method = zip.Store

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add member %s: %w", rel, err)
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to write member %s: %w", rel, err)
	}
	return nil
}

// Verify reads every member fully so stored CRCs are checked. It returns
// ErrArchiveCorrupt wrapped with the first failing member.
func Verify(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errors.ErrArchiveCorrupt, path, err)
	}
	defer zr.Close()

	for _, member := range zr.File {
		if err := verifyMember(member); err != nil {
			return fmt.Errorf("%w: member %s: %v", errors.ErrArchiveCorrupt, member.Name, err)
		}
	}
	return nil
}

func verifyMember(member *zip.File) error {
	rc, err := member.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	h := crc32.NewIEEE()
	if _, err := io.Copy(h, rc); err != nil {
		return err
	}
	if h.Sum32() != member.CRC32 {
		return fmt.Errorf("crc mismatch")
	}
	return nil
}

// Extract unpacks the archive into destDir, preserving stored relative
// paths. Members escaping destDir are rejected, and extraction aborts if the
// declared uncompressed size exceeds MaxExpansionRatio times the archive.
func Extract(path, destDir string) (int, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errors.ErrArchiveCorrupt, path, err)
	}
	defer zr.Close()

	if err := checkExpansion(path, &zr.Reader); err != nil {
		return 0, err
	}

	extracted := 0
	for _, member := range zr.File {
		if member.FileInfo().IsDir() {
			continue
		}
		if err := extractMember(member, destDir); err != nil {
			return extracted, err
		}
		extracted++
	}
	return extracted, nil
}

func checkExpansion(path string, zr *zip.Reader) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	var declared uint64
	for _, member := range zr.File {
		declared += member.UncompressedSize64
	}
	if info.Size() > 0 && declared > uint64(info.Size())*MaxExpansionRatio {
		return fmt.Errorf("%w: %d bytes declared from %d byte archive", errors.ErrArchiveBomb, declared, info.Size())
	}
	return nil
}

func extractMember(member *zip.File, destDir string) error {
	name := filepath.FromSlash(member.Name)
	target := filepath.Join(destDir, name)

	// Reject members that resolve outside the extraction root.
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("%w: %s", errors.ErrUnsafeArchivePath, member.Name)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", member.Name, err)
	}

	rc, err := member.Open()
	if err != nil {
		return fmt.Errorf("failed to open member %s: %w", member.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("failed to extract %s: %w", member.Name, err)
	}
	return nil
}
