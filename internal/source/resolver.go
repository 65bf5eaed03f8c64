// Package source turns an uploaded artifact (a single HTML payload or a ZIP
// bundle of assets) into the HTML text and base URL the renderer consumes.
package source

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

var (
	// ErrNoEntryPoint signals that an archive contains no HTML-like file.
	ErrNoEntryPoint = errors.New("no HTML entry point found in archive")
	// ErrUnsafeArchivePath signals a ZIP entry that would escape the
	// extraction root.
	ErrUnsafeArchivePath = errors.New("archive entry path escapes extraction root")
)

// Document is resolved source content ready for rendering. BaseURL is empty
// when no base was supplied or derived; when set, relative asset references
// in HTML resolve against it.
type Document struct {
	HTML    string
	BaseURL string
}

// Decode converts raw bytes to text. Valid UTF-8 passes through unchanged;
// anything else is read as Latin-1, which maps every byte to a code point and
// therefore never fails.
func Decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// FromFile resolves a single uploaded HTML payload. baseURL is optional; a
// blank string after trimming is treated as absent. This path cannot fail.
func FromFile(data []byte, baseURL string) Document {
	return Document{
		HTML:    Decode(data),
		BaseURL: strings.TrimSpace(baseURL),
	}
}

// FromArchive extracts the ZIP at zipPath into a fresh scratch directory
// under scratchBase (or the system temp dir when blank), selects the entry
// point, and derives the base URL from the entry's containing directory.
//
// The extraction directory is returned whenever it was created, including on
// error, so the caller can remove it once the conversion finishes.
//
// index.html at the extraction root wins; otherwise the lexicographically
// first *.html / *.htm file found by recursive search is used.
func FromArchive(zipPath, scratchBase string) (Document, string, error) {
	extractDir, err := os.MkdirTemp(scratchBase, "pdfexport-zip-*")
	if err != nil {
		return Document{}, "", fmt.Errorf("create scratch dir: %w", err)
	}

	if err := extractZip(zipPath, extractDir); err != nil {
		return Document{}, extractDir, err
	}

	entry, err := findEntryPoint(extractDir)
	if err != nil {
		return Document{}, extractDir, err
	}

	raw, err := os.ReadFile(entry)
	if err != nil {
		return Document{}, extractDir, fmt.Errorf("read entry point: %w", err)
	}

	return Document{
		HTML:    Decode(raw),
		BaseURL: dirFileURI(filepath.Dir(entry)),
	}, extractDir, nil
}

// findEntryPoint picks the HTML file to render from an extracted bundle.
func findEntryPoint(root string) (string, error) {
	idx := filepath.Join(root, "index.html")
	if st, err := os.Stat(idx); err == nil && !st.IsDir() {
		return idx, nil
	}

	var candidates []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".html") || strings.HasSuffix(path, ".htm") {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan extracted archive: %w", err)
	}
	if len(candidates) == 0 {
		return "", ErrNoEntryPoint
	}

	// WalkDir order is already lexical per directory; sorting the full paths
	// makes the tie-break deterministic across the whole tree.
	sort.Strings(candidates)
	return candidates[0], nil
}

// extractZip unpacks the archive at zipPath into destDir, rejecting entries
// that would land outside destDir.
func extractZip(zipPath, destDir string) error {
	zr, err := zip.OpenReader(zipPath)
	if errors.Is(err, zip.ErrInsecurePath) {
		// OpenReader still hands back a usable reader in this case; we refuse
		// the archive outright instead.
		zr.Close()
		return fmt.Errorf("%w: archive contains absolute or parent-relative entry names", ErrUnsafeArchivePath)
	}
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("extract %s: %w", f.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
		if err := writeZipEntry(f, target); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func writeZipEntry(f *zip.File, target string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// safeJoin joins name under root and fails when the result escapes root.
func safeJoin(root, name string) (string, error) {
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchivePath, name)
	}
	return target, nil
}

// dirFileURI returns a file:// URI for dir with a trailing slash, so sibling
// assets of the entry point resolve relative to it.
func dirFileURI(dir string) string {
	p := filepath.ToSlash(dir)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "file://" + strings.TrimSuffix(p, "/") + "/"
}
