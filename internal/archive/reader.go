// Package archive reads Journey ZIP exports.
//
// An export holds one folder per entry: <id>/<id>.json plus the entry's
// media files. Attachments keep the order in which they are stored in the
// ZIP. Entries are produced lazily, one folder at a time, in the order the
// folders first appear in the archive.
package archive

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/njoerd114/journalrelay/internal/model"
)

// maxEntryJSON bounds the size of one entry document.
const maxEntryJSON = 16 << 20

type folder struct {
	name        string
	doc         *zip.File
	attachments []*zip.File
}

// Reader yields the entries of one export. It is not safe for concurrent
// use and cannot be rewound.
type Reader struct {
	zr         *zip.ReadCloser
	path       string
	extractDir string
	folders    []*folder
	pos        int
	log        *slog.Logger
}

// Open indexes the archive at path. Attachments are extracted below
// extractDir as their entry is read; with an empty extractDir nothing is
// written and attachments carry no local path.
func Open(path, extractDir string, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", path, err)
	}
	r := &Reader{
		zr:         zr,
		path:       path,
		extractDir: extractDir,
		log:        logger.With("archive", filepath.Base(path)),
	}
	r.index()
	return r, nil
}

// index groups the archive's files by top-level folder, keeping ZIP order.
func (r *Reader) index() {
	byName := make(map[string]*folder)
	for _, f := range r.zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		dir, file, ok := strings.Cut(f.Name, "/")
		if !ok || dir == "" {
			r.log.Debug("skipping file outside an entry folder", "name", f.Name)
			continue
		}
		base := path.Base(file)
		if base == "" || base == "." || strings.HasPrefix(base, ".") || strings.HasPrefix(dir, "__MACOSX") {
			continue
		}

		fd, seen := byName[dir]
		if !seen {
			fd = &folder{name: dir}
			byName[dir] = fd
			r.folders = append(r.folders, fd)
		}

		if strings.EqualFold(path.Ext(base), ".json") {
			// <id>/<id>.json wins over any other document in the folder.
			if fd.doc == nil || base == dir+".json" {
				fd.doc = f
			}
			continue
		}
		fd.attachments = append(fd.attachments, f)
	}
}

// Len returns the number of entry folders in the archive.
func (r *Reader) Len() int { return len(r.folders) }

// Next returns the next entry, or io.EOF when the archive is exhausted.
// An entry that cannot be read is reported as a *[model.ReadError];
// reading may continue after it. Other errors are fatal.
func (r *Reader) Next() (*model.Entry, error) {
	for r.pos < len(r.folders) {
		fd := r.folders[r.pos]
		r.pos++

		if fd.doc == nil {
			r.log.Warn("entry folder has no JSON document", "folder", fd.name)
			continue
		}
		e, err := r.read(fd)
		if err != nil {
			var re *model.ReadError
			if errors.As(err, &re) {
				return nil, err
			}
			return nil, fmt.Errorf("reading %s from %s: %w", fd.name, r.path, err)
		}
		return e, nil
	}
	return nil, io.EOF
}

func (r *Reader) read(fd *folder) (*model.Entry, error) {
	raw, err := readAll(fd.doc)
	if err != nil {
		return nil, &model.ReadError{ID: fd.name, Err: err}
	}

	var doc journeyEntry
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &model.ReadError{ID: fd.name, Err: fmt.Errorf("decoding %s: %w", fd.doc.Name, err)}
	}
	e, err := doc.toEntry(fd.name, raw)
	if err != nil {
		return nil, &model.ReadError{ID: fd.name, Err: err}
	}

	for _, f := range fd.attachments {
		name := path.Base(f.Name)
		a := model.Attachment{Kind: model.KindFromFilename(name), OriginalFilename: name}
		if r.extractDir != "" {
			dst, err := r.extract(f)
			if err != nil {
				return nil, &model.ReadError{ID: fd.name, Err: err}
			}
			a.LocalPath = dst
		}
		e.MediaAttachments = append(e.MediaAttachments, a)
	}
	return e, nil
}

func readAll(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntryJSON {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", f.Name, f.UncompressedSize64, maxEntryJSON)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(io.LimitReader(rc, maxEntryJSON))
}

// extract writes f below extractDir and returns the written path. Names
// that would escape extractDir are rejected.
func (r *Reader) extract(f *zip.File) (string, error) {
	rel := filepath.FromSlash(path.Clean(f.Name))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("refusing to extract %q outside the target directory", f.Name)
	}
	dst := filepath.Join(r.extractDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return "", fmt.Errorf("creating %s: %w", filepath.Dir(dst), err)
	}

	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	return dst, nil
}

// Close releases the archive.
func (r *Reader) Close() error {
	return r.zr.Close()
}
