// Package importer moves journal entries into a backend. It decides per
// entry whether to create, update, or skip the remote record and links the
// entry's attachments in archive order.
//
// The package contains three components:
//
//   - [Reconciler] drives the per-entry state machine over a [Source].
//   - [Linker] persists attachments and connects them to their entry.
//   - [Engine] wraps a Reconciler with trace spans and metrics.
package importer

import (
	"errors"
	"io"

	"github.com/njoerd114/journalrelay/internal/model"
)

// Source yields entries one at a time in archive order. Next returns
// io.EOF after the last entry. A *[model.ReadError] fails that entry only.
// Implemented by [archive.Reader].
type Source interface {
	Next() (*model.Entry, error)
}

// SliceSource serves entries from memory.
type SliceSource struct {
	entries []*model.Entry
	pos     int
}

// NewSliceSource returns a Source over entries.
func NewSliceSource(entries ...*model.Entry) *SliceSource {
	return &SliceSource{entries: entries}
}

// Next implements [Source].
func (s *SliceSource) Next() (*model.Entry, error) {
	if s.pos >= len(s.entries) {
		return nil, io.EOF
	}
	e := s.entries[s.pos]
	s.pos++
	return e, nil
}

// ResumeFrom returns a Source that discards src's entries up to, but not
// including, the entry with the given id. Unreadable entries before it are
// discarded as well. If id never appears the Source is empty.
func ResumeFrom(src Source, id string) Source {
	return &resumeSource{inner: src, from: id}
}

type resumeSource struct {
	inner   Source
	from    string
	reached bool
}

func (s *resumeSource) Next() (*model.Entry, error) {
	for {
		e, err := s.inner.Next()
		if s.reached {
			return e, err
		}
		var re *model.ReadError
		switch {
		case errors.As(err, &re):
			if re.ID != s.from {
				continue
			}
		case err != nil:
			return nil, err
		case e.ID != s.from:
			continue
		}
		s.reached = true
		return e, err
	}
}
