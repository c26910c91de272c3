// Package model defines the backend-agnostic journal entry shared by the
// archive reader, the backend adapters, and the import engine.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// AttachmentKind classifies a media attachment by its file type.
type AttachmentKind string

const (
	// KindPhoto is a still image.
	KindPhoto AttachmentKind = "photo"
	// KindVideo is a video clip.
	KindVideo AttachmentKind = "video"
	// KindAudio is a sound recording.
	KindAudio AttachmentKind = "audio"
	// KindFile is anything else.
	KindFile AttachmentKind = "file"
)

var kindByExt = map[string]AttachmentKind{
	".jpg":  KindPhoto,
	".jpeg": KindPhoto,
	".png":  KindPhoto,
	".gif":  KindPhoto,
	".webp": KindPhoto,
	".heic": KindPhoto,
	".heif": KindPhoto,
	".mp4":  KindVideo,
	".mov":  KindVideo,
	".m4v":  KindVideo,
	".webm": KindVideo,
	".mp3":  KindAudio,
	".m4a":  KindAudio,
	".aac":  KindAudio,
	".wav":  KindAudio,
	".ogg":  KindAudio,
}

// KindFromFilename derives the attachment kind from the file extension.
// Unknown extensions map to [KindFile].
func KindFromFilename(name string) AttachmentKind {
	if k, ok := kindByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return k
	}
	return KindFile
}

// Attachment describes one media file belonging to an entry. It has no
// identity of its own until a backend stores it.
type Attachment struct {
	// LocalPath is where the file was extracted for this run.
	LocalPath string `json:"path,omitempty"`

	// Kind is the media type of the file.
	Kind AttachmentKind `json:"kind"`

	// OriginalFilename is the file's name inside the export archive.
	OriginalFilename string `json:"filename"`
}

// Location holds the flattened location of an entry. Nil fields are absent.
type Location struct {
	Lat      *float64
	Lon      *float64
	Name     string
	Address  string
	Altitude *float64
}

// IsZero reports whether no location data is present.
func (l Location) IsZero() bool {
	return l.Lat == nil && l.Lon == nil && l.Name == "" && l.Address == "" && l.Altitude == nil
}

// Weather holds the flattened weather conditions of an entry.
type Weather struct {
	Temperature *float64
	Condition   string
	Humidity    *float64
	Pressure    *float64
}

// IsZero reports whether no weather data is present.
func (w Weather) IsZero() bool {
	return w.Temperature == nil && w.Condition == "" && w.Humidity == nil && w.Pressure == nil
}

// Entry is the normalised representation of one diary entry. Entries are
// built fresh from the archive on every run and not mutated afterwards.
type Entry struct {
	// ID is the external identifier from the source export. It is the only
	// key used to match entries across runs and backends.
	ID string

	// EntryAt is when the entry was authored.
	EntryAt time.Time

	// Timezone is the IANA zone name recorded by the source app, if any.
	Timezone string

	// CreatedAt and ModifiedAt are the source-side bookkeeping timestamps.
	// ModifiedAt drives the newer-wins decision.
	CreatedAt  time.Time
	ModifiedAt time.Time

	Title           string
	TextContent     string
	RichTextContent string

	// Tags is a set; order of first appearance is kept.
	Tags []string

	Notebook   string
	IsFavorite bool
	IsPinned   bool

	MoodLabel  string
	MoodScore  *float64
	Activities []string

	Location Location
	Weather  Weather

	DeviceName string
	StepCount  *int

	// MediaAttachments is ordered; the order is the archive order and must
	// survive the round-trip through every backend.
	MediaAttachments []Attachment

	// SourceApp names the exporting application.
	SourceApp string

	// SourceRawData is the verbatim JSON of the exported entry.
	SourceRawData string
}

// Validate checks the fields every backend relies on.
func (e *Entry) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("entry has an empty id")
	}
	if e.EntryAt.IsZero() {
		return fmt.Errorf("entry %q has no entry_at timestamp", e.ID)
	}
	for i, a := range e.MediaAttachments {
		if a.OriginalFilename == "" {
			return fmt.Errorf("entry %q: attachment %d has no filename", e.ID, i)
		}
	}
	return nil
}

// NewerThan reports whether the entry was modified strictly after remote.
// A missing timestamp on either side is never newer, and equal timestamps
// are not newer.
func (e *Entry) NewerThan(remote time.Time) bool {
	if e.ModifiedAt.IsZero() || remote.IsZero() {
		return false
	}
	return e.ModifiedAt.After(remote)
}

// NormalizeTags trims, drops empties, and de-duplicates tags while keeping
// the order of first appearance.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// AttachmentKey is the stable key of the attachment file filename of the
// entry with the given id. It identifies an already linked attachment on
// later runs, wherever the attachment sits in the entry's list.
func AttachmentKey(entryID, filename string) string {
	return entryID + "/" + filename
}

// AttachmentKeys returns the key of every attachment in atts. A filename
// that repeats within the entry gets a "#n" suffix from its second
// occurrence on.
func AttachmentKeys(entryID string, atts []Attachment) []string {
	keys := make([]string, len(atts))
	seen := make(map[string]int, len(atts))
	for i, a := range atts {
		seen[a.OriginalFilename]++
		keys[i] = AttachmentKey(entryID, a.OriginalFilename)
		if n := seen[a.OriginalFilename]; n > 1 {
			keys[i] += fmt.Sprintf("#%d", n)
		}
	}
	return keys
}

// ReadError reports an entry the source could not turn into an [Entry].
// The entry is failed on its own; reading continues with the next one.
type ReadError struct {
	ID  string
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("reading entry %q: %v", e.ID, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }
