package archive

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/journalrelay/internal/model"
)

type zipFile struct {
	name, body string
}

func writeZip(t *testing.T, files ...zipFile) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, zf := range files {
		w, err := zw.Create(zf.name)
		require.NoError(t, err)
		_, err = io.WriteString(w, zf.body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func readAllEntries(t *testing.T, r *Reader) ([]*model.Entry, []error) {
	t.Helper()
	var entries []*model.Entry
	var errs []error
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return entries, errs
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, e)
	}
}

func open(t *testing.T, path, extractDir string) *Reader {
	t.Helper()
	r, err := Open(path, extractDir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// ---- Layout

func TestReader_FolderAndAttachmentOrder(t *testing.T) {
	p := writeZip(t,
		zipFile{"README.txt", "ignored"},
		zipFile{"b/b.json", `{"id":"b","dateOfJournal":"2024-05-02T08:00:00Z","text":"second"}`},
		zipFile{"b/z.jpg", "zz"},
		zipFile{"a/a.json", `{"id":"a","dateOfJournal":"2024-05-01T08:00:00Z","text":"first"}`},
		zipFile{"b/a.mp4", "aa"},
		zipFile{"b/voice.m4a", "vv"},
	)
	r := open(t, p, "")
	assert.Equal(t, 2, r.Len())

	entries, errs := readAllEntries(t, r)
	require.Empty(t, errs)
	require.Len(t, entries, 2)

	assert.Equal(t, "b", entries[0].ID)
	assert.Equal(t, "a", entries[1].ID)

	var names []string
	var kinds []model.AttachmentKind
	for _, a := range entries[0].MediaAttachments {
		names = append(names, a.OriginalFilename)
		kinds = append(kinds, a.Kind)
		assert.Empty(t, a.LocalPath)
	}
	assert.Equal(t, []string{"z.jpg", "a.mp4", "voice.m4a"}, names)
	assert.Equal(t, []model.AttachmentKind{model.KindPhoto, model.KindVideo, model.KindAudio}, kinds)
	assert.Empty(t, entries[1].MediaAttachments)
}

func TestReader_NamedDocumentPreferred(t *testing.T) {
	p := writeZip(t,
		zipFile{"e1/meta.json", `{"id":"wrong","dateOfJournal":"2024-05-01"}`},
		zipFile{"e1/e1.json", `{"id":"e1","dateOfJournal":"2024-05-01"}`},
	)
	entries, errs := readAllEntries(t, open(t, p, ""))
	require.Empty(t, errs)
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].ID)
}

func TestReader_FolderWithoutDocumentSkipped(t *testing.T) {
	p := writeZip(t,
		zipFile{"orphan/photo.jpg", "x"},
		zipFile{"e1/e1.json", `{"id":"e1","dateOfJournal":"2024-05-01"}`},
	)
	entries, errs := readAllEntries(t, open(t, p, ""))
	require.Empty(t, errs)
	require.Len(t, entries, 1)
	assert.Equal(t, "e1", entries[0].ID)
}

func TestReader_EOFIsSticky(t *testing.T) {
	p := writeZip(t, zipFile{"e1/e1.json", `{"id":"e1","dateOfJournal":"2024-05-01"}`})
	r := open(t, p, "")
	_, err := r.Next()
	require.NoError(t, err)
	for range 2 {
		_, err = r.Next()
		assert.ErrorIs(t, err, io.EOF)
	}
}

// ---- Read errors

func TestReader_BadEntryDoesNotStopTheRest(t *testing.T) {
	p := writeZip(t,
		zipFile{"bad/bad.json", `{"id":"bad","text":"no date"}`},
		zipFile{"junk/junk.json", `{not json`},
		zipFile{"good/good.json", `{"id":"good","createdAt":1714550400000}`},
	)
	entries, errs := readAllEntries(t, open(t, p, ""))
	require.Len(t, errs, 2)
	require.Len(t, entries, 1)

	var re *model.ReadError
	require.ErrorAs(t, errs[0], &re)
	assert.Equal(t, "bad", re.ID)
	require.ErrorAs(t, errs[1], &re)
	assert.Equal(t, "junk", re.ID)

	assert.Equal(t, "good", entries[0].ID)
	assert.True(t, entries[0].EntryAt.Equal(time.UnixMilli(1714550400000)))
}

// ---- Extraction

func TestReader_ExtractsAttachments(t *testing.T) {
	p := writeZip(t,
		zipFile{"e1/e1.json", `{"id":"e1","dateOfJournal":"2024-05-01"}`},
		zipFile{"e1/photo.jpg", "jpeg bytes"},
	)
	dir := t.TempDir()
	entries, errs := readAllEntries(t, open(t, p, dir))
	require.Empty(t, errs)
	require.Len(t, entries[0].MediaAttachments, 1)

	got := entries[0].MediaAttachments[0].LocalPath
	assert.Equal(t, filepath.Join(dir, "e1", "photo.jpg"), got)
	body, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(body))
}

func TestReader_RejectsEscapingNames(t *testing.T) {
	p := writeZip(t,
		zipFile{"e1/e1.json", `{"id":"e1","dateOfJournal":"2024-05-01"}`},
		zipFile{"e1/../../evil.jpg", "x"},
		zipFile{"e2/e2.json", `{"id":"e2","dateOfJournal":"2024-05-02"}`},
	)
	dir := t.TempDir()
	r := open(t, p, dir)

	_, err := r.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside the target directory")
	var re *model.ReadError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "e1", re.ID)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "evil.jpg"))

	// Only the offending entry is lost.
	e, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "e2", e.ID)
}

// ---- Mapping

func TestToEntry_Mapping(t *testing.T) {
	raw := []byte(`{
		"id": "e1",
		"dateOfJournal": "2024-05-01T08:00:00.000Z",
		"createdAt": 1714550000000,
		"updatedAt": "1714560000000",
		"timezone": "Europe/Berlin",
		"text": "# Title",
		"type": "markdown",
		"favourite": true,
		"sentiment": 0.75,
		"address": "Main St 1",
		"location": {"latitude": 52.5, "longitude": 13.4, "name": "Berlin"},
		"weather": {"degreeC": 21.5, "description": "Sunny", "humidity": 40},
		"tags": ["Travel", "travel", " work "],
		"activity": 3
	}`)
	var doc journeyEntry
	require.NoError(t, json.Unmarshal(raw, &doc))
	e, err := doc.toEntry("folder", raw)
	require.NoError(t, err)

	assert.Equal(t, "e1", e.ID)
	assert.True(t, e.EntryAt.Equal(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)))
	if loc, err := time.LoadLocation("Europe/Berlin"); err == nil {
		assert.Equal(t, loc.String(), e.EntryAt.Location().String())
	}
	assert.True(t, e.CreatedAt.Equal(time.UnixMilli(1714550000000)))
	assert.True(t, e.ModifiedAt.Equal(time.UnixMilli(1714560000000)))
	assert.Equal(t, "# Title", e.RichTextContent)
	assert.Empty(t, e.TextContent)
	assert.True(t, e.IsFavorite)
	require.NotNil(t, e.MoodScore)
	assert.InDelta(t, 0.75, *e.MoodScore, 1e-9)
	assert.Equal(t, model.NormalizeTags([]string{"Travel", "travel", " work "}), e.Tags)
	assert.Equal(t, []string{"3"}, e.Activities)

	require.NotNil(t, e.Location.Lat)
	assert.InDelta(t, 52.5, *e.Location.Lat, 1e-9)
	assert.InDelta(t, 13.4, *e.Location.Lon, 1e-9)
	assert.Equal(t, "Berlin", e.Location.Name)
	assert.Equal(t, "Main St 1", e.Location.Address)

	require.NotNil(t, e.Weather.Temperature)
	assert.InDelta(t, 21.5, *e.Weather.Temperature, 1e-9)
	assert.Equal(t, "Sunny", e.Weather.Condition)

	assert.Equal(t, SourceApp, e.SourceApp)
	assert.NotContains(t, e.SourceRawData, "\n")
}

func TestToEntry_Fallbacks(t *testing.T) {
	raw := []byte(`{"createdAt":"2024-05-01 09:30:00","text":"plain","location":{"lat":1,"lng":2},"activity":0}`)
	var doc journeyEntry
	require.NoError(t, json.Unmarshal(raw, &doc))
	e, err := doc.toEntry("from-folder", raw)
	require.NoError(t, err)

	assert.Equal(t, "from-folder", e.ID)
	assert.True(t, e.EntryAt.Equal(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)))
	assert.Equal(t, e.EntryAt, e.CreatedAt)
	assert.True(t, e.ModifiedAt.IsZero())
	assert.Equal(t, "plain", e.TextContent)
	assert.Empty(t, e.Activities)
	assert.InDelta(t, 1.0, *e.Location.Lat, 1e-9)
	assert.InDelta(t, 2.0, *e.Location.Lon, 1e-9)
}

func TestJourneyTime_Rejects(t *testing.T) {
	var jt journeyTime
	assert.Error(t, jt.UnmarshalJSON([]byte(`"last tuesday"`)))
	require.NoError(t, jt.UnmarshalJSON([]byte(`null`)))
	assert.True(t, jt.IsZero())
}
