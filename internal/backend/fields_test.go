package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/journalrelay/internal/model"
)

func ptr[T any](v T) *T { return &v }

func fullEntry() *model.Entry {
	berlin := time.FixedZone("CEST", 2*60*60)
	return &model.Entry{
		ID:              "1687001234567-abc",
		EntryAt:         time.Date(2023, 6, 17, 9, 30, 0, 123000000, berlin),
		Timezone:        "Europe/Berlin",
		CreatedAt:       time.Date(2023, 6, 17, 7, 30, 0, 0, time.UTC),
		ModifiedAt:      time.Date(2023, 6, 18, 8, 0, 0, 0, time.UTC),
		Title:           "Morning",
		TextContent:     "plain text",
		RichTextContent: "**rich**",
		Tags:            []string{"travel", "family"},
		Notebook:        "Personal",
		IsFavorite:      true,
		MoodLabel:       "good",
		MoodScore:       ptr(0.75),
		Activities:      []string{"walking"},
		Location: model.Location{
			Lat: ptr(52.52), Lon: ptr(13.405), Name: "Berlin",
			Address: "Alexanderplatz", Altitude: ptr(34.0),
		},
		Weather: model.Weather{
			Temperature: ptr(21.5), Condition: "sunny", Humidity: ptr(40.0), Pressure: ptr(1013.0),
		},
		DeviceName: "Pixel",
		StepCount:  ptr(4200),
		MediaAttachments: []model.Attachment{
			{LocalPath: "/tmp/x/a.jpg", Kind: model.KindPhoto, OriginalFilename: "a.jpg"},
			{LocalPath: "/tmp/x/b.mp4", Kind: model.KindVideo, OriginalFilename: "b.mp4"},
		},
		SourceApp:     "JourneyCloud",
		SourceRawData: `{"id":"1687001234567-abc"}`,
	}
}

// assertSameEntry compares entries field by field, treating timestamps as
// instants.
func assertSameEntry(t *testing.T, want, got *model.Entry) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.True(t, want.EntryAt.Equal(got.EntryAt), "EntryAt = %v, want %v", got.EntryAt, want.EntryAt)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	assert.True(t, want.ModifiedAt.Equal(got.ModifiedAt), "ModifiedAt = %v, want %v", got.ModifiedAt, want.ModifiedAt)

	w, g := *want, *got
	w.EntryAt, w.CreatedAt, w.ModifiedAt = time.Time{}, time.Time{}, time.Time{}
	g.EntryAt, g.CreatedAt, g.ModifiedAt = time.Time{}, time.Time{}, time.Time{}
	assert.Equal(t, w, g)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	want := fullEntry()
	got, err := DecodeEntry(EncodeEntry(want))
	require.NoError(t, err)
	assertSameEntry(t, want, got)
}

func TestEncodeDecode_MinimalEntry(t *testing.T) {
	want := &model.Entry{ID: "x", EntryAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	f := EncodeEntry(want)

	for _, col := range []string{ColTags, ColMoodScore, ColMediaAttachments} {
		v, ok := f[col]
		assert.True(t, ok, "absent %s must be sent as null", col)
		assert.Nil(t, v)
	}
	assert.Equal(t, false, f[ColIsFavorite])

	got, err := DecodeEntry(f)
	require.NoError(t, err)
	assertSameEntry(t, want, got)
}

func TestEncodeEntry_AttachmentOrderPreserved(t *testing.T) {
	e := fullEntry()
	got, err := DecodeEntry(EncodeEntry(e))
	require.NoError(t, err)
	require.Len(t, got.MediaAttachments, 2)
	assert.Equal(t, "a.jpg", got.MediaAttachments[0].OriginalFilename)
	assert.Equal(t, "b.mp4", got.MediaAttachments[1].OriginalFilename)
}

func TestEncodeEntry_CalendarDateIsUTC(t *testing.T) {
	e := &model.Entry{ID: "x", EntryAt: time.Date(2024, 1, 2, 0, 30, 0, 0, time.FixedZone("", 2*60*60))}
	assert.Equal(t, "2024-01-01", EncodeEntry(e)[ColCalendarEntryAt])
}

func TestEncodeEntry_ImportedAtUsesClock(t *testing.T) {
	orig := now
	t.Cleanup(func() { now = orig })
	now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }

	f := EncodeEntry(fullEntry())
	assert.Equal(t, "2025-03-01T12:00:00Z", f[ColSourceImportedAt])
}

func TestDecodeEntry_BackendValueShapes(t *testing.T) {
	// ---- Values as SQLite and loosely typed REST backends return them.
	f := Fields{
		ColJournalID:         "id-1",
		ColEntryAt:           "2024-05-01T10:00:00Z",
		ColJournalModifiedAt: "2024-05-02T10:00:00Z",
		ColIsFavorite:        int64(1),
		ColIsPinned:          "false",
		ColMoodScore:         "0.5",
		ColStepCount:         int64(321),
		ColTags:              []any{"a", "b", "a"},
		ColLocationLat:       nil,
	}
	got, err := DecodeEntry(f)
	require.NoError(t, err)
	assert.True(t, got.IsFavorite)
	assert.False(t, got.IsPinned)
	require.NotNil(t, got.MoodScore)
	assert.InDelta(t, 0.5, *got.MoodScore, 1e-9)
	require.NotNil(t, got.StepCount)
	assert.Equal(t, 321, *got.StepCount)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.Nil(t, got.Location.Lat)
}

func TestDecodeEntry_Errors(t *testing.T) {
	tests := []struct {
		name   string
		fields Fields
	}{
		{"missing id", Fields{ColEntryAt: "2024-05-01T10:00:00Z"}},
		{"missing entry_at", Fields{ColJournalID: "x"}},
		{"bad timestamp", Fields{ColJournalID: "x", ColEntryAt: "yesterday"}},
		{"bad tags", Fields{ColJournalID: "x", ColEntryAt: "2024-05-01T10:00:00Z", ColTags: "[oops"}},
		{"bad number", Fields{ColJournalID: "x", ColEntryAt: "2024-05-01T10:00:00Z", ColMoodScore: "high"}},
		{"bad attachments", Fields{ColJournalID: "x", ColEntryAt: "2024-05-01T10:00:00Z", ColMediaAttachments: "{"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEntry(tt.fields)
			assert.Error(t, err)
		})
	}
}

func TestEncodeAttachment(t *testing.T) {
	a := model.Attachment{Kind: model.KindPhoto, OriginalFilename: "p.jpg"}
	f := EncodeAttachment("e1", "e1/p.jpg", 2, a, "image/jpeg", 1024)

	assert.Equal(t, "e1/p.jpg", f[ColAttachmentKey])
	assert.Equal(t, "e1", f[ColAttachmentEntry])
	assert.Equal(t, 2, f[ColSequence])
	assert.Equal(t, "photo", f[ColKind])
	assert.Equal(t, "image/jpeg", f[ColMimeType])
	assert.Equal(t, int64(1024), f[ColSize])
	assert.NotContains(t, f, ColJournalEntry)
}

func TestAsLinkIDs(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want []string
	}{
		{"nil", nil, nil},
		{"bare id", float64(7), []string{"7"}},
		{"unset ref", float64(0), nil},
		{"string list", []string{"a", "b"}, []string{"a", "b"}},
		{"grist list", []any{"L", float64(3), float64(1)}, []string{"3", "1"}},
		{"objects", []any{map[string]any{"id": "r2"}, map[string]any{"id": "r1"}}, []string{"r2", "r1"}},
		{"single object", map[string]any{"id": float64(4)}, []string{"4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AsLinkIDs(tt.in))
		})
	}
}
