package backend

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/journalrelay/internal/model"
)

// now is replaced in tests.
var now = time.Now

// EncodeEntry renders an entry in the canonical field representation
// shared by all backends: timestamps as RFC 3339 strings with their
// original offset, numbers as float64 or int, lists as JSON text. Every
// entry column is present; absent optional values are nil so that an
// update clears what the entry no longer carries.
//
// Adapters start from this map and convert only what their API needs
// differently.
func EncodeEntry(e *model.Entry) Fields {
	f := Fields{
		ColJournalID:        e.ID,
		ColEntryAt:          formatTime(e.EntryAt),
		ColCalendarEntryAt:  e.EntryAt.UTC().Format(time.DateOnly),
		ColIsFavorite:       e.IsFavorite,
		ColIsPinned:         e.IsPinned,
		ColSourceImportedAt: formatTime(now().UTC()),
	}

	putString(f, ColTimezone, e.Timezone)
	putTime(f, ColJournalCreatedAt, e.CreatedAt)
	putTime(f, ColJournalModifiedAt, e.ModifiedAt)
	putString(f, ColTextContent, e.TextContent)
	putString(f, ColRichTextContent, e.RichTextContent)
	putString(f, ColTitle, e.Title)
	putStrings(f, ColTags, e.Tags)
	putString(f, ColNotebook, e.Notebook)
	putString(f, ColMood, e.MoodLabel)
	putFloat(f, ColMoodScore, e.MoodScore)
	putStrings(f, ColActivities, e.Activities)

	putFloat(f, ColLocationLat, e.Location.Lat)
	putFloat(f, ColLocationLon, e.Location.Lon)
	putString(f, ColLocationName, e.Location.Name)
	putString(f, ColLocationAddress, e.Location.Address)
	putFloat(f, ColLocationAltitude, e.Location.Altitude)

	putFloat(f, ColWeatherTemp, e.Weather.Temperature)
	putString(f, ColWeatherCondition, e.Weather.Condition)
	putFloat(f, ColWeatherHumidity, e.Weather.Humidity)
	putFloat(f, ColWeatherPressure, e.Weather.Pressure)

	putString(f, ColDeviceName, e.DeviceName)
	if e.StepCount != nil {
		f[ColStepCount] = *e.StepCount
	}
	if len(e.MediaAttachments) > 0 {
		b, _ := json.Marshal(e.MediaAttachments) // plain struct slice, cannot fail
		f[ColMediaAttachments] = string(b)
	}
	putString(f, ColSourceAppName, e.SourceApp)
	putString(f, ColSourceRawData, e.SourceRawData)

	for _, col := range entryColumns {
		if _, ok := f[col]; !ok {
			f[col] = nil
		}
	}
	return f
}

var entryColumns = func() []string {
	cols := EntriesDescriptor(TableNames{}, false).PlainColumns()
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}()

// DecodeEntry reverses [EncodeEntry]. It accepts the value shapes that
// backends commonly hand back: numbers as float64, int64 or numeric
// strings; booleans as bool, 0/1 or "true"/"false"; JSON lists as text or
// as already-decoded slices.
func DecodeEntry(f Fields) (*model.Entry, error) {
	e := &model.Entry{}
	var err error

	if e.ID = AsString(f[ColJournalID]); e.ID == "" {
		return nil, fmt.Errorf("record has no %s", ColJournalID)
	}
	if e.EntryAt, err = AsTime(f[ColEntryAt]); err != nil {
		return nil, fieldErr(e.ID, ColEntryAt, err)
	}
	if e.EntryAt.IsZero() {
		return nil, fieldErr(e.ID, ColEntryAt, fmt.Errorf("missing"))
	}
	if e.CreatedAt, err = AsTime(f[ColJournalCreatedAt]); err != nil {
		return nil, fieldErr(e.ID, ColJournalCreatedAt, err)
	}
	if e.ModifiedAt, err = AsTime(f[ColJournalModifiedAt]); err != nil {
		return nil, fieldErr(e.ID, ColJournalModifiedAt, err)
	}

	e.Timezone = AsString(f[ColTimezone])
	e.TextContent = AsString(f[ColTextContent])
	e.RichTextContent = AsString(f[ColRichTextContent])
	e.Title = AsString(f[ColTitle])
	e.Notebook = AsString(f[ColNotebook])
	e.IsFavorite = AsBool(f[ColIsFavorite])
	e.IsPinned = AsBool(f[ColIsPinned])
	e.MoodLabel = AsString(f[ColMood])

	if e.Tags, err = asStrings(f[ColTags]); err != nil {
		return nil, fieldErr(e.ID, ColTags, err)
	}
	if e.Activities, err = asStrings(f[ColActivities]); err != nil {
		return nil, fieldErr(e.ID, ColActivities, err)
	}

	floats := []struct {
		col string
		dst **float64
	}{
		{ColMoodScore, &e.MoodScore},
		{ColLocationLat, &e.Location.Lat},
		{ColLocationLon, &e.Location.Lon},
		{ColLocationAltitude, &e.Location.Altitude},
		{ColWeatherTemp, &e.Weather.Temperature},
		{ColWeatherHumidity, &e.Weather.Humidity},
		{ColWeatherPressure, &e.Weather.Pressure},
	}
	for _, fl := range floats {
		if *fl.dst, err = asFloatPtr(f[fl.col]); err != nil {
			return nil, fieldErr(e.ID, fl.col, err)
		}
	}

	e.Location.Name = AsString(f[ColLocationName])
	e.Location.Address = AsString(f[ColLocationAddress])
	e.Weather.Condition = AsString(f[ColWeatherCondition])
	e.DeviceName = AsString(f[ColDeviceName])

	steps, err := asFloatPtr(f[ColStepCount])
	if err != nil {
		return nil, fieldErr(e.ID, ColStepCount, err)
	}
	if steps != nil {
		n := int(math.Round(*steps))
		e.StepCount = &n
	}

	if raw := AsString(f[ColMediaAttachments]); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.MediaAttachments); err != nil {
			return nil, fieldErr(e.ID, ColMediaAttachments, err)
		}
	}

	e.SourceApp = AsString(f[ColSourceAppName])
	e.SourceRawData = AsString(f[ColSourceRawData])
	return e, nil
}

// EncodeAttachment renders the attachments-table row for the attachment at
// position seq of the entry, stored under key. The link column is left to
// the caller.
func EncodeAttachment(entryID, key string, seq int, a model.Attachment, mimeType string, size int64) Fields {
	f := Fields{
		ColAttachmentKey:   key,
		ColAttachmentEntry: entryID,
		ColSequence:        seq,
		ColFilename:        a.OriginalFilename,
		ColKind:            string(a.Kind),
	}
	putString(f, ColMimeType, mimeType)
	if size > 0 {
		f[ColSize] = size
	}
	return f
}

func fieldErr(id, col string, err error) error {
	return fmt.Errorf("entry %s: field %s: %w", id, col, err)
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func putString(f Fields, col, v string) {
	if v != "" {
		f[col] = v
	}
}

func putTime(f Fields, col string, t time.Time) {
	if !t.IsZero() {
		f[col] = formatTime(t)
	}
}

func putFloat(f Fields, col string, v *float64) {
	if v != nil {
		f[col] = *v
	}
}

func putStrings(f Fields, col string, v []string) {
	if len(v) > 0 {
		b, _ := json.Marshal(v) // []string cannot fail
		f[col] = string(b)
	}
}

// AsString renders scalar field values as text. Nil becomes "".
func AsString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// AsLinkIDs decodes a link column value into remote record ids. It accepts
// the shapes the backends read links back as: a bare id, a list of ids,
// objects carrying an "id", and Grist's ["L", id, ...] list.
func AsLinkIDs(v any) []string {
	var out []string
	add := func(x any) {
		if m, ok := x.(map[string]any); ok {
			x = m["id"]
		}
		if id := AsString(x); id != "" && id != "0" {
			out = append(out, id)
		}
	}
	switch x := v.(type) {
	case nil:
	case []string:
		for _, id := range x {
			add(id)
		}
	case []any:
		if len(x) > 0 && x[0] == "L" {
			x = x[1:]
		}
		for _, el := range x {
			add(el)
		}
	default:
		add(x)
	}
	return out
}

// AsBool interprets common truthy encodings.
func AsBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case int64:
		return x != 0
	case int:
		return x != 0
	case float64:
		return x != 0
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	}
	return false
}

// AsFloat converts a numeric field value. ok is false for nil or empty
// values.
func AsFloat(v any) (f float64, ok bool, err error) {
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		return x, true, nil
	case float32:
		return float64(x), true, nil
	case int64:
		return float64(x), true, nil
	case int:
		return float64(x), true, nil
	case json.Number:
		f, err := x.Float64()
		return f, err == nil, err
	case string:
		if strings.TrimSpace(x) == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil, err
	}
	return 0, false, fmt.Errorf("unexpected numeric value %T", v)
}

func asFloatPtr(v any) (*float64, error) {
	f, ok, err := AsFloat(v)
	if err != nil || !ok {
		return nil, err
	}
	return &f, nil
}

// AsTime parses an RFC 3339 timestamp. Nil and "" yield the zero time.
func AsTime(v any) (time.Time, error) {
	s := strings.TrimSpace(AsString(v))
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func asStrings(v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return model.NormalizeTags(x), nil
	case []any:
		out := make([]string, 0, len(x))
		for _, s := range x {
			out = append(out, AsString(s))
		}
		return model.NormalizeTags(out), nil
	}
	raw := strings.TrimSpace(AsString(v))
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return model.NormalizeTags(out), nil
}
