package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/journalrelay/internal/model"
)

// SourceApp is recorded on every entry read from a Journey export.
const SourceApp = "Journey"

// journeyEntry is the per-entry JSON document of a Journey export.
type journeyEntry struct {
	ID            string           `json:"id"`
	DateOfJournal journeyTime      `json:"dateOfJournal"`
	CreatedAt     journeyTime      `json:"createdAt"`
	UpdatedAt     journeyTime      `json:"updatedAt"`
	Timezone      string           `json:"timezone"`
	Text          string           `json:"text"`
	Type          string           `json:"type"`
	Favourite     bool             `json:"favourite"`
	Sentiment     *float64         `json:"sentiment"`
	Address       string           `json:"address"`
	Location      *journeyLocation `json:"location"`
	Weather       *journeyWeather  `json:"weather"`
	Tags          []string         `json:"tags"`
	Activity      json.Number      `json:"activity"`
}

// journeyLocation accepts both the lat/lng and the latitude/longitude
// spellings.
type journeyLocation struct {
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Name      string   `json:"name"`
	Altitude  *float64 `json:"altitude"`
}

type journeyWeather struct {
	DegreeC     *float64 `json:"degreeC"`
	Temperature *float64 `json:"temperature"`
	Description string   `json:"description"`
	Condition   string   `json:"condition"`
	Humidity    *float64 `json:"humidity"`
	Pressure    *float64 `json:"pressure"`
}

// journeyTime is a timestamp given as an RFC 3339 string, a bare date, or
// milliseconds since the epoch (as number or string).
type journeyTime struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

func (t *journeyTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	var s string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

// toEntry maps the export document onto the entry model. folder is the
// entry's directory in the archive and stands in for a missing id.
func (j *journeyEntry) toEntry(folder string, raw []byte) (*model.Entry, error) {
	e := &model.Entry{
		ID:         strings.TrimSpace(j.ID),
		Timezone:   j.Timezone,
		IsFavorite: j.Favourite,
		MoodScore:  j.Sentiment,
		Tags:       model.NormalizeTags(j.Tags),
		SourceApp:  SourceApp,
	}
	if e.ID == "" {
		e.ID = folder
	}

	e.EntryAt = j.DateOfJournal.Time
	if e.EntryAt.IsZero() {
		e.EntryAt = j.CreatedAt.Time
	}
	if e.EntryAt.IsZero() {
		return nil, fmt.Errorf("neither dateOfJournal nor createdAt is set")
	}
	if j.Timezone != "" {
		if loc, err := time.LoadLocation(j.Timezone); err == nil {
			e.EntryAt = e.EntryAt.In(loc)
		}
	}
	e.CreatedAt = j.CreatedAt.Time
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.DateOfJournal.Time
	}
	e.ModifiedAt = j.UpdatedAt.Time

	if strings.EqualFold(j.Type, "markdown") {
		e.RichTextContent = j.Text
	} else {
		e.TextContent = j.Text
	}

	if n := j.Activity.String(); n != "" && n != "0" {
		e.Activities = []string{n}
	}

	e.Location.Address = j.Address
	if l := j.Location; l != nil {
		e.Location.Lat = firstNonNil(l.Lat, l.Latitude)
		e.Location.Lon = firstNonNil(l.Lng, l.Longitude)
		e.Location.Name = l.Name
		e.Location.Altitude = l.Altitude
	}
	if w := j.Weather; w != nil {
		e.Weather.Temperature = firstNonNil(w.DegreeC, w.Temperature)
		e.Weather.Condition = w.Description
		if e.Weather.Condition == "" {
			e.Weather.Condition = w.Condition
		}
		e.Weather.Humidity = w.Humidity
		e.Weather.Pressure = w.Pressure
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err == nil {
		e.SourceRawData = compact.String()
	} else {
		e.SourceRawData = string(raw)
	}
	return e, nil
}

func firstNonNil(vs ...*float64) *float64 {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}
