package backend

// Column names of the entries table.
const (
	ColJournalID         = "JournalId"
	ColEntryAt           = "EntryAt"
	ColCalendarEntryAt   = "CalendarEntryAt"
	ColTimezone          = "Timezone"
	ColJournalCreatedAt  = "JournalCreatedAt"
	ColJournalModifiedAt = "JournalModifiedAt"
	ColTextContent       = "TextContent"
	ColRichTextContent   = "RichTextContent"
	ColTitle             = "Title"
	ColTags              = "Tags"
	ColNotebook          = "Notebook"
	ColIsFavorite        = "IsFavorite"
	ColIsPinned          = "IsPinned"
	ColMood              = "Mood"
	ColMoodScore         = "MoodScore"
	ColActivities        = "Activities"
	ColLocationLat       = "LocationLat"
	ColLocationLon       = "LocationLon"
	ColLocationName      = "LocationName"
	ColLocationAddress   = "LocationAddress"
	ColLocationAltitude  = "LocationAltitude"
	ColWeatherTemp       = "WeatherTemp"
	ColWeatherCondition  = "WeatherCondition"
	ColWeatherHumidity   = "WeatherHumidity"
	ColWeatherPressure   = "WeatherPressure"
	ColDeviceName        = "DeviceName"
	ColStepCount         = "StepCount"
	ColMediaAttachments  = "MediaAttachments"
	ColSourceAppName     = "SourceAppName"
	ColSourceRawData     = "SourceRawData"
	ColSourceImportedAt  = "SourceImportedAt"

	// ColEntryAttachments is the owning side of the entry/attachment
	// relation, declared only on backends with reverse links.
	ColEntryAttachments = "Attachments"
)

// Column names of the attachments table.
const (
	ColAttachmentKey   = "AttachmentKey"
	ColAttachmentEntry = "JournalId"
	ColSequence        = "Sequence"
	ColFilename        = "Filename"
	ColKind            = "Kind"
	ColMimeType        = "MimeType"
	ColSize            = "Size"
	ColJournalEntry    = "JournalEntry"
)

// Default table names.
const (
	DefaultEntriesTable     = "JournalEntries"
	DefaultAttachmentsTable = "Attachments"
)

// TableNames are the configured names of the two journal tables.
type TableNames struct {
	Entries     string
	Attachments string
}

// WithDefaults fills empty names with the defaults.
func (n TableNames) WithDefaults() TableNames {
	if n.Entries == "" {
		n.Entries = DefaultEntriesTable
	}
	if n.Attachments == "" {
		n.Attachments = DefaultAttachmentsTable
	}
	return n
}

// EntriesDescriptor declares the entries table. With reverse set, it also
// declares the one-to-many link to the attachments table, which can only be
// created once that table exists.
func EntriesDescriptor(n TableNames, reverse bool) SchemaDescriptor {
	n = n.WithDefaults()
	d := SchemaDescriptor{
		Table: n.Entries,
		Columns: []Column{
			{Name: ColJournalID, Type: TypeText},
			{Name: ColEntryAt, Type: TypeText},
			{Name: ColCalendarEntryAt, Type: TypeDate},
			{Name: ColTimezone, Type: TypeText},
			{Name: ColJournalCreatedAt, Type: TypeText},
			{Name: ColJournalModifiedAt, Type: TypeText},
			{Name: ColTextContent, Type: TypeLongText},
			{Name: ColRichTextContent, Type: TypeLongText},
			{Name: ColTitle, Type: TypeText},
			{Name: ColTags, Type: TypeLongText},
			{Name: ColNotebook, Type: TypeText},
			{Name: ColIsFavorite, Type: TypeBool},
			{Name: ColIsPinned, Type: TypeBool},
			{Name: ColMood, Type: TypeText},
			{Name: ColMoodScore, Type: TypeNumber},
			{Name: ColActivities, Type: TypeLongText},
			{Name: ColLocationLat, Type: TypeNumber},
			{Name: ColLocationLon, Type: TypeNumber},
			{Name: ColLocationName, Type: TypeText},
			{Name: ColLocationAddress, Type: TypeLongText},
			{Name: ColLocationAltitude, Type: TypeNumber},
			{Name: ColWeatherTemp, Type: TypeNumber},
			{Name: ColWeatherCondition, Type: TypeText},
			{Name: ColWeatherHumidity, Type: TypeNumber},
			{Name: ColWeatherPressure, Type: TypeNumber},
			{Name: ColDeviceName, Type: TypeText},
			{Name: ColStepCount, Type: TypeInteger},
			{Name: ColMediaAttachments, Type: TypeLongText},
			{Name: ColSourceAppName, Type: TypeText},
			{Name: ColSourceRawData, Type: TypeLongText},
			{Name: ColSourceImportedAt, Type: TypeText},
		},
	}
	if reverse {
		d.Columns = append(d.Columns, Column{
			Name: ColEntryAttachments,
			Type: TypeLink,
			Link: &LinkSpec{Target: n.Attachments, Cardinality: OneToMany},
		})
	}
	return d
}

// AttachmentsDescriptor declares the attachments table with its
// many-to-one link to the entries table.
func AttachmentsDescriptor(n TableNames) SchemaDescriptor {
	n = n.WithDefaults()
	return SchemaDescriptor{
		Table: n.Attachments,
		Columns: []Column{
			{Name: ColAttachmentKey, Type: TypeText},
			{Name: ColAttachmentEntry, Type: TypeText},
			{Name: ColSequence, Type: TypeInteger},
			{Name: ColFilename, Type: TypeText},
			{Name: ColKind, Type: TypeText},
			{Name: ColMimeType, Type: TypeText},
			{Name: ColSize, Type: TypeInteger},
			{
				Name: ColJournalEntry,
				Type: TypeLink,
				Link: &LinkSpec{Target: n.Entries, Cardinality: ManyToOne},
			},
		},
	}
}
