package internal

import "time"

type SourceType string

const (
	SourceStreaming     SourceType = "streaming"
	SourceSoundExchange SourceType = "soundexchange"
	SourcePRO           SourceType = "pro"
	SourceMLC           SourceType = "mlc"
	SourceYouTube       SourceType = "youtube"
	SourceNeighbouring  SourceType = "neighbouring"
	SourceSync          SourceType = "sync"
)

var SourceTypes = []SourceType{
	SourceStreaming,
	SourceSoundExchange,
	SourcePRO,
	SourceMLC,
	SourceYouTube,
	SourceNeighbouring,
	SourceSync,
}

var sourceLabels = map[SourceType]string{
	SourceStreaming:     "Streaming",
	SourceSoundExchange: "SoundExchange",
	SourcePRO:           "PRO",
	SourceMLC:           "MLC",
	SourceYouTube:       "YouTube",
	SourceNeighbouring:  "Neighbouring Rights",
	SourceSync:          "Sync Licensing",
}

func (s SourceType) Valid() bool {
	_, ok := sourceLabels[s]
	return ok
}

// SourceLabel returns the display name, or the raw value for unknown types.
func SourceLabel(s SourceType) string {
	if label, ok := sourceLabels[s]; ok {
		return label
	}
	return string(s)
}

type Provider string

const (
	ProviderManualUpload Provider = "manual_upload"
	ProviderGmail        Provider = "gmail"
	ProviderOther        Provider = "other"
)

type SourceSystem string

const (
	SourceSystemUpload   SourceSystem = "upload"
	SourceSystemEmailCSV SourceSystem = "email_csv"
	SourceSystemAPI      SourceSystem = "api"
)

// DateLayout is the storage and display format for period dates.
const DateLayout = "2006-01-02"

type ParsedRow struct {
	SourceType  SourceType
	Amount      float64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Notes       string
}

type RowError struct {
	Row     int      `json:"row"`
	Message string   `json:"error"`
	Cells   []string `json:"data"`
}

type ParseMetadata struct {
	Parser         string `json:"parser"`
	TotalRows      int    `json:"totalRows"`
	SuccessfulRows int    `json:"successfulRows"`
	FailedRows     int    `json:"failedRows"`
}

type ParseResult struct {
	Success  bool
	Entries  []ParsedRow
	Errors   []RowError
	Metadata ParseMetadata
}

// RawPayload is stored as JSON on every statement. It must hold enough to
// re-derive the entries without contacting the mailbox again.
type RawPayload struct {
	CSVContent   string `json:"csvContent"`
	FileName     string `json:"fileName"`
	MessageID    string `json:"messageId,omitempty"`
	AttachmentID string `json:"attachmentId,omitempty"`
	From         string `json:"from,omitempty"`
	Subject      string `json:"subject,omitempty"`
	Transport    string `json:"transport,omitempty"`
}

type RawStatement struct {
	ID                 string
	UserID             string
	Provider           Provider
	SourceSystem       SourceSystem
	RawPayload         string
	Label              string
	FileName           string
	FileSize           int
	ParsedEntriesCount int
	CreatedAt          time.Time
}

type IncomeEntry struct {
	ID          string
	UserID      string
	StatementID *string
	SourceType  SourceType
	Amount      float64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Notes       string
	CreatedAt   time.Time
}

type User struct {
	ID             string
	Email          string
	ArtistName     string
	WritesOwnSongs bool
	MonthlyStreams int
}

type MailAccount struct {
	ID       string
	UserID   string
	Provider string
	Username string
	Secret   string
}

// AttachmentRef identifies one candidate attachment in a mailbox.
// AttachmentID is stable across listings; FetchID is the transport handle
// used to download the bytes. Transports that download whole messages set
// Content up front.
type AttachmentRef struct {
	Provider     Provider
	Transport    string
	MessageID    string
	AttachmentID string
	FetchID      string
	FileName     string
	MimeType     string
	From         string
	Subject      string
	ReceivedAt   string
	Content      []byte
}
