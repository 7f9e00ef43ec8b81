package types

import (
	"strconv"
	"time"
)

type PeerState string

const (
	PeerAnnounced PeerState = "announced"
	PeerActive    PeerState = "active"
	PeerOffline   PeerState = "offline"
)

type PeerDevice struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"displayName"`
	Address        string    `json:"address"`
	Port           int       `json:"port"`
	Platform       string    `json:"platform"`
	Version        string    `json:"version,omitempty"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
	Online         bool      `json:"online"`
	State          PeerState `json:"state"`
	NameIsFallback bool      `json:"-"` // name came from the raw instance string, not a TXT record
}

// Endpoint is the (address, port) pair used as the de-duplication key.
func (p PeerDevice) Endpoint() string {
	return p.Address + ":" + strconv.Itoa(p.Port)
}

type SharedFolder struct {
	ID      string `json:"id" yaml:"id"`
	Path    string `json:"path" yaml:"path"`
	Alias   string `json:"alias" yaml:"alias"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

type EntryKind string

const (
	KindFile   EntryKind = "file"
	KindFolder EntryKind = "folder"
)

type MediaKind string

const (
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaImage    MediaKind = "image"
	MediaDocument MediaKind = "document"
	MediaOther    MediaKind = "other"
)

type MediaEntry struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	RelativePath   string    `json:"relativePath"`
	Kind           EntryKind `json:"kind"`
	SizeBytes      *int64    `json:"sizeBytes,omitempty"`
	MimeType       string    `json:"mimeType,omitempty"`
	MediaKind      MediaKind `json:"mediaKind"`
	ModifiedAt     time.Time `json:"modifiedAt"`
	ParentFolderID string    `json:"parentFolderId"`
}

func (e MediaEntry) IsFolder() bool { return e.Kind == KindFolder }

type DownloadStatus string

const (
	StatusQueued      DownloadStatus = "queued"
	StatusDownloading DownloadStatus = "downloading"
	StatusPaused      DownloadStatus = "paused"
	StatusCompleted   DownloadStatus = "completed"
	StatusFailed      DownloadStatus = "failed"
)

type Download struct {
	ID              string         `json:"id"`
	SourceFileID    string         `json:"sourceFileId"`
	FileName        string         `json:"fileName"`
	SourcePeerID    string         `json:"sourcePeerId"`
	SourcePeerName  string         `json:"sourcePeerName"`
	RemotePath      string         `json:"remotePath"`
	LocalPath       string         `json:"localPath,omitempty"`
	TotalBytes      int64          `json:"totalBytes"`
	DownloadedBytes int64          `json:"downloadedBytes"`
	Status          DownloadStatus `json:"status"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	ExpiresAt       *time.Time     `json:"expiresAt,omitempty"`
	IsAutoDownload  bool           `json:"isAutoDownload"`
	LastError       string         `json:"lastError,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// Live reports whether the record blocks a second download of the same source
// file: anything except failed.
func (d Download) Live() bool { return d.Status != StatusFailed }

type DetectionMethod string

const (
	DetectPattern  DetectionMethod = "pattern"
	DetectFallback DetectionMethod = "fallback"
)

type AutoDownloadBatch struct {
	ID               string          `json:"id"`
	TriggeringFileID string          `json:"triggeringFileId"`
	PeerID           string          `json:"peerId"`
	MemberFileIDs    []string        `json:"memberFileIds"`
	DetectionMethod  DetectionMethod `json:"detectionMethod"`
	CreatedAt        time.Time       `json:"createdAt"`
}

type DownloadEventType string

const (
	EventAdded     DownloadEventType = "added"
	EventStarted   DownloadEventType = "started"
	EventProgress  DownloadEventType = "progress"
	EventPaused    DownloadEventType = "paused"
	EventResumed   DownloadEventType = "resumed"
	EventFailed    DownloadEventType = "failed"
	EventCompleted DownloadEventType = "completed"
	EventCancelled DownloadEventType = "cancelled"
	EventDeleted   DownloadEventType = "deleted"
)

type DownloadEvent struct {
	Type      DownloadEventType `json:"type"`
	Download  Download          `json:"download"`
	Bytes     int64             `json:"bytes,omitempty"`
	Total     int64             `json:"total,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// DeviceInfo is the body of GET /info.
type DeviceInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Platform      string `json:"platform"`
	Version       string `json:"version"`
	SharedFolders int    `json:"sharedFolders"`
	Files         int    `json:"files"`
}
