package models

import (
	"time"

	"github.com/google/uuid"
)

// VideoStatus is the processing state of a video.
type VideoStatus string

// Video lifecycle: Uploading -> Draft -> Processing -> Ready, Failed from Uploading or Processing.
const (
	VideoStatusUploading  VideoStatus = "Uploading"
	VideoStatusDraft      VideoStatus = "Draft"
	VideoStatusProcessing VideoStatus = "Processing"
	VideoStatusReady      VideoStatus = "Ready"
	VideoStatusFailed     VideoStatus = "Failed"
)

// VideoStatuses lists every valid status.
var VideoStatuses = []VideoStatus{
	VideoStatusUploading,
	VideoStatusDraft,
	VideoStatusProcessing,
	VideoStatusReady,
	VideoStatusFailed,
}

// Valid reports whether s is a known status.
func (s VideoStatus) Valid() bool {
	for _, v := range VideoStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// InFlight reports whether a pipeline step currently owns the video.
func (s VideoStatus) InFlight() bool {
	return s == VideoStatusUploading || s == VideoStatusProcessing
}

// Video is the metadata record of one uploaded media asset.
type Video struct {
	ID              uuid.UUID   `json:"id"`
	OwnerID         *uuid.UUID  `json:"owner_id"`
	FileKey         string      `json:"file_key"`
	Title           string      `json:"title"`
	Description     *string     `json:"description"`
	DurationSeconds *float64    `json:"duration"`
	Status          VideoStatus `json:"status"`
	FileStored      bool        `json:"-"` // primary object upload completed
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Segment is a time-bounded sub-clip derived from a video's primary asset.
type Segment struct {
	ID         uuid.UUID `json:"id"`
	VideoID    uuid.UUID `json:"video_id"`
	Position   int       `json:"position"` // index in the split request
	Start      float64   `json:"start"`
	End        float64   `json:"end"`
	SegmentKey string    `json:"segment_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Duration returns End - Start in seconds.
func (s Segment) Duration() float64 { return s.End - s.Start }
