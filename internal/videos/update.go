package videos

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/clipvault/backend/internal/models"
)

// VideoUpdate is a partial update. Nil fields are left untouched; ClearDescription sets description to null.
type VideoUpdate struct {
	Title            *string
	Description      *string
	ClearDescription bool
	Status           *models.VideoStatus
}

// Empty reports whether the update carries no field at all.
func (u VideoUpdate) Empty() bool {
	return u.Title == nil && u.Description == nil && !u.ClearDescription && u.Status == nil
}

// ParseUpdate builds a VideoUpdate from a JSON object, keeping track of which keys were present.
// An explicit null clears description; null for title or status is rejected.
func ParseUpdate(raw map[string]json.RawMessage) (VideoUpdate, error) {
	var u VideoUpdate
	for key, val := range raw {
		isNull := bytes.Equal(bytes.TrimSpace(val), []byte("null"))
		switch key {
		case "title":
			if isNull {
				return u, invalid("title", "title cannot be null")
			}
			var s string
			if err := json.Unmarshal(val, &s); err != nil {
				return u, invalid("title", "must be a string")
			}
			u.Title = &s
		case "description":
			if isNull {
				u.ClearDescription = true
				continue
			}
			var s string
			if err := json.Unmarshal(val, &s); err != nil {
				return u, invalid("description", "must be a string or null")
			}
			u.Description = &s
		case "status":
			if isNull {
				return u, invalid("status", "status cannot be null")
			}
			var s string
			if err := json.Unmarshal(val, &s); err != nil {
				return u, invalid("status", "must be a string")
			}
			st := models.VideoStatus(s)
			u.Status = &st
		default:
			return u, invalid(key, "unknown field")
		}
	}
	return u, u.Validate()
}

// Validate checks field values without looking at the current video.
func (u VideoUpdate) Validate() error {
	if u.Title != nil && strings.TrimSpace(*u.Title) == "" {
		return invalid("title", "title must not be empty")
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return invalid("status", "must be one of Uploading, Draft, Processing, Ready, Failed")
		}
		if u.Status.InFlight() {
			return invalid("status", "%s is set by the processing pipeline and cannot be patched", *u.Status)
		}
	}
	return nil
}

// ApplyUpdate merges u into v and reports whether the status changed.
func ApplyUpdate(v *models.Video, u VideoUpdate) (statusChanged bool) {
	if u.Title != nil {
		v.Title = strings.TrimSpace(*u.Title)
	}
	if u.ClearDescription {
		v.Description = nil
	} else if u.Description != nil {
		d := *u.Description
		v.Description = &d
	}
	if u.Status != nil && *u.Status != v.Status {
		v.Status = *u.Status
		statusChanged = true
	}
	return statusChanged
}
