package storage

import (
	"fmt"
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

const (
	// FolderVideos is the prefix for primary video objects.
	FolderVideos = "videos"
	// FolderSegments is the prefix for split segment objects.
	FolderSegments = "segments"
	maxNameLen     = 120
)

// Allowed video MIME types and extensions.
var (
	AllowedVideoTypes = map[string]string{
		"video/mp4":        ".mp4",
		"video/quicktime":  ".mov",
		"video/webm":       ".webm",
		"video/x-matroska": ".mkv",
		"video/x-msvideo":  ".avi",
		"video/mpeg":       ".mpg",
	}
	AllowedVideoExtensions = map[string]string{
		".mp4":  "video/mp4",
		".m4v":  "video/mp4",
		".mov":  "video/quicktime",
		".webm": "video/webm",
		".mkv":  "video/x-matroska",
		".avi":  "video/x-msvideo",
		".mpg":  "video/mpeg",
		".mpeg": "video/mpeg",
	}
)

// ValidateVideoFileType returns true if the content type or extension is a known video type.
func ValidateVideoFileType(contentType, filename string) bool {
	if contentType != "" {
		ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
		if _, ok := AllowedVideoTypes[ct]; ok {
			return true
		}
	}
	_, ok := AllowedVideoExtensions[strings.ToLower(path.Ext(filename))]
	return ok
}

// ContentTypeForFilename returns the MIME type for a video filename extension.
func ContentTypeForFilename(filename string) string {
	if ct, ok := AllowedVideoExtensions[strings.ToLower(path.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// VideoKey returns a fresh object key for an uploaded file: videos/{uuidhex}_{filename}.
func VideoKey(filename string) string {
	return path.Join(FolderVideos, newHex()+"_"+SanitizeFilename(filename))
}

// SegmentKey returns a fresh object key for segment index of a video:
// segments/{video_id}/{uuidhex}_seg{index}.mp4.
func SegmentKey(videoID uuid.UUID, index int) string {
	return path.Join(FolderSegments, videoID.String(), fmt.Sprintf("%s_seg%d.mp4", newHex(), index))
}

// SanitizeFilename keeps the base name and replaces anything outside [A-Za-z0-9._-] with '_'.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > maxNameLen {
		out = out[len(out)-maxNameLen:]
	}
	return out
}

func newHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
