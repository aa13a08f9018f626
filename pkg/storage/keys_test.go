package storage

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestVideoKeyIsUniqueAndSanitized(t *testing.T) {
	a := VideoKey("../../etc/My Clip (1).mp4")
	b := VideoKey("../../etc/My Clip (1).mp4")

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "videos/"))
	assert.True(t, strings.HasSuffix(a, "_My_Clip__1_.mp4"), a)
	assert.NotContains(t, a, "..")
}

func TestSegmentKey(t *testing.T) {
	id := uuid.MustParse("8b3c5c2e-35a6-4c53-9d0f-0f4d5e6a7b8c")
	k := SegmentKey(id, 3)
	assert.True(t, strings.HasPrefix(k, "segments/"+id.String()+"/"))
	assert.True(t, strings.HasSuffix(k, "_seg3.mp4"))
	assert.NotEqual(t, k, SegmentKey(id, 3))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "upload", SanitizeFilename(""))
	assert.Equal(t, "clip.mp4", SanitizeFilename(`C:\videos\clip.mp4`))
	assert.Equal(t, "v_deo.mov", SanitizeFilename("vídeo.mov"))
	assert.Len(t, SanitizeFilename(strings.Repeat("a", 300)+".mp4"), maxNameLen)
}

func TestValidateVideoFileType(t *testing.T) {
	assert.True(t, ValidateVideoFileType("video/mp4", "x.bin"))
	assert.True(t, ValidateVideoFileType("video/mp4; codecs=avc1", ""))
	assert.True(t, ValidateVideoFileType("application/octet-stream", "clip.MOV"))
	assert.False(t, ValidateVideoFileType("image/png", "a.png"))
	assert.Equal(t, "video/webm", ContentTypeForFilename("a.webm"))
	assert.Equal(t, "application/octet-stream", ContentTypeForFilename("a"))
}
