// Package imagesource supplies raw image buffers to a classification session.
// Sources filter out anything that is not an image or exceeds the size cap
// and never return more than the requested count.
package imagesource

import (
	"context"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	// MaxImages is the most images a single pick may return.
	MaxImages = 10
	// MaxImageBytes caps the size of a single accepted image (5 MiB).
	MaxImageBytes = 5 << 20
)

// Image is one picked buffer plus the metadata it was picked with.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Source picks up to maxCount images. A cancelled pick returns an empty list.
type Source interface {
	Pick(ctx context.Context, maxCount int) ([]Image, error)
}

// Filter decides which buffers are accepted.
type Filter struct {
	MaxBytes int64
}

// DefaultFilter accepts images up to MaxImageBytes.
func DefaultFilter() Filter {
	return Filter{MaxBytes: MaxImageBytes}
}

// AcceptsSize reports whether a buffer of size bytes is within the cap.
func (f Filter) AcceptsSize(size int64) bool {
	limit := f.MaxBytes
	if limit <= 0 {
		limit = MaxImageBytes
	}
	return size >= 0 && size <= limit
}

// AcceptsType reports whether contentType names an image media type.
func (f Filter) AcceptsType(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	return strings.HasPrefix(mediaType, "image/")
}

// Sniff returns the detected media type of data.
func Sniff(data []byte) string {
	return mimetype.Detect(data).String()
}

func clampCount(maxCount int) int {
	if maxCount <= 0 || maxCount > MaxImages {
		return MaxImages
	}
	return maxCount
}
