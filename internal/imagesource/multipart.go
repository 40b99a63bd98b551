package imagesource

import (
	"context"
	"io"
	"mime/multipart"

	"go.uber.org/zap"

	"github.com/example/cow-check/internal/logging"
)

// MultipartSource picks images from an uploaded multipart form. The declared
// part Content-Type decides acceptance; parts without one are sniffed.
type MultipartSource struct {
	files  []*multipart.FileHeader
	filter Filter
	logger *zap.Logger
}

// NewMultipartSource builds a source over the uploaded file headers.
func NewMultipartSource(files []*multipart.FileHeader, filter Filter, logger *zap.Logger) *MultipartSource {
	return &MultipartSource{files: files, filter: filter, logger: logger.Named("multipart_source")}
}

// Pick reads accepted parts until maxCount images are collected.
func (s *MultipartSource) Pick(ctx context.Context, maxCount int) ([]Image, error) {
	limit := clampCount(maxCount)
	images := make([]Image, 0, limit)

	for _, fh := range s.files {
		if len(images) == limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, logging.NewOperationError("imagesource.multipart.pick", "", err)
		}
		if !s.filter.AcceptsSize(fh.Size) {
			s.logger.Warn("skipping upload over size cap", zap.String("filename", fh.Filename), zap.Int64("size", fh.Size))
			continue
		}

		declared := fh.Header.Get("Content-Type")
		if declared != "" && !s.filter.AcceptsType(declared) {
			s.logger.Warn("skipping non-image upload", zap.String("filename", fh.Filename), zap.String("content_type", declared))
			continue
		}

		data, err := readPart(fh)
		if err != nil {
			return nil, logging.NewOperationError("imagesource.multipart.read", "", err)
		}
		if declared == "" {
			declared = Sniff(data)
			if !s.filter.AcceptsType(declared) {
				s.logger.Warn("skipping non-image upload", zap.String("filename", fh.Filename), zap.String("content_type", declared))
				continue
			}
		}

		images = append(images, Image{Name: fh.Filename, ContentType: declared, Data: data})
	}
	return images, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	src, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}
