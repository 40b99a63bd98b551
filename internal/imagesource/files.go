package imagesource

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/example/cow-check/internal/logging"
)

// FileSource picks images from local paths, in the order given. The media
// type is sniffed from the file content rather than trusted from the extension.
type FileSource struct {
	paths  []string
	filter Filter
	logger *zap.Logger
}

// NewFileSource builds a source over paths.
func NewFileSource(paths []string, filter Filter, logger *zap.Logger) *FileSource {
	return &FileSource{paths: paths, filter: filter, logger: logger.Named("file_source")}
}

// Pick reads accepted files until maxCount images are collected.
func (s *FileSource) Pick(ctx context.Context, maxCount int) ([]Image, error) {
	limit := clampCount(maxCount)
	images := make([]Image, 0, limit)

	for _, path := range s.paths {
		if len(images) == limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, logging.NewOperationError("imagesource.files.pick", "", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, logging.NewOperationError("imagesource.files.stat", "", err)
		}
		if info.IsDir() {
			s.logger.Warn("skipping directory", zap.String("path", path))
			continue
		}
		if !s.filter.AcceptsSize(info.Size()) {
			s.logger.Warn("skipping file over size cap", zap.String("path", path), zap.Int64("size", info.Size()))
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, logging.NewOperationError("imagesource.files.read", "", err)
		}
		contentType := Sniff(data)
		if !s.filter.AcceptsType(contentType) {
			s.logger.Warn("skipping non-image file", zap.String("path", path), zap.String("content_type", contentType))
			continue
		}

		images = append(images, Image{
			Name:        filepath.Base(path),
			ContentType: contentType,
			Data:        data,
		})
	}
	return images, nil
}
