package services

import (
	"context"
	"time"

	"github.com/vitalscan/neurostudy-backend/internal/clients/gcs"
	"github.com/vitalscan/neurostudy-backend/internal/clients/rediscache"
	"github.com/vitalscan/neurostudy-backend/internal/logger"
)

const (
	sourceDirectoriesCacheKey = "source_directories_list"
	sourceDirectoriesCacheTTL = 10 * time.Minute
)

type SourceDirectory struct {
	Name      string `json:"name"`
	FileCount int    `json:"file_count"`
}

// SourceBrowser lists the candidate study directories in the source bucket.
// Listings are cached in redis; a nil cache degrades to a live listing on
// every call.
type SourceBrowser interface {
	ListDirectories(ctx context.Context) ([]SourceDirectory, error)
	InvalidateCache(ctx context.Context) error
}

type sourceBrowser struct {
	log    *logger.Logger
	source gcs.SourceStore
	cache  *rediscache.Cache
}

func NewSourceBrowser(baseLog *logger.Logger, source gcs.SourceStore, cache *rediscache.Cache) SourceBrowser {
	return &sourceBrowser{
		log:    baseLog.With("service", "SourceBrowser"),
		source: source,
		cache:  cache,
	}
}

func (s *sourceBrowser) ListDirectories(ctx context.Context) ([]SourceDirectory, error) {
	var cached []SourceDirectory
	if hit, err := s.cache.GetJSON(ctx, sourceDirectoriesCacheKey, &cached); err == nil && hit {
		return cached, nil
	}

	names, err := s.source.ListDirectories(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]SourceDirectory, 0, len(names))
	for _, name := range names {
		files, err := s.source.ListFiles(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, SourceDirectory{Name: name, FileCount: len(files)})
	}

	if err := s.cache.SetJSON(ctx, sourceDirectoriesCacheKey, out, sourceDirectoriesCacheTTL); err != nil {
		s.log.Warn("failed to cache source directory listing", "error", err)
	}
	return out, nil
}

func (s *sourceBrowser) InvalidateCache(ctx context.Context) error {
	return s.cache.Delete(ctx, sourceDirectoriesCacheKey)
}
