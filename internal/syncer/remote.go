package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"s3drive/internal/checkpoint"
	"s3drive/internal/storage"
)

// RemoteIndex serves remote listings from the cache, relisting the provider
// when the cached copy is older than the TTL
type RemoteIndex struct {
	client storage.Client
	cache  checkpoint.ListingCache
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewRemoteIndex creates a remote index. A zero ttl relists on every call.
func NewRemoteIndex(client storage.Client, cache checkpoint.ListingCache, ttl time.Duration, logger *zap.Logger) *RemoteIndex {
	return &RemoteIndex{
		client: client,
		cache:  cache,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}
}

// Listing returns the objects under prefix keyed by object key
func (ri *RemoteIndex) Listing(ctx context.Context, prefix string, refresh bool) (map[string]checkpoint.RemoteEntry, error) {
	if !refresh {
		entries, refreshedAt, err := ri.cache.CachedListing(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to read cached listing: %w", err)
		}
		if !refreshedAt.IsZero() && ri.now().Sub(refreshedAt) < ri.ttl {
			ri.logger.Debug("Using cached listing",
				zap.String("prefix", prefix),
				zap.Int("objects", len(entries)),
				zap.Time("refreshed_at", refreshedAt),
			)
			return index(entries), nil
		}
	}

	at := ri.now()
	entries, err := ri.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if err := ri.cache.ReplaceListing(ctx, prefix, entries, at); err != nil {
		return nil, fmt.Errorf("failed to cache listing: %w", err)
	}
	return index(entries), nil
}

func (ri *RemoteIndex) list(ctx context.Context, prefix string) ([]checkpoint.RemoteEntry, error) {
	objCh, errCh := ri.client.List(ctx, prefix)

	var (
		entries   []checkpoint.RemoteEntry
		totalSize int64
	)
	for {
		select {
		case obj, ok := <-objCh:
			if !ok {
				if errCh != nil {
					if err := <-errCh; err != nil {
						return nil, fmt.Errorf("error listing objects: %w", err)
					}
				}
				ri.logger.Info("Finished listing objects",
					zap.String("prefix", prefix),
					zap.Int("total_objects", len(entries)),
					zap.Int64("total_size_bytes", totalSize),
				)
				return entries, nil
			}

			// directory markers
			if strings.HasSuffix(obj.Key, "/") {
				continue
			}
			totalSize += obj.Size
			entries = append(entries, checkpoint.RemoteEntry{
				Key:          obj.Key,
				Size:         obj.Size,
				ETag:         obj.ETag,
				LastModified: obj.LastModified,
			})

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("error listing objects: %w", err)
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func index(entries []checkpoint.RemoteEntry) map[string]checkpoint.RemoteEntry {
	m := make(map[string]checkpoint.RemoteEntry, len(entries))
	for _, e := range entries {
		m[e.Key] = e
	}
	return m
}

// NormalizePrefix returns prefix without leading slashes and with exactly
// one trailing slash. The bucket root is the empty prefix.
func NormalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

// RemoteKey maps a slash-separated path relative to a sync folder to its
// object key
func RemoteKey(prefix, relPath string) string {
	return NormalizePrefix(prefix) + relPath
}
