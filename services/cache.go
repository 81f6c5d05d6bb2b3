package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

// Presigned read URLs are valid for 15 minutes, cache entries expire
// slightly earlier so a cached URL is never handed out dead.
const readURLCacheTTL = 12 * time.Minute

// Descriptions of the same clothing photo are stable, keep them for a while.
const descriptionCacheTTL = 6 * time.Hour

func newRistrettoStore() (*ristretto_store.RistrettoStore, error) {
	ristrettoCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e7,
		MaxCost:     1 << 27,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	return ristretto_store.NewRistretto(ristrettoCache), nil
}

// DescriptionCacheService memoizes clothing item descriptions keyed by a
// content hash of the image bytes, so re-submitting the same photo in a
// follow-up request skips the vision call entirely.
type DescriptionCacheService struct {
	cache *cache.Cache[string]
}

func NewDescriptionCacheService() (*DescriptionCacheService, error) {
	st, err := newRistrettoStore()
	if err != nil {
		return nil, err
	}
	return &DescriptionCacheService{cache: cache.New[string](st)}, nil
}

// HashImage returns the cache key for a clothing image.
func HashImage(imageBytes []byte) string {
	sum := sha256.Sum256(imageBytes)
	return hex.EncodeToString(sum[:])
}

func (s *DescriptionCacheService) Get(ctx context.Context, key string) (string, bool) {
	value, err := s.cache.Get(ctx, key)
	if err != nil || value == "" {
		return "", false
	}
	return value, true
}

func (s *DescriptionCacheService) Set(ctx context.Context, key, description string) {
	if err := s.cache.Set(ctx, key, description, store.WithExpiration(descriptionCacheTTL)); err != nil {
		log.Printf("Failed to cache description for %s: %v", key, err)
	}
}

type OutfitURLCacheProvider interface {
	GetReadURL(ctx context.Context, objectKey string) (string, error)
}

// OutfitURLCache serves presigned read URLs for stored outfit images,
// generating a new one through the storage service only on a miss.
type OutfitURLCache struct {
	cache      *cache.LoadableCache[string]
	bucketName string
}

func NewOutfitURLCache(awsService *AWSService, bucketName string) (*OutfitURLCache, error) {
	st, err := newRistrettoStore()
	if err != nil {
		return nil, err
	}

	loadFunction := func(ctx context.Context, key any) (string, []store.Option, error) {
		objectKey, ok := key.(string)
		if !ok {
			return "", nil, fmt.Errorf("invalid key type provided to URL cache: expected string, got %T", key)
		}

		log.Printf("URL cache miss for %s, generating presigned URL", objectKey)
		url, err := awsService.GetPresignedR2FileReadURL(ctx, bucketName, objectKey)
		return url, []store.Option{store.WithExpiration(readURLCacheTTL)}, err
	}

	loadableCache := cache.NewLoadable[string](
		loadFunction,
		cache.New[string](st),
	)
	return &OutfitURLCache{
		cache:      loadableCache,
		bucketName: bucketName,
	}, nil
}

func (s *OutfitURLCache) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	if objectKey == "" {
		return "", nil
	}
	return s.cache.Get(ctx, objectKey)
}
