package doccache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"schoolcheckin/internal/cache"
	"schoolcheckin/internal/cachemanager"
	"schoolcheckin/internal/models"
	"schoolcheckin/internal/store"

	"github.com/rs/zerolog"
)

// Collections of the hosted document database.
const (
	CollectionSchools   = "schools"
	CollectionUsers     = "users"
	CollectionSessions  = "sessions"
	CollectionLocations = "locations"
)

// ErrDocumentNotFound is returned by DocumentStore.Get for an unknown id.
var ErrDocumentNotFound = errors.New("document not found")

// Document is a schemaless record; "id" holds its identifier.
type Document map[string]any

// ID returns the document identifier.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// Filter is an equality match on one field.
type Filter struct {
	Field string
	Value string
}

// DocumentStore is the hosted document database.
type DocumentStore interface {
	Create(ctx context.Context, collection string, doc Document) (string, error)
	Get(ctx context.Context, collection, id string) (Document, error)
	Update(ctx context.Context, collection, id string, fields Document) error
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
}

const keyPrefix = "docs:"

func collectionPrefix(collection string) string {
	return keyPrefix + collection + ":"
}

func queryKey(collection string, filters []Filter) string {
	parts := make([]string, 0, len(filters))
	for _, f := range filters {
		parts = append(parts, f.Field+"="+f.Value)
	}
	sort.Strings(parts)
	return collectionPrefix(collection) + "q:" + strings.Join(parts, "&")
}

func documentKey(collection, id string) string {
	return collectionPrefix(collection) + "d:" + id
}

// Service reads documents through the cache and invalidates a collection on every write.
type Service struct {
	docs   DocumentStore
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewService(docs DocumentStore, c Cache, ttl time.Duration, logger *zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s := &Service{docs: docs, cache: c, ttl: ttl, logger: zerolog.Nop()}
	if logger != nil {
		s.logger = logger.With().Str("component", "doc_service").Logger()
	}
	return s
}

// GetCachedCollection returns the documents matching filters, querying the store on a miss.
func (s *Service) GetCachedCollection(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	key := queryKey(collection, filters)
	var docs []Document
	if s.lookup(ctx, key, &docs) {
		return docs, nil
	}

	docs, err := s.docs.Query(ctx, collection, filters...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	s.save(ctx, key, docs)
	return docs, nil
}

// GetCachedDocument returns one document, fetching it on a miss.
func (s *Service) GetCachedDocument(ctx context.Context, collection, id string) (Document, error) {
	key := documentKey(collection, id)
	var doc Document
	if s.lookup(ctx, key, &doc) {
		return doc, nil
	}

	doc, err := s.docs.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, key, doc)
	return doc, nil
}

func (s *Service) CreateCachedDocument(ctx context.Context, collection string, doc Document) (string, error) {
	id, err := s.docs.Create(ctx, collection, doc)
	if err != nil {
		return "", fmt.Errorf("create in %s: %w", collection, err)
	}
	s.Invalidate(ctx, collection)
	return id, nil
}

func (s *Service) UpdateCachedDocument(ctx context.Context, collection, id string, fields Document) error {
	if err := s.docs.Update(ctx, collection, id, fields); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	s.Invalidate(ctx, collection)
	return nil
}

func (s *Service) DeleteCachedDocument(ctx context.Context, collection, id string) error {
	if err := s.docs.Delete(ctx, collection, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	s.Invalidate(ctx, collection)
	return nil
}

// Invalidate drops every cached query and document of a collection.
func (s *Service) Invalidate(ctx context.Context, collection string) {
	n, err := s.cache.DeletePrefix(ctx, collectionPrefix(collection))
	if err != nil {
		s.logger.Error().Err(err).Str("collection", collection).Msg("Failed to invalidate collection")
		return
	}
	s.logger.Debug().Str("collection", collection).Int("keys", n).Msg("Invalidated collection")
}

func (s *Service) lookup(ctx context.Context, key string, v any) bool {
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			s.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Dropping undecodable cache entry")
		return false
	}
	return true
}

func (s *Service) save(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Cannot encode cache entry")
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

// PartitionCollections maps cache partitions to their source collection.
var PartitionCollections = map[store.Partition]string{
	store.Schools:       CollectionSchools,
	store.Sessions:      CollectionSessions,
	store.UserData:      CollectionUsers,
	store.LocationPings: CollectionLocations,
}

// Refresher refetches a partition from its collection, bypassing the document cache,
// and converts the documents into cache items.
func (s *Service) Refresher(filters ...Filter) cachemanager.RefresherFunc {
	return func(ctx context.Context, p store.Partition) ([]cache.Item, error) {
		collection, ok := PartitionCollections[p]
		if !ok {
			return nil, fmt.Errorf("%w: %s", store.ErrUnknownPartition, p)
		}
		docs, err := s.docs.Query(ctx, collection, filters...)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", collection, err)
		}
		s.save(ctx, queryKey(collection, filters), docs)
		return Items(p, docs)
	}
}

// Items decodes documents into the partition model and builds cache items.
func Items(p store.Partition, docs []Document) ([]cache.Item, error) {
	raw, err := json.Marshal(docs)
	if err != nil {
		return nil, err
	}
	switch p {
	case store.Schools:
		var v []models.School
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return cachemanager.SchoolItems(v), nil
	case store.Sessions:
		var v []models.Session
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return cachemanager.SessionItems(v), nil
	case store.UserData:
		var v []models.UserProfile
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return cachemanager.UserItems(v), nil
	case store.LocationPings:
		var v []models.LocationPing
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return cachemanager.LocationItems(v), nil
	}
	return nil, fmt.Errorf("%w: %s", store.ErrUnknownPartition, p)
}
