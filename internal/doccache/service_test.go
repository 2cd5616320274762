package doccache

import (
	"context"
	"errors"
	"testing"
	"time"

	"schoolcheckin/internal/models"
	"schoolcheckin/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDocs struct {
	mock.Mock
}

func (m *mockDocs) Create(ctx context.Context, collection string, doc Document) (string, error) {
	args := m.Called(ctx, collection, doc)
	return args.String(0), args.Error(1)
}

func (m *mockDocs) Get(ctx context.Context, collection, id string) (Document, error) {
	args := m.Called(ctx, collection, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Document), args.Error(1)
}

func (m *mockDocs) Update(ctx context.Context, collection, id string, fields Document) error {
	return m.Called(ctx, collection, id, fields).Error(0)
}

func (m *mockDocs) Delete(ctx context.Context, collection, id string) error {
	return m.Called(ctx, collection, id).Error(0)
}

func (m *mockDocs) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	args := m.Called(ctx, collection, filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Document), args.Error(1)
}

func TestQueryKeyIsOrderIndependent(t *testing.T) {
	a := queryKey("sessions", []Filter{{"user_id", "u1"}, {"status", "active"}})
	b := queryKey("sessions", []Filter{{"status", "active"}, {"user_id", "u1"}})
	assert.Equal(t, a, b)
	assert.Equal(t, "docs:sessions:q:status=active&user_id=u1", a)
}

func TestCollectionInvalidatedOnWrite(t *testing.T) {
	docs := new(mockDocs)
	svc := NewService(docs, NewMemoryCache(), time.Minute, nil)
	ctx := context.Background()
	byUser := []Filter{{Field: "user_id", Value: "u1"}}

	before := []Document{{"id": "s1", "user_id": "u1", "status": "active"}}
	docs.On("Query", ctx, CollectionSessions, byUser).Return(before, nil).Once()

	got, err := svc.GetCachedCollection(ctx, CollectionSessions, byUser...)
	require.NoError(t, err)
	assert.Equal(t, "s1", got[0].ID())

	got, err = svc.GetCachedCollection(ctx, CollectionSessions, byUser...)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	docs.AssertNumberOfCalls(t, "Query", 1)

	docs.On("Update", ctx, CollectionSessions, "s1", Document{"status": "completed"}).Return(nil).Once()
	require.NoError(t, svc.UpdateCachedDocument(ctx, CollectionSessions, "s1", Document{"status": "completed"}))

	after := []Document{{"id": "s1", "user_id": "u1", "status": "completed"}}
	docs.On("Query", ctx, CollectionSessions, byUser).Return(after, nil).Once()

	got, err = svc.GetCachedCollection(ctx, CollectionSessions, byUser...)
	require.NoError(t, err)
	assert.Equal(t, "completed", got[0]["status"])
	docs.AssertNumberOfCalls(t, "Query", 2)
	docs.AssertExpectations(t)
}

func TestGetCachedDocument(t *testing.T) {
	docs := new(mockDocs)
	svc := NewService(docs, NewMemoryCache(), time.Minute, nil)
	ctx := context.Background()

	docs.On("Get", ctx, CollectionUsers, "u1").Return(Document{"id": "u1", "email": "a@example.com"}, nil).Once()
	docs.On("Get", ctx, CollectionUsers, "ghost").Return(nil, ErrDocumentNotFound).Once()

	for i := 0; i < 2; i++ {
		doc, err := svc.GetCachedDocument(ctx, CollectionUsers, "u1")
		require.NoError(t, err)
		assert.Equal(t, "a@example.com", doc["email"])
	}
	docs.AssertNumberOfCalls(t, "Get", 1)

	_, err := svc.GetCachedDocument(ctx, CollectionUsers, "ghost")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	docs.On("Delete", ctx, CollectionUsers, "u1").Return(nil).Once()
	require.NoError(t, svc.DeleteCachedDocument(ctx, CollectionUsers, "u1"))

	docs.On("Get", ctx, CollectionUsers, "u1").Return(nil, ErrDocumentNotFound).Once()
	_, err = svc.GetCachedDocument(ctx, CollectionUsers, "u1")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestCreateCachedDocument(t *testing.T) {
	docs := new(mockDocs)
	svc := NewService(docs, NewMemoryCache(), time.Minute, nil)
	ctx := context.Background()

	docs.On("Query", ctx, CollectionLocations, []Filter(nil)).Return([]Document{}, nil).Once()
	_, err := svc.GetCachedCollection(ctx, CollectionLocations)
	require.NoError(t, err)

	ping := Document{"user_id": "u1", "location": map[string]any{"latitude": 1.0, "longitude": 2.0}}
	docs.On("Create", ctx, CollectionLocations, ping).Return("p1", nil).Once()
	id, err := svc.CreateCachedDocument(ctx, CollectionLocations, ping)
	require.NoError(t, err)
	assert.Equal(t, "p1", id)

	docs.On("Query", ctx, CollectionLocations, []Filter(nil)).Return([]Document{{"id": "p1", "user_id": "u1"}}, nil).Once()
	got, err := svc.GetCachedCollection(ctx, CollectionLocations)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	docs.On("Create", ctx, CollectionLocations, Document{}).Return("", errors.New("quota exceeded")).Once()
	_, err = svc.CreateCachedDocument(ctx, CollectionLocations, Document{})
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestRefresher(t *testing.T) {
	docs := new(mockDocs)
	svc := NewService(docs, NewMemoryCache(), time.Minute, nil)
	ctx := context.Background()
	byUser := []Filter{{Field: "user_id", Value: "u1"}}

	docs.On("Query", ctx, CollectionSessions, byUser).Return([]Document{
		{"id": "s1", "user_id": "u1", "school_id": "school-1", "status": models.SessionActive},
	}, nil).Once()

	items, err := svc.Refresher(byUser...)(ctx, store.Sessions)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "s1", items[0].Key)
	assert.Equal(t, "u1", items[0].UserID)
	assert.Equal(t, "school-1", items[0].SchoolID)
	assert.Equal(t, models.SessionActive, items[0].Status)

	// The refresh also primed the document cache.
	got, err := svc.GetCachedCollection(ctx, CollectionSessions, byUser...)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	docs.AssertNumberOfCalls(t, "Query", 1)

	_, err = svc.Refresher()(ctx, store.PendingActions)
	assert.ErrorIs(t, err, store.ErrUnknownPartition)
}

func TestItems(t *testing.T) {
	items, err := Items(store.Schools, []Document{{"id": "school-1", "name": "Lincoln", "active": true}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "school-1", items[0].SchoolID)
	assert.Equal(t, "Lincoln", items[0].Value.(models.School).Name)

	items, err = Items(store.UserData, []Document{{"id": "u1", "email": "a@example.com"}})
	require.NoError(t, err)
	assert.Equal(t, "u1", items[0].UserID)

	_, err = Items(store.LocationPings, []Document{{"id": "p1", "location": "not an object"}})
	assert.Error(t, err)
}
