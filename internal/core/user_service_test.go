package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regatta-backend-go/internal/db"
	"regatta-backend-go/internal/models"
)

func newTestService(t *testing.T) (UserService, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })
	audit := NewAuditService(store, nil, "user-activity", nil)
	return NewUserService(store, audit, nil, nil, nil), store
}

func makeInput(uid, email string) CreateUserInput {
	return CreateUserInput{
		UID:         uid,
		Email:       email,
		DisplayName: "Test Sailor",
		Providers:   []string{"password"},
	}
}

func auditActions(t *testing.T, store *db.MemoryStore, uid string) []string {
	t.Helper()
	page, err := store.GetDocuments(context.Background(), userActivityCollection, db.QueryOptions{
		Filters: []db.Filter{{Field: "uid", Op: "==", Value: uid}},
	})
	require.NoError(t, err)
	actions := make([]string, 0, len(page.Documents))
	for _, doc := range page.Documents {
		action, _ := doc.Data["action"].(string)
		actions = append(actions, action)
	}
	return actions
}

func TestCreateUserProfileAppliesDefaults(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	input := makeInput("u1", "u1@example.com")
	input.Preferences = map[string]interface{}{"theme": "dark"}

	profile, err := svc.CreateUserProfile(ctx, input)
	require.NoError(t, err)

	assert.Equal(t, "u1", profile.UID)
	assert.Equal(t, models.RoleUser, profile.Role)
	assert.Equal(t, models.StatusActive, profile.Status)
	assert.Equal(t, "password", profile.PrimaryProvider)

	// Supplied keys override, unspecified keys keep defaults.
	assert.Equal(t, "dark", profile.Preferences.Theme)
	assert.Equal(t, "en", profile.Preferences.Language)
	assert.True(t, profile.Preferences.Notifications.Email)
	assert.True(t, profile.Preferences.Privacy.ProfileVisible)
	assert.False(t, profile.Preferences.Privacy.ShowEmail)

	assert.Equal(t, 0, profile.Metadata.LoginCount)
	assert.NotEmpty(t, profile.Metadata.CreatedAt)
	assert.Equal(t, profile.Metadata.CreatedAt, profile.Metadata.UpdatedAt)

	// Companion weather document under the id convention.
	weather, err := svc.GetWeatherPreferences(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, weather)
	assert.Equal(t, "knots", weather.Units.WindSpeed)
	assert.Equal(t, "celsius", weather.Units.Temperature)

	assert.Contains(t, auditActions(t, store, "u1"), models.ActionUserCreated)
}

func TestCreateUserProfileRejectsMissingFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateUserProfile(ctx, CreateUserInput{Email: "x@example.com"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.CreateUserProfile(ctx, CreateUserInput{UID: "u1"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	input := makeInput("u1", "u1@example.com")
	input.Providers = nil
	_, err = svc.CreateUserProfile(ctx, input)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetUserProfileAbsentReturnsNil(t *testing.T) {
	svc, _ := newTestService(t)

	profile, err := svc.GetUserProfile(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, profile)
}

func TestUpdateUserPreferencesDeepMerges(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUserProfile(ctx, makeInput("u1", "u1@example.com"))
	require.NoError(t, err)

	updated, err := svc.UpdateUserPreferences(ctx, "u1", map[string]interface{}{"theme": "dark"})
	require.NoError(t, err)

	assert.Equal(t, "dark", updated.Preferences.Theme)
	// Nested structures the partial does not mention survive.
	assert.Equal(t, "en", updated.Preferences.Language)
	assert.True(t, updated.Preferences.Notifications.RaceReminders)
	assert.True(t, updated.Preferences.Privacy.ShowResults)

	assert.Contains(t, auditActions(t, store, "u1"), models.ActionPreferencesUpdated)
}

func TestUpdateUserProfileStripsProtectedFields(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.CreateUserProfile(ctx, makeInput("u1", "u1@example.com"))
	require.NoError(t, err)

	updated, err := svc.UpdateUserProfile(ctx, "u1", map[string]interface{}{
		"displayName": "Renamed",
		"uid":         "evil",
		"metadata":    map[string]interface{}{"loginCount": 999},
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.DisplayName)
	assert.Equal(t, "u1", updated.UID)
	assert.Equal(t, 0, updated.Metadata.LoginCount)
	assert.Equal(t, created.Metadata.CreatedAt, updated.Metadata.CreatedAt)

	_, err = svc.UpdateUserProfile(ctx, "u1", map[string]interface{}{"uid": "evil"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateUserProfileMissingUser(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.UpdateUserProfile(context.Background(), "ghost", map[string]interface{}{"displayName": "x"})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestUpdateProfileInfoMerges(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUserProfile(ctx, makeInput("u1", "u1@example.com"))
	require.NoError(t, err)

	_, err = svc.UpdateProfileInfo(ctx, "u1", map[string]interface{}{"club": "RYC"})
	require.NoError(t, err)

	updated, err := svc.UpdateProfileInfo(ctx, "u1", map[string]interface{}{"boatClass": "Laser"})
	require.NoError(t, err)
	assert.Equal(t, "RYC", updated.Profile.Club, "earlier profile fields survive later partials")
	assert.Equal(t, "Laser", updated.Profile.BoatClass)
}

func TestIncrementLoginCount(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUserProfile(ctx, makeInput("u1", "u1@example.com"))
	require.NoError(t, err)

	updated, err := svc.IncrementLoginCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Metadata.LoginCount)
	assert.NotEmpty(t, updated.Metadata.LastLoginAt)
	assert.NotEmpty(t, updated.Metadata.LastActiveAt)

	updated, err = svc.IncrementLoginCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Metadata.LoginCount)

	assert.Contains(t, auditActions(t, store, "u1"), models.ActionUserLogin)
}

// gatedStore delays GetDocument on the users collection until both concurrent
// readers have arrived, forcing the read-read-write-write interleaving.
type gatedStore struct {
	db.DocumentStore
	barrier *sync.WaitGroup
}

func (g *gatedStore) GetDocument(ctx context.Context, collection, id string, schema db.Schema) (*db.Document, error) {
	doc, err := g.DocumentStore.GetDocument(ctx, collection, id, schema)
	if collection == usersCollection {
		g.barrier.Done()
		g.barrier.Wait()
	}
	return doc, err
}

func TestIncrementLoginCountLosesConcurrentIncrement(t *testing.T) {
	store := db.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })

	var barrier sync.WaitGroup
	barrier.Add(2)
	gated := &gatedStore{DocumentStore: store, barrier: &barrier}
	audit := NewAuditService(store, nil, "user-activity", nil)
	svc := NewUserService(gated, audit, nil, nil, nil)
	ctx := context.Background()

	// Seed through the plain store so creation does not hit the barrier.
	plain := NewUserService(store, audit, nil, nil, nil)
	_, err := plain.CreateUserProfile(ctx, makeInput("u1", "u1@example.com"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.IncrementLoginCount(ctx, "u1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	profile, err := plain.GetUserProfile(ctx, "u1")
	require.NoError(t, err)
	// Both logins read count 0; the read-modify-write loses one increment.
	assert.Equal(t, 1, profile.Metadata.LoginCount)
}

func TestSearchUsersIsCaseSensitivePrefix(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for _, email := range []string{"ali@example.com", "Ali@example.com", "alina@example.com", "bob@example.com"} {
		_, err := svc.CreateUserProfile(ctx, makeInput("uid-"+email, email))
		require.NoError(t, err)
	}

	users, err := svc.SearchUsers(ctx, "ali", 10)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "ali@example.com", users[0].Email)
	assert.Equal(t, "alina@example.com", users[1].Email)

	_, err = svc.SearchUsers(ctx, "", 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListUsersPaginates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for _, uid := range []string{"a", "b", "c"} {
		_, err := svc.CreateUserProfile(ctx, makeInput(uid, uid+"@example.com"))
		require.NoError(t, err)
	}

	first, err := svc.ListUsers(ctx, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Users, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, "a@example.com", first.Users[0].Email)

	second, err := svc.ListUsers(ctx, ListOptions{Limit: 2, StartAfter: first.LastDoc})
	require.NoError(t, err)
	require.Len(t, second.Users, 1)
	assert.False(t, second.HasMore)
	assert.Equal(t, "c@example.com", second.Users[0].Email)
}

func TestUpdateWeatherPreferencesMerges(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUserProfile(ctx, makeInput("u1", "u1@example.com"))
	require.NoError(t, err)

	updated, err := svc.UpdateWeatherPreferences(ctx, "u1", map[string]interface{}{
		"units": map[string]interface{}{"temperature": "fahrenheit"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fahrenheit", updated.Units.Temperature)
	assert.Equal(t, "knots", updated.Units.WindSpeed, "unmentioned units survive")
	assert.Equal(t, "u1", updated.UID)
}

func TestDeleteUserProfile(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	_, err := svc.CreateUserProfile(ctx, makeInput("u1", "u1@example.com"))
	require.NoError(t, err)

	report, err := svc.DeleteUserProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, report.FailedSteps())
	require.Len(t, report.Steps, 3)

	profile, err := svc.GetUserProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, profile)

	weather, err := svc.GetWeatherPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, weather)

	assert.Contains(t, auditActions(t, store, "u1"), models.ActionUserDeleted)
}

func TestCleanupUserData(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	for _, collection := range []string{"user_sessions", "user_notifications", "weather_favorites"} {
		for i := 0; i < 2; i++ {
			_, err := store.CreateDocument(ctx, collection, "", map[string]interface{}{"uid": "u1"}, nil)
			require.NoError(t, err)
		}
		_, err := store.CreateDocument(ctx, collection, "", map[string]interface{}{"uid": "other"}, nil)
		require.NoError(t, err)
	}

	report, err := svc.CleanupUserData(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, report.FailedSteps())
	assert.Len(t, report.Steps, 6)

	for _, collection := range []string{"user_sessions", "user_notifications", "weather_favorites"} {
		mine, err := store.GetDocuments(ctx, collection, db.QueryOptions{
			Filters: []db.Filter{{Field: "uid", Op: "==", Value: "u1"}},
		})
		require.NoError(t, err)
		assert.Empty(t, mine.Documents, "collection %s keeps u1 rows", collection)

		others, err := store.GetDocuments(ctx, collection, db.QueryOptions{
			Filters: []db.Filter{{Field: "uid", Op: "==", Value: "other"}},
		})
		require.NoError(t, err)
		assert.Len(t, others.Documents, 1, "other users untouched in %s", collection)
	}
}

// fakeCache is an in-memory cache.Cache for exercising the read-through path.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string
	gets    int
	hits    int
}

func newFakeCache() *fakeCache { return &fakeCache{entries: map[string]string{}} }

func (f *fakeCache) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if v, ok := f.entries[key]; ok {
		f.hits++
		return v, nil
	}
	return "", nil
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = value.(string)
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *fakeCache) Close() error { return nil }

func TestGetUserProfileCacheReadThrough(t *testing.T) {
	store := db.NewMemoryStore(nil)
	t.Cleanup(func() { store.Close() })
	audit := NewAuditService(store, nil, "user-activity", nil)
	fc := newFakeCache()
	svc := NewUserService(store, audit, fc, nil, nil)
	ctx := context.Background()

	created, err := svc.CreateUserProfile(ctx, makeInput("u1", "u1@example.com"))
	require.NoError(t, err)

	first, err := svc.GetUserProfile(ctx, "u1")
	require.NoError(t, err)
	second, err := svc.GetUserProfile(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, created.Email, first.Email)
	assert.Equal(t, first, second, "cached and stored reads agree")
	assert.GreaterOrEqual(t, fc.hits, 1, "second read must hit the cache")

	// Updates invalidate; the next read sees fresh state, not the stale entry.
	_, err = svc.UpdateUserProfile(ctx, "u1", map[string]interface{}{"displayName": "Fresh"})
	require.NoError(t, err)
	after, err := svc.GetUserProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Fresh", after.DisplayName)
}
