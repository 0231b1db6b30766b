package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"regatta-backend-go/internal/db"
	"regatta-backend-go/internal/models"
	"regatta-backend-go/pkg/cache"
	"regatta-backend-go/pkg/mailer"
)

// ErrUserNotFound is returned when an operation targets a missing profile.
var ErrUserNotFound = errors.New("user not found")

// ErrInvalidInput is returned when a request payload is missing required
// fields.
var ErrInvalidInput = errors.New("invalid input")

// emailPrefixUpperBound closes the prefix range for email search; the
// Firestore convention for "every string starting with the term".
const emailPrefixUpperBound = "\uf8ff"

const profileCacheTTL = 5 * time.Minute

func profileCacheKey(uid string) string { return "user_profile:" + uid }

// userService implements UserService. cache and welcomeMailer are optional;
// nil disables the corresponding feature without changing behavior.
type userService struct {
	store         db.DocumentStore
	audit         AuditService
	profileCache  cache.Cache
	welcomeMailer *mailer.Mailer
	logger        *zap.Logger
}

// NewUserService creates a UserService instance.
func NewUserService(store db.DocumentStore, audit AuditService, profileCache cache.Cache, welcomeMailer *mailer.Mailer, logger *zap.Logger) UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &userService{
		store:         store,
		audit:         audit,
		profileCache:  profileCache,
		welcomeMailer: welcomeMailer,
		logger:        logger,
	}
}

func docToProfile(doc *db.Document) (*models.UserProfile, error) {
	var p models.UserProfile
	if err := models.FromMap(doc.Data, &p); err != nil {
		return nil, err
	}
	if p.UID == "" {
		p.UID = doc.ID
	}
	return &p, nil
}

// CreateUserProfile performs three separate writes (user document, weather
// preferences companion, audit entry). They are deliberately not one
// transaction; the partial-state window is a documented gap.
func (s *userService) CreateUserProfile(ctx context.Context, input CreateUserInput) (*models.UserProfile, error) {
	if input.UID == "" || input.Email == "" {
		return nil, fmt.Errorf("%w: uid and email are required", ErrInvalidInput)
	}
	if input.Role == "" {
		input.Role = models.RoleUser
	}
	if input.Status == "" {
		input.Status = models.StatusActive
	}
	if len(input.Providers) == 0 {
		return nil, fmt.Errorf("%w: at least one provider is required", ErrInvalidInput)
	}
	if input.PrimaryProvider == "" {
		input.PrimaryProvider = input.Providers[0]
	}
	if len(input.LinkedProviders) == 0 {
		input.LinkedProviders = input.Providers
	}

	data, err := models.ToMap(input)
	if err != nil {
		return nil, err
	}
	data["profile"] = models.MergeDefaults(models.DefaultProfile(), input.Profile)
	data["preferences"] = models.MergeDefaults(models.DefaultPreferences(), input.Preferences)
	// loginCount starts at zero; the store owns the timestamps.
	data["metadata"] = map[string]interface{}{"loginCount": 0}

	created, err := s.store.CreateDocument(ctx, usersCollection, input.UID, data, models.UserProfileSchema)
	if err != nil {
		return nil, fmt.Errorf("create user profile %s: %w", input.UID, err)
	}

	if _, err := s.store.CreateDocument(ctx, weatherPreferencesCollection, WeatherDocID(input.UID),
		models.DefaultWeatherPreferences(input.UID), models.WeatherPreferencesSchema); err != nil {
		return nil, fmt.Errorf("create weather preferences for %s: %w", input.UID, err)
	}

	if err := s.audit.Record(ctx, models.AuditActivity{
		UID:    input.UID,
		Action: models.ActionUserCreated,
	}); err != nil {
		return nil, fmt.Errorf("record user_created audit for %s: %w", input.UID, err)
	}

	if s.welcomeMailer != nil {
		if err := s.welcomeMailer.Send(input.Email, "Welcome aboard",
			fmt.Sprintf("<p>Welcome %s! Your regatta companion profile is ready.</p>", input.DisplayName)); err != nil {
			s.logger.Warn("failed to send welcome email", zap.String("uid", input.UID), zap.Error(err))
		}
	}

	return docToProfile(created)
}

func (s *userService) GetUserProfile(ctx context.Context, uid string) (*models.UserProfile, error) {
	if cached := s.cachedProfile(ctx, uid); cached != nil {
		return cached, nil
	}

	doc, err := s.store.GetDocument(ctx, usersCollection, uid, models.UserProfileSchema)
	if err != nil {
		return nil, fmt.Errorf("get user profile %s: %w", uid, err)
	}
	if doc == nil {
		return nil, nil
	}
	profile, err := docToProfile(doc)
	if err != nil {
		return nil, err
	}
	s.cacheProfile(ctx, profile)
	return profile, nil
}

func (s *userService) cachedProfile(ctx context.Context, uid string) *models.UserProfile {
	if s.profileCache == nil {
		return nil
	}
	raw, err := s.profileCache.Get(ctx, profileCacheKey(uid))
	if err != nil {
		s.logger.Warn("profile cache read failed", zap.String("uid", uid), zap.Error(err))
		return nil
	}
	if raw == "" {
		return nil
	}
	var p models.UserProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		s.logger.Warn("profile cache entry corrupt", zap.String("uid", uid), zap.Error(err))
		return nil
	}
	return &p
}

func (s *userService) cacheProfile(ctx context.Context, p *models.UserProfile) {
	if s.profileCache == nil || p == nil {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.profileCache.Set(ctx, profileCacheKey(p.UID), string(raw), profileCacheTTL); err != nil {
		s.logger.Warn("profile cache write failed", zap.String("uid", p.UID), zap.Error(err))
	}
}

func (s *userService) invalidateProfile(ctx context.Context, uid string) {
	if s.profileCache == nil {
		return
	}
	if err := s.profileCache.Delete(ctx, profileCacheKey(uid)); err != nil {
		s.logger.Warn("profile cache invalidation failed", zap.String("uid", uid), zap.Error(err))
	}
}

// changedKeys computes the audit field list as the key set of the partial.
func changedKeys(partial map[string]interface{}) []string {
	keys := make([]string, 0, len(partial))
	for k := range partial {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *userService) applyProfileUpdate(ctx context.Context, uid string, partial map[string]interface{}, action string, auditedKeys []string) (*models.UserProfile, error) {
	updated, err := s.store.UpdateDocument(ctx, usersCollection, uid, partial, models.UserProfileSchema)
	if err != nil {
		if db.IsKind(err, db.KindNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUserNotFound, uid)
		}
		return nil, fmt.Errorf("update user profile %s: %w", uid, err)
	}
	s.invalidateProfile(ctx, uid)

	if err := s.audit.Record(ctx, models.AuditActivity{
		UID:      uid,
		Action:   action,
		Metadata: map[string]interface{}{"fields": auditedKeys},
	}); err != nil {
		return nil, fmt.Errorf("record %s audit for %s: %w", action, uid, err)
	}
	return docToProfile(updated)
}

func (s *userService) UpdateUserProfile(ctx context.Context, uid string, partial map[string]interface{}) (*models.UserProfile, error) {
	if len(partial) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrInvalidInput)
	}
	// uid and metadata are owned by this layer.
	sanitized := map[string]interface{}{}
	for k, v := range partial {
		if k == "uid" || k == "metadata" {
			continue
		}
		sanitized[k] = v
	}
	if len(sanitized) == 0 {
		return nil, fmt.Errorf("%w: no updatable fields", ErrInvalidInput)
	}
	return s.applyProfileUpdate(ctx, uid, sanitized, models.ActionUserUpdated, changedKeys(sanitized))
}

// UpdateUserPreferences deep-merges the partial over the current preferences
// so unspecified nested fields survive.
func (s *userService) UpdateUserPreferences(ctx context.Context, uid string, partial map[string]interface{}) (*models.UserProfile, error) {
	if len(partial) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrInvalidInput)
	}
	doc, err := s.store.GetDocument(ctx, usersCollection, uid, nil)
	if err != nil {
		return nil, fmt.Errorf("get user profile %s: %w", uid, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, uid)
	}
	current, _ := doc.Data["preferences"].(map[string]interface{})
	merged := models.MergeDefaults(current, partial)
	return s.applyProfileUpdate(ctx, uid, map[string]interface{}{"preferences": merged},
		models.ActionPreferencesUpdated, changedKeys(partial))
}

// UpdateProfileInfo deep-merges the partial over the current profile details.
func (s *userService) UpdateProfileInfo(ctx context.Context, uid string, partial map[string]interface{}) (*models.UserProfile, error) {
	if len(partial) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrInvalidInput)
	}
	doc, err := s.store.GetDocument(ctx, usersCollection, uid, nil)
	if err != nil {
		return nil, fmt.Errorf("get user profile %s: %w", uid, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, uid)
	}
	current, _ := doc.Data["profile"].(map[string]interface{})
	merged := models.MergeDefaults(current, partial)
	return s.applyProfileUpdate(ctx, uid, map[string]interface{}{"profile": merged},
		models.ActionProfileUpdated, changedKeys(partial))
}

// IncrementLoginCount reads the current count and writes count+1 back. This
// is a non-atomic read-modify-write: two devices signing in at the same time
// can lose an increment.
func (s *userService) IncrementLoginCount(ctx context.Context, uid string) (*models.UserProfile, error) {
	doc, err := s.store.GetDocument(ctx, usersCollection, uid, nil)
	if err != nil {
		return nil, fmt.Errorf("get user profile %s: %w", uid, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, uid)
	}

	count := 0
	if meta, ok := doc.Data["metadata"].(map[string]interface{}); ok {
		if v, ok := meta["loginCount"].(float64); ok {
			count = int(v)
		} else if v, ok := meta["loginCount"].(int); ok {
			count = v
		}
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	updated, err := s.store.UpdateDocument(ctx, usersCollection, uid, map[string]interface{}{
		"metadata": map[string]interface{}{
			"loginCount":   count + 1,
			"lastLoginAt":  now,
			"lastActiveAt": now,
		},
	}, models.UserProfileSchema)
	if err != nil {
		return nil, fmt.Errorf("increment login count for %s: %w", uid, err)
	}
	s.invalidateProfile(ctx, uid)

	if err := s.audit.Record(ctx, models.AuditActivity{
		UID:    uid,
		Action: models.ActionUserLogin,
	}); err != nil {
		return nil, fmt.Errorf("record user_login audit for %s: %w", uid, err)
	}
	return docToProfile(updated)
}

// SearchUsers runs a case-sensitive literal prefix range query over the
// email field. Not full-text, not case-insensitive.
func (s *userService) SearchUsers(ctx context.Context, term string, limit int) ([]*models.UserProfile, error) {
	if term == "" {
		return nil, fmt.Errorf("%w: search term is required", ErrInvalidInput)
	}
	page, err := s.store.GetDocuments(ctx, usersCollection, db.QueryOptions{
		Filters: []db.Filter{
			{Field: "email", Op: ">=", Value: term},
			{Field: "email", Op: "<=", Value: term + emailPrefixUpperBound},
		},
		OrderBy: "email",
		Limit:   limit,
		Schema:  models.UserProfileSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("search users %q: %w", term, err)
	}

	users := make([]*models.UserProfile, 0, len(page.Documents))
	for _, doc := range page.Documents {
		p, err := docToProfile(doc)
		if err != nil {
			s.logger.Warn("skipping undecodable user document", zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		users = append(users, p)
	}
	return users, nil
}

func (s *userService) ListUsers(ctx context.Context, opts ListOptions) (*UserPage, error) {
	page, err := s.store.GetDocuments(ctx, usersCollection, db.QueryOptions{
		OrderBy:    "email",
		Limit:      opts.Limit,
		StartAfter: opts.StartAfter,
		EndBefore:  opts.EndBefore,
		Schema:     models.UserProfileSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	out := &UserPage{HasMore: page.HasMore, FirstDoc: page.FirstDoc, LastDoc: page.LastDoc}
	for _, doc := range page.Documents {
		p, err := docToProfile(doc)
		if err != nil {
			s.logger.Warn("skipping undecodable user document", zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		out.Users = append(out.Users, p)
	}
	return out, nil
}

func (s *userService) GetWeatherPreferences(ctx context.Context, uid string) (*models.WeatherPreferences, error) {
	doc, err := s.store.GetDocument(ctx, weatherPreferencesCollection, WeatherDocID(uid), models.WeatherPreferencesSchema)
	if err != nil {
		return nil, fmt.Errorf("get weather preferences for %s: %w", uid, err)
	}
	if doc == nil {
		return nil, nil
	}
	var w models.WeatherPreferences
	if err := models.FromMap(doc.Data, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *userService) UpdateWeatherPreferences(ctx context.Context, uid string, partial map[string]interface{}) (*models.WeatherPreferences, error) {
	if len(partial) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrInvalidInput)
	}
	doc, err := s.store.GetDocument(ctx, weatherPreferencesCollection, WeatherDocID(uid), nil)
	if err != nil {
		return nil, fmt.Errorf("get weather preferences for %s: %w", uid, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: weather preferences for %s", ErrUserNotFound, uid)
	}
	merged := models.MergeDefaults(doc.Data, partial)
	delete(merged, "metadata")
	updated, err := s.store.UpdateDocument(ctx, weatherPreferencesCollection, WeatherDocID(uid), merged, models.WeatherPreferencesSchema)
	if err != nil {
		return nil, fmt.Errorf("update weather preferences for %s: %w", uid, err)
	}
	var w models.WeatherPreferences
	if err := models.FromMap(updated.Data, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// DeleteUserProfile removes the user document after recording the audit
// entry, then best-effort cleans up the weather companion. The report makes
// the cleanup outcome visible; only audit or primary-delete failures become
// the returned error.
func (s *userService) DeleteUserProfile(ctx context.Context, uid string) (*CleanupReport, error) {
	report := &CleanupReport{}

	if err := s.audit.Record(ctx, models.AuditActivity{
		UID:    uid,
		Action: models.ActionUserDeleted,
	}); err != nil {
		report.add("audit_user_deleted", err)
		return report, fmt.Errorf("record user_deleted audit for %s: %w", uid, err)
	}
	report.add("audit_user_deleted", nil)

	if err := s.store.DeleteDocument(ctx, usersCollection, uid); err != nil {
		report.add("delete_user_document", err)
		return report, fmt.Errorf("delete user profile %s: %w", uid, err)
	}
	report.add("delete_user_document", nil)
	s.invalidateProfile(ctx, uid)

	// Cleanup is best-effort: a failure here can leave an orphaned weather
	// document, reported but never propagated.
	if err := s.store.DeleteDocument(ctx, weatherPreferencesCollection, WeatherDocID(uid)); err != nil {
		s.logger.Warn("failed to delete weather preferences",
			zap.String("uid", uid), zap.Error(err))
		report.add("delete_weather_preferences", err)
	} else {
		report.add("delete_weather_preferences", nil)
	}

	return report, nil
}

// CleanupUserData batch-deletes the user's rows in each dependent collection.
// Every collection is attempted regardless of earlier failures.
func (s *userService) CleanupUserData(ctx context.Context, uid string) (*CleanupReport, error) {
	report := &CleanupReport{}
	dependents := []string{
		userSessionsCollection,
		userNotificationsCollection,
		userPreferencesCollection,
		weatherFavoritesCollection,
		userSubscriptionsCollection,
		regattaParticipantsCollection,
	}

	for _, collection := range dependents {
		err := s.deleteByUID(ctx, collection, uid)
		if err != nil {
			s.logger.Warn("cleanup step failed",
				zap.String("collection", collection),
				zap.String("uid", uid),
				zap.Error(err))
		}
		report.add(collection, err)
	}
	return report, nil
}

func (s *userService) deleteByUID(ctx context.Context, collection, uid string) error {
	page, err := s.store.GetDocuments(ctx, collection, db.QueryOptions{
		Filters: []db.Filter{{Field: "uid", Op: "==", Value: uid}},
	})
	if err != nil {
		return err
	}
	if len(page.Documents) == 0 {
		return nil
	}
	ops := make([]db.WriteOp, 0, len(page.Documents))
	for _, doc := range page.Documents {
		ops = append(ops, db.WriteOp{Type: db.WriteDelete, Collection: collection, ID: doc.ID})
	}
	return s.store.BatchWrite(ctx, ops)
}
