package core

import (
	"context"

	"regatta-backend-go/internal/db"
	"regatta-backend-go/internal/models"
)

// Persisted collection names. Stable keys; UI collaborators reach them only
// through the services below, never through the store directly.
const (
	usersCollection               = "users"
	userActivityCollection        = "user_activity"
	weatherPreferencesCollection  = "weather_preferences"
	userSessionsCollection        = "user_sessions"
	userNotificationsCollection   = "user_notifications"
	userPreferencesCollection     = "user_preferences"
	weatherFavoritesCollection    = "weather_favorites"
	userSubscriptionsCollection   = "user_subscriptions"
	regattaParticipantsCollection = "regatta_participants"
)

// WeatherDocID returns the id convention for the companion weather document.
func WeatherDocID(uid string) string { return uid + "_weather" }

// ListOptions drive cursor pagination over users.
type ListOptions struct {
	Limit      int
	StartAfter *db.Cursor
	EndBefore  *db.Cursor
}

// UserPage is one page of user profiles with opaque cursors for the next
// request.
type UserPage struct {
	Users    []*models.UserProfile
	HasMore  bool
	FirstDoc *db.Cursor
	LastDoc  *db.Cursor
}

// CleanupStep records the outcome of one sub-operation of a multi-document
// workflow. Err stays nil on success.
type CleanupStep struct {
	Name string
	Err  error
}

// CleanupReport enumerates which sub-operations of a delete/cleanup workflow
// succeeded or failed, instead of discarding cleanup failures.
type CleanupReport struct {
	Steps []CleanupStep
}

func (r *CleanupReport) add(name string, err error) {
	r.Steps = append(r.Steps, CleanupStep{Name: name, Err: err})
}

// FailedSteps returns the names of the sub-operations that failed.
func (r *CleanupReport) FailedSteps() []string {
	var failed []string
	for _, s := range r.Steps {
		if s.Err != nil {
			failed = append(failed, s.Name)
		}
	}
	return failed
}

// CreateUserInput is the profile creation payload. Profile and Preferences
// are partial maps: keys they do not mention keep the documented defaults.
type CreateUserInput struct {
	UID             string                 `json:"uid"`
	Email           string                 `json:"email"`
	DisplayName     string                 `json:"displayName"`
	PhotoURL        string                 `json:"photoURL"`
	PhoneNumber     string                 `json:"phoneNumber"`
	EmailVerified   bool                   `json:"emailVerified"`
	Role            string                 `json:"role"`
	Status          string                 `json:"status"`
	Providers       []string               `json:"providers"`
	LinkedProviders []string               `json:"linkedProviders"`
	PrimaryProvider string                 `json:"primaryProvider"`
	Profile         map[string]interface{} `json:"profile"`
	Preferences     map[string]interface{} `json:"preferences"`
}

// UserService defines the user-profile domain operations layered over the
// document store.
type UserService interface {
	// CreateUserProfile deep-merges the supplied profile/preferences over the
	// documented defaults and performs three separate writes: the user
	// document, the companion weather_preferences document, and a
	// user_created audit entry. The writes are not one transaction; a crash
	// between them leaves partial state. Known consistency gap.
	CreateUserProfile(ctx context.Context, input CreateUserInput) (*models.UserProfile, error)

	// GetUserProfile returns (nil, nil) when no profile exists.
	GetUserProfile(ctx context.Context, uid string) (*models.UserProfile, error)

	UpdateUserProfile(ctx context.Context, uid string, partial map[string]interface{}) (*models.UserProfile, error)
	UpdateUserPreferences(ctx context.Context, uid string, partial map[string]interface{}) (*models.UserProfile, error)
	UpdateProfileInfo(ctx context.Context, uid string, partial map[string]interface{}) (*models.UserProfile, error)

	// IncrementLoginCount is a client-side read-modify-write; concurrent
	// calls can lose an increment. Documented race, kept on purpose.
	IncrementLoginCount(ctx context.Context, uid string) (*models.UserProfile, error)

	// SearchUsers is a case-sensitive literal prefix match on the email
	// field only.
	SearchUsers(ctx context.Context, term string, limit int) ([]*models.UserProfile, error)

	ListUsers(ctx context.Context, opts ListOptions) (*UserPage, error)

	GetWeatherPreferences(ctx context.Context, uid string) (*models.WeatherPreferences, error)
	UpdateWeatherPreferences(ctx context.Context, uid string, partial map[string]interface{}) (*models.WeatherPreferences, error)

	// DeleteUserProfile writes a user_deleted audit entry, deletes the user
	// document, then best-effort deletes the weather-preferences companion.
	// Cleanup failures appear in the report, never in the returned error.
	DeleteUserProfile(ctx context.Context, uid string) (*CleanupReport, error)

	// CleanupUserData best-effort removes the user's rows across the
	// dependent collections.
	CleanupUserData(ctx context.Context, uid string) (*CleanupReport, error)
}

// AuditService records append-only user activity entries.
type AuditService interface {
	Record(ctx context.Context, entry models.AuditActivity) error
}
