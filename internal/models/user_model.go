package models

// User role and status enums. Status is a plain enum set by callers; this
// layer never transitions it internally.
const (
	RoleUser      = "user"
	RoleOrganizer = "organizer"
	RoleAdmin     = "admin"

	StatusActive              = "active"
	StatusInactive            = "inactive"
	StatusSuspended           = "suspended"
	StatusPendingVerification = "pending_verification"
)

// UserProfile is the root user document stored in the "users" collection,
// keyed by the Firebase Auth UID.
type UserProfile struct {
	UID             string          `json:"uid" validate:"required"`
	Email           string          `json:"email" validate:"required,email"`
	DisplayName     string          `json:"displayName" validate:"required"`
	PhotoURL        string          `json:"photoURL,omitempty"`
	PhoneNumber     string          `json:"phoneNumber,omitempty"`
	EmailVerified   bool            `json:"emailVerified"`
	Role            string          `json:"role" validate:"required,oneof=user organizer admin"`
	Status          string          `json:"status" validate:"required,oneof=active inactive suspended pending_verification"`
	Providers       []string        `json:"providers" validate:"required,min=1"`
	LinkedProviders []string        `json:"linkedProviders"`
	PrimaryProvider string          `json:"primaryProvider" validate:"required"`
	Profile         ProfileDetails  `json:"profile"`
	Preferences     UserPreferences `json:"preferences"`
	Metadata        UserMetadata    `json:"metadata"`
}

// ProfileDetails carries the sailor-facing profile fields.
type ProfileDetails struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Bio        string `json:"bio"`
	Club       string `json:"club"`
	BoatName   string `json:"boatName"`
	BoatClass  string `json:"boatClass"`
	SailNumber string `json:"sailNumber"`
	HomePort   string `json:"homePort"`
}

// UserPreferences is the nested preference structure. Partial updates are
// default-merged so unspecified sub-fields keep their defaults.
type UserPreferences struct {
	Theme         string                  `json:"theme" validate:"omitempty,oneof=auto light dark"`
	Language      string                  `json:"language"`
	Notifications NotificationPreferences `json:"notifications"`
	Privacy       PrivacyPreferences      `json:"privacy"`
}

type NotificationPreferences struct {
	Email              bool `json:"email"`
	Push               bool `json:"push"`
	RaceReminders      bool `json:"raceReminders"`
	NoticeBoardUpdates bool `json:"noticeBoardUpdates"`
}

type PrivacyPreferences struct {
	ProfileVisible bool `json:"profileVisible"`
	ShowEmail      bool `json:"showEmail"`
	ShowResults    bool `json:"showResults"`
}

// UserMetadata holds the document audit fields. createdAt/updatedAt are
// RFC 3339 strings owned by the store layer; loginCount is maintained by the
// non-atomic increment path.
type UserMetadata struct {
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
	LastLoginAt  string `json:"lastLoginAt,omitempty"`
	LastActiveAt string `json:"lastActiveAt,omitempty"`
	LoginCount   int    `json:"loginCount"`
}

// DefaultProfile returns the documented profile defaults.
func DefaultProfile() map[string]interface{} {
	return map[string]interface{}{
		"firstName":  "",
		"lastName":   "",
		"bio":        "",
		"club":       "",
		"boatName":   "",
		"boatClass":  "",
		"sailNumber": "",
		"homePort":   "",
	}
}

// DefaultPreferences returns the documented preference defaults. A partially
// specified preferences object keeps these values for keys it does not
// mention.
func DefaultPreferences() map[string]interface{} {
	return map[string]interface{}{
		"theme":    "auto",
		"language": "en",
		"notifications": map[string]interface{}{
			"email":              true,
			"push":               true,
			"raceReminders":      true,
			"noticeBoardUpdates": true,
		},
		"privacy": map[string]interface{}{
			"profileVisible": true,
			"showEmail":      false,
			"showResults":    true,
		},
	}
}

// MergeDefaults deep-merges overrides over defaults: map values merge
// recursively, everything else (including slices) replaces wholesale.
func MergeDefaults(defaults, overrides map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(defaults)+len(overrides))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range overrides {
		ov, ok := v.(map[string]interface{})
		if !ok {
			out[k] = v
			continue
		}
		dv, ok := out[k].(map[string]interface{})
		if !ok {
			out[k] = ov
			continue
		}
		out[k] = MergeDefaults(dv, ov)
	}
	return out
}
