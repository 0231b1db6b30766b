package models

// Audit action names recorded by the user profile service.
const (
	ActionUserCreated        = "user_created"
	ActionUserUpdated        = "user_updated"
	ActionPreferencesUpdated = "preferences_updated"
	ActionProfileUpdated     = "profile_updated"
	ActionUserLogin          = "user_login"
	ActionUserDeleted        = "user_deleted"
)

// AuditActivity is an append-only record in the "user_activity" collection.
// Entries are never updated or deleted by this layer.
type AuditActivity struct {
	UID       string                 `json:"uid" validate:"required"`
	Action    string                 `json:"action" validate:"required"`
	Timestamp string                 `json:"timestamp" validate:"required"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
