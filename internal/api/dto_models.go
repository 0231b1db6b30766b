package api

// InitializeProfileRequest is the optional bootstrap payload for profile
// initialization. Identity comes from the verified token, not from here, so
// nothing is required; token claims fill whatever is missing.
type InitializeProfileRequest struct {
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

// ErrorResponse is the standardized error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// CleanupStepResponse mirrors one sub-operation of a delete/cleanup workflow.
type CleanupStepResponse struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DeleteUserResponse reports the delete outcome, enumerating cleanup steps
// instead of hiding best-effort failures.
type DeleteUserResponse struct {
	Deleted bool                  `json:"deleted"`
	Steps   []CleanupStepResponse `json:"steps"`
}

// UserListResponse is a page of users with cursors the client passes back
// verbatim via the startAfter/endBefore query parameters.
type UserListResponse struct {
	Users      interface{} `json:"users"`
	HasMore    bool        `json:"hasMore"`
	FirstDocID string      `json:"firstDocId,omitempty"`
	LastDocID  string      `json:"lastDocId,omitempty"`
}
