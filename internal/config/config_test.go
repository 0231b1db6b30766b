package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigProjectIDAloneSuffices(t *testing.T) {
	t.Setenv("FIREBASE_PROJECT_ID", "demo-project")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "")
	t.Setenv("FIREBASE_SERVICE_ACCOUNT_JSON_BASE64", "")
	t.Setenv("PORT", "9090")

	cfg, err := LoadConfig()
	require.NoError(t, err, "with no explicit credentials the client falls back to ADC")
	assert.Equal(t, "demo-project", cfg.FirebaseProjectID)
	assert.Empty(t, cfg.GoogleApplicationCredentials)
	assert.Empty(t, cfg.FirebaseServiceAccountJSONBase64)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "user-activity", cfg.ActivityQueueName)
}

func TestLoadConfigRequiresProjectID(t *testing.T) {
	t.Setenv("FIREBASE_PROJECT_ID", "")

	_, err := LoadConfig()
	require.Error(t, err)
}
