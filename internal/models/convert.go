package models

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ToMap converts a typed model into the JSON-like field map the document
// store speaks.
func ToMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return out, nil
}

// FromMap decodes a document field map into a typed model.
func FromMap(m map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal document data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode into %T: %w", out, err)
	}
	return nil
}

// UserProfileSchema validates a users document shape. Used as the schema for
// every read and write through the store's validation pipeline.
func UserProfileSchema(data map[string]interface{}) error {
	var p UserProfile
	if err := FromMap(data, &p); err != nil {
		return err
	}
	return validate.Struct(&p)
}

// WeatherPreferencesSchema validates a weather_preferences document shape.
func WeatherPreferencesSchema(data map[string]interface{}) error {
	var w WeatherPreferences
	if err := FromMap(data, &w); err != nil {
		return err
	}
	return validate.Struct(&w)
}

// AuditActivitySchema validates a user_activity document shape.
func AuditActivitySchema(data map[string]interface{}) error {
	var a AuditActivity
	if err := FromMap(data, &a); err != nil {
		return err
	}
	return validate.Struct(&a)
}
