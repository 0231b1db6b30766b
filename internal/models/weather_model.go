package models

// WeatherPreferences is the companion document in the "weather_preferences"
// collection, keyed "{uid}_weather". It is created alongside the user profile
// and best-effort deleted with it.
type WeatherPreferences struct {
	UID              string       `json:"uid" validate:"required"`
	Units            WeatherUnits `json:"units"`
	FavoriteStations []string     `json:"favoriteStations"`
	DefaultStation   string       `json:"defaultStation,omitempty"`
}

type WeatherUnits struct {
	WindSpeed   string `json:"windSpeed" validate:"omitempty,oneof=knots m/s km/h mph"`
	Temperature string `json:"temperature" validate:"omitempty,oneof=celsius fahrenheit"`
	Pressure    string `json:"pressure" validate:"omitempty,oneof=hPa inHg"`
	WaveHeight  string `json:"waveHeight" validate:"omitempty,oneof=meters feet"`
}

// DefaultWeatherPreferences returns the documented weather defaults; wind
// speed in knots, metric everywhere else.
func DefaultWeatherPreferences(uid string) map[string]interface{} {
	return map[string]interface{}{
		"uid": uid,
		"units": map[string]interface{}{
			"windSpeed":   "knots",
			"temperature": "celsius",
			"pressure":    "hPa",
			"waveHeight":  "meters",
		},
		"favoriteStations": []interface{}{},
	}
}
