package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// openMeteoURL is the Open-Meteo forecast endpoint. It serves current weather
// without an API key, which keeps the built-in tool usable out of the box.
const openMeteoURL = "https://api.open-meteo.com/v1/forecast"

// weatherArgs is the JSON-decoded input for get_weather_from_coords.
type weatherArgs struct {
	// Latitude in decimal degrees, south negative.
	Latitude float64 `json:"latitude"`

	// Longitude in decimal degrees, west negative.
	Longitude float64 `json:"longitude"`
}

// weatherResult is the JSON-encoded output of get_weather_from_coords.
type weatherResult struct {
	// TemperatureC is the current 2 m air temperature in °C.
	TemperatureC float64 `json:"temperature_c"`

	// WindSpeedKmh is the current 10 m wind speed in km/h.
	WindSpeedKmh float64 `json:"wind_speed_kmh"`
}

// Weather returns the built-in get_weather_from_coords tool. It answers with
// the current temperature and wind speed at a coordinate pair, fetched from
// the Open-Meteo forecast API.
//
// client may be nil, in which case a client with a 10-second timeout is used.
// baseURL overrides the production endpoint and is meant for tests; pass ""
// otherwise.
func Weather(client *http.Client, baseURL string) Tool {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if baseURL == "" {
		baseURL = openMeteoURL
	}

	return Tool{
		Name:        "get_weather_from_coords",
		Description: "Get the current weather (temperature and wind speed) at a latitude/longitude coordinate pair.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"latitude": map[string]any{
					"type":        "number",
					"description": "Latitude in decimal degrees.",
				},
				"longitude": map[string]any{
					"type":        "number",
					"description": "Longitude in decimal degrees.",
				},
			},
			"required": []string{"latitude", "longitude"},
		},
		Handler: func(ctx context.Context, args string) (string, error) {
			return fetchWeather(ctx, client, baseURL, args)
		},
	}
}

// fetchWeather performs the Open-Meteo request and shapes the response into a
// JSON-encoded [weatherResult].
func fetchWeather(ctx context.Context, client *http.Client, baseURL, args string) (string, error) {
	var a weatherArgs
	if err := json.Unmarshal([]byte(args), &a); err != nil {
		return "", fmt.Errorf("functions: failed to parse weather arguments: %w", err)
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(a.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(a.Longitude, 'f', -1, 64))
	q.Set("current", "temperature_2m,wind_speed_10m")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("functions: failed to build weather request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("functions: weather request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("functions: weather request returned status %d", resp.StatusCode)
	}

	var body struct {
		Current struct {
			Temperature float64 `json:"temperature_2m"`
			WindSpeed   float64 `json:"wind_speed_10m"`
		} `json:"current"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("functions: failed to decode weather response: %w", err)
	}

	out, err := json.Marshal(weatherResult{
		TemperatureC: body.Current.Temperature,
		WindSpeedKmh: body.Current.WindSpeed,
	})
	if err != nil {
		return "", fmt.Errorf("functions: failed to encode weather result: %w", err)
	}
	return string(out), nil
}
