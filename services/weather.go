package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WeatherProvider supplies an optional context fragment for the stylist
// prompt. Implementations must never fail a request, an empty string means
// no weather context.
type WeatherProvider interface {
	CurrentConditions(ctx context.Context, clientIP string) string
}

// OpenMeteoWeatherService geolocates the caller by IP and fetches current
// conditions from Open-Meteo. Everything here is best effort.
type OpenMeteoWeatherService struct {
	Client *http.Client
}

func NewOpenMeteoWeatherService() *OpenMeteoWeatherService {
	return &OpenMeteoWeatherService{Client: &http.Client{Timeout: 5 * time.Second}}
}

type geoLocation struct {
	Status string  `json:"status"`
	City   string  `json:"city"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

type meteoResponse struct {
	Current struct {
		Temperature   float64 `json:"temperature_2m"`
		Precipitation float64 `json:"precipitation"`
		WindSpeed     float64 `json:"wind_speed_10m"`
	} `json:"current"`
}

func (s *OpenMeteoWeatherService) getJSON(ctx context.Context, url string, target interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return err
	}
	res, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", res.StatusCode)
	}
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, target)
}

// CurrentConditions returns a sentence like "Current weather in Berlin: 18C,
// light wind." or "" when anything along the way fails.
func (s *OpenMeteoWeatherService) CurrentConditions(ctx context.Context, clientIP string) string {
	if clientIP == "" {
		return ""
	}

	var loc geoLocation
	if err := s.getJSON(ctx, fmt.Sprintf("http://ip-api.com/json/%s?fields=status,city,lat,lon", clientIP), &loc); err != nil {
		fmt.Println("Weather geolocation failed:", err)
		return ""
	}
	if loc.Status != "success" {
		return ""
	}

	var weather meteoResponse
	url := fmt.Sprintf("https://api.open-meteo.com/v1/forecast?latitude=%.4f&longitude=%.4f&current=temperature_2m,precipitation,wind_speed_10m", loc.Lat, loc.Lon)
	if err := s.getJSON(ctx, url, &weather); err != nil {
		fmt.Println("Weather lookup failed:", err)
		return ""
	}

	fragment := fmt.Sprintf("Current weather in %s: %.0fC", loc.City, weather.Current.Temperature)
	if weather.Current.Precipitation > 0 {
		fragment += ", precipitation expected"
	}
	if weather.Current.WindSpeed > 25 {
		fragment += ", strong wind"
	}
	return fragment + "."
}
