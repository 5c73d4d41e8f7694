package generators

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/benmeehan/telemetry-ingest/internal/models"
	http_utils "github.com/benmeehan/telemetry-ingest/pkg/httpUtils"
	"github.com/benmeehan/telemetry-ingest/pkg/location"
	"github.com/rs/zerolog"
)

const (
	// DefaultWeatherEndpoint is the Open-Meteo forecast API, which needs no key.
	DefaultWeatherEndpoint = "https://api.open-meteo.com/v1/forecast"
	defaultWeatherTimeout  = 10 * time.Second

	weatherFields     = "temperature_2m,relative_humidity_2m,surface_pressure,wind_speed_10m"
	weatherTimeLayout = "2006-01-02T15:04"
)

// weatherResponse is the subset of the forecast payload we read.
type weatherResponse struct {
	UTCOffsetSeconds int `json:"utc_offset_seconds"`
	Current          *struct {
		Time        string   `json:"time"`
		Temperature *float64 `json:"temperature_2m"`
		Humidity    *float64 `json:"relative_humidity_2m"`
		Pressure    *float64 `json:"surface_pressure"`
		WindSpeed   *float64 `json:"wind_speed_10m"`
	} `json:"current"`
}

// WeatherGenerator fetches current conditions for one location.
// Missing numeric fields are forwarded as nulls.
type WeatherGenerator struct {
	Logger zerolog.Logger

	endpoint string
	location location.Location
	client   *http.Client
}

// NewWeatherGenerator builds a generator calling spec.Weather.Endpoint.
func NewWeatherGenerator(spec Spec, logger zerolog.Logger) *WeatherGenerator {
	timeout := spec.Weather.Timeout
	if timeout <= 0 {
		timeout = defaultWeatherTimeout
	}
	endpoint := spec.Weather.Endpoint
	if endpoint == "" {
		endpoint = DefaultWeatherEndpoint
	}
	return &WeatherGenerator{
		Logger:   logger,
		endpoint: endpoint,
		location: spec.Weather.Location,
		client:   http_utils.NewClient(timeout),
	}
}

func (w *WeatherGenerator) Name() string            { return PolicyWeather }
func (w *WeatherGenerator) Kind() models.MetricKind { return models.KindWeather }
func (w *WeatherGenerator) Unit() string            { return "celsius" }

func (w *WeatherGenerator) Description() string {
	return fmt.Sprintf("Current weather at %s from %s.", w.location.Name, w.endpoint)
}

// Next performs one blocking request. Any transport or payload problem is
// reported as ErrGenerationFailed so the caller can skip the cycle.
func (w *WeatherGenerator) Next(ctx context.Context) (models.Reading, error) {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(w.location.Latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(w.location.Longitude, 'f', -1, 64))
	params.Set("current", weatherFields)
	params.Set("timezone", "auto")

	var resp weatherResponse
	if err := http_utils.GetJSON(ctx, w.client, w.endpoint, params, &resp); err != nil {
		w.Logger.Warn().Err(err).Str("city", w.location.Name).Msg("Failed to fetch weather")
		return models.Reading{}, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}

	reading, err := resp.toReading()
	if err != nil {
		w.Logger.Warn().Err(err).Str("city", w.location.Name).Msg("Malformed weather payload")
		return models.Reading{}, fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	reading.Location = w.location.Name
	return reading, nil
}

func (r weatherResponse) toReading() (models.Reading, error) {
	if r.Current == nil {
		return models.Reading{}, errors.New("response has no current object")
	}
	local, err := time.Parse(weatherTimeLayout, r.Current.Time)
	if err != nil {
		return models.Reading{}, fmt.Errorf("invalid observation time %q: %v", r.Current.Time, err)
	}
	observed := local.Add(-time.Duration(r.UTCOffsetSeconds) * time.Second).UTC()

	description := "Temperature: null°C"
	if r.Current.Temperature != nil {
		description = fmt.Sprintf("Temperature: %v°C", *r.Current.Temperature)
	}

	return models.Reading{
		Timestamp: observed,
		Kind:      models.KindWeather,
		Unit:      "celsius",
		Value:     r.Current.Temperature,
		Metadata: map[string]any{
			models.WeatherHumidity:    r.Current.Humidity,
			models.WeatherPressure:    r.Current.Pressure,
			models.WeatherWindSpeed:   r.Current.WindSpeed,
			models.WeatherDescription: description,
		},
	}, nil
}
