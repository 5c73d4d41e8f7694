package generators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/telemetry-ingest/internal/models"
	"github.com/benmeehan/telemetry-ingest/pkg/location"
)

var london = location.Location{Name: "London", Latitude: 51.5074, Longitude: -0.1278}

func newWeatherServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "51.5074", q.Get("latitude"))
		assert.Equal(t, "-0.1278", q.Get("longitude"))
		assert.Equal(t, weatherFields, q.Get("current"))
		assert.Equal(t, "auto", q.Get("timezone"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func weatherGenerator(endpoint string, timeout time.Duration) *WeatherGenerator {
	return NewWeatherGenerator(Spec{
		Policy:  PolicyWeather,
		Weather: WeatherSpec{Endpoint: endpoint, Timeout: timeout, Location: london},
	}, zerolog.Nop())
}

func TestWeatherGenerator_Success(t *testing.T) {
	srv := newWeatherServer(t, http.StatusOK, `{
		"utc_offset_seconds": 3600,
		"current": {
			"time": "2024-06-01T13:15",
			"temperature_2m": 18.4,
			"relative_humidity_2m": 62,
			"surface_pressure": 1012.3,
			"wind_speed_10m": 11.2
		}
	}`)

	r, err := weatherGenerator(srv.URL, time.Second).Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.KindWeather, r.Kind)
	assert.Equal(t, "London", r.Location)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 15, 0, 0, time.UTC), r.Timestamp)
	assert.Equal(t, models.Float(18.4), r.Value)
	assert.Equal(t, models.Float(62), r.Metadata[models.WeatherHumidity])
	assert.Equal(t, models.Float(1012.3), r.Metadata[models.WeatherPressure])
	assert.Equal(t, models.Float(11.2), r.Metadata[models.WeatherWindSpeed])
	assert.Equal(t, "Temperature: 18.4°C", r.Metadata[models.WeatherDescription])
}

func TestWeatherGenerator_MissingFieldIsNull(t *testing.T) {
	srv := newWeatherServer(t, http.StatusOK, `{"current": {"time": "2024-06-01T13:15", "temperature_2m": 18.4}}`)

	r, err := weatherGenerator(srv.URL, time.Second).Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.Float(18.4), r.Value)
	assert.Nil(t, r.Metadata[models.WeatherHumidity])
	assert.Nil(t, r.Metadata[models.WeatherPressure])
	assert.Nil(t, r.Metadata[models.WeatherWindSpeed])
}

func TestWeatherGenerator_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{}`},
		{name: "not json", status: http.StatusOK, body: `<html>`},
		{name: "no current object", status: http.StatusOK, body: `{"latitude": 51.5}`},
		{name: "bad time", status: http.StatusOK, body: `{"current": {"time": "yesterday"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newWeatherServer(t, tt.status, tt.body)
			_, err := weatherGenerator(srv.URL, time.Second).Next(context.Background())
			assert.ErrorIs(t, err, models.ErrGenerationFailed)
		})
	}
}

func TestWeatherGenerator_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := weatherGenerator(srv.URL, 50*time.Millisecond).Next(context.Background())
	assert.ErrorIs(t, err, models.ErrGenerationFailed)
}
