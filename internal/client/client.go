package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedResponse is returned when a 2xx body is not a JSON object.
var ErrMalformedResponse = errors.New("malformed response")

// TelemetryClient fetches the two upstream payloads of one ingestion run.
type TelemetryClient interface {
	CurrentWeather(ctx context.Context) (map[string]any, error)
	AirPollution(ctx context.Context) (map[string]any, error)
}

// Coordinates locate the monitored city.
type Coordinates struct {
	Lat float64
	Lon float64
}

// OpenWeatherClient calls the OpenWeather /weather and /air_pollution endpoints for one
// location over a Transport.
type OpenWeatherClient struct {
	transport Transport
	apiKey    string
	baseURL   string
	coords    Coordinates
	timeout   time.Duration
}

// NewOpenWeatherClient validates the key and returns a client. baseURL is the API root, for
// example https://api.openweathermap.org/data/2.5.
func NewOpenWeatherClient(transport Transport, apiKey, baseURL string, coords Coordinates, timeout time.Duration) (*OpenWeatherClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("invalid API URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OpenWeatherClient{
		transport: transport,
		apiKey:    apiKey,
		baseURL:   strings.TrimRight(baseURL, "/"),
		coords:    coords,
		timeout:   timeout,
	}, nil
}

func (c *OpenWeatherClient) CurrentWeather(ctx context.Context) (map[string]any, error) {
	params := c.baseParams()
	params.Set("units", "metric")
	return c.getJSON(ctx, "/weather", params)
}

func (c *OpenWeatherClient) AirPollution(ctx context.Context) (map[string]any, error) {
	return c.getJSON(ctx, "/air_pollution", c.baseParams())
}

func (c *OpenWeatherClient) baseParams() url.Values {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(c.coords.Lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(c.coords.Lon, 'f', -1, 64))
	params.Set("appid", c.apiKey)
	return params
}

// getJSON decodes numbers as json.Number so that their text reaches the canonicalizer intact.
func (c *OpenWeatherClient) getJSON(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	body, err := c.transport.Get(ctx, c.baseURL+path, params, c.timeout)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: parse %s response: %v", ErrMalformedResponse, path, err)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: %s response is null", ErrMalformedResponse, path)
	}
	return out, nil
}
