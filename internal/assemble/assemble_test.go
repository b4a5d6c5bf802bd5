package assemble

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return m
}

func TestAssemble_EndToEnd(t *testing.T) {
	weather := decode(t, `{"main":{"temp":24.1,"humidity":60},"wind":{"speed":3.2}}`)
	air := decode(t, `{"list":[{"main":{"aqi":2},"components":{"co":200.1,"pm2_5":8.3,"pm10":15.0}}]}`)

	rec := New("Bengaluru", nil).Assemble(weather, air, now)

	checks := []struct {
		name string
		got  *float64
		want float64
	}{
		{"temperature_c", rec.TemperatureC, 24.1},
		{"humidity", rec.Humidity, 60},
		{"wind_speed_m_s", rec.WindSpeedMS, 3.2},
		{"rain_1h_mm", rec.Rain1hMM, 0},
		{"co", rec.CO, 200.1},
		{"pm2_5", rec.PM25, 8.3},
		{"pm10", rec.PM10, 15.0},
	}
	for _, c := range checks {
		if c.got == nil {
			t.Errorf("%s = nil, want %v", c.name, c.want)
			continue
		}
		if *c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, *c.got, c.want)
		}
	}
	if rec.AQI == nil || *rec.AQI != 2 {
		t.Errorf("aqi = %v, want 2", rec.AQI)
	}
	if want := now.Unix() + 1209600; rec.TTL != want {
		t.Errorf("ttl = %d, want %d", rec.TTL, want)
	}
	if rec.CityID != "Bengaluru" {
		t.Errorf("city_id = %q", rec.CityID)
	}
	if rec.Timestamp != "2024-05-01T17:30:00+05:30" || rec.TimestampIST != rec.Timestamp {
		t.Errorf("timestamp = %q, timestamp_ist = %q", rec.Timestamp, rec.TimestampIST)
	}
	if rec.TimestampUTC != "2024-05-01T12:00:00Z" {
		t.Errorf("timestamp_utc = %q", rec.TimestampUTC)
	}
	if rec.TimestampEpoch != now.Unix() {
		t.Errorf("timestamp_epoch = %d", rec.TimestampEpoch)
	}
	if rec.AirRaw == nil {
		t.Error("air_raw should hold the untouched air payload")
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestAssemble_RainDefaultsToZero(t *testing.T) {
	tests := []struct {
		name    string
		weather string
		want    float64
	}{
		{"no rain object", `{"main":{"temp":20}}`, 0},
		{"rain without 1h", `{"rain":{"3h":4.2}}`, 0},
		{"rain with 1h", `{"rain":{"1h":1.75}}`, 1.75},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := New("Bengaluru", nil).Assemble(decode(t, tt.weather), nil, now)
			if rec.Rain1hMM == nil || *rec.Rain1hMM != tt.want {
				t.Errorf("rain_1h_mm = %v, want %v", rec.Rain1hMM, tt.want)
			}
		})
	}
}

func TestAssemble_MissingWeatherSections(t *testing.T) {
	rec := New("Bengaluru", nil).Assemble(map[string]any{}, nil, now)
	if rec.TemperatureC != nil || rec.Humidity != nil || rec.WindSpeedMS != nil {
		t.Errorf("expected nil weather fields, got %+v", rec)
	}
}

func TestAssemble_AirDegradesAtomically(t *testing.T) {
	tests := []struct {
		name string
		air  string
	}{
		{"empty list", `{"list":[]}`},
		{"missing list", `{}`},
		{"missing components", `{"list":[{"main":{"aqi":2}}]}`},
		{"missing pm10", `{"list":[{"main":{"aqi":2},"components":{"co":1,"pm2_5":2}}]}`},
		{"missing aqi", `{"list":[{"main":{},"components":{"co":1,"pm2_5":2,"pm10":3}}]}`},
		{"aqi out of range", `{"list":[{"main":{"aqi":9},"components":{"co":1,"pm2_5":2,"pm10":3}}]}`},
		{"list is not an array", `{"list":{"main":{"aqi":2}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			rec := New("Bengaluru", zap.New(core)).Assemble(map[string]any{}, decode(t, tt.air), now)
			if rec.CO != nil || rec.PM25 != nil || rec.PM10 != nil || rec.AQI != nil {
				t.Errorf("air fields = %v %v %v %v, want all nil", rec.CO, rec.PM25, rec.PM10, rec.AQI)
			}
			if logs.Len() != 1 {
				t.Errorf("expected one warning, got %d", logs.Len())
			}
		})
	}
}
