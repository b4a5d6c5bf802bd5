package models

import (
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Record is one observation for one city at one instant. CityID and Timestamp form the
// composite key in the keyed store. Nullable measurements are nil when the source did not
// provide a usable value.
type Record struct {
	CityID         string   `json:"city_id" dynamodbav:"city_id" validate:"required"`
	Timestamp      string   `json:"timestamp" dynamodbav:"timestamp" validate:"required"`
	TimestampUTC   string   `json:"timestamp_utc" dynamodbav:"timestamp_utc"`
	TimestampIST   string   `json:"timestamp_ist" dynamodbav:"timestamp_ist"`
	TimestampEpoch int64    `json:"timestamp_epoch" dynamodbav:"timestamp_epoch"`
	TemperatureC   *float64 `json:"temperature_c" dynamodbav:"temperature_c,omitempty"`
	Humidity       *float64 `json:"humidity" dynamodbav:"humidity,omitempty"`
	WindSpeedMS    *float64 `json:"wind_speed_m_s" dynamodbav:"wind_speed_m_s,omitempty"`
	Rain1hMM       *float64 `json:"rain_1h_mm" dynamodbav:"rain_1h_mm,omitempty"`
	CO             *float64 `json:"co" dynamodbav:"co,omitempty"`
	PM25           *float64 `json:"pm2_5" dynamodbav:"pm2_5,omitempty"`
	PM10           *float64 `json:"pm10" dynamodbav:"pm10,omitempty"`
	AQI            *int     `json:"aqi" dynamodbav:"aqi,omitempty" validate:"omitempty,gte=1,lte=5"`
	AirRaw         any      `json:"air_raw,omitempty" dynamodbav:"air_raw,omitempty"`
	TTL            int64    `json:"ttl" dynamodbav:"ttl" validate:"gt=0"`
}

// Validate checks the key fields, the aqi category range and that no measurement is NaN or infinite.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	for name, v := range r.measurements() {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("invalid record: %s is not finite", name)
		}
	}
	return nil
}

func (r Record) measurements() map[string]*float64 {
	return map[string]*float64{
		"temperature_c":  r.TemperatureC,
		"humidity":       r.Humidity,
		"wind_speed_m_s": r.WindSpeedMS,
		"rain_1h_mm":     r.Rain1hMM,
		"co":             r.CO,
		"pm2_5":          r.PM25,
		"pm10":           r.PM10,
	}
}

// ToMap returns the record as a generic document. Absent measurements appear as untyped nil
// so that callers walking the map see a plain null rather than a typed nil pointer.
func (r Record) ToMap() map[string]any {
	m := map[string]any{
		"city_id":         r.CityID,
		"timestamp":       r.Timestamp,
		"timestamp_utc":   r.TimestampUTC,
		"timestamp_ist":   r.TimestampIST,
		"timestamp_epoch": r.TimestampEpoch,
		"ttl":             r.TTL,
	}
	for name, v := range r.measurements() {
		if v == nil {
			m[name] = nil
			continue
		}
		m[name] = *v
	}
	if r.AQI == nil {
		m["aqi"] = nil
	} else {
		m["aqi"] = *r.AQI
	}
	if r.AirRaw != nil {
		m["air_raw"] = r.AirRaw
	}
	return m
}

// Float returns a pointer to v. Used when building records from parsed values.
func Float(v float64) *float64 {
	return &v
}

// Int returns a pointer to v.
func Int(v int) *int {
	return &v
}
