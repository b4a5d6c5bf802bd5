// Package assemble merges the weather and air-quality responses of one ingestion run into a
// single record.
package assemble

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/smartcity-telemetry/internal/models"
	"github.com/kjstillabower/smartcity-telemetry/internal/observability"
)

// Assembler builds records for a fixed city.
type Assembler struct {
	city   string
	logger *zap.Logger
}

// New returns an Assembler that stamps records with city.
func New(city string, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{city: city, logger: logger}
}

// Assemble never fails. Missing weather sections read as empty, rain defaults to 0, and an air
// payload that does not match list[0].{main.aqi, components.{co,pm2_5,pm10}} nulls all four
// air fields together.
func (a *Assembler) Assemble(weather, air map[string]any, now time.Time) models.Record {
	rec := models.Record{CityID: a.city}
	rec.StampTimes(now)
	rec.TTL = models.ExpiryAt(now)

	main := object(weather["main"])
	rec.TemperatureC = number(main["temp"])
	rec.Humidity = number(main["humidity"])
	rec.WindSpeedMS = number(object(weather["wind"])["speed"])

	rain := 0.0
	if r := number(object(weather["rain"])["1h"]); r != nil {
		rain = *r
	}
	rec.Rain1hMM = &rain

	if air != nil {
		rec.AirRaw = air
	}
	if q, ok := extractAir(air); ok {
		rec.CO, rec.PM25, rec.PM10, rec.AQI = q.co, q.pm25, q.pm10, q.aqi
	} else {
		observability.AirPayloadDegradedTotal.Inc()
		a.logger.Warn("air quality payload malformed, air fields set to null", zap.String("city_id", a.city))
	}
	return rec
}

type airQuality struct {
	co, pm25, pm10 *float64
	aqi            *int
}

// extractAir is all or nothing: any missing or non-numeric piece fails the whole extraction.
func extractAir(air map[string]any) (airQuality, bool) {
	list, ok := air["list"].([]any)
	if !ok || len(list) == 0 {
		return airQuality{}, false
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return airQuality{}, false
	}
	components, ok := first["components"].(map[string]any)
	if !ok {
		return airQuality{}, false
	}
	main, ok := first["main"].(map[string]any)
	if !ok {
		return airQuality{}, false
	}

	q := airQuality{
		co:   number(components["co"]),
		pm25: number(components["pm2_5"]),
		pm10: number(components["pm10"]),
	}
	aqi := number(main["aqi"])
	if q.co == nil || q.pm25 == nil || q.pm10 == nil || aqi == nil {
		return airQuality{}, false
	}
	if *aqi != math.Trunc(*aqi) || *aqi < 1 || *aqi > 5 {
		observability.AQIRejectedTotal.WithLabelValues("live").Inc()
		return airQuality{}, false
	}
	q.aqi = models.Int(int(*aqi))
	return q, true
}

func object(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// number reads JSON numbers decoded either as float64 or json.Number.
func number(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case json.Number:
		parsed, err := strconv.ParseFloat(x.String(), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
