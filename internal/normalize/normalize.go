// Package normalize maps heterogeneous telemetry rows (CSV exports, ad-hoc JSON events) onto
// models.Record.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/smartcity-telemetry/internal/models"
	"github.com/kjstillabower/smartcity-telemetry/internal/observability"
)

// Field names of the canonical record that have source aliases.
const (
	FieldTimestamp    = "timestamp"
	FieldCityID       = "city_id"
	FieldAQI          = "aqi"
	FieldTemperatureC = "temperature_c"
	FieldHumidity     = "humidity"
	FieldWindSpeed    = "wind_speed_m_s"
	FieldRain1h       = "rain_1h_mm"
	FieldCO           = "co"
	FieldPM25         = "pm2_5"
	FieldPM10         = "pm10"
)

// Aliases lists, per canonical field, the source keys probed in priority order.
var Aliases = map[string][]string{
	FieldTimestamp:    {"timestamp_c", "timestamp", "ts", "timestamp_ist", "timestamp_utc"},
	FieldCityID:       {"city_id", "city"},
	FieldAQI:          {"aqi", "AQI"},
	FieldTemperatureC: {"temperature_c", "temp"},
	FieldHumidity:     {"humidity"},
	FieldWindSpeed:    {"wind_speed_m_s", "wind_speed"},
	FieldRain1h:       {"rain_1h_mm", "rain_1h", "rain"},
	FieldCO:           {"co", "CO"},
	FieldPM25:         {"pm2_5", "pm25", "PM2.5"},
	FieldPM10:         {"pm10", "PM10"},
}

// Layouts without a zone are read as IST, the zone the rest of the pipeline writes in.
var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Normalizer converts rows to records. The zero value is not usable; use New.
type Normalizer struct {
	defaultCity string
	logger      *zap.Logger
}

// New returns a Normalizer that assigns defaultCity to rows without a city field.
func New(defaultCity string, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{defaultCity: defaultCity, logger: logger}
}

// Normalize maps one row onto a record. It returns false when no timestamp alias resolves to a
// parseable instant; such rows must not be persisted. Numeric fields that are empty or do not
// parse are left nil. ttl is always derived from now.
func (n *Normalizer) Normalize(row map[string]any, now time.Time) (models.Record, bool) {
	raw, ok := lookup(row, FieldTimestamp)
	if !ok {
		return models.Record{}, false
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		n.logger.Debug("row rejected", zap.Any("timestamp", raw), zap.Error(err))
		return models.Record{}, false
	}

	rec := models.Record{
		CityID:       n.defaultCity,
		TemperatureC: n.number(row, FieldTemperatureC),
		Humidity:     n.number(row, FieldHumidity),
		WindSpeedMS:  n.number(row, FieldWindSpeed),
		Rain1hMM:     n.number(row, FieldRain1h),
		CO:           n.number(row, FieldCO),
		PM25:         n.number(row, FieldPM25),
		PM10:         n.number(row, FieldPM10),
		AQI:          n.aqi(row),
		TTL:          models.ExpiryAt(now),
	}
	rec.StampTimes(ts)
	if city, ok := lookup(row, FieldCityID); ok {
		rec.CityID = strings.TrimSpace(fmt.Sprint(city))
	}
	return rec, true
}

// NormalizeAll normalizes rows, drops rejected ones and returns the rest ordered by instant.
// rejected is the number of rows dropped.
func (n *Normalizer) NormalizeAll(rows []map[string]any, now time.Time) (records []models.Record, rejected int) {
	records = make([]models.Record, 0, len(rows))
	for _, row := range rows {
		rec, ok := n.Normalize(row, now)
		if !ok {
			rejected++
			observability.BatchRowsTotal.WithLabelValues("rejected").Inc()
			continue
		}
		observability.BatchRowsTotal.WithLabelValues("accepted").Inc()
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].TimestampEpoch < records[j].TimestampEpoch
	})
	return records, rejected
}

// NormalizeJSON decodes a single JSON event object and normalizes it. Numbers keep their text.
func (n *Normalizer) NormalizeJSON(data []byte, now time.Time) (models.Record, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var row map[string]any
	if err := dec.Decode(&row); err != nil {
		return models.Record{}, false, fmt.Errorf("decode event: %w", err)
	}
	rec, ok := n.Normalize(row, now)
	return rec, ok, nil
}

func (n *Normalizer) number(row map[string]any, field string) *float64 {
	v, ok := lookup(row, field)
	if !ok {
		return nil
	}
	f, ok := toFloat(v)
	if !ok {
		n.logger.Debug("unparseable value", zap.String("field", field), zap.Any("value", v))
		return nil
	}
	return &f
}

// aqi accepts only whole numbers on the 1..5 category scale.
func (n *Normalizer) aqi(row map[string]any) *int {
	f := n.number(row, FieldAQI)
	if f == nil {
		return nil
	}
	if *f != math.Trunc(*f) || *f < 1 || *f > 5 {
		observability.AQIRejectedTotal.WithLabelValues("batch").Inc()
		n.logger.Warn("aqi outside category scale", zap.Float64("aqi", *f))
		return nil
	}
	return models.Int(int(*f))
}

// lookup returns the first alias value that is present and not empty.
func lookup(row map[string]any, field string) (any, bool) {
	for _, key := range Aliases[field] {
		v, ok := row[key]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return v, true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Numeric timestamps are epoch seconds, or epoch milliseconds from msEpochThreshold up. Results
// before minEpochSeconds (2001-09-09) are rejected so that compact dates such as 20240501 are
// not read as seconds in 1970.
const (
	msEpochThreshold = 1e12
	minEpochSeconds  = 1e9
	maxEpochSeconds  = 253402300799 // 9999-12-31T23:59:59Z
)

func parseTimestamp(v any) (time.Time, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return checkYear(t, v)
		}
		for _, layout := range timestampLayouts {
			if t, err := time.ParseInLocation(layout, s, models.IST); err == nil {
				return checkYear(t, v)
			}
		}
	}
	if n, ok := toFloat(v); ok {
		secs := n
		if secs >= msEpochThreshold {
			secs /= 1000
		}
		if secs < minEpochSeconds || secs > maxEpochSeconds {
			return time.Time{}, fmt.Errorf("epoch timestamp %v out of range", v)
		}
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(math.Round(frac*1e9))), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %v", v)
}

func checkYear(t time.Time, v any) (time.Time, error) {
	if y := t.UTC().Year(); y < 1970 || y > 9999 {
		return time.Time{}, fmt.Errorf("timestamp %v out of range", v)
	}
	return t, nil
}
