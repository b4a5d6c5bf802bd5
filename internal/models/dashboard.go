package models

// AQIPoint is one entry of the dashboard air-quality series.
type AQIPoint struct {
	Timestamp string `json:"timestamp"`
	AQI       int    `json:"aqi"`
}

// TempPoint is one entry of the dashboard temperature series.
type TempPoint struct {
	Timestamp string  `json:"timestamp"`
	Temp      float64 `json:"temp"`
}

// DashboardData is the body of GET /api/data.
type DashboardData struct {
	AQISeries  []AQIPoint  `json:"aqiSeries"`
	TempSeries []TempPoint `json:"tempSeries"`
}

// RawPayloads holds the untouched upstream responses for one ingestion run.
type RawPayloads struct {
	Weather map[string]any `json:"weather"`
	Air     map[string]any `json:"air"`
}
