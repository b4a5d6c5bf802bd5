package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"testing"
)

// BenchmarkBuildRequest benchmarks HTTP request construction with query parameters.
func BenchmarkBuildRequest(b *testing.B) {
	ctx := context.Background()
	params := url.Values{"lat": {"12.9716"}, "lon": {"77.5946"}, "appid": {"key"}, "units": {"metric"}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = buildRequest(ctx, "https://api.openweathermap.org/data/2.5/weather", params)
	}
}

// BenchmarkDecodeAirPollution benchmarks decoding an air-quality response with json.Number.
func BenchmarkDecodeAirPollution(b *testing.B) {
	body := []byte(`{"coord":{"lon":77.5946,"lat":12.9716},"list":[{"main":{"aqi":2},
		"components":{"co":200.27,"no":0.01,"no2":3.55,"o3":62.23,"so2":1.58,"pm2_5":8.3,"pm10":15.0,"nh3":0.9},
		"dt":1714564800}]}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var out map[string]any
		_ = dec.Decode(&out)
	}
}
