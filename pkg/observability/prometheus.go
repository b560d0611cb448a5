package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
)

// PrometheusHandler builds an http.Handler exposing the OTel metric set as a
// second surface alongside OTLP export, on its own registry so it never
// collides with the default global one. The returned exporter is meant to be
// passed as an sdkmetric.WithReader option when building the MeterProvider,
// in addition to (or instead of) the periodic OTLP reader.
func PrometheusHandler() (http.Handler, *promexporter.Exporter, error) {
	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("observability: create prometheus exporter: %w", err)
	}

	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), exporter, nil
}
