package main

import (
	"net/http"

	"github.com/meilies-io/meilies/internal/metrics"
)

func newMetricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func serveMetrics(addr string, mux *http.ServeMux) error {
	return http.ListenAndServe(addr, mux)
}
