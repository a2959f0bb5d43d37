// Copyright (c) 2024 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

// Package metrics provides a small counter/gauge/histogram facade that
// starts as a no-op and can be switched to a Prometheus-backed
// implementation by calling InitializePrometheusMetrics. Callers that hold
// onto a metric across a long-lived object (the GC reaper, the vote
// processor) should use the LazyLoad* constructors so the metric resolves
// to whichever backend is active the first time it's actually used.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voteguard_metrics"

// CountMeter is a monotonically increasing counter.
type CountMeter interface {
	Add(int64)
}

// CountVecMeter is a counter partitioned by label values.
type CountVecMeter interface {
	AddWithLabel(int64, map[string]string)
}

// GaugeMeter is a value that can move up or down.
type GaugeMeter interface {
	Add(int64)
}

// GaugeVecMeter is a gauge partitioned by label values.
type GaugeVecMeter interface {
	AddWithLabel(int64, map[string]string)
}

// HistogramMeter records individual observations.
type HistogramMeter interface {
	Observe(int64)
}

// HistogramVecMeter records observations partitioned by label values.
type HistogramVecMeter interface {
	ObserveWithLabels(int64, map[string]string)
}

type provider interface {
	counter(name string) CountMeter
	counterVec(name string, labels []string) CountVecMeter
	gauge(name string) GaugeMeter
	gaugeVec(name string, labels []string) GaugeVecMeter
	histogram(name string, buckets []float64) HistogramMeter
	histogramVec(name string, labels []string, buckets []float64) HistogramVecMeter
}

var (
	mu      sync.RWMutex
	metrics provider = defaultNoopMetrics()
)

func getProvider() provider {
	mu.RLock()
	defer mu.RUnlock()
	return metrics
}

func setProvider(p provider) {
	mu.Lock()
	defer mu.Unlock()
	metrics = p
}

func defaultNoopMetrics() provider {
	return noopProvider{}
}

// InitializePrometheusMetrics switches every subsequently-created metric to
// a real Prometheus collector registered against the default registerer.
func InitializePrometheusMetrics() {
	setProvider(newPromProvider())
}

// HTTPHandler returns the handler serving /metrics once
// InitializePrometheusMetrics has been called; before that it serves
// nothing (404 for any path), since there's nothing useful to scrape.
func HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	if p, ok := getProvider().(*promProvider); ok {
		mux.Handle("/metrics", promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func Counter(name string) CountMeter { return getProvider().counter(name) }

func CounterVec(name string, labels []string) CountVecMeter {
	return getProvider().counterVec(name, labels)
}

func Gauge(name string) GaugeMeter { return getProvider().gauge(name) }

func GaugeVec(name string, labels []string) GaugeVecMeter {
	return getProvider().gaugeVec(name, labels)
}

func Histogram(name string, buckets []float64) HistogramMeter {
	return getProvider().histogram(name, buckets)
}

func HistogramVec(name string, labels []string, buckets []float64) HistogramVecMeter {
	return getProvider().histogramVec(name, labels, buckets)
}

// LazyLoadCounter defers resolution of name to a counter on whichever
// provider is active at call time.
func LazyLoadCounter(name string) func() CountMeter {
	return func() CountMeter { return Counter(name) }
}

func LazyLoadCounterVec(name string, labels []string) func() CountVecMeter {
	return func() CountVecMeter { return CounterVec(name, labels) }
}

func LazyLoadGauge(name string) func() GaugeMeter {
	return func() GaugeMeter { return Gauge(name) }
}

func LazyLoadGaugeVec(name string, labels []string) func() GaugeVecMeter {
	return func() GaugeVecMeter { return GaugeVec(name, labels) }
}

func LazyLoadHistogram(name string, buckets []float64) func() HistogramMeter {
	return func() HistogramMeter { return Histogram(name, buckets) }
}

func LazyLoadHistogramVec(name string, labels []string, buckets []float64) func() HistogramVecMeter {
	return func() HistogramVecMeter { return HistogramVec(name, labels, buckets) }
}

// BucketMs is a general-purpose millisecond latency bucket set for
// sub-10-second operations (KV/SQL round trips, vote processing).
// Observations are recorded in milliseconds.
var BucketMs = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
