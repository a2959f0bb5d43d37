// Copyright (c) 2024 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// promProvider lazily registers one Prometheus collector per metric name
// (or name+label-set, for vectors) against the default registerer, caching
// it so repeated calls with the same name return the same collector
// instead of panicking on double registration.
type promProvider struct {
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	mu            sync.Mutex
	counters      map[string]*promCountMeter
	counterVecs   map[string]*promCountVecMeter
	gauges        map[string]*promGaugeMeter
	gaugeVecs     map[string]*promGaugeVecMeter
	histograms    map[string]*promHistogramMeter
	histogramVecs map[string]*promHistogramVecMeter
}

func newPromProvider() *promProvider {
	return &promProvider{
		registerer:    prometheus.DefaultRegisterer,
		gatherer:      prometheus.DefaultGatherer,
		counters:      make(map[string]*promCountMeter),
		counterVecs:   make(map[string]*promCountVecMeter),
		gauges:        make(map[string]*promGaugeMeter),
		gaugeVecs:     make(map[string]*promGaugeVecMeter),
		histograms:    make(map[string]*promHistogramMeter),
		histogramVecs: make(map[string]*promHistogramVecMeter),
	}
}

func (p *promProvider) counter(name string) CountMeter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.counters[name]; ok {
		return m
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name})
	p.registerer.MustRegister(c)
	m := &promCountMeter{c: c}
	p.counters[name] = m
	return m
}

func (p *promProvider) counterVec(name string, labels []string) CountVecMeter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.counterVecs[name]; ok {
		return m
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name}, labels)
	p.registerer.MustRegister(v)
	m := &promCountVecMeter{v: v}
	p.counterVecs[name] = m
	return m
}

func (p *promProvider) gauge(name string) GaugeMeter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.gauges[name]; ok {
		return m
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name})
	p.registerer.MustRegister(g)
	m := &promGaugeMeter{g: g}
	p.gauges[name] = m
	return m
}

func (p *promProvider) gaugeVec(name string, labels []string) GaugeVecMeter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.gaugeVecs[name]; ok {
		return m
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name}, labels)
	p.registerer.MustRegister(v)
	m := &promGaugeVecMeter{v: v}
	p.gaugeVecs[name] = m
	return m
}

func (p *promProvider) histogram(name string, buckets []float64) HistogramMeter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.histograms[name]; ok {
		return m
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Buckets: buckets})
	p.registerer.MustRegister(h)
	m := &promHistogramMeter{h: h}
	p.histograms[name] = m
	return m
}

func (p *promProvider) histogramVec(name string, labels []string, buckets []float64) HistogramVecMeter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.histogramVecs[name]; ok {
		return m
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Buckets: buckets}, labels)
	p.registerer.MustRegister(v)
	m := &promHistogramVecMeter{v: v}
	p.histogramVecs[name] = m
	return m
}

type promCountMeter struct{ c prometheus.Counter }

func (m *promCountMeter) Add(n int64) { m.c.Add(float64(n)) }

type promCountVecMeter struct{ v *prometheus.CounterVec }

func (m *promCountVecMeter) AddWithLabel(n int64, labels map[string]string) {
	m.v.With(labels).Add(float64(n))
}

type promGaugeMeter struct{ g prometheus.Gauge }

func (m *promGaugeMeter) Add(n int64) { m.g.Add(float64(n)) }

type promGaugeVecMeter struct{ v *prometheus.GaugeVec }

func (m *promGaugeVecMeter) AddWithLabel(n int64, labels map[string]string) {
	m.v.With(labels).Add(float64(n))
}

type promHistogramMeter struct{ h prometheus.Histogram }

func (m *promHistogramMeter) Observe(n int64) { m.h.Observe(float64(n)) }

type promHistogramVecMeter struct{ v *prometheus.HistogramVec }

func (m *promHistogramVecMeter) ObserveWithLabels(n int64, labels map[string]string) {
	m.v.With(labels).Observe(float64(n))
}
