// Copyright (c) 2024 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package metrics

// noopMeters satisfies every meter interface with methods that discard
// their input; it's the backend used until InitializePrometheusMetrics is
// called, so metric call sites never need a nil check.
type noopMeters struct{}

func (*noopMeters) Add(int64) {}

func (*noopMeters) AddWithLabel(int64, map[string]string) {}

func (*noopMeters) Observe(int64) {}

func (*noopMeters) ObserveWithLabels(int64, map[string]string) {}

var noopSingleton = &noopMeters{}

type noopProvider struct{}

func (noopProvider) counter(string) CountMeter { return noopSingleton }

func (noopProvider) counterVec(string, []string) CountVecMeter { return noopSingleton }

func (noopProvider) gauge(string) GaugeMeter { return noopSingleton }

func (noopProvider) gaugeVec(string, []string) GaugeVecMeter { return noopSingleton }

func (noopProvider) histogram(string, []float64) HistogramMeter { return noopSingleton }

func (noopProvider) histogramVec(string, []string, []float64) HistogramVecMeter {
	return noopSingleton
}
