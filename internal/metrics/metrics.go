// Package metrics counts archive requests and reconciliation outcomes in a
// private prometheus registry.
package metrics

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"zrbackup/internal/archive"
)

// Metrics holds the counters. Safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	archiveRequestsTotal   *prometheus.CounterVec
	archiveBatchItemsTotal *prometheus.CounterVec
	mediaReconciledTotal   *prometheus.CounterVec
	jobsDeferredTotal      *prometheus.CounterVec
}

// New creates the counters in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		archiveRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zrbackup",
				Name:      "archive_requests_total",
				Help:      "Archive service requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		archiveBatchItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zrbackup",
				Name:      "archive_batch_items_total",
				Help:      "Per-item outcomes of batch archive requests",
			},
			[]string{"status"},
		),
		mediaReconciledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zrbackup",
				Name:      "media_reconciled_total",
				Help:      "Local archive state transitions applied after a copy",
			},
			[]string{"result"},
		),
		jobsDeferredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "zrbackup",
				Name:      "jobs_deferred_total",
				Help:      "Operations deferred by an unmet constraint",
			},
			[]string{"constraint"},
		),
	}
}

// Registry returns the registry holding the counters.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveRequest(endpoint, outcome string) {
	m.archiveRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) ObserveBatchItem(status archive.Status) {
	m.archiveBatchItemsTotal.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) ObserveReconciled(result string) {
	m.mediaReconciledTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDeferred(constraint string) {
	m.jobsDeferredTotal.WithLabelValues(constraint).Inc()
}

// WriteSummary writes every non-zero counter as "name{labels} value", one
// per line, sorted.
func (m *Metrics) WriteSummary(w io.Writer) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	var lines []string
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			v := metric.GetCounter().GetValue()
			if v == 0 {
				continue
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %g", fam.GetName(), formatLabels(metric.GetLabel()), v))
		}
	}
	slices.Sort(lines)

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func formatLabels(labels []*dto.LabelPair) string {
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	return strings.Join(parts, ",")
}

var _ archive.Recorder = (*Metrics)(nil)
