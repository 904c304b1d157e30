package sink

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink exposes emitted data points as gauges.
//
// A gauge vector is registered the first time a name is emitted, labeled by
// the tag keys of that first call. Later calls for the same name must use the
// same tag keys.
//
// EndPass deletes the series that were exported by the previous pass but not
// emitted again, so principals that leave the top N disappear from /metrics.
type PrometheusSink struct {
	reg       prometheus.Registerer
	namespace string

	mu     sync.Mutex
	gauges map[string]*gaugeVec
}

type gaugeVec struct {
	vec    *prometheus.GaugeVec
	labels []string

	// label values emitted since the last EndPass, and during the pass before.
	current  map[string][]string
	previous map[string][]string
}

// PrometheusOption configures a PrometheusSink.
type PrometheusOption func(*PrometheusSink)

// WithNamespace prefixes every metric name.
func WithNamespace(ns string) PrometheusOption {
	return func(s *PrometheusSink) {
		s.namespace = ns
	}
}

// NewPrometheus creates a sink registering into reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPrometheus(reg prometheus.Registerer, opts ...PrometheusOption) *PrometheusSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		reg:       reg,
		namespace: "admission",
		gauges:    make(map[string]*gaugeVec),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit sets the gauge name{tags} to value.
func (s *PrometheusSink) Emit(_ context.Context, name string, value float64, tags map[string]string) error {
	g, err := s.gauge(name, sortedKeys(tags))
	if err != nil {
		return err
	}

	values := make([]string, len(g.labels))
	for i, l := range g.labels {
		values[i] = tags[l]
	}
	gauge, err := g.vec.GetMetricWithLabelValues(values...)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSinkFailure, name, err)
	}
	gauge.Set(value)

	s.mu.Lock()
	g.current[strings.Join(values, "\xff")] = values
	s.mu.Unlock()
	return nil
}

// EndPass drops every series that was not emitted since the previous EndPass.
func (s *PrometheusSink) EndPass(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.gauges {
		for key, values := range g.previous {
			if _, ok := g.current[key]; !ok {
				g.vec.DeleteLabelValues(values...)
			}
		}
		g.previous = g.current
		g.current = make(map[string][]string)
	}
	return nil
}

func (s *PrometheusSink) gauge(name string, labels []string) (*gaugeVec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.gauges[name]; ok {
		if !slices.Equal(g.labels, labels) {
			return nil, fmt.Errorf("%w: %s: labels %v do not match %v", ErrSinkFailure, name, labels, g.labels)
		}
		return g, nil
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: s.namespace,
		Name:      name,
		Help:      "Abuse monitor " + name,
	}, labels)

	if err := s.reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("%w: register %s: %w", ErrSinkFailure, name, err)
		}
		existing, ok := are.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return nil, fmt.Errorf("%w: %s is registered with another type", ErrSinkFailure, name)
		}
		vec = existing
	}

	g := &gaugeVec{
		vec:      vec,
		labels:   labels,
		current:  make(map[string][]string),
		previous: make(map[string][]string),
	}
	s.gauges[name] = g
	return g, nil
}
