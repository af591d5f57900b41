// Package metrics exposes RelayPBX runtime counters as a Prometheus
// collector. Everything is gathered at scrape time from live providers;
// nothing is cached.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ActiveCallsProvider exposes the number of in-flight calls.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// RegistrationCounter returns the number of active SIP bindings.
type RegistrationCounter interface {
	BindingCount() int
}

// PortPoolProvider exposes media port allocation state.
type PortPoolProvider interface {
	Capacity() int
	AllocatedCount() int
}

// EventBusStats exposes the event bus publish/drop counters.
type EventBusStats interface {
	Stats() (published, dropped uint64)
}

// Collector is a prometheus.Collector gathering RelayPBX metrics at
// scrape time.
type Collector struct {
	activeCalls   ActiveCallsProvider
	registrations RegistrationCounter
	ports         PortPoolProvider
	bus           EventBusStats
	startTime     time.Time

	activeCallsDesc   *prometheus.Desc
	registrationsDesc *prometheus.Desc
	portsUsedDesc     *prometheus.Desc
	portsCapDesc      *prometheus.Desc
	eventsDesc        *prometheus.Desc
	eventsDroppedDesc *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a metrics collector. Any provider may be nil.
func NewCollector(
	activeCalls ActiveCallsProvider,
	registrations RegistrationCounter,
	ports PortPoolProvider,
	bus EventBusStats,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls:   activeCalls,
		registrations: registrations,
		ports:         ports,
		bus:           bus,
		startTime:     startTime,

		activeCallsDesc: prometheus.NewDesc(
			"relaypbx_active_calls",
			"Number of currently active calls (ringing + answered)",
			nil, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"relaypbx_registered_contacts",
			"Number of currently registered SIP contacts",
			nil, nil,
		),
		portsUsedDesc: prometheus.NewDesc(
			"relaypbx_rtp_port_pairs_allocated",
			"Number of RTP/RTCP port pairs currently allocated",
			nil, nil,
		),
		portsCapDesc: prometheus.NewDesc(
			"relaypbx_rtp_port_pairs_capacity",
			"Total RTP/RTCP port pairs in the configured range",
			nil, nil,
		),
		eventsDesc: prometheus.NewDesc(
			"relaypbx_events_published_total",
			"Events published on the internal bus",
			nil, nil,
		),
		eventsDroppedDesc: prometheus.NewDesc(
			"relaypbx_events_dropped_total",
			"Events dropped due to slow subscribers",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"relaypbx_uptime_seconds",
			"Seconds since the RelayPBX process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.registrationsDesc
	ch <- c.portsUsedDesc
	ch <- c.portsCapDesc
	ch <- c.eventsDesc
	ch <- c.eventsDroppedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.registrations != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registrationsDesc, prometheus.GaugeValue,
			float64(c.registrations.BindingCount()),
		)
	}

	if c.ports != nil {
		ch <- prometheus.MustNewConstMetric(
			c.portsUsedDesc, prometheus.GaugeValue,
			float64(c.ports.AllocatedCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.portsCapDesc, prometheus.GaugeValue,
			float64(c.ports.Capacity()),
		)
	}

	if c.bus != nil {
		published, dropped := c.bus.Stats()
		ch <- prometheus.MustNewConstMetric(
			c.eventsDesc, prometheus.CounterValue, float64(published),
		)
		ch <- prometheus.MustNewConstMetric(
			c.eventsDroppedDesc, prometheus.CounterValue, float64(dropped),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Serve registers the collector and runs an HTTP listener for Prometheus
// scrapes until the context is cancelled.
func Serve(ctx context.Context, addr string, collector *Collector) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return fmt.Errorf("registering collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
