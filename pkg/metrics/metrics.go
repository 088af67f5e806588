// Package metrics exposes prometheus collectors for the monitor pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dumpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flexwatch_dumps_total",
		Help: "License-tool dumps processed per host",
	}, []string{"host"})

	parseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flexwatch_parse_failures_total",
		Help: "Dumps that could not be parsed (no dump header) per host",
	}, []string{"host"})

	emptyDumps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flexwatch_empty_dumps_total",
		Help: "Status commands that produced no output per host",
	}, []string{"host"})

	mailsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flexwatch_mails_sent_total",
		Help: "Mails handed to the SMTP server",
	})

	mailErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flexwatch_mail_errors_total",
		Help: "Mail delivery failures",
	})

	userEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flexwatch_user_events_total",
		Help: "WARN/BAN/UNBAN notifications by event type",
	}, []string{"event"})

	reloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flexwatch_reloads_total",
		Help: "License server reload sequences issued",
	})

	restarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flexwatch_restarts_total",
		Help: "License service restarts issued",
	})

	freePercentage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flexwatch_free_percentage",
		Help: "Fleet-wide free license percentage (last cycle)",
	})

	activeUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flexwatch_active_users",
		Help: "Active users across the fleet (last cycle)",
	})
)

func RecordDump(host string)         { dumpsTotal.WithLabelValues(host).Inc() }
func RecordParseFailure(host string) { parseFailures.WithLabelValues(host).Inc() }
func RecordEmptyDump(host string)    { emptyDumps.WithLabelValues(host).Inc() }
func RecordMailSent()                { mailsSent.Inc() }
func RecordMailError()               { mailErrors.Inc() }
func RecordReload()                  { reloads.Inc() }
func RecordRestart()                 { restarts.Inc() }
func SetFreePercentage(v float64)    { freePercentage.Set(v) }
func SetActiveUsers(n int)           { activeUsers.Set(float64(n)) }

func RecordUserEvents(event string, n int) {
	userEvents.WithLabelValues(event).Add(float64(n))
}

// Serve exposes /metrics on addr in a background goroutine. Listen errors
// are delivered on the returned channel.
func Serve(addr string) <-chan error {
	errc := make(chan error, 1)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		errc <- srv.ListenAndServe()
	}()
	return errc
}
