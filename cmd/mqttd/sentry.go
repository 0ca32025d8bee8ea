package main

import (
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/riftmq/riftmq/broker"
)

// sentryReporter implements broker.ErrorReporter (C14) by forwarding
// INTERNAL_ERROR-class failures to Sentry, tagged with the offending
// client's ID when one is known. It is installed only when a Sentry DSN is
// configured; without one the broker keeps its built-in no-op reporter.
type sentryReporter struct{}

// newSentryReporter initializes the Sentry SDK for dsn and returns a
// broker.ErrorReporter backed by it. Callers should defer the returned
// flush function to give in-flight events a chance to send before exit.
func newSentryReporter(dsn, release string) (broker.ErrorReporter, func(), error) {
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: release,
	}); err != nil {
		return nil, func() {}, err
	}
	flush := func() { sentry.Flush(2 * time.Second) }
	return sentryReporter{}, flush, nil
}

// ReportError implements broker.ErrorReporter.
func (sentryReporter) ReportError(err error, clientID string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		if clientID != "" {
			scope.SetTag("client_id", clientID)
		}
		sentry.CaptureException(err)
	})
}
