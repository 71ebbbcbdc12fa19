// Package audit composes audit sinks.
package audit

import (
	"context"
	"errors"

	"github.com/scraperdev/gateway/internal/gateway"
)

// Tee fans each write out to every sink. All sinks are attempted even when
// one fails; the joined error surfaces every failure.
type Tee struct {
	sinks []gateway.AuditSink
}

// NewTee builds a fan-out sink.
func NewTee(sinks ...gateway.AuditSink) *Tee {
	return &Tee{sinks: sinks}
}

// WriteRecord writes the record to every sink.
func (t *Tee) WriteRecord(ctx context.Context, record gateway.AuditRecord) error {
	var errs []error
	for _, sink := range t.sinks {
		if err := sink.WriteRecord(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriteAuthEvent writes the event to every sink.
func (t *Tee) WriteAuthEvent(ctx context.Context, event gateway.AuthEvent) error {
	var errs []error
	for _, sink := range t.sinks {
		if err := sink.WriteAuthEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
