package main

import (
	"context"
	"errors"

	"github.com/touristguard/geofence/internal/domain"
	"github.com/touristguard/geofence/internal/engine"
)

// multiRecorder fans one event out to every configured trailing log.
func multiRecorder(recorders []engine.Recorder) engine.Recorder {
	if len(recorders) == 1 {
		return recorders[0]
	}
	return recorderFunc(func(ctx context.Context, e *domain.GeofenceEvent) error {
		var errs []error
		for _, r := range recorders {
			if err := r.RecordEvent(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

type recorderFunc func(ctx context.Context, e *domain.GeofenceEvent) error

func (f recorderFunc) RecordEvent(ctx context.Context, e *domain.GeofenceEvent) error {
	return f(ctx, e)
}
