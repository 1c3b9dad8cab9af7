package engine

import (
	"context"
	"time"
)

// Observation is one merged component signal, tagged with its source.
type Observation struct {
	Source string    `json:"source"` // governor | bulk | webhook
	Kind   string    `json:"kind"`
	Detail any       `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// mergeObservations fans the component observation channels into the
// engine's single stream. Slow consumers drop signals.
func (e *Engine) mergeObservations(ctx context.Context) {
	e.coreWG.Add(3)

	go func() {
		defer e.coreWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case o := <-e.governor.Observations():
				e.publish(Observation{Source: "governor", Kind: o.Kind, Detail: o, At: o.At})
			}
		}
	}()

	go func() {
		defer e.coreWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case o := <-e.bulk.Observations():
				e.publish(Observation{Source: "bulk", Kind: o.Kind, Detail: o})
			}
		}
	}()

	go func() {
		defer e.coreWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case o := <-e.dispatcher.Observations():
				e.publish(Observation{Source: "webhook", Kind: o.Kind, Detail: o})
			}
		}
	}()
}

func (e *Engine) publish(o Observation) {
	select {
	case e.observations <- o:
	default:
	}
}
