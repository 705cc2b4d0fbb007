// Package metrics defines the instrumentation facade for the payment
// gate. Counters are labelled by event type and payment method so a
// deployment can see, per rail, how many sessions were opened, verified,
// fulfilled or rejected.
package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
