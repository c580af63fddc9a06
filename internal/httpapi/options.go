package httpapi

import "time"

// Options controls HTTP API runtime behavior.
//
// Keep it small: this service is a conversion pipeline, not a framework.
type Options struct {
	// ConvertTimeout is the hard upper bound for a single conversion request
	// (fetch + parse + normalize + transform + export).
	ConvertTimeout time.Duration

	// MaxSources caps how many subscription URLs one request may name.
	MaxSources int
}

func (o Options) withDefaults() Options {
	if o.ConvertTimeout <= 0 {
		o.ConvertTimeout = 60 * time.Second
	}
	if o.MaxSources <= 0 {
		o.MaxSources = 16
	}
	return o
}
