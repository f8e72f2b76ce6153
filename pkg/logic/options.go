package logic

import "log/slog"

// Option configures the logic components.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for retries and recovery actions.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	return o
}
