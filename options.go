package keybridge

import (
	"time"

	"go.uber.org/zap"
)

// Option configures a Bridge.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	dispatch []DispatchOption
}

func defaultOptions() options {
	return options{logger: zap.NewNop()}
}

// WithLogger sets the logger used by the bridge and its dispatcher.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDispatchOptions forwards options to the bridge's dispatcher.
func WithDispatchOptions(opts ...DispatchOption) Option {
	return func(o *options) { o.dispatch = append(o.dispatch, opts...) }
}

// ServeOption configures the remote host link.
type ServeOption func(*serveOptions)

type serveOptions struct {
	addr         string
	idleTimeout  time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
}

const defaultAddr = ":9100"

func defaultServeOptions() serveOptions {
	return serveOptions{
		idleTimeout:  5 * time.Minute,
		writeTimeout: 10 * time.Second,
		logger:       zap.NewNop(),
	}
}

func applyServeOptions(opts []ServeOption) serveOptions {
	o := defaultServeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

func WithAddr(addr string) ServeOption {
	return func(o *serveOptions) { o.addr = addr }
}

// WithIdleTimeout closes connections that send nothing for d. Zero disables it.
func WithIdleTimeout(d time.Duration) ServeOption {
	return func(o *serveOptions) { o.idleTimeout = d }
}

// WithWriteTimeout bounds each reply write. Zero disables it.
func WithWriteTimeout(d time.Duration) ServeOption {
	return func(o *serveOptions) { o.writeTimeout = d }
}

func WithServeLogger(l *zap.Logger) ServeOption {
	return func(o *serveOptions) { o.logger = l }
}

// normalizeAddr picks the listen address: explicit addr, then WithAddr, then the default.
func normalizeAddr(addr string, opts []ServeOption) string {
	if addr != "" {
		return addr
	}
	if o := applyServeOptions(opts); o.addr != "" {
		return o.addr
	}
	return defaultAddr
}
