package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"sync-rpc/codec"
)

// Options configure a transport. Zero values fall back to defaults: JSON
// codec, no-op logger, 15s dial budget, 30s heartbeat interval.
type Options struct {
	Codec             codec.Codec
	Logger            *zap.Logger
	DialMaxElapsed    time.Duration
	HeartbeatInterval time.Duration
}

type Option func(*Options)

func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithDialMaxElapsed bounds the total time a client transport keeps retrying
// the initial dial before Start gives up.
func WithDialMaxElapsed(d time.Duration) Option {
	return func(o *Options) { o.DialMaxElapsed = d }
}

// WithHeartbeat sets the keepalive probe interval on transports that need
// one (TCP frames, WebSocket pings).
func WithHeartbeat(d time.Duration) Option {
	return func(o *Options) { o.HeartbeatInterval = d }
}

func applyOptions(opts []Option) Options {
	o := Options{
		Codec:             codec.GetCodec(codec.CodecTypeJSON),
		Logger:            zap.NewNop(),
		DialMaxElapsed:    15 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// dialWithBackoff retries op with exponential backoff until it succeeds or
// the elapsed budget runs out. Transient listener races (host not yet
// accepting) are the expected failure here.
func dialWithBackoff(maxElapsed time.Duration, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(op, b)
}
