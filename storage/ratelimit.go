// storage/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Options are destination-independent settings that are layered on top
// of a Destination by Configure.
type Options struct {
	// Objects older than this are removed by the destination itself
	// (e.g. by a bucket lifecycle rule). Zero means forever.
	MaxRetention time.Duration

	// zero -> unlimited
	MaxUploadBytesPerSecond   int
	MaxDownloadBytesPerSecond int
}

// configured wraps a Destination with bandwidth limits and a retention
// period.
type configured struct {
	Destination
	opts     Options
	up, down *rate.Limiter
}

// Configure returns d with the given options applied. If the options are
// all zero, d is returned unchanged.
func Configure(d Destination, opts Options) Destination {
	if opts == (Options{}) {
		return d
	}
	return &configured{
		Destination: d,
		opts:        opts,
		up:          newLimiter(opts.MaxUploadBytesPerSecond),
		down:        newLimiter(opts.MaxDownloadBytesPerSecond),
	}
}

// newLimiter returns a token bucket that releases the given number of
// bytes per second, or nil if bytesPerSecond is zero. The 94/100 factor
// adds some slop to account for TCP/IP overhead and HTTP headers so that
// the actual bandwidth used doesn't exceed the desired limit. Never more
// than one second's worth of transmission is queued up.
func newLimiter(bytesPerSecond int) *rate.Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	r := rate.Limit(float64(bytesPerSecond) * 94 / 100)
	return rate.NewLimiter(r, bytesPerSecond)
}

// wait blocks until n bytes may be transferred under the limiter l.
func wait(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil {
		return nil
	}
	for n > 0 {
		// WaitN fails for requests larger than the burst size, so take
		// it a burst at a time.
		c := n
		if c > l.Burst() {
			c = l.Burst()
		}
		if err := l.WaitN(ctx, c); err != nil {
			return err
		}
		n -= c
	}
	return nil
}

func (c *configured) MaxRetention() time.Duration {
	return c.opts.MaxRetention
}

func (c *configured) Upload(ctx context.Context, key string, data []byte) (string, error) {
	if err := wait(ctx, c.up, len(data)); err != nil {
		return "", err
	}
	return c.Destination.Upload(ctx, key, data)
}

func (c *configured) Download(ctx context.Context, key string) ([]byte, error) {
	b, err := c.Destination.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	// Downloads are charged after the fact since the size isn't known
	// up front.
	if err := wait(ctx, c.down, len(b)); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *configured) List(ctx context.Context, prefix string, fn func(string) error) error {
	if l, ok := c.Destination.(Lister); ok {
		return l.List(ctx, prefix, fn)
	}
	return errNoList
}
