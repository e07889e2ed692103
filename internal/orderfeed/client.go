// Package orderfeed receives newly signed limit orders from the relayer
// service websocket and turns them into validated orders.
package orderfeed

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"limit-relayer/internal/limitorder"
)

const DefaultPingInterval = 5 * time.Second

type Options struct {
	PingInterval time.Duration

	// Reconnect delays double from BackoffMin per failed attempt, capped at
	// BackoffMax, and reset after a connection is established.
	BackoffMin time.Duration
	BackoffMax time.Duration

	OutBuffer int
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 500 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = 15 * time.Second
	}
	if o.OutBuffer <= 0 {
		o.OutBuffer = 64
	}
	return o
}

// reconnectDelay is BackoffMin * 2^retry, capped at BackoffMax.
func (o Options) reconnectDelay(retry int) time.Duration {
	if retry < 0 {
		return o.BackoffMin
	}
	if retry > 30 {
		return o.BackoffMax
	}
	d := o.BackoffMin << retry
	if d <= 0 || d > o.BackoffMax {
		return o.BackoffMax
	}
	return d
}

type feed struct {
	url     string
	builder *Builder
	opts    Options
	dialer  websocket.Dialer

	orders chan *limitorder.LimitOrder
	errs   chan error
}

// Start connects to the order websocket and emits every accepted order,
// reconnecting until ctx is done. Rejected orders and transport problems go
// to the error channel, which drops when full. Both channels close when the
// feed stops.
func Start(ctx context.Context, url string, b *Builder, opts Options) (<-chan *limitorder.LimitOrder, <-chan error) {
	opts = opts.withDefaults()
	f := &feed{
		url:     url,
		builder: b,
		opts:    opts,
		dialer:  websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		orders:  make(chan *limitorder.LimitOrder, opts.OutBuffer),
		errs:    make(chan error, 16),
	}
	go f.run(ctx)
	return f.orders, f.errs
}

func (f *feed) run(ctx context.Context) {
	defer close(f.orders)
	defer close(f.errs)

	header := http.Header{}
	header.Set("User-Agent", DefaultUserAgent)

	retry := 0
	for ctx.Err() == nil {
		conn, _, err := f.dialer.DialContext(ctx, f.url, header)
		if err != nil {
			f.report(fmt.Errorf("orderfeed dial: %w", err))
			if !f.wait(ctx, retry) {
				return
			}
			retry++
			continue
		}
		retry = 0
		log.Printf("[info] orderfeed: connected to %s", f.url)

		err = f.session(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			f.report(err)
		}
		if !f.wait(ctx, retry) {
			return
		}
	}
}

// wait sleeps before the next dial and reports false when ctx ends first.
func (f *feed) wait(ctx context.Context, retry int) bool {
	t := time.NewTimer(f.opts.reconnectDelay(retry))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (f *feed) report(err error) {
	select {
	case f.errs <- err:
	default:
	}
}

// session reads orders off one connection until it fails or ctx ends.
// A peer that misses three pings in a row is considered gone.
func (f *feed) session(ctx context.Context, conn *websocket.Conn) error {
	readWindow := 3 * f.opts.PingInterval
	extend := func(string) error { return conn.SetReadDeadline(time.Now().Add(readWindow)) }
	_ = extend("")
	conn.SetPongHandler(extend)

	done := make(chan struct{})
	defer close(done)
	go f.keepalive(ctx, conn, done)

	for {
		typ, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return fmt.Errorf("orderfeed read: %w", err)
		}
		_ = extend("")
		if len(msg) == 0 || (typ != websocket.TextMessage && typ != websocket.BinaryMessage) {
			continue
		}

		o, err := f.builder.Build(msg)
		switch {
		case errors.Is(err, ErrIgnored):
			continue
		case err != nil:
			f.report(err)
			continue
		}
		select {
		case f.orders <- o:
		case <-ctx.Done():
			return nil
		}
	}
}

// keepalive pings until the session ends. Closing the connection is how it
// unblocks the reader on shutdown or a failed ping.
func (f *feed) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	tick := time.NewTicker(f.opts.PingInterval)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close()
			return
		case <-tick.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(3*time.Second)); err != nil {
				f.report(fmt.Errorf("orderfeed ping: %w", err))
				_ = conn.Close()
				return
			}
		}
	}
}
