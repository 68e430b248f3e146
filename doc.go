/*
Package tinyserver provides a small, self-contained HTTP/1.1 serving
engine for static files and simple form POSTs.

The engine is a single-reactor, multi-worker design: one goroutine owns
an edge/level-triggered readiness poller (epoll on Linux, kqueue on
BSD/macOS) and dispatches per-connection work onto a fixed pool of
worker goroutines backed by a bounded blocking queue. An idle-timeout
min-heap closes connections that stop sending traffic.

Quick Start

	package main

	import (
		"log"

		"github.com/nullsock/tinyserver/app"
		"github.com/nullsock/tinyserver/config"
	)

	func main() {
		cfg, err := config.New()
		if err != nil {
			log.Fatal(err)
		}
		a, err := app.New(cfg)
		if err != nil {
			log.Fatal(err)
		}
		if err := a.Run(); err != nil {
			log.Fatal(err)
		}
	}

Modules

  - app: process wiring (reactor + signal handling)
  - config: startup parameters, flags, JSON/env layering
  - logger: async structured-event sink
  - core/buffer: growable read/write-indexed byte buffer
  - core/poller: readiness multiplexer (epoll/kqueue)
  - core/timer: indexed min-heap for idle-timeout expiry
  - core/workerpool: bounded blocking queue + fixed worker pool
  - core/sqlpool: pooled SQL handle collaborator for /login, /register
  - core/httpconn: HTTP request parser, responder, connection lifecycle
  - core/observability: per-request access logging
  - core/optimize: architecture-gated fast paths
  - core/server: the reactor event loop
*/
package tinyserver
