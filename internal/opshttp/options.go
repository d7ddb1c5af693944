package opshttp

import (
	"net/http"

	"github.com/keithlinneman/windowgate/internal/health"
)

type Options struct {
	// Addr is the listen address, ":9000" when empty
	Addr        string
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe
	// AllowPublic serves peers outside loopback and private networks too,
	// for local development only
	AllowPublic bool
	// OnPanic is called after a recovered handler panic
	OnPanic func()
}
