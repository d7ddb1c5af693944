// Package prof runs continuous profiling with pyroscope.
package prof

import (
	"context"
	"fmt"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/windowgate/internal/log"
	"github.com/keithlinneman/windowgate/internal/xerrors"
)

type Options struct {
	Enabled           bool
	AppName           string
	ServerAddress     string
	BasicAuthUser     string
	BasicAuthPassword string
	TenantID          string
	Tags              map[string]string
	// shard locks are the contention point worth watching, so mutex
	// profiling is on whenever profiling is
	ProfileMutexFraction int
	BlockProfileRate     int
}

// pyroLogger routes pyroscope's own logging into ours, demoted one level
type pyroLogger struct{ L log.Logger }

func (p pyroLogger) Infof(format string, args ...any) {
	p.L.Debug(context.Background(), fmt.Sprintf(format, args...), "component", "pyroscope")
}

func (p pyroLogger) Debugf(format string, args ...any) {}

func (p pyroLogger) Errorf(format string, args ...any) {
	p.L.Warn(context.Background(), fmt.Sprintf(format, args...), "component", "pyroscope")
}

// Start begins profiling. The returned stop func is always safe to call,
// including after an error.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)

	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return func() {}, nil
	}

	if opts.ServerAddress == "" {
		err := xerrors.Newf("invalid server address (%q)", opts.ServerAddress)
		L.Error(ctx, err, "pyroscope options")
		return func() {}, err
	}

	mutexFraction := opts.ProfileMutexFraction
	if mutexFraction <= 0 {
		mutexFraction = 5
	}
	runtime.SetMutexProfileFraction(mutexFraction)
	if opts.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(opts.BlockProfileRate)
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName:   opts.AppName,
		ServerAddress:     opts.ServerAddress,
		BasicAuthUser:     opts.BasicAuthUser,
		BasicAuthPassword: opts.BasicAuthPassword,
		TenantID:          opts.TenantID,
		Tags:              opts.Tags,
		Logger:            pyroLogger{L: L},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
			pyroscope.ProfileMutexCount,
			pyroscope.ProfileMutexDuration,
			pyroscope.ProfileBlockCount,
			pyroscope.ProfileBlockDuration,
		},
	})
	if err != nil {
		err = xerrors.Wrap(err, "pyroscope start")
		L.Error(ctx, err, "pyroscope start failed",
			"server_address", opts.ServerAddress,
			"app_name", opts.AppName,
		)
		return func() {}, err
	}

	L.Info(ctx, "pyroscope started",
		"server_address", opts.ServerAddress,
		"app_name", opts.AppName,
		"mutex_fraction", mutexFraction,
	)

	return func() {
		_ = profiler.Stop()
		L.Info(context.Background(), "pyroscope stopped", "app_name", opts.AppName)
	}, nil
}
