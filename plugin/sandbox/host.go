package sandbox

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"time"

	"github.com/casualjim/loom/capability"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	hostModule    = "loom"
	maxLogMessage = 4096
)

// hostFuncs maps each host function to the permission that links it.
var hostFuncs = map[string]capability.Permission{
	"log":    capability.PermissionLog,
	"now":    capability.PermissionClock,
	"random": capability.PermissionRandom,
}

func logLevel(level uint32) slog.Level {
	switch level {
	case 0:
		return slog.LevelDebug
	case 1:
		return slog.LevelInfo
	case 2:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// instantiateHost links the granted subset of the host functions.
func instantiateHost(ctx context.Context, r wazero.Runtime, spec *capability.ModuleSpec, logger *slog.Logger) error {
	b := r.NewHostModuleBuilder(hostModule)

	if spec.Granted(capability.PermissionLog) {
		b.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, m api.Module, level, ptr, n uint32) {
				if n > maxLogMessage {
					n = maxLogMessage
				}
				msg, ok := m.Memory().Read(ptr, n)
				if !ok {
					logger.WarnContext(ctx, "module log message out of bounds", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(n)))
					return
				}
				logger.Log(ctx, logLevel(level), string(msg), slog.String("source", "module"))
			}).
			Export("log")
	}

	if spec.Granted(capability.PermissionClock) {
		b.NewFunctionBuilder().
			WithFunc(func(context.Context) int64 {
				return time.Now().UnixNano()
			}).
			Export("now")
	}

	if spec.Granted(capability.PermissionRandom) {
		b.NewFunctionBuilder().
			WithFunc(func(_ context.Context, m api.Module, ptr, n uint32) uint32 {
				// The view aliases module memory, so nothing is allocated on the host.
				view, ok := m.Memory().Read(ptr, n)
				if !ok {
					panic(fmt.Errorf("random: range [%d, %d) is outside module memory", ptr, uint64(ptr)+uint64(n)))
				}
				if _, err := rand.Read(view); err != nil {
					return 0
				}
				return n
			}).
			Export("random")
	}

	_, err := b.Instantiate(ctx)
	return err
}
