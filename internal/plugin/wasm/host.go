package wasm

import (
	"context"
	"encoding/json"
	"sync/atomic"

	extism "github.com/extism/go-sdk"

	"github.com/dshills/modhost/internal/plugin/runtime"
	"github.com/dshills/modhost/internal/plugin/security"
)

// binding holds the dependencies of the module currently composed from a
// unit. Host functions are compiled with the unit and resolve it per call.
type binding struct {
	deps atomic.Pointer[runtime.Deps]
}

func (b *binding) current() runtime.Deps {
	if d := b.deps.Load(); d != nil {
		return *d
	}
	return runtime.Deps{}
}

// hostFunctions builds the imports for one unit. Strings cross the
// boundary as offsets into plugin memory; 0 means "no value".
func hostFunctions(b *binding) []extism.HostFunction {
	return []extism.HostFunction{
		newLogFunction(b),
		newSettingsGetFunction(b),
		newSettingsSetFunction(b),
		newHasCapabilityFunction(b),
	}
}

// host_log: (i32 level, i64 msg_offset) -> ()
// Levels: 0 debug, 1 info, 2 warn, 3 error.
func newLogFunction(b *binding) extism.HostFunction {
	fn := extism.NewHostFunctionWithStack(
		"host_log",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			logger := b.current().Logger
			msg, err := p.ReadString(stack[1])
			if err != nil || logger == nil {
				return
			}
			switch int32(stack[0]) {
			case 0:
				logger.Debug(msg)
			case 2:
				logger.Warn(msg)
			case 3:
				logger.Error(msg)
			default:
				logger.Info(msg)
			}
		},
		[]extism.ValueType{extism.ValueTypeI32, extism.ValueTypeI64},
		[]extism.ValueType{},
	)
	fn.SetNamespace("env")
	return fn
}

// settings_get: (i64 path_offset) -> i64 json_offset
func newSettingsGetFunction(b *binding) extism.HostFunction {
	fn := extism.NewHostFunctionWithStack(
		"settings_get",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			settings := b.current().Settings
			pathOffset := stack[0]
			stack[0] = 0
			if settings == nil {
				return
			}
			path, err := p.ReadString(pathOffset)
			if err != nil {
				return
			}
			raw, ok := settings.Get(path)
			if !ok {
				return
			}
			offset, err := p.WriteString(raw)
			if err != nil {
				p.Log(extism.LogLevelError, "settings_get: "+err.Error())
				return
			}
			stack[0] = offset
		},
		[]extism.ValueType{extism.ValueTypeI64},
		[]extism.ValueType{extism.ValueTypeI64},
	)
	fn.SetNamespace("env")
	return fn
}

// settings_set: (i64 path_offset, i64 json_offset) -> i32 ok
func newSettingsSetFunction(b *binding) extism.HostFunction {
	fn := extism.NewHostFunctionWithStack(
		"settings_set",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			settings := b.current().Settings
			pathOffset, valueOffset := stack[0], stack[1]
			stack[0] = 0
			if settings == nil {
				return
			}
			path, err := p.ReadString(pathOffset)
			if err != nil {
				return
			}
			raw, err := p.ReadString(valueOffset)
			if err != nil {
				return
			}
			var value any
			if err := json.Unmarshal([]byte(raw), &value); err != nil {
				p.Log(extism.LogLevelError, "settings_set: value is not JSON: "+err.Error())
				return
			}
			if err := settings.Set(path, value); err != nil {
				p.Log(extism.LogLevelError, "settings_set: "+err.Error())
				return
			}
			stack[0] = 1
		},
		[]extism.ValueType{extism.ValueTypeI64, extism.ValueTypeI64},
		[]extism.ValueType{extism.ValueTypeI32},
	)
	fn.SetNamespace("env")
	return fn
}

// has_capability: (i64 name_offset) -> i32 granted
func newHasCapabilityFunction(b *binding) extism.HostFunction {
	fn := extism.NewHostFunctionWithStack(
		"has_capability",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			api := b.current().API
			name, err := p.ReadString(stack[0])
			stack[0] = 0
			if err != nil || api == nil {
				return
			}
			if api.Has(security.ParseCapability(name)) {
				stack[0] = 1
			}
		},
		[]extism.ValueType{extism.ValueTypeI64},
		[]extism.ValueType{extism.ValueTypeI32},
	)
	fn.SetNamespace("env")
	return fn
}
