package script

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"
)

const maxCallStackSize = 1 << 20

// Config tunes the script host.
type Config struct {
	Timeout time.Duration `yaml:"timeout" default:"5s" validate:"gt=0"`
}

// Host evaluates untrusted per-device scripts. Every call builds a fresh
// VM: scripts mutate arbitrary globals and must never observe each other.
type Host struct {
	cfg    Config
	logger *slog.Logger
}

// New returns a script host. A zero timeout falls back to 5s.
func New(cfg Config) *Host {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Host{
		cfg:    cfg,
		logger: slog.Default().With("context", "Script Host"),
	}
}

// Transform evaluates source, calls main(payload) and returns the
// JSON.stringify of its result.
func (h *Host) Transform(source, payload string) ([]byte, error) {
	vm, stop, err := h.newVM(source)
	if err != nil {
		return nil, err
	}
	defer stop()

	main, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		return nil, errors.New("script does not define main()")
	}

	res, err := main(goja.Undefined(), vm.ToValue(payload))
	if err != nil {
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	stringify, ok := goja.AssertFunction(jsonObj.Get("stringify"))
	if !ok {
		return nil, errors.New("script replaced JSON.stringify")
	}

	out, err := stringify(jsonObj, res)
	if err != nil {
		return nil, fmt.Errorf("error serializing script result: %w", err)
	}
	if goja.IsUndefined(out) {
		return nil, errors.New("script result is not serializable")
	}
	return []byte(out.String()), nil
}

// Predicate evaluates source and calls main(param). Only a strict boolean
// true fires; any other return value reads as false. A script error is
// returned so the caller can log it, and also reads as false.
func (h *Host) Predicate(source string, param any) (bool, error) {
	vm, stop, err := h.newVM(source)
	if err != nil {
		return false, err
	}
	defer stop()

	main, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		return false, errors.New("script does not define main()")
	}

	res, err := main(goja.Undefined(), vm.ToValue(param))
	if err != nil {
		return false, fmt.Errorf("script execution error: %w", err)
	}

	if b, ok := res.Export().(bool); ok {
		return b, nil
	}
	h.logger.Debug("predicate returned a non-boolean", "type", res.ExportType())
	return false, nil
}

// newVM builds a restricted VM, evaluates the script body and arms the
// timeout interrupt. stop must be deferred by the caller.
func (h *Host) newVM(source string) (vm *goja.Runtime, stop func(), err error) {
	vm = goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)
	// Go values handed to scripts keep their wire names.
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	timer := time.AfterFunc(h.cfg.Timeout, func() {
		vm.Interrupt("script timeout")
	})
	stop = func() { timer.Stop() }

	if _, e := vm.RunString(source); e != nil {
		stop()
		return nil, nil, fmt.Errorf("script evaluation error: %w", e)
	}
	return vm, stop, nil
}
