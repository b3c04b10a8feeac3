package vasm

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// HostFunc is one host capability behind a VOIKE_* syscall.
type HostFunc func(ctx context.Context, arg any) (any, error)

// HostBridge holds the executors the VOIKE_* syscalls call into. Every
// field is optional: a syscall whose executor is nil logs at debug level
// and zeroes its destination register instead of failing.
type HostBridge struct {
	DB   HostFunc // VOIKE_QUERY: query -> result
	Blob HostFunc // VOIKE_BLOB: blob id -> result
	Grid HostFunc // VOIKE_GRID_JOB: job data -> job id
	AI   HostFunc // VOIKE_AI_ASK: prompt -> response
	VVM  HostFunc // VOIKE_RUN_JOB: job config -> result
}

// now is swapped in tests.
var now = time.Now

var defaultSyscalls map[string]SyscallFunc

func init() {
	defaultSyscalls = map[string]SyscallFunc{
		"PRINT": sysPrint,
		"NOW":   sysNow,
		"VOIKE_QUERY": hostSyscall("VOIKE_QUERY", func(h HostBridge) HostFunc {
			return h.DB
		}),
		"VOIKE_BLOB": hostSyscall("VOIKE_BLOB", func(h HostBridge) HostFunc {
			return h.Blob
		}),
		"VOIKE_GRID_JOB": hostSyscall("VOIKE_GRID_JOB", func(h HostBridge) HostFunc {
			return h.Grid
		}),
		"VOIKE_AI_ASK": hostSyscall("VOIKE_AI_ASK", func(h HostBridge) HostFunc {
			return h.AI
		}),
		"VOIKE_RUN_JOB": hostSyscall("VOIKE_RUN_JOB", func(h HostBridge) HostFunc {
			return h.VVM
		}),
	}
}

// DefaultSyscalls lists the opcodes handled by the built-in syscall table.
func DefaultSyscalls() []string {
	return []string{"PRINT", "NOW", "VOIKE_QUERY", "VOIKE_BLOB", "VOIKE_GRID_JOB", "VOIKE_AI_ASK", "VOIKE_RUN_JOB"}
}

// PRINT reg
func sysPrint(_ context.Context, vm *VM, args []any) error {
	r, err := vm.regArg(Instruction{Op: "PRINT", Args: args}, 0)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(vm.out, "%d\n", vm.regs[r])
	return err
}

// NOW reg loads unix milliseconds.
func sysNow(_ context.Context, vm *VM, args []any) error {
	r, err := vm.regArg(Instruction{Op: "NOW", Args: args}, 0)
	if err != nil {
		return err
	}
	vm.regs[r] = now().UnixMilli()
	return nil
}

// hostSyscall builds "OP dest, arg". A register operand passes the
// register's value; anything else is passed as written.
func hostSyscall(op string, pick func(HostBridge) HostFunc) SyscallFunc {
	return func(ctx context.Context, vm *VM, args []any) error {
		in := Instruction{Op: op, Args: args}
		dest, err := vm.regArg(in, 0)
		if err != nil {
			return err
		}

		fn := pick(vm.host)
		if fn == nil {
			vm.logger.DebugContext(ctx, "syscall executor not configured",
				slog.String("op", op), slog.Int("pc", vm.pc))
			vm.regs[dest] = 0
			return nil
		}

		arg := vm.arg(in, 1)
		if isRegisterName(arg) {
			r, err := vm.regArg(in, 1)
			if err != nil {
				return err
			}
			arg = vm.regs[r]
		}

		res, err := fn(ctx, arg)
		if err != nil {
			return err
		}
		vm.store(dest, res)
		return nil
	}
}
