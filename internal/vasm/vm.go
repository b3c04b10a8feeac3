package vasm

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/rendis/voike/internal/logging"
	"github.com/rendis/voike/pkg/schema"
)

// SyscallFunc handles an opcode the core instruction set does not cover.
// It may block; the dispatch loop waits for it before the next instruction.
type SyscallFunc func(ctx context.Context, vm *VM, args []any) error

// Option configures a VM.
type Option func(*VM)

// WithSyscalls registers handlers that take precedence over the defaults.
// Opcodes are matched case-insensitively.
func WithSyscalls(handlers map[string]SyscallFunc) Option {
	return func(vm *VM) {
		for op, fn := range handlers {
			vm.overrides[strings.ToUpper(op)] = fn
		}
	}
}

// WithHost wires the executors behind the VOIKE_* syscalls.
func WithHost(h HostBridge) Option {
	return func(vm *VM) { vm.host = h }
}

// WithOutput sets where PRINT writes. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(vm *VM) { vm.out = w }
}

// WithLogger sets the logger for soft syscall failures.
func WithLogger(l *slog.Logger) Option {
	return func(vm *VM) { vm.logger = l }
}

// WithMaxSteps bounds the number of instructions one Run may execute.
// Zero means unlimited.
func WithMaxSteps(n int) Option {
	return func(vm *VM) { vm.maxSteps = n }
}

// VM executes one Program. Machine state is reset at the start of every
// Run and stays readable afterwards. A VM is not safe for concurrent use.
type VM struct {
	program   *Program
	labels    map[string]int
	overrides map[string]SyscallFunc
	host      HostBridge
	out       io.Writer
	logger    *slog.Logger
	maxSteps  int

	regs    [NumRegisters]int64
	stack   []int64
	objects []any
	pc      int
	running bool
	steps   int
}

// New builds the label table and applies opts. Duplicate labels are an error.
func New(program *Program, opts ...Option) (*VM, error) {
	if program == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "program is nil")
	}
	labels, err := program.Labels()
	if err != nil {
		return nil, err
	}
	vm := &VM{
		program:   program,
		labels:    labels,
		overrides: make(map[string]SyscallFunc),
		out:       os.Stdout,
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.logger = logging.OrDiscard(vm.logger)
	return vm, nil
}

func (vm *VM) reset() {
	vm.regs = [NumRegisters]int64{}
	vm.stack = vm.stack[:0]
	vm.objects = nil
	vm.pc = 0
	vm.steps = 0
	vm.running = true
}

// Run executes the program from instruction 0 until HALT, RET on an empty
// stack, or the end of the instruction list. ctx reaches syscalls only;
// the loop itself does not check for cancellation.
func (vm *VM) Run(ctx context.Context) error {
	vm.reset()
	for vm.running && vm.pc >= 0 && vm.pc < len(vm.program.Instructions) {
		if vm.maxSteps > 0 && vm.steps >= vm.maxSteps {
			return vm.fail(vm.program.Instructions[vm.pc], "Instruction budget exceeded: %d", vm.maxSteps)
		}
		vm.steps++

		in := vm.program.Instructions[vm.pc]
		if err := vm.step(ctx, in); err != nil {
			vm.running = false
			return err
		}
		vm.pc++
	}
	vm.running = false
	return nil
}

// step executes in. Jumps set pc to target-1 so the loop's increment
// lands on the target.
func (vm *VM) step(ctx context.Context, in Instruction) error {
	switch op := strings.ToUpper(in.Op); op {
	case "NOP":
		return nil
	case "HALT":
		vm.running = false
		return nil

	case "LOAD_CONST":
		dest, err := vm.regArg(in, 0)
		if err != nil {
			return err
		}
		if len(in.Args) < 2 {
			return vm.fail(in, "Missing constant operand")
		}
		v, ok := toInt64(vm.arg(in, 1))
		if !ok {
			return vm.fail(in, "Invalid constant: %v", vm.arg(in, 1))
		}
		vm.regs[dest] = v
		return nil

	case "MOV":
		dest, src, err := vm.regPair(in)
		if err != nil {
			return err
		}
		vm.regs[dest] = vm.regs[src]
		return nil

	case "PUSH":
		src, err := vm.regArg(in, 0)
		if err != nil {
			return err
		}
		vm.stack = append(vm.stack, vm.regs[src])
		return nil

	case "POP":
		dest, err := vm.regArg(in, 0)
		if err != nil {
			return err
		}
		v, ok := vm.pop()
		if !ok {
			return vm.fail(in, "Stack underflow")
		}
		vm.regs[dest] = v
		return nil

	case "ADD", "SUB", "MUL", "DIV", "MOD",
		"CMPLT", "CMPLE", "CMPEQ", "CMPNE", "AND", "OR":
		return vm.binary(in, op)

	case "INC", "DEC":
		r, err := vm.regArg(in, 0)
		if err != nil {
			return err
		}
		if op == "INC" {
			vm.regs[r]++
		} else {
			vm.regs[r]--
		}
		return nil

	case "NOT":
		dest, src, err := vm.regPair(in)
		if err != nil {
			return err
		}
		vm.regs[dest] = boolInt(vm.regs[src] == 0)
		return nil

	case "JMP":
		return vm.jump(in, 0)

	case "JIF":
		cond, err := vm.regArg(in, 0)
		if err != nil {
			return err
		}
		if vm.regs[cond] == 0 {
			return nil
		}
		return vm.jump(in, 1)

	case "CALL":
		vm.stack = append(vm.stack, int64(vm.pc+1))
		return vm.jump(in, 0)

	case "RET":
		addr, ok := vm.pop()
		if !ok {
			vm.running = false
			return nil
		}
		vm.pc = int(addr) - 1
		return nil

	default:
		return vm.syscall(ctx, in, op)
	}
}

func (vm *VM) binary(in Instruction, op string) error {
	dest, err := vm.regArg(in, 0)
	if err != nil {
		return err
	}
	l, err := vm.regArg(in, 1)
	if err != nil {
		return err
	}
	r, err := vm.regArg(in, 2)
	if err != nil {
		return err
	}
	a, b := vm.regs[l], vm.regs[r]

	var v int64
	switch op {
	case "ADD":
		v = a + b
	case "SUB":
		v = a - b
	case "MUL":
		v = a * b
	case "DIV":
		if b == 0 {
			return vm.fail(in, "Division by zero")
		}
		v = a / b
	case "MOD":
		if b == 0 {
			return vm.fail(in, "Modulo by zero")
		}
		v = a % b
	case "CMPLT":
		v = boolInt(a < b)
	case "CMPLE":
		v = boolInt(a <= b)
	case "CMPEQ":
		v = boolInt(a == b)
	case "CMPNE":
		v = boolInt(a != b)
	case "AND":
		v = boolInt(a != 0 && b != 0)
	case "OR":
		v = boolInt(a != 0 || b != 0)
	}
	vm.regs[dest] = v
	return nil
}

// jump resolves the target operand at index i: an instruction index, a
// register holding one, or a label.
func (vm *VM) jump(in Instruction, i int) error {
	arg := vm.arg(in, i)
	var target int64
	switch {
	case isRegisterName(arg):
		r, err := vm.regArg(in, i)
		if err != nil {
			return err
		}
		target = vm.regs[r]
	default:
		if n, ok := toInt64(arg); ok && arg != nil {
			target = n
			break
		}
		name, _ := arg.(string)
		idx, ok := vm.labels[name]
		if !ok {
			return vm.fail(in, "Unknown label: %v", arg)
		}
		target = int64(idx)
	}
	if target < 0 || target > int64(len(vm.program.Instructions)) {
		return vm.fail(in, "Jump target out of range: %d", target)
	}
	vm.pc = int(target) - 1
	return nil
}

func (vm *VM) syscall(ctx context.Context, in Instruction, op string) error {
	fn, ok := vm.overrides[op]
	if !ok {
		fn, ok = defaultSyscalls[op]
	}
	if !ok {
		return vm.fail(in, "No syscall handler for opcode: %s", in.Op)
	}
	if err := fn(ctx, vm, in.Args); err != nil {
		if schema.IsCode(err, schema.ErrCodeVM) {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeVM, "syscall %s failed: %s", op, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"pc": vm.pc, "op": in.Op})
	}
	return nil
}

func (vm *VM) pop() (int64, bool) {
	if len(vm.stack) == 0 {
		return 0, false
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v, true
}

func (vm *VM) arg(in Instruction, i int) any {
	if i < len(in.Args) {
		return in.Args[i]
	}
	return nil
}

func (vm *VM) regArg(in Instruction, i int) (int, error) {
	arg := vm.arg(in, i)
	r, ok := registerIndex(arg)
	if !ok {
		if arg == nil {
			return 0, vm.fail(in, "Missing register operand %d", i+1)
		}
		return 0, vm.fail(in, "Unknown register: %v", arg)
	}
	return r, nil
}

func (vm *VM) regPair(in Instruction) (int, int, error) {
	dest, err := vm.regArg(in, 0)
	if err != nil {
		return 0, 0, err
	}
	src, err := vm.regArg(in, 1)
	if err != nil {
		return 0, 0, err
	}
	return dest, src, nil
}

func (vm *VM) fail(in Instruction, format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeVM, format, args...).
		WithDetails(map[string]any{"pc": vm.pc, "op": in.Op})
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Register returns the value of register i.
func (vm *VM) Register(i int) (int64, error) {
	if i < 0 || i >= NumRegisters {
		return 0, schema.NewErrorf(schema.ErrCodeVM, "Unknown register: r%d", i)
	}
	return vm.regs[i], nil
}

// GetRegister returns a register by name, e.g. "r3".
func (vm *VM) GetRegister(name string) (int64, error) {
	r, ok := registerIndex(name)
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeVM, "Unknown register: %s", name)
	}
	return vm.regs[r], nil
}

// SetRegister writes register i. Intended for syscall handlers.
func (vm *VM) SetRegister(i int, v int64) error {
	if i < 0 || i >= NumRegisters {
		return schema.NewErrorf(schema.ErrCodeVM, "Unknown register: r%d", i)
	}
	vm.regs[i] = v
	return nil
}

// Registers returns a snapshot of all registers.
func (vm *VM) Registers() [NumRegisters]int64 { return vm.regs }

// Stack returns a copy of the operand stack, bottom first.
func (vm *VM) Stack() []int64 { return append([]int64(nil), vm.stack...) }

// PC returns the program counter where the last Run stopped.
func (vm *VM) PC() int { return vm.pc }

// Steps returns how many instructions the last Run executed.
func (vm *VM) Steps() int { return vm.steps }

// Object returns the host value stored under a 1-based handle.
func (vm *VM) Object(handle int64) (any, bool) {
	if handle < 1 || handle > int64(len(vm.objects)) {
		return nil, false
	}
	return vm.objects[handle-1], true
}

// store puts a host value into register r: numbers, booleans and nil
// directly, anything else as an object handle.
func (vm *VM) store(r int, v any) {
	if n, ok := toInt64(v); ok {
		vm.regs[r] = n
		return
	}
	vm.objects = append(vm.objects, v)
	vm.regs[r] = int64(len(vm.objects))
}

// State is a serializable snapshot of a VM after Run.
type State struct {
	Registers [NumRegisters]int64 `json:"registers"`
	Stack     []int64             `json:"stack"`
	PC        int                 `json:"pc"`
	Steps     int                 `json:"steps"`
	// Objects maps 1-based handles to host values.
	Objects map[int64]any `json:"objects,omitempty"`
}

// Snapshot returns the current machine state.
func (vm *VM) Snapshot() State {
	st := State{
		Registers: vm.regs,
		Stack:     vm.Stack(),
		PC:        vm.pc,
		Steps:     vm.steps,
	}
	if len(vm.objects) > 0 {
		st.Objects = make(map[int64]any, len(vm.objects))
		for i, o := range vm.objects {
			st.Objects[int64(i+1)] = o
		}
	}
	return st
}
