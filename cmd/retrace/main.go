// Retrace CLI - runs stored methods under instruction-level
// instrumentation and reports counters and value provenance.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/retracesoftware/retrace/manifest"
	"github.com/retracesoftware/retrace/retrace"
	"github.com/retracesoftware/retrace/store"
	"github.com/retracesoftware/retrace/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	listMethods := flag.Bool("list", false, "List methods in the store")
	disasm := flag.String("disasm", "", "Disassemble a stored method")
	methodName := flag.String("m", "", "Stored method to run")
	demo := flag.Bool("demo", false, "Run the built-in demo program")
	storePath := flag.String("store", "", "Method store path (default from retrace.toml)")
	callbackAt := flag.Uint64("callback-at", 0, "Initial callback threshold (default from retrace.toml, else 1)")
	ambient := flag.Bool("ambient", false, "Run on the ambient VM instead of an isolated instance")
	provenance := flag.Bool("provenance", false, "Track and report value provenance")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: retrace [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a method under instruction-level instrumentation.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  retrace -demo                      # Run the built-in demo\n")
		fmt.Fprintf(os.Stderr, "  retrace -demo -provenance          # ...and report value provenance\n")
		fmt.Fprintf(os.Stderr, "  retrace -m sum -store methods.db   # Run a stored method\n")
		fmt.Fprintf(os.Stderr, "  retrace -list -store methods.db    # List stored methods\n")
	}
	flag.Parse()

	if *verbose {
		commonlog.Configure(2, nil)
	} else {
		commonlog.Configure(0, nil)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	// Manifest supplies defaults for flags not given explicitly
	mf, err := manifest.FindAndLoad(".")
	if err != nil {
		fatal(err)
	}
	if mf != nil {
		if !set["store"] {
			*storePath = mf.StorePath()
		}
		if !set["callback-at"] {
			*callbackAt = mf.Run.CallbackAt
		}
		if !set["ambient"] {
			*ambient = mf.Run.Ambient
		}
		if !set["provenance"] {
			*provenance = mf.Run.TrackProvenance
		}
	} else if !set["callback-at"] {
		*callbackAt = 1
	}

	switch {
	case *listMethods:
		err = doList(*storePath)
	case *disasm != "":
		err = doDisasm(*storePath, *disasm)
	case *demo || *methodName != "":
		err = doRun(runOptions{
			store:      *storePath,
			method:     *methodName,
			demo:       *demo,
			callbackAt: *callbackAt,
			ambient:    *ambient,
			provenance: *provenance,
			verbose:    *verbose,
		})
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func doList(path string) error {
	if path == "" {
		return errors.New("no method store configured (use -store or retrace.toml)")
	}
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	methods, err := st.List()
	if err != nil {
		return err
	}
	for _, m := range methods {
		fmt.Printf("%s/%d\n", m.Name, m.Arity)
	}
	return nil
}

func doDisasm(path, name string) error {
	if path == "" {
		return errors.New("no method store configured (use -store or retrace.toml)")
	}
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	m, err := st.LoadMethod(name, vm.NewSymbolTable())
	if err != nil {
		return err
	}
	fmt.Printf("%s/%d (%d temps)\n%s\n", m.Name(), m.Arity, m.NumTemps, m.Disassemble())
	return nil
}

type runOptions struct {
	store      string
	method     string
	demo       bool
	callbackAt uint64
	ambient    bool
	provenance bool
	verbose    bool
}

func doRun(opts runOptions) error {
	var tracker *retrace.ProvenanceTracker
	if opts.provenance {
		tracker = retrace.NewProvenanceTracker()
	}

	var lastState *retrace.ThreadState
	callback := func(st *retrace.ThreadState) (uint64, error) {
		lastState = st
		if opts.verbose {
			fmt.Printf("callback: counter=%d frames=%d\n", st.Counter(), st.FrameCounter())
		}
		if opts.callbackAt == 0 {
			return 0, nil
		}
		// Re-arm periodically
		return st.Counter() + opts.callbackAt, nil
	}

	cfg := retrace.RunConfig{
		Thread:     func() (any, error) { return "main", nil },
		Callback:   callback,
		MainThread: "main",
		Ambient:    opts.ambient,
		CallbackAt: opts.callbackAt,
		Tracker:    tracker,
	}

	var result vm.Value
	var err error
	if opts.ambient {
		result, err = runAmbient(opts, cfg)
	} else {
		cfg.Target = isolatedTarget(opts)
		result, err = retrace.Run(cfg)
	}
	if err != nil {
		return err
	}

	fmt.Printf("result: %s\n", result.DebugString())
	if lastState != nil {
		fmt.Printf("instructions: %d, frames: %d\n",
			lastState.Counter(), lastState.FrameCounter())
	}
	if tracker != nil {
		reportProvenance(tracker)
	}
	return nil
}

// runAmbient hosts a VM in the CLI process and runs the target in place.
func runAmbient(opts runOptions, cfg retrace.RunConfig) (vm.Value, error) {
	machine := vm.NewVM()
	defer machine.Close()
	in := machine.NewInterpreter()

	prev := vm.SwapContext(in)
	defer vm.SwapContext(prev)

	m, err := resolveMethod(opts, machine)
	if err != nil {
		return vm.Nil, err
	}
	machine.DefineFunction(m)
	cfg.Target = m
	return retrace.Run(cfg)
}

// isolatedTarget defers method resolution until the isolated instance
// exists, so symbols intern into that instance's table.
func isolatedTarget(opts runOptions) vm.Callable {
	return vm.GoFunc(func(in *vm.Interpreter, args []vm.Value) (vm.Value, error) {
		m, err := resolveMethod(opts, in.VM())
		if err != nil {
			return vm.Nil, err
		}
		in.VM().DefineFunction(m)
		return in.Execute(m, args)
	})
}

func resolveMethod(opts runOptions, machine *vm.VM) (*vm.CompiledMethod, error) {
	if opts.demo {
		return buildDemo(), nil
	}
	if opts.store == "" {
		return nil, errors.New("no method store configured (use -store or retrace.toml)")
	}
	st, err := store.Open(opts.store)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.LoadMethod(opts.method, machine.Symbols)
}

func reportProvenance(tracker *retrace.ProvenanceTracker) {
	history := tracker.History()
	fmt.Printf("provenance: %d assignments\n", len(history))
	for _, rec := range history {
		fmt.Printf("  [%d] %s %q (frame %d)\n",
			rec.Instruction, rec.Op.Name(), rec.Variable, rec.FrameOrdinal)
	}
	if len(history) > 0 {
		last := history[len(history)-1]
		fmt.Printf("origin of %q:\n%s", last.Variable, tracker.Origin(last, 8))
	}
}

// buildDemo assembles the demo program: total = 1 + 2 + ... + 10.
func buildDemo() *vm.CompiledMethod {
	b := vm.NewCompiledMethodBuilder("demo", 0)
	i := b.AddLocal()
	b.NameTemp(i, "i")
	total := b.AddLocal()
	b.NameTemp(total, "total")

	bc := b.Bytecode()
	bc.EmitInt8(vm.OpPushInt8, 1)
	bc.EmitByte(vm.OpStoreTemp, byte(i))
	bc.EmitInt8(vm.OpPushInt8, 0)
	bc.EmitByte(vm.OpStoreTemp, byte(total))

	top := bc.NewLabel()
	bc.Mark(top)
	end := bc.NewLabel()
	bc.EmitByte(vm.OpPushTemp, byte(i))
	bc.EmitInt8(vm.OpPushInt8, 10)
	bc.Emit(vm.OpGreater)
	bc.EmitJump(vm.OpJumpTrue, end)

	bc.EmitByte(vm.OpPushTemp, byte(total))
	bc.EmitByte(vm.OpPushTemp, byte(i))
	bc.Emit(vm.OpAdd)
	bc.EmitByte(vm.OpStoreTemp, byte(total))

	bc.EmitByte(vm.OpPushTemp, byte(i))
	bc.EmitInt8(vm.OpPushInt8, 1)
	bc.Emit(vm.OpAdd)
	bc.EmitByte(vm.OpStoreTemp, byte(i))
	bc.EmitJump(vm.OpJump, top)

	bc.Mark(end)
	bc.EmitByte(vm.OpPushTemp, byte(total))
	bc.Emit(vm.OpReturnTop)
	return b.Build()
}
