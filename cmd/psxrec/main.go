// psxrec - compile and run blocks of MIPS R3051 opcodes as x86-64 host code.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/colorfulnotion/psxrec/log"
	"github.com/colorfulnotion/psxrec/mips"
	"github.com/colorfulnotion/psxrec/recompiler"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "psxrec",
		Short: "MIPS R3051 to x86-64 dynamic recompiler",
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		logLevel string
		debug    string
		pc       uint32
		mode     string
		regs     []string
		ramBase  uint32
		ramSize  uint32
	)

	addBlockFlags := func(cmd *cobra.Command) {
		cmd.Flags().Uint32Var(&pc, "pc", 0x80001000, "guest PC of the first opcode")
		cmd.Flags().StringVar(&mode, "mode", "disp8", "ALU emission strategy: disp8, abs, helper")
		cmd.Flags().StringArrayVar(&regs, "reg", nil, "initial register value, e.g. --reg 1=100")
	}

	var runCmd = &cobra.Command{
		Use:   "run [opcode ...]",
		Short: "Compile a block of opcodes, execute it, dump the registers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.InitLogger(logLevel)
			log.EnableModules(debug)

			opcodes, err := parseOpcodes(args)
			if err != nil {
				return err
			}
			emitMode, err := parseMode(mode)
			if err != nil {
				return err
			}

			cpu := mips.NewR3051()
			cpu.AttachMemory(mips.NewRAM(ramBase, ramSize))
			if err := applyRegisters(cpu, regs); err != nil {
				return err
			}
			before := cpu.Snapshot()

			buf, err := recompiler.NewCodeBuffer(4096)
			if err != nil {
				return err
			}
			defer buf.Close()

			if err := recompiler.Run(cpu, buf, pc, emitMode, opcodes); err != nil {
				return err
			}

			after := cpu.Snapshot()
			for r := uint32(0); r < 32; r++ {
				if before.Registers[r] != after.Registers[r] {
					fmt.Printf("  r%-2d  %#010x -> %#010x\n", r, before.Registers[r], after.Registers[r])
				}
			}
			fmt.Printf("  pc   %#010x -> %#010x\n", pc, after.PC)
			if before.Cause != after.Cause {
				fmt.Printf("  sr=%#x cause=%#x epc=%#x\n", after.SR, after.Cause, after.EPC)
			}
			return nil
		},
	}
	addBlockFlags(runCmd)
	runCmd.Flags().Uint32Var(&ramBase, "ram-base", 0, "guest RAM base address")
	runCmd.Flags().Uint32Var(&ramSize, "ram-size", 0x200000, "guest RAM size in bytes")

	var disasmCmd = &cobra.Command{
		Use:   "disasm [opcode ...]",
		Short: "Compile a block of opcodes and print the generated x86-64",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log.InitLogger(logLevel)
			log.EnableModules(debug)

			opcodes, err := parseOpcodes(args)
			if err != nil {
				return err
			}
			emitMode, err := parseMode(mode)
			if err != nil {
				return err
			}

			cpu := mips.NewR3051()
			if err := applyRegisters(cpu, regs); err != nil {
				return err
			}
			buf, err := recompiler.NewCodeBuffer(4096)
			if err != nil {
				return err
			}
			defer buf.Close()

			compiler := recompiler.NewCompiler(cpu, recompiler.NewEmitter(buf), pc)
			defer compiler.Close()
			compiler.SetMode(emitMode)
			compiler.EmitBlock(opcodes)

			lines, err := recompiler.Disassemble(buf.Code())
			for _, line := range lines {
				fmt.Println(line)
			}
			return err
		},
	}
	addBlockFlags(disasmCmd)

	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("psxrec %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "log level: trace, debug, info, warn, error, crit")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "comma-separated log modules to enable")
	rootCmd.AddCommand(runCmd, disasmCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseOpcodes(args []string) ([]uint32, error) {
	opcodes := make([]uint32, 0, len(args))
	for _, arg := range args {
		s := strings.TrimPrefix(strings.ToLower(arg), "0x")
		v, err := strconv.ParseUint(s, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("bad opcode %q: %w", arg, err)
		}
		opcodes = append(opcodes, uint32(v))
	}
	return opcodes, nil
}

func parseMode(s string) (recompiler.Mode, error) {
	switch s {
	case "disp8":
		return recompiler.ModeBaseDisp, nil
	case "abs":
		return recompiler.ModeAbsolute, nil
	case "helper":
		return recompiler.ModeHelper, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want disp8, abs or helper)", s)
	}
}

func applyRegisters(cpu *mips.R3051, specs []string) error {
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("bad register spec %q (want reg=value)", spec)
		}
		r, err := strconv.ParseUint(parts[0], 10, 5)
		if err != nil {
			return fmt.Errorf("bad register number %q: %w", parts[0], err)
		}
		v, err := strconv.ParseUint(parts[1], 0, 32)
		if err != nil {
			return fmt.Errorf("bad register value %q: %w", parts[1], err)
		}
		cpu.WriteRegister(uint32(r), uint32(v))
	}
	return nil
}
