// Package main is rv6sim, the simulator binary: it boots the kernel
// core (internal/proc, internal/fs, internal/virtio, internal/trap, ...)
// as ordinary hosted Go and drives it through a demonstration init
// process, or formats a fresh disk image for later runs. Built on
// github.com/spf13/cobra + github.com/spf13/pflag, mirroring gcsfuse's
// cmd/root.go layout (a cobra.Command tree with persistent flags bound
// before Execute).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// globalConfig is populated by initConfig (cobra.OnInitialize) after
// flag parsing but before any subcommand's RunE runs, exactly as
// gcsfuse's rootCmd.init/initConfig split does for its own MountConfig.
var globalConfig Config

var (
	cfgFile     string
	hartsFlag   int
	memMiBFlag  int
	imageFlag   string
	logBlocks   uint64
	inodeBlocks uint64
	dataBlocks  uint64
)

var rootCmd = &cobra.Command{
	Use:   "rv6sim",
	Short: "rv6sim boots and drives the rv6 teaching-kernel core",
	Long: `rv6sim is the simulator entry point for the rv6 kernel core: a
hosted-Go simulation of the virtual-memory, scheduler, and block I/O
subsystems described in the project specification, running real
goroutine-backed harts against a formatted disk image instead of a
cross-compiled RISC-V boot image.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML machine-config file")
	rootCmd.PersistentFlags().IntVar(&hartsFlag, "harts", 0, "hart count (0 = use config/default)")
	rootCmd.PersistentFlags().IntVar(&memMiBFlag, "mem-mib", 0, "simulated physical memory in MiB (0 = use config/default)")
	rootCmd.PersistentFlags().StringVar(&imageFlag, "image", "", "disk image path (empty = in-memory, not persisted)")
	rootCmd.PersistentFlags().Uint64Var(&logBlocks, "log-blocks", 0, "journal size in blocks (0 = use config/default)")
	rootCmd.PersistentFlags().Uint64Var(&inodeBlocks, "inode-blocks", 0, "inode region size in blocks (0 = use config/default)")
	rootCmd.PersistentFlags().Uint64Var(&dataBlocks, "data-blocks", 0, "data region size in blocks (0 = use config/default)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newFormatCmd())
}

// initConfig loads --config (if given) over the built-in defaults, then
// lets any explicitly passed flag override the loaded value. Flags
// default to zero, which never overrides a config value, so the
// ordering (file, then flags) is just "skip zero-valued flags".
func initConfig() {
	cfg, err := loadConfig(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if hartsFlag != 0 {
		cfg.Harts = hartsFlag
	}
	if memMiBFlag != 0 {
		cfg.MemMiB = memMiBFlag
	}
	if imageFlag != "" {
		cfg.Image = imageFlag
	}
	if logBlocks != 0 {
		cfg.LogBlocks = logBlocks
	}
	if inodeBlocks != 0 {
		cfg.InodeBlocks = inodeBlocks
	}
	if dataBlocks != 0 {
		cfg.DataBlocks = dataBlocks
	}
	globalConfig = cfg
}

// Execute runs the rv6sim command tree; main's sole responsibility is
// calling this and translating a returned error into a process exit
// code, matching gcsfuse's cmd.Execute split between library and
// main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
