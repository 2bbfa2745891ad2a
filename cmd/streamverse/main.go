package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deepansarkar03/streamverse/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cliFlags binds a command's flags into viper under their config keys.
type cliFlags struct {
	v    *viper.Viper
	file string
}

func (f *cliFlags) bind(cmd *cobra.Command, key, flag string) {
	if err := f.v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind %s: %v", flag, err))
	}
}

func (f *cliFlags) bindPersistent(cmd *cobra.Command, key, flag string) {
	if err := f.v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind %s: %v", flag, err))
	}
}

// load resolves the layered configuration and validates it.
func (f *cliFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.v, f.file)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{v: viper.New()}

	root := &cobra.Command{
		Use:           "streamverse",
		Short:         "Import videos into block storage",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.file, "config", "", "Config file (yaml, json or toml)")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "json", "Log format: json or text")
	pf.String("storage", config.BackendLocal, "Storage backend: local, s3, azure")
	pf.String("local-root", "./videos", "Directory for the local storage backend")
	pf.String("registry", config.RegistryMemory, "Job registry: memory or bolt")
	pf.String("registry-path", "./streamverse-jobs.db", "Database file for the bolt registry")
	pf.Int("block-size", 8*1024*1024, "Block size in bytes")
	pf.Int("concurrency", 4, "Blocks staged concurrently per import")
	pf.Int("max-jobs", 4, "Imports running concurrently")

	flags.bindPersistent(root, "log.level", "log-level")
	flags.bindPersistent(root, "log.format", "log-format")
	flags.bindPersistent(root, "storage.backend", "storage")
	flags.bindPersistent(root, "storage.local.root", "local-root")
	flags.bindPersistent(root, "registry.backend", "registry")
	flags.bindPersistent(root, "registry.path", "registry-path")
	flags.bindPersistent(root, "transfer.blockSize", "block-size")
	flags.bindPersistent(root, "transfer.concurrency", "concurrency")
	flags.bindPersistent(root, "transfer.maxJobs", "max-jobs")

	root.AddCommand(
		newServeCmd(flags),
		newImportCmd(flags),
		newImportDirCmd(flags),
	)
	return root
}
