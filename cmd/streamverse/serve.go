package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/deepansarkar03/streamverse/engine"
	"github.com/deepansarkar03/streamverse/server"
)

func newServeCmd(flags *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the import and upload API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			uploads := engine.NewUploadManager(a.blocks, a.tracker, cfg.Transfer.BlockSize)
			a.runJanitor(ctx, uploads)

			gin.SetMode(gin.ReleaseMode)
			srv := server.New(a.orchestrator, uploads, a.blocks, server.Options{
				Addr:           cfg.Server.Addr,
				SharedSecret:   cfg.Server.SharedSecret,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				Backend:        cfg.Storage.Backend,
			}, a.log)

			a.log.Info(ctx, "streamverse starting",
				"storage", cfg.Storage.Backend,
				"registry", cfg.Registry.Backend,
				"agent", cfg.Agent.URL != "",
				"maxJobs", cfg.Transfer.MaxJobs)

			err = srv.Serve(ctx)
			a.log.Info(context.WithoutCancel(ctx), "streamverse stopped")
			return err
		},
	}

	f := cmd.Flags()
	f.String("addr", ":8080", "Listen address")
	f.String("secret", "", "Shared secret required in the "+server.SecretHeader+" header")
	f.String("agent-url", "", "Base URL of a credential-holding streamverse agent")
	f.String("agent-secret", "", "Shared secret for the agent")

	flags.bind(cmd, "server.addr", "addr")
	flags.bind(cmd, "server.sharedSecret", "secret")
	flags.bind(cmd, "agent.url", "agent-url")
	flags.bind(cmd, "agent.secret", "agent-secret")

	return cmd
}
