package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pact/internal/db"
	"pact/internal/docstore"
	"pact/internal/migrate"
	"pact/internal/server"
)

func serveCmd() *cobra.Command {
	var addr string
	var reaperInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the development backend",
		Long:  "Serves the negotiation, commit, verification, community, telemetry and reaper endpoints over the workspace store. The OpenAPI document is at /openapi.json.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("reaper-interval") {
				cfg.Server.ReaperInterval = reaperInterval
			}
			if cfg.Identity.JWTSecret == "" {
				return fmt.Errorf("identity.jwt_secret (or PACT_JWT_SECRET) is required for bearer auth")
			}
			workspace := viper.GetString("workspace")
			storeDir := cfg.StoreWorkspace(workspace)
			conn, err := db.Open(db.Config{Workspace: storeDir})
			if err != nil {
				return err
			}
			defer conn.Close()
			if _, err := migrate.Migrate(ctx, conn); err != nil {
				return err
			}
			store := docstore.New(conn, logger.Named("store"))
			if cfg.Store.RedisURL != "" {
				n, err := docstore.NewRedisNotifier(cfg.Store.RedisURL, logger.Named("redis"))
				if err != nil {
					return err
				}
				defer n.Close()
				store.Notifier = n
			}

			var blobs server.BlobStore
			if bucket := cfg.Server.EvidenceS3Bucket; bucket != "" {
				s3, err := server.NewS3Blobs(ctx, bucket)
				if err != nil {
					return err
				}
				blobs = s3
			} else {
				dir := cfg.Server.EvidenceDir
				if dir == "" {
					dir = filepath.Join(storeDir, ".pact", "evidence")
				}
				blobs = server.LocalBlobs{Dir: dir}
			}

			handler, err := server.New(server.Config{
				Store:     store,
				Auth:      server.AuthConfig{JWTSecret: cfg.Identity.JWTSecret, CronSecret: cfg.Server.CronSecret},
				Blobs:     blobs,
				RateLimit: cfg.Server.RateLimit,
				RateBurst: cfg.Server.RateBurst,
				Log:       logger.Named("server"),
			})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				handler.Close(ctx)
			}()
			go handler.Run(ctx, cfg.Server.ReaperInterval)

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-ctx.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving PACT API on http://%s, OpenAPI at /openapi.json\n", cfg.Server.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "listen address (overrides server.addr)")
	cmd.Flags().DurationVar(&reaperInterval, "reaper-interval", 0, "run the reaper on this interval; 0 leaves it to GET /cron/reaper")
	cmd.Flags().String("cron-secret", "", "bearer secret for /cron/reaper (overrides server.cron_secret)")
	_ = viper.BindPFlag("cron-secret", cmd.Flags().Lookup("cron-secret"))
	return cmd
}
