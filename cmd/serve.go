package cmd

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/segbox/internal/server"
	"github.com/andresmejia3/segbox/internal/session"
	"github.com/andresmejia3/segbox/internal/worker"
)

const megabyte = 1024 * 1024

var servePort string

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Run the segmentation API and editing session over HTTP",
	Annotations: map[string]string{dbAnnotation: "optional"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if servePort != "" {
			Cfg.Port = servePort
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "Port to listen on (default: PORT or 3000)")
	rootCmd.AddCommand(serveCmd)
}

// runServe blocks until ctx is cancelled (Ctrl+C) and then drains the session.
func runServe(ctx context.Context) error {
	gw, err := worker.New(Cfg.GatewayConfig(), Log)
	if err != nil {
		return fmt.Errorf("invalid worker configuration: %w", err)
	}

	sess := session.New(gw, Log)
	defer sess.Close()

	opts := []server.ServerOption{
		server.WithFiber(server.NewFiber(Log, int(Cfg.MaxFileSize)+megabyte)),
		server.WithLogger(Log),
		server.WithValidator(validator.New()),
		server.WithMiddleware(Cfg.RateLimit, Cfg.RateBurst),
		server.WithSession(sess),
		server.WithUploads(Cfg.UploadDir, Cfg.MaxFileSize),
		server.WithRequestTimeout(Cfg.RequestTimeout),
	}
	// Only pass a live store; a nil *store.Store would make a non-nil interface.
	if DB != nil {
		opts = append(opts, server.WithCatalog(DB))
	}

	srv, err := server.NewServer(opts...)
	if err != nil {
		return err
	}
	srv.RegisterHandler()

	Log.WithFields(logrus.Fields{
		"worker":  Cfg.Worker.Executable,
		"models":  gw.Variants(),
		"default": gw.DefaultVariant(),
		"device":  Cfg.Worker.Device,
		"catalog": DB != nil,
	}).Info("Session ready")

	return srv.Run(ctx, Cfg.Port)
}
