package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"storyline/internal/app"
	"storyline/internal/logging"
	"storyline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var autoDecide bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the decision channel and read APIs. Bearer JWT auth is enforced when STORYLINE_JWT_SECRET is set; without it the API is open and actors come from X-Actor-Id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				log := logging.New("server")
				if a.Env.JWTSecret == "" {
					log.Warn("STORYLINE_JWT_SECRET not set; API is unauthenticated")
				}
				runner := a.Runner(autoDecide)
				handler, err := server.New(server.Config{
					Engine:     a.Engine,
					Runner:     runner,
					BasePath:   basePath,
					Auth:       server.AuthConfig{JWTSecret: a.Env.JWTSecret},
					RunContext: ctx,
					Log:        log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Storyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				// interrupted runs stay at their last checkpoint
				runner.Wait()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&autoDecide, "auto-decide", false, "answer every decision with its first option")
	return cmd
}
