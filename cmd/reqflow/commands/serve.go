package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JingHuan921/secondhalf-coding/internal/devserver"
	"github.com/JingHuan921/secondhalf-coding/internal/logging"
)

var (
	serveAddr     string
	serveScript   string
	serveWatch    bool
	serveInterval time.Duration
	serveNoCORS   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a scripted workflow backend",
	Long: `Start a backend that plays a scripted requirements workflow over the same
HTTP, SSE and WebSocket endpoints as the real service.

Each run walks the script's segments, pausing wherever a segment ends and
branching on the decision it is resumed with. This is useful for developing
and demonstrating the client without the agent service.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8000", "Address to listen on")
	serveCmd.Flags().StringVar(&serveScript, "script", "", "Workflow script (YAML); defaults to the built-in one")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "Reload the script when it changes")
	serveCmd.Flags().DurationVar(&serveInterval, "interval", 0, "Delay between events, overriding the script")
	serveCmd.Flags().BoolVar(&serveNoCORS, "no-cors", false, "Disable CORS headers")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.Component("serve")
	overrideInterval := cmd.Flags().Changed("interval")

	script := devserver.DefaultScript()
	if serveScript != "" {
		s, err := devserver.LoadScript(serveScript)
		if err != nil {
			return err
		}
		script = s
	}
	if overrideInterval {
		script.Interval = serveInterval
	}

	serverConfig := devserver.DefaultConfig()
	serverConfig.Addr = serveAddr
	serverConfig.Script = script
	serverConfig.EnableCORS = !serveNoCORS

	srv := devserver.New(serverConfig)

	if serveWatch {
		if serveScript == "" {
			log.Warn().Msg("--watch has no effect without --script")
		} else {
			w, err := devserver.WatchScript(serveScript, func(s *devserver.Script) {
				if overrideInterval {
					s.Interval = serveInterval
				}
				srv.SetScript(s)
				log.Info().Str("script", serveScript).Msg("script reloaded")
			}, log)
			if err != nil {
				return err
			}
			defer w.Stop()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		cmd.PrintErrf("Serving scripted workflow on http://%s\n", serveAddr)
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("server stopped")
	return nil
}
