package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arcadecast/arcadecast/config"
	"github.com/arcadecast/arcadecast/internal/codec"
	"github.com/arcadecast/arcadecast/internal/core"
	"github.com/arcadecast/arcadecast/internal/machine"
	"github.com/arcadecast/arcadecast/internal/metrics"
	"github.com/arcadecast/arcadecast/internal/server"
	"github.com/arcadecast/arcadecast/internal/session"
	"github.com/arcadecast/arcadecast/internal/transport"
	"github.com/arcadecast/arcadecast/internal/util"
	"github.com/arcadecast/arcadecast/internal/version"
)

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the 'serve' command
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "Start the streaming server",
		Long:          `Start the streaming server. Each WebSocket connection opens its own machine session.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
		Example: `  # Serve the built-in test pattern on :8888
  arcadecast serve

  # Serve H.264 (needs ffmpeg on PATH) on another port
  arcadecast serve --profile h264 --addr :9000

  # Behind a load balancer that sends PROXY headers
  arcadecast serve --proxy-protocol`,
	}

	flags := cmd.Flags()
	flags.StringP("addr", "a", config.Server().Addr, "Listen address")
	flags.Int("max-sessions", config.Server().MaxSessions, "Maximum concurrent sessions (0 for no limit)")
	flags.Bool("proxy-protocol", false, "Accept PROXY protocol headers")
	flags.StringP("profile", "p", config.Stream().Profile, "Stream profile: "+strings.Join(codec.Profiles(), ", "))
	flags.Int("fps", config.Stream().FPS, "Output frame rate")
	flags.StringSlice("programs", config.Machine().Programs, "Program identifiers to serve")

	bindings := map[string]string{
		"server.addr":           "addr",
		"server.max_sessions":   "max-sessions",
		"server.proxy_protocol": "proxy-protocol",
		"stream.profile":        "profile",
		"stream.fps":            "fps",
		"machine.programs":      "programs",
	}
	for key, name := range bindings {
		config.BindFlag(key, flags.Lookup(name))
	}

	return cmd
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := util.GetLogger()

	srvCfg := config.Server()
	streamCfg := config.Stream()
	pacingCfg := config.Pacing()
	machineCfg := config.Machine()

	if !slices.Contains(codec.Profiles(), streamCfg.Profile) {
		return errors.Wrapf(codec.ErrUnknownProfile, "profile %q", streamCfg.Profile)
	}
	if streamCfg.Profile == codec.ProfileH264 {
		if _, err := exec.LookPath(streamCfg.FFmpegPath); err != nil {
			return errors.Wrap(err, "h264 profile needs ffmpeg")
		}
	}
	if len(machineCfg.Programs) == 0 {
		return errors.New("no programs configured")
	}

	catalog := machine.Builtin(machineCfg.Programs)
	m := metrics.New()
	manager := session.NewManager(session.Config{
		Profile: streamCfg.Profile,
		Codec: codec.Options{
			Width:       streamCfg.Width,
			Height:      streamCfg.Height,
			FPS:         streamCfg.FPS,
			SampleRate:  streamCfg.SampleRate,
			Channels:    streamCfg.Channels,
			JPEGQuality: streamCfg.JPEGQuality,
			FFmpegPath:  streamCfg.FFmpegPath,
		},
		FlushInterval:   streamCfg.FlushInterval,
		MaxSegmentBytes: streamCfg.MaxSegmentBytes,
		PauseGap:        pacingCfg.PauseGap,
		PingInterval:    pacingCfg.PingInterval,
		Machine: core.MachineConfig{
			Width:      machineCfg.Width,
			Height:     machineCfg.Height,
			FPS:        streamCfg.FPS,
			SampleRate: machineCfg.SampleRate,
			Channels:   machineCfg.Channels,
		},
		MaxSessions: srvCfg.MaxSessions,
		MaxPlayers:  machineCfg.MaxPlayers,
	}, catalog, m)

	srv := server.New(server.Options{
		Addr:          srvCfg.Addr,
		ProxyProtocol: srvCfg.ProxyProtocol,
		Transport:     transport.Options{WriteTimeout: srvCfg.WriteTimeout},
	}, manager, catalog.Programs(), m)
	if err := srv.Listen(); err != nil {
		return err
	}

	printBanner(srv.Addr().String(), streamCfg, catalog.Programs())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(stopCtx)
	})
	return g.Wait()
}

func printBanner(addr string, stream config.StreamConfig, programs []string) {
	host := addr
	if h, port, err := net.SplitHostPort(addr); err == nil {
		if ip := net.ParseIP(h); h == "" || (ip != nil && ip.IsUnspecified()) {
			host = net.JoinHostPort("localhost", port)
		}
	}

	fmt.Printf("\n%s %s\n", color.New(color.Bold).Sprint("arcadecast"), version.Info())
	fmt.Printf("Streaming %s at %dx%d, %d fps\n", color.GreenString(stream.Profile), stream.Width, stream.Height, stream.FPS)
	fmt.Printf("Programs: %s\n", strings.Join(programs, ", "))
	fmt.Printf("Connect at: %s\n", color.CyanString("ws://%s/?game=%s", host, programs[0]))
	fmt.Printf("Metrics at: %s\n", color.CyanString("http://%s/metrics", host))
	fmt.Printf("(Press %s to stop.)\n\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))
}
