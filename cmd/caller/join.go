package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/convergence/peerlink/pkg/capture"
	"github.com/convergence/peerlink/pkg/config"
	"github.com/convergence/peerlink/pkg/logger"
	"github.com/convergence/peerlink/pkg/negotiation"
	"github.com/convergence/peerlink/pkg/network/webrtc"
	sig "github.com/convergence/peerlink/pkg/signal"
	"github.com/spf13/cobra"
)

type joinFlags struct {
	conf   string
	server string
	mode   string
	debug  bool
}

func newJoinCmd() *cobra.Command {
	var f joinFlags
	cmd := &cobra.Command{
		Use:   "join <room-id>",
		Short: "Join a room and talk to whoever is there",
		Long: `Join a room of the coordinator and start a call with the other member.

Lines typed in are sent as chat messages, except for the commands:
  /video   turn the camera on or off
  /audio   turn the microphone on or off
  /status  show the call state
  /stats   show the call quality
  /quit    leave the room

Examples:
  caller join 4821
  caller join 4821 --mode data --server ws://localhost:8000/ws`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.NewCallerConfig(f.conf)
			if err != nil {
				return err
			}
			if f.server != "" {
				conf.Caller.Server = f.server
			}
			if f.mode != "" {
				conf.Caller.Mode = f.mode
			}
			conf.Caller.Debug = conf.Caller.Debug || f.debug

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return join(ctx, conf, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.conf, "conf", "", "Set custom configuration file path")
	cmd.Flags().StringVar(&f.server, "server", "", "Coordinator websocket address")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Call mode: video, audio, data or all")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "Verbose logs")
	return cmd
}

func join(ctx context.Context, conf config.CallerConfig, room string, in io.Reader, out io.Writer) error {
	mode, err := negotiation.ParseMode(conf.Caller.Mode)
	if err != nil {
		return err
	}
	log := logger.NewConsole(conf.Caller.Debug, "caller", false)

	api, err := webrtc.NewApiFactory(conf.Webrtc, log, nil)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	defer func() { _ = api.Close() }()

	dialer, err := sig.NewDialer(conf.Caller.Server, log)
	if err != nil {
		return err
	}
	devices := capture.New(capture.Config{
		Audio:      conf.Caller.Capture.Audio,
		Video:      conf.Caller.Capture.Video,
		AudioCodec: conf.Caller.Capture.AudioCodec,
		VideoCodec: conf.Caller.Capture.VideoCodec,
	}, log)

	con := newConsole(out)
	engine := negotiation.New(api, dialer,
		negotiation.WithCapture(devices),
		negotiation.WithDataLabel(conf.Caller.DataLabel),
		negotiation.WithDialTimeout(conf.Caller.DialTimeout),
		negotiation.WithStatsInterval(conf.Caller.StatsInterval),
		negotiation.WithLogger(log),
		negotiation.WithStatusListener(con.status),
		negotiation.WithMessageListener(con.message),
	)
	defer engine.Close()

	if err = engine.Start(ctx, room, mode); err != nil {
		return err
	}
	defer engine.End()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := con.handle(engine, line); quit {
				return nil
			}
		}
	}
}
