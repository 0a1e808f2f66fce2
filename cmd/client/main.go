// Command rfbctl drives an RFB server from the client side: it can run the
// handshake, send messages, replay recordings and watch published events.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/gogogo1024/novarfb/internal/eventbus"
	"github.com/gogogo1024/novarfb/internal/recording"
	"github.com/gogogo1024/novarfb/protocol"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	addr      string
	version   string
	password  string
	shared    bool
	timeout   time.Duration
	chunkSize int
	chunkGap  time.Duration
}

func (g *globalFlags) options() (clientOptions, error) {
	opts := clientOptions{
		password:  g.password,
		shared:    g.shared,
		timeout:   g.timeout,
		chunkSize: g.chunkSize,
		chunkGap:  g.chunkGap,
	}
	if g.version != "" {
		v, err := parseVersion(g.version)
		if err != nil {
			return opts, err
		}
		opts.version = v
	}
	return opts, nil
}

// connect dials and completes the handshake.
func (g *globalFlags) connect(out io.Writer) (*rfbClient, error) {
	opts, err := g.options()
	if err != nil {
		return nil, err
	}
	c, err := dial(g.addr, opts)
	if err != nil {
		return nil, err
	}
	info, err := c.Handshake()
	if err != nil {
		c.Close()
		return nil, err
	}
	printInfo(out, info)
	return c, nil
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "rfbctl",
		Short: "RFB client for exercising an rfbd server",
		Long: `rfbctl speaks the client side of the RFB protocol.

The address is host:port for TCP or a ws:// URL for the WebSocket
endpoint. Use --chunk-size to split every write into small pieces.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.addr, "addr", "a", "127.0.0.1:5900", "server address or ws:// URL")
	pf.StringVar(&g.version, "rfb-version", "", "protocol version to request (default: the server's)")
	pf.StringVarP(&g.password, "password", "p", "", "VNC password")
	pf.BoolVar(&g.shared, "shared", true, "request a shared session")
	pf.DurationVar(&g.timeout, "timeout", 3*time.Second, "read and write timeout")
	pf.IntVar(&g.chunkSize, "chunk-size", 0, "split writes into chunks of this many bytes (0 to disable)")
	pf.DurationVar(&g.chunkGap, "chunk-gap", 0, "pause between chunks")

	root.AddCommand(
		handshakeCmd(g),
		sendCmd(g),
		replayCmd(g),
		watchCmd(),
	)
	return root
}

func handshakeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "handshake",
		Short: "Connect, complete the handshake and print the server details",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.connect(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			return c.Close()
		},
	}
}

func sendCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send MESSAGE...",
		Short: "Send client messages after the handshake",
		Long: `Send client messages after the handshake. Each argument is one message:

  KeyEvent,true,0x61
  PointerEvent,1,100,200
  SetEncodings,0,1,-239
  FramebufferUpdateRequest,false,0,0,800,600
  ClientCutText,hello
  SetPixelFormat[,bpp,depth,be,tc,rmax,gmax,bmax,rshift,gshift,bshift]`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs := make([]protocol.ClientMessage, 0, len(args))
			for _, a := range args {
				m, err := parseMessage(a)
				if err != nil {
					return err
				}
				msgs = append(msgs, m)
			}

			c, err := g.connect(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.Close()

			for _, m := range msgs {
				if err := c.Send(m); err != nil {
					return fmt.Errorf("send %s: %w", m.Type(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%d bytes)\n", m.Type(), len(m.Encode()))
			}
			return nil
		},
	}
}

func replayCmd(g *globalFlags) *cobra.Command {
	var speed float64

	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Replay a recorded .kb.gz input file against the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if speed <= 0 {
				return fmt.Errorf("speed must be positive, got %v", speed)
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			entries, err := recording.ReadRecording(f)
			f.Close()
			if err != nil {
				return err
			}

			c, err := g.connect(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return replay(ctx, c, entries, speed)
		},
	}
	cmd.Flags().Float64Var(&speed, "speed", 1, "playback speed multiplier")
	return cmd
}

func replay(ctx context.Context, c *rfbClient, entries []recording.Entry, speed float64) error {
	for _, e := range entries {
		wait := time.Duration(float64(e.Delay) / speed)
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err := c.Send(e.Message); err != nil {
			return err
		}
	}
	return nil
}

func watchCmd() *cobra.Command {
	var (
		redisAddr string
		channel   string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print client events published by rfbd to Redis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			rc := redis.NewClient(&redis.Options{Addr: redisAddr})
			defer rc.Close()

			events, err := eventbus.Subscribe(ctx, rc, channel)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for ev := range events {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "127.0.0.1:6379", "Redis address")
	cmd.Flags().StringVar(&channel, "channel", "novarfb:events", "Redis pub/sub channel")
	return cmd
}

func printInfo(w io.Writer, info *serverInfo) {
	fmt.Fprintf(w, "version:  %s\n", info.Version)
	fmt.Fprintf(w, "security: %s\n", info.Security)
	fmt.Fprintf(w, "desktop:  %q %dx%d\n", info.Name, info.Width, info.Height)
	fmt.Fprintf(w, "pixels:   %s\n", info.PixelFormat)
}

func parseVersion(s string) (protocol.Version, error) {
	for _, v := range []protocol.Version{protocol.Version3_3, protocol.Version3_7, protocol.Version3_8} {
		if v.String() == s {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unsupported protocol version %q", s)
}
