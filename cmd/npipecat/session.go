package main

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/brickingsoft/npipe"
	"github.com/brickingsoft/npipe/pkg/aio"
	"github.com/brickingsoft/npipe/pkg/metrics"
	"github.com/containerd/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const busyRetryInterval = 100 * time.Millisecond

func listenCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "listen NAME",
		Short: "create a pipe and serve its clients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			collector := metrics.New()
			opts, err := flags.cfg.options()
			if err != nil {
				return err
			}
			opts = append(opts, npipe.WithMetrics(collector))
			if err = serveMetrics(ctx, flags.cfg.MetricsAddr, collector); err != nil {
				return err
			}
			input := newSource(cmd.InOrStdin())
			return listen(ctx, args[0], opts, input, cmd.OutOrStdout(), flags.cfg.Once)
		},
	}
}

func dialCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dial NAME",
		Short: "connect to a pipe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			collector := metrics.New()
			opts, err := flags.cfg.options()
			if err != nil {
				return err
			}
			opts = append(opts, npipe.WithMetrics(collector))
			if err = serveMetrics(ctx, flags.cfg.MetricsAddr, collector); err != nil {
				return err
			}
			return dial(ctx, args[0], opts, newSource(cmd.InOrStdin()), cmd.OutOrStdout())
		},
	}
}

// listen keeps one instance waiting for the next client while earlier
// clients are served, up to the max-instances bound of the pipe.
func listen(ctx context.Context, name string, opts []npipe.Option, input *source, out io.Writer, once bool) error {
	logger := log.G(ctx).WithField("pipe", name)
	out = &lockedWriter{w: out}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			server, err := npipe.NewServer(name, opts...)
			if err != nil {
				if !aio.IsBusy(err) {
					return err
				}
				// every instance is serving a client
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(busyRetryInterval):
					continue
				}
			}
			ok, err := server.Connect(gctx)
			if err != nil || !ok {
				_ = server.Close()
				return err
			}
			logger.Info("client connected")
			g.Go(func() error {
				defer server.Close()
				sessionErr := pump(gctx, server, input, out)
				logger.Info("client disconnected")
				if sessionErr != nil && !once {
					logger.WithError(sessionErr).Warn("session failed")
					return nil
				}
				return sessionErr
			})
			if once {
				return nil
			}
		}
	})
	return g.Wait()
}

// lockedWriter serialises the output of concurrent sessions.
type lockedWriter struct {
	locker sync.Mutex
	w      io.Writer
}

func (lw *lockedWriter) Write(p []byte) (int, error) {
	lw.locker.Lock()
	defer lw.locker.Unlock()
	return lw.w.Write(p)
}

func dial(ctx context.Context, name string, opts []npipe.Option, input *source, out io.Writer) error {
	client, err := npipe.NewClient(name, opts...)
	if err != nil {
		return err
	}
	defer client.Close()
	ok, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	log.G(ctx).WithField("pipe", name).Info("connected")
	return pump(ctx, client, input, out)
}

// pump copies the pipe to out and input to the pipe until the peer goes
// away or ctx ends. Input running dry does not end the session.
func pump(ctx context.Context, ch npipe.Channel, input *source, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		for {
			b, err := ch.Read(gctx)
			if err != nil {
				return err
			}
			if b == nil {
				return nil
			}
			if _, err = out.Write(b); err != nil {
				return err
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case b, ok := <-input.C():
				if !ok {
					return nil
				}
				if _, err := ch.Write(gctx, b); err != nil {
					return err
				}
			}
		}
	})
	return g.Wait()
}

// source reads its input on one goroutine for the life of the process,
// since a blocked read of standard input cannot be interrupted.
type source struct {
	ch chan []byte
}

func newSource(r io.Reader) *source {
	s := &source{ch: make(chan []byte)}
	go func() {
		defer close(s.ch)
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				s.ch <- b
			}
			if err != nil {
				if err != io.EOF {
					log.L.WithError(err).Debug("input closed")
				}
				return
			}
		}
	}()
	return s
}

func (s *source) C() <-chan []byte {
	return s.ch
}
