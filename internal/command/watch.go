package command

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/christopherjohns/guildsync/internal/connection"
	"github.com/christopherjohns/guildsync/internal/roomsync"
)

// NewWatchCmd creates the watch command.
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <room>",
		Short: "Stream a room's messages and connection state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return err
			}
			defer ctx.Close()

			if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
				_, stopMetrics, err := serveMetrics(ctx, addr)
				if err != nil {
					return err
				}
				defer stopMetrics()
			}

			s, err := ctx.OpenRoom(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer s.Dispose()

			out := cmd.OutOrStdout()
			info := s.Info()
			if info.Guild != nil {
				writeLine(out, fmt.Sprintf("# %s (%s) · %d members", info.Guild.Name, info.ID, info.MemberCount))
			} else {
				writeLine(out, fmt.Sprintf("# %s · %d members", info.ID, info.MemberCount))
			}

			p := &printer{seen: make(map[string]struct{}), state: s.State()}
			var mu sync.Mutex
			flush := func() {
				mu.Lock()
				defer mu.Unlock()
				p.printNew(cmd, s)
			}
			stop := s.OnChange(func(c roomsync.Change) {
				mu.Lock()
				defer mu.Unlock()
				switch c.Kind {
				case roomsync.ChangeMessages:
					p.printNew(cmd, s)
				case roomsync.ChangeState:
					p.printState(cmd, c.State)
				case roomsync.ChangeError:
					if c.Err != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", c.Err)
					}
				}
			})
			defer stop()
			flush()

			<-cmd.Context().Done()
			return nil
		},
	}

	cmd.Flags().String("metrics-addr", "", "serve connection metrics on this address (e.g. :9090)")
	return cmd
}

// serveMetrics exposes the connection metrics of the watched room on
// addr/metrics. It returns the bound address and a function that stops
// the listener.
func serveMetrics(ctx *CommandContext, addr string) (string, func(), error) {
	reg := prometheus.NewRegistry()
	ctx.Metrics = connection.NewMetrics(reg)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctx.Logger.Warn("command: metrics server stopped", zap.Error(err))
		}
	}()
	ctx.Logger.Info("command: serving metrics", zap.String("addr", ln.Addr().String()))

	return ln.Addr().String(), func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

// printer prints each message once, in working-set order.
type printer struct {
	seen  map[string]struct{}
	state connection.State
}

func (p *printer) printNew(cmd *cobra.Command, s *roomsync.Session) {
	now := time.Now()
	for _, m := range s.Messages() {
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}
		writeLine(cmd.OutOrStdout(), formatMessage(m, now))
	}
}

func (p *printer) printState(cmd *cobra.Command, state connection.State) {
	if state == p.state {
		return
	}
	p.state = state
	fmt.Fprintf(cmd.ErrOrStderr(), "-- %s\n", state)
}
