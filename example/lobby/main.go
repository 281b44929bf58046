// Command lobby runs a small room-matchmaking server: players name
// themselves, create or join four-letter rooms of up to four and share
// their positions with the rest of the room.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/mpnet"
	"github.com/Zereker/mpnet/metrics"
	"github.com/Zereker/mpnet/wsnet"
)

func main() {
	addrFlag := flag.String("addr", ":25580", "TCP listen address")
	wsAddr := flag.String("ws", "", "optional websocket listen address, e.g. :25581")
	rateFlag := flag.Float64("rate", 60, "frames per second allowed per client, 0 disables")
	flag.Parse()

	zl, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	logger := mpnet.NewZapLogger(zl)
	metrics.Logger = zl

	addr, err := net.ResolveTCPAddr("tcp", *addrFlag)
	if err != nil {
		logger.Error("invalid address", "addr", *addrFlag, "error", err)
		os.Exit(1)
	}

	lb := newLobby(time.Now().UnixNano())
	opts := []mpnet.ServerOption{
		mpnet.ServerLoggerOption(logger),
		mpnet.ServerConnOptions(mpnet.RateLimitOption(*rateFlag, int(*rateFlag))),
	}

	server, err := mpnet.New(addr, newPlayerFactory(lb), opts...)
	if err != nil {
		logger.Error("unable to create the server", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	servers := []*mpnet.Server{server}
	if *wsAddr != "" {
		// Both servers run their own dispatch goroutine, so the browser
		// side gets a lobby of its own.
		ln, err := wsnet.Listen(*wsAddr, "/play", wsnet.CheckOriginOption(wsnet.AllOrigins()))
		if err != nil {
			logger.Error("unable to listen for websockets", "error", err)
			os.Exit(1)
		}
		wsServer, err := mpnet.NewWithListener(ln, newPlayerFactory(newLobby(time.Now().UnixNano())), opts...)
		if err != nil {
			logger.Error("unable to create the websocket server", "error", err)
			os.Exit(1)
		}
		servers = append(servers, wsServer)
	}

	go func() {
		for ctx.Err() == nil {
			metrics.ShowMetricsOfPeriod(time.Minute)
		}
	}()

	if err := serveAll(ctx, servers...); err != nil {
		logger.Error("server error", "error", err)
	}
}

// serveAll runs every server until ctx is done and returns once all of them
// are closed, so their Disconnected handlers have run.
func serveAll(ctx context.Context, servers ...*mpnet.Server) error {
	var group errgroup.Group
	for _, s := range servers {
		s := s
		group.Go(func() error {
			if err := s.Serve(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		})
	}
	return group.Wait()
}
