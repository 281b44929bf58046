package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Zereker/mpnet"
)

// codeEcho carries one string that is sent straight back.
const codeEcho int16 = 1

type echo struct{}

func (echo) Decode(code int16, r *mpnet.Reader) (any, error) {
	if code != codeEcho {
		return nil, nil
	}
	return r.ReadString()
}

func (echo) Handle(c *mpnet.Conn, req mpnet.Request) error {
	switch req.Kind {
	case mpnet.Connected:
		slog.Info("client connected", "id", c.ID(), "addr", c.Addr())
		return nil
	case mpnet.Disconnected:
		slog.Info("client disconnected", "id", c.ID())
		return nil
	}

	if req.Code != codeEcho {
		slog.Warn("unknown request", "code", req.Code)
		return nil
	}

	w := c.Writer()
	if err := w.WriteHeader(codeEcho); err != nil {
		return err
	}
	if err := w.WriteString(req.Payload.(string)); err != nil {
		return err
	}
	return w.Flush()
}

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:12345", "listen address")
	flag.Parse()

	addr, err := net.ResolveTCPAddr("tcp", *addrFlag)
	if err != nil {
		panic(err)
	}

	server, err := mpnet.New(addr, func(*mpnet.Conn) (mpnet.Driver, error) {
		return echo{}, nil
	}, mpnet.ServerLoggerOption(slog.Default()))
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := server.Serve(ctx); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
}
