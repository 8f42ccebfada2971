package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Charana123/peerwire/download"
	"github.com/Charana123/peerwire/peer"
	"github.com/Charana123/peerwire/server"
	"github.com/Charana123/peerwire/wire"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

const PEER_ID_PREFIX = "-PW0001-"

// progressStorage does not keep blocks, it only reports how many bytes arrived.
type progressStorage struct {
	bar *progressbar.ProgressBar
}

func (s *progressStorage) WriteBlock(from wire.PeerID, begin wire.BlockBegin, data []byte) error {
	return s.bar.Add(len(data))
}

func main() {
	swarmHex := pflag.String("swarm", "", "swarm id, 40 hex characters")
	numPieces := pflag.Uint32("pieces", 0, "number of pieces in the swarm")
	pieceSize := pflag.Uint32("piece-size", 256*1024, "piece size in bytes")
	policy := pflag.String("policy", download.SEQUENTIAL, `piece policy, "sequential" or "rarest-first"`)
	listenAddr := pflag.String("listen", ":6881", "address to accept peers on, empty disables listening")
	peers := pflag.StringSlice("peer", nil, "peer address to connect to, repeatable")
	uploadRate := pflag.Int("upload-rate", 0, "upload limit in bytes/sec, 0 is unlimited")
	verbose := pflag.BoolP("verbose", "v", false, "log every message")
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	swarm, err := wire.ParseSwarmID(*swarmHex)
	if err != nil {
		logger.Error("invalid swarm id", slog.Any("error", err))
		os.Exit(2)
	}
	peerID, err := wire.GeneratePeerID(PEER_ID_PREFIX)
	if err != nil {
		logger.Error("failed to generate peer id", slog.Any("error", err))
		os.Exit(1)
	}

	config := download.DefaultConfig(swarm, peerID, *numPieces, *pieceSize)
	config.PiecePolicy = *policy
	if *uploadRate > 0 {
		config.UploadRateLimiter = rate.NewLimiter(rate.Limit(*uploadRate), *uploadRate)
	}

	bar := progressbar.DefaultBytes(int64(*numPieces)*int64(*pieceSize), "downloading")
	d, err := download.New(config, &progressStorage{bar: bar}, logger)
	if err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *listenAddr != "" {
		sv, err := server.NewServer(*listenAddr, swarm, peerID, config.PeerOptions(logger), func(c *peer.Conn) {
			err := d.AddConn(c)
			if err != nil {
				logger.Debug("inbound peer refused", slog.String("addr", c.RemoteAddr()), slog.Any("error", err))
			}
		}, logger)
		if err != nil {
			logger.Error("failed to listen", slog.String("addr", *listenAddr), slog.Any("error", err))
			os.Exit(1)
		}
		go func() {
			err := sv.Serve(ctx)
			if err != nil {
				logger.Error("peer listener failed", slog.Any("error", err))
			}
		}()
	}

	for _, addr := range *peers {
		go func(addr string) {
			err := d.AddPeer(ctx, addr)
			if err != nil {
				logger.Warn("failed to add peer", slog.String("addr", addr), slog.Any("error", err))
			}
		}(addr)
	}

	err = d.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("download failed", slog.Any("error", err))
		os.Exit(1)
	}
}
