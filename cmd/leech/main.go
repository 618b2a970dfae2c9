// Command leech downloads a single-file torrent given its .torrent
// metainfo file, per spec.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"leech/internal/coordinator"
	"leech/internal/logx"
	"leech/internal/metainfo"
	"leech/internal/peerid"
	"leech/internal/tracker"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "leech: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: leech <torrent-file> [output-path]")
	}

	if os.Getenv("LEECH_DEBUG") != "" {
		logx.SetDebug(true)
	}

	torrentPath := args[0]
	meta, err := metainfo.Parse(torrentPath)
	if err != nil {
		return err
	}

	outPath := meta.Name
	if len(args) >= 2 {
		outPath = args[1]
	}
	if outPath == "" {
		outPath = filepath.Base(torrentPath) + ".out"
	}

	localPeerID := peerid.New()

	logx.Log.WithField("torrent", meta.Name).Infof("announcing to %s", meta.Announce)
	resp, err := tracker.Announce(meta.Announce, meta.InfoHash, localPeerID, meta.TotalLength)
	if err != nil {
		return fmt.Errorf("tracker announce failed: %w", err)
	}
	logx.Log.Infof("tracker returned %d peers, interval %ds", len(resp.Peers), resp.Interval)

	out, err := coordinator.PrepareOutputFile(outPath, meta)
	if err != nil {
		return err
	}
	defer out.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		logx.Log.Warn("interrupted, shutting down")
		cancel()
	}()

	if err := coordinator.Run(ctx, meta, resp.Peers, localPeerID, out); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	fmt.Printf("saved %s (%d bytes) to %s\n", meta.Name, meta.TotalLength, outPath)
	return nil
}
