// Package coordinator spawns one peer worker per peer address, fans
// PieceWork out across them, collects verified PieceResults and writes
// them to the output file, per spec.md §4.6.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"leech/internal/download"
	"leech/internal/logx"
	"leech/internal/metainfo"
	"leech/internal/peer"
	"leech/internal/peerwire"
)

// MaxPeers caps the number of concurrently spawned peer workers.
const MaxPeers = 50

// skipBackoff throttles a worker that just re-queued a piece its peer
// doesn't have, so a peer sitting on a near-empty bitfield near the end
// of a download doesn't hot-loop pulling and re-queueing the same
// handful of items.
const skipBackoff = 50 * time.Millisecond

// ErrNoPeersAvailable is returned when every worker has exited (dial
// failures, protocol errors, lost connections) while pieces remain
// undownloaded.
var ErrNoPeersAvailable = errors.New("coordinator: no peers available")

// Run drives the whole leech: it seeds a work queue with one Work item
// per piece, spawns up to MaxPeers workers against addrs, and writes
// each verified result to out at its piece offset. It returns once every
// piece has been written, or a fatal/starvation error occurs.
func Run(ctx context.Context, meta *metainfo.TorrentMeta, addrs []net.TCPAddr, localPeerID [20]byte, out *os.File) error {
	numPieces := meta.NumPieces()
	if numPieces == 0 {
		return fmt.Errorf("coordinator: torrent has no pieces")
	}
	if len(addrs) == 0 {
		return ErrNoPeersAvailable
	}

	workQueue := make(chan download.Work, numPieces)
	for i := 0; i < numPieces; i++ {
		workQueue <- download.WorkFromMeta(meta, i)
	}

	results := make(chan download.Result, numPieces)

	workers := addrs
	if len(workers) > MaxPeers {
		workers = workers[:MaxPeers]
	}

	g, gctx := errgroup.WithContext(ctx)
	var active int32 = int32(len(workers))

	for _, a := range workers {
		addr := net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
		g.Go(func() error {
			defer atomic.AddInt32(&active, -1)
			return runWorker(gctx, addr, meta, localPeerID, workQueue, results)
		})
	}

	go func() {
		g.Wait()
		close(results)
	}()

	bar := newProgressBar(numPieces)
	logx.Log.WithField("torrent", meta.Name).Infof("leeching %d pieces from %d peers", numPieces, len(workers))

	collected := make(map[uint32]bool, numPieces)
	queueClosed := false

	for res := range results {
		if collected[res.Index] {
			continue
		}
		if err := writePiece(out, meta, res); err != nil {
			return err
		}
		collected[res.Index] = true
		bar.Add(1)
		logx.Piece(res.Index).Debug("verified and written")

		if len(collected) == numPieces && !queueClosed {
			close(workQueue)
			queueClosed = true
		}
	}

	fmt.Println()

	if len(collected) != numPieces {
		if atomic.LoadInt32(&active) == 0 {
			return fmt.Errorf("%w: %d/%d pieces downloaded", ErrNoPeersAvailable, len(collected), numPieces)
		}
		return fmt.Errorf("coordinator: incomplete download: %d/%d pieces", len(collected), numPieces)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("coordinator: worker error: %w", err)
	}

	colorstring.Println("[green]download complete[reset]")
	return nil
}

// runWorker owns one peer connection for its whole lifetime: connect,
// announce interest, then repeatedly pull Work from queue until it is
// closed and drained or the connection dies. A dial failure or protocol
// error simply ends this worker (not fatal to the coordinator); a
// mid-download connection failure re-queues the in-flight Work first.
func runWorker(ctx context.Context, addr string, meta *metainfo.TorrentMeta, localPeerID [20]byte, queue chan download.Work, results chan<- download.Result) error {
	log := logx.Peer(addr)

	s, err := peer.Dial(ctx, addr, meta.InfoHash, localPeerID, meta.NumPieces())
	if err != nil {
		log.WithError(err).Debug("dial failed, worker exiting")
		return nil
	}
	defer s.Close()

	if err := s.Send(peerwire.NewUnchoke()); err != nil {
		log.WithError(err).Debug("sending unchoke failed, worker exiting")
		return nil
	}
	if err := s.Send(peerwire.NewInterested()); err != nil {
		log.WithError(err).Debug("sending interested failed, worker exiting")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case w, ok := <-queue:
			if !ok {
				return nil
			}

			if !s.HasPiece(int(w.Index)) {
				queue <- w
				select {
				case <-time.After(skipBackoff):
				case <-ctx.Done():
					return nil
				}
				continue
			}

			buf, err := download.FetchPiece(s, w)
			if err != nil {
				queue <- w
				if isFatalConnErr(err) {
					log.WithError(err).Debug("connection lost, worker exiting")
					return nil
				}
				log.WithError(err).Debug("piece fetch failed, retrying with next work item")
				continue
			}

			if err := s.Send(peerwire.NewHave(w.Index)); err != nil {
				log.WithError(err).Debug("sending have failed")
			}

			select {
			case results <- download.Result{Index: w.Index, Bytes: buf}:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// isFatalConnErr reports whether err indicates the underlying connection
// is dead or the peer violated the protocol (as opposed to a retryable
// timeout or integrity mismatch that leaves the connection usable).
func isFatalConnErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, peer.ErrProtocolViolation) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return !netErr.Timeout()
	}
	return false
}

// PrepareOutputFile creates (or truncates) path and sizes it to the
// torrent's total length up front, mirroring the teacher's StartDownload
// file allocation trimmed to the single-file case.
func PrepareOutputFile(path string, meta *metainfo.TorrentMeta) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("coordinator: creating output file %s: %w", path, err)
	}
	if err := f.Truncate(meta.TotalLength); err != nil {
		f.Close()
		return nil, fmt.Errorf("coordinator: sizing output file %s: %w", path, err)
	}
	return f, nil
}

// writePiece persists one verified piece at its file offset.
func writePiece(out *os.File, meta *metainfo.TorrentMeta, res download.Result) error {
	offset := int64(res.Index) * meta.PieceLength
	if _, err := out.WriteAt(res.Bytes, offset); err != nil {
		return fmt.Errorf("coordinator: writing piece %d at offset %d: %w", res.Index, offset, err)
	}
	return nil
}

// newProgressBar builds a console progress bar when stdout is a
// terminal, and a silent no-op bar otherwise (e.g. piped output, CI).
func newProgressBar(total int) *progressbar.ProgressBar {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return progressbar.DefaultSilent(int64(total))
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("leeching"),
		progressbar.OptionSetWriter(os.Stdout),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Println() }),
	)
}
