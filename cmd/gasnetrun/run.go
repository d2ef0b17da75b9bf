package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pgas-rt/gasnet-ibv/am"
	"github.com/pgas-rt/gasnet-ibv/bootstrap/inproc"
	"github.com/pgas-rt/gasnet-ibv/cmn/cos"
	"github.com/pgas-rt/gasnet-ibv/config"
	"github.com/pgas-rt/gasnet-ibv/gasnet"
	"github.com/pgas-rt/gasnet-ibv/rdma/loopback"
)

// echoHandlerIdx is gasnetrun's one demo client handler (spec.md §4.5's
// client range is 128-255): a request bounces its single argument back as
// a reply so the launcher can report a round-trip.
const echoHandlerIdx uint8 = 200

func newRunCmd() *cobra.Command {
	var nodes int
	var segmentSize string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Spawn an in-process job and run the built-in echo smoke test",
		Long: "run spawns the requested number of ranks as goroutines sharing an " +
			"in-process bootstrap hub and loopback fabric (rdma/loopback), attaches " +
			"every rank, and drives a one-shot Active Message echo between rank 0 " +
			"and the last rank before tearing the job down. It is the zero-hardware " +
			"equivalent of pointing the real gasnetrun at an ibverbs cluster.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fileCfg, err := loadConfig()
			if err != nil {
				return err
			}
			if nodes == 0 {
				nodes = fileCfg.Nodes
			}
			if nodes < 2 {
				nodes = 2
			}
			if segmentSize == "" {
				segmentSize = fileCfg.SegmentSize
			}
			if segmentSize == "" {
				segmentSize = "1MB"
			}
			if metricsAddr == "" {
				metricsAddr = fileCfg.MetricsAddr
			}
			segBytes, err := cos.ParseSize(segmentSize)
			if err != nil {
				return fmt.Errorf("invalid --segment-size %q: %w", segmentSize, err)
			}
			return runJob(cmd.Context(), nodes, uint64(segBytes), metricsAddr)
		},
	}

	cmd.Flags().IntVar(&nodes, "nodes", 0, "number of in-process ranks (default from config, else 2)")
	cmd.Flags().StringVar(&segmentSize, "segment-size", "", "per-rank segment size, KB/MB/GB suffixes accepted")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve rank 0's Prometheus registry here (e.g. :9401)")
	return cmd
}

// runJob builds the bootstrap hub and RDMA fabric every rank shares,
// attaches each rank's gasnet.Endpoint concurrently, then runs the echo
// demo from rank 0 against the highest-numbered rank.
func runJob(ctx context.Context, nodes int, segBytes uint64, metricsAddr string) error {
	log.WithFields(log.Fields{"nodes": nodes, "segment_size": cos.ToSizeIEC(int64(segBytes))}).Info("gasnetrun: starting job")

	hub := inproc.NewHub(nodes)
	fabric := loopback.NewFabric()
	cfg := config.FromEnv()

	endpoints := make([]*gasnet.Endpoint, nodes)
	var wg sync.WaitGroup
	var attachErr atomic.Pointer[error]

	wg.Add(nodes)
	for rank := 0; rank < nodes; rank++ {
		rank := rank
		go func() {
			defer wg.Done()
			spawner := inproc.NewSpawner(hub, rank)
			provider := loopback.New(fabric, rank)

			seg := make([]byte, segBytes)
			segDesc := gasnet.SegmentDesc{Base: uintptr(unsafe.Pointer(&seg[0])), Len: segBytes, Kind: gasnet.SegFast}

			var disp *am.Dispatcher
			handlers := map[uint8]am.Handler{
				echoHandlerIdx: func(tok am.Token, args []uint32) {
					if tok.IsRequest() {
						_ = disp.ReplyShort(tok, args...)
						return
					}
					log.WithFields(log.Fields{"rank": rank, "from": tok.Source(), "echoed": args[0]}).Info("gasnetrun: echo reply received")
				},
			}

			ep, err := gasnet.Attach(ctx, spawner, provider, cfg, segDesc, handlers)
			if err != nil {
				attachErr.Store(&err)
				return
			}
			disp = ep.Dispatcher()
			endpoints[rank] = ep
		}()
	}
	wg.Wait()
	if p := attachErr.Load(); p != nil {
		return fmt.Errorf("gasnetrun: attach failed: %w", *p)
	}
	log.Info("gasnetrun: every rank attached")

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(endpoints[0].Stats().Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			log.WithField("addr", metricsAddr).Info("gasnetrun: serving rank 0 metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Warn("gasnetrun: metrics server stopped")
			}
		}()
		defer srv.Close()
	}

	stop := make(chan struct{})
	var pollWG sync.WaitGroup
	pollWG.Add(nodes)
	for rank := 0; rank < nodes; rank++ {
		ep := endpoints[rank]
		go func() {
			defer pollWG.Done()
			for {
				select {
				case <-stop:
					return
				default:
					ep.AMPoll()
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	dst := nodes - 1
	if err := endpoints[0].Dispatcher().RequestShort(dst, echoHandlerIdx, 42); err != nil {
		close(stop)
		pollWG.Wait()
		return fmt.Errorf("gasnetrun: echo request failed: %w", err)
	}
	log.WithFields(log.Fields{"from": 0, "to": dst}).Info("gasnetrun: echo request sent")
	time.Sleep(50 * time.Millisecond) // give the poller goroutines a few rounds to land the reply

	close(stop)
	pollWG.Wait()

	// Finalize is itself collective (it barriers on the bootstrap hub), so
	// every rank must call it concurrently rather than one at a time.
	var finalizeWG sync.WaitGroup
	finalizeWG.Add(nodes)
	for rank, ep := range endpoints {
		rank, ep := rank, ep
		go func() {
			defer finalizeWG.Done()
			if err := ep.Finalize(ctx); err != nil {
				log.WithError(err).WithField("rank", rank).Warn("gasnetrun: finalize failed")
			}
		}()
	}
	finalizeWG.Wait()

	log.Info("gasnetrun: job complete")
	return nil
}
