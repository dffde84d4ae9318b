package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cloudflare/cfssl/log"
	"github.com/fatih/color"
	goredis "github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/voteledger/commonconst"
	"github.com/voteledger/config"
	"github.com/voteledger/coordinator"
	"github.com/voteledger/meta"
	"github.com/voteledger/metrics"
	"github.com/voteledger/net"
	"github.com/voteledger/redis"
	"github.com/voteledger/registry"
	"github.com/voteledger/store"
	"github.com/voteledger/tally"
	"github.com/voteledger/util"
	"github.com/voteledger/verify"
)

const usage = "usage: voteledger serve|audit [config file]"

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		log.Error("输入的参数有误！ ", usage)
		os.Exit(2)
	}
	cfgPath := ""
	if len(os.Args) == 3 {
		cfgPath = os.Args[2]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg.Apply()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "serve":
		err = serve(ctx, cfg)
	case "audit":
		var safe bool
		safe, err = audit(ctx, cfg)
		if err == nil && !safe {
			os.Exit(1)
		}
	default:
		log.Error(usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// node holds what both modes open.
type node struct {
	store store.ReplicaStore
	// hosted keeps peers' replicas; nil when this node hosts none
	hosted  store.ReplicaStore
	rdb     *goredis.Client
	prvKey  []byte
	pubKey  []byte
	metrics *metrics.Ledger
}

func (n *node) Close() {
	for _, s := range []store.ReplicaStore{n.store, n.hosted} {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			log.Warning(err)
		}
	}
	if n.rdb != nil {
		n.rdb.Close()
	}
}

func (n *node) redisClient(ctx context.Context, cfg *config.Config) (*goredis.Client, error) {
	if n.rdb != nil {
		return n.rdb, nil
	}
	rdb, err := redis.Dial(ctx, redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return nil, err
	}
	n.rdb = rdb
	return rdb, nil
}

func openNode(ctx context.Context, cfg *config.Config) (*node, error) {
	n := &node{metrics: metrics.New()}
	var err error
	n.prvKey, n.pubKey, err = util.LoadOrCreateKeyPair(cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	switch cfg.StoreBackend {
	case "memory":
		n.store = store.NewMemoryStore()
	case "file":
		n.store, err = store.NewFileStore(filepath.Join(cfg.StorePath, "replicas"))
	case "leveldb":
		n.store, err = store.NewLevelDBStore(filepath.Join(cfg.StorePath, "leveldb"))
	case "redis":
		var rdb *goredis.Client
		if rdb, err = n.redisClient(ctx, cfg); err == nil {
			n.store = store.NewRedisStore(rdb)
		}
	case "remote":
		n.store = net.NewPeerStore(cfg.RemoteURL, cfg.BroadcastTimeout, cfg.RemoteNS, n.prvKey, n.pubKey)
	}
	if err != nil {
		if n.rdb != nil {
			n.rdb.Close()
		}
		return nil, errors.Wrapf(err, "open %s store", cfg.StoreBackend)
	}
	log.Infof("replica store: %s", cfg.StoreBackend)
	return n, nil
}

// openHosted opens the store peers' replicas go to, next to the ledger's
// but never the same one.
func (n *node) openHosted(ctx context.Context, cfg *config.Config) error {
	var err error
	switch cfg.StoreBackend {
	case "memory":
		n.hosted = store.NewMemoryStore()
	case "file":
		n.hosted, err = store.NewFileStore(filepath.Join(cfg.StorePath, "peer-replicas"))
	case "leveldb":
		n.hosted, err = store.NewLevelDBStore(filepath.Join(cfg.StorePath, "peer-leveldb"))
	case "redis":
		var rdb *goredis.Client
		if rdb, err = n.redisClient(ctx, cfg); err == nil {
			n.hosted = store.NewRedisStoreWithPrefix(rdb, commonconst.RedisHostedPrefix)
		}
	default:
		log.Warningf("%s backend cannot host peer replicas", cfg.StoreBackend)
	}
	if err != nil {
		n.hosted = nil
		return errors.Wrap(err, "open hosted replica store")
	}
	return nil
}

func readKeys(paths []string) ([][]byte, error) {
	keys := make([][]byte, 0, len(paths))
	for _, p := range paths {
		k, err := ioutil.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "read peer key %s", p)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	n, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer n.Close()

	reg := registry.NewMemoryRegistry()
	if cfg.RegistryFile != "" {
		if err := reg.LoadFile(cfg.RegistryFile); err != nil {
			return err
		}
	}
	peerKeys, err := readKeys(cfg.PeerKeys)
	if err != nil {
		return err
	}
	if len(peerKeys) > 0 {
		if err := n.openHosted(ctx, cfg); err != nil {
			return err
		}
	}

	var counter tally.Counter = tally.NewMemoryCounter()
	if cfg.Counter == "redis" {
		rdb, err := n.redisClient(ctx, cfg)
		if err != nil {
			return err
		}
		counter = tally.NewRedisCounter(rdb)
	}

	seq, err := coordinator.LoadSequencer(ctx, n.store, cfg.CanonicalID, cfg.Difficulty)
	if err != nil {
		return err
	}
	failures := coordinator.NewFailureLog(commonconst.FailureLogSize)
	b := coordinator.NewBroadcaster(n.store, cfg.Workers, cfg.QueueSize, cfg.BroadcastTimeout, failures, n.metrics)
	b.Start()
	defer b.Stop()

	coord := coordinator.New(n.store, seq, b, reg, coordinator.Options{
		SeedFromCanonical: cfg.SeedFromCanonical,
		Counter:           counter,
		Metrics:           n.metrics,
	})
	v := newVerifier(n, cfg, failures)
	if cfg.VerifyInterval > 0 {
		go v.Watch(ctx, cfg.VerifyInterval)
	}

	srv := net.NewServer(net.Options{
		Coordinator: coord,
		Verifier:    v,
		Extractor:   tally.NewExtractor(v, counter, n.metrics),
		Identity:    registry.NewHeaderIdentity(cfg.Admins),
		Metrics:     n.metrics,
		Replicas:    n.hosted,
		TrustedKeys: peerKeys,
		CanonicalID: cfg.CanonicalID,
	})
	errc := make(chan error, 1)
	go func() {
		errc <- srv.HttpListen(cfg.Addr)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	}
}

func newVerifier(n *node, cfg *config.Config, failures verify.FailureSource) *verify.Verifier {
	return verify.New(n.store, verify.Options{
		Quorum:      cfg.Quorum,
		ChunkSize:   cfg.ChunkSize,
		Concurrency: cfg.Concurrency,
		Unreadable:  verify.UnreadablePolicy(cfg.Unreadable),
		Difficulty:  cfg.Difficulty,
		CanonicalID: cfg.CanonicalID,
		Failures:    failures,
		Metrics:     n.metrics,
	})
}

// audit runs one verification and prints it; the result tells whether the
// ledger is safe.
func audit(ctx context.Context, cfg *config.Config) (bool, error) {
	n, err := openNode(ctx, cfg)
	if err != nil {
		return false, err
	}
	defer n.Close()

	report, err := newVerifier(n, cfg, nil).VerifyIntegrity(ctx)
	if err != nil {
		return false, err
	}
	printReport(report, cfg.Quorum)
	return report.IsIntegritySafe, nil
}

func printReport(r *meta.IntegrityReport, quorum float64) {
	verdict := color.HiGreenString("SAFE")
	if !r.IsIntegritySafe {
		verdict = color.New(color.FgHiRed, color.Bold).Sprint("NOT SAFE")
	}
	fmt.Printf("run %s: %s\n", r.RunID, verdict)
	fmt.Printf("  %d/%d replicas match (%.2f%%, quorum %.2f%%), %d groups\n",
		r.Matching, r.TotalUsers, r.MatchPercentage, quorum, r.Groups)
	fmt.Printf("  consensus chain: %d blocks, tip %s\n", r.ConsensusChainLength, r.ConsensusTipHash)

	faint := color.New(color.Faint)
	for _, d := range r.Discrepancies {
		c := color.YellowString
		if d.Kind == meta.IntegrityBreached {
			c = color.RedString
		}
		fmt.Printf("  %s %s at index %d\n", c(string(d.Kind)), d.ParticipantID, d.DivergingIndex)
		faint.Printf("      expected %s\n      actual   %s\n", d.ExpectedHash, d.ActualHash)
		for _, v := range d.Violations {
			faint.Printf("      block %d: %s\n", v.Index, v.Reason)
		}
	}
	for _, u := range r.Unreadable {
		fmt.Printf("  %s %s: %s\n", color.MagentaString("unreadable"), u.ParticipantID, u.Error)
	}
}
