package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ccassar/initiator"
	"github.com/ccassar/initiator/internal/classmatcher"
	"github.com/ccassar/initiator/internal/iv2_pb"
	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
)

const (
	transportLocal = "local"
	transportGRPC  = "grpc"
	// Site id used for the multi-partition replica on every host. Data partition replicas use their partition id.
	mpSiteID       = int32(initiator.MultiPartitionID)
	defaultProc    = "Noop"
	defaultLogBase = "initiator"
)

func (a *app) run(sigChan chan os.Signal, lcfg zap.Config) {

	err := a.configure(lcfg)
	if err != nil {
		os.Exit(-1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigChan:
			// any of the signals result in exit.
			a.lg.Info("application received shutdown signal")
			cancel()
		}
	}()

	err = a.startCluster(ctx)
	if err != nil {
		a.lg.Errorw("application failed to start cluster", "err", err)
		cancel()
		a.stopCluster()
		os.Exit(-1)
	}

	a.lg.Infow("application loop started", "hosts", len(a.hosts), "partitions", a.partitions,
		"kfactor", a.kfactor, "transport", a.transport)

	exitCode := 0
	fragmentTrigger := time.After(a.nextPeriod(a.fragmentPeriod))
	killTrigger := time.After(a.nextPeriod(a.killPeriod))

loop:
	for {
		select {
		case <-ctx.Done():
			break loop

		case err = <-a.fatalErrors:
			a.lg.Errorw("fatal error from cluster, stopping", "err", err)
			exitCode = -1
			break loop

		case <-fragmentTrigger:
			a.driveFragment()
			fragmentTrigger = time.After(a.nextPeriod(a.fragmentPeriod))

		case <-killTrigger:
			a.killLeader(ctx)
			killTrigger = time.After(a.nextPeriod(a.killPeriod))
		}
	}

	cancel()
	err = a.stopCluster()
	if err != nil {
		a.lg.Errorw("application shutdown", "err", err)
	}
	_ = a.lg.Sync()
	os.Exit(exitCode)
}

// appCfg is the recipient of the JSON configuration.
type appCfg struct {
	// Hosts in the in-process cluster; host ids are 0..Hosts-1.
	Hosts int
	// Partitions is the number of data partitions. The multi-partition role runs on every host.
	Partitions int
	// KFactor replicas beyond the leader for every data partition. Needs KFactor < Hosts.
	KFactor int
	// Transport is "local" (one in-process bus) or "grpc" (one gRPC bus per host on loopback).
	Transport string
	// GRPCBasePort is the port of host 0 when using the gRPC transport; host n listens on GRPCBasePort+n.
	GRPCBasePort int
	// RepairLogDir holds the bolt DB of every initiator.
	RepairLogDir string
	// Configure the period with which we submit a fragment to the leader of a random partition.
	FragmentPeriod string
	// Configure the period with which we kill the leader of a random partition.
	KillPeriod string
	// MPFraction is the share of fragments sent to the multi-partition coordinator.
	MPFraction float64
	// Configure the initiator repair round timeout.
	RepairTimeout string
	// ProcedureClasspath and ProcedurePatterns locate the procedure classes making up the catalog. Fragments name
	// one of the matched procedures.
	ProcedureClasspath []string
	ProcedurePatterns  []string
	// Set up metrics export.
	Metrics struct {
		// e.g. localhost:9000
		Endpoint string
		// e.g. /metrics
		Path string
		// e.g. myAppNamespace
		Namespace string
	}
}

// demoBackend stands in for an execution site. It completes every task it is handed.
type demoBackend struct {
	hsid     initiator.HSID
	lg       *zap.SugaredLogger
	complete func(initiator.TxnID)
}

func (b *demoBackend) Submit(task *iv2_pb.InitiateTask) error {
	b.lg.Debugw("task executed", "hsid", b.hsid, "txnID", initiator.TxnID(task.TxnId),
		"proc", task.ProcName, "restart", task.ForRestart)
	b.complete(initiator.TxnID(task.TxnId))
	return nil
}

func (b *demoBackend) UpdateCatalog(diff string, c *initiator.CatalogContext, requiresSnapshotIsolation bool) error {
	b.lg.Infow("catalog updated", "hsid", b.hsid, "diff", diff, "snapshotIsolation", requiresSnapshotIsolation)
	return nil
}

type host struct {
	id         int32
	grpcBus    *initiator.GRPCBus
	initiators []*initiator.Initiator
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	alive      bool
}

type app struct {
	// Cluster shape and behaviour, from configuration.
	hostCount      int
	partitions     int
	kfactor        int
	transport      string
	grpcBasePort   int
	repairLogDir   string
	repairTimeout  time.Duration
	fragmentPeriod time.Duration
	killPeriod     time.Duration
	mpFraction     float64
	catalog        *initiator.CatalogContext
	procs          []string
	metricsReg     *prometheus.Registry
	namespace      string

	coord       *initiator.LocalCoordinator
	localBus    *initiator.LocalBus
	leaderCache *initiator.LeaderCache
	hosts       []*host
	byHSID      map[initiator.HSID]*initiator.Initiator
	killed      int
	fatalErrors chan error

	// Configuration file.
	cfgFile string
	// logging configuration.
	zl          *zap.Logger
	lg          *zap.SugaredLogger
	debug       bool
	zapFile     string
	zapEncoding string
}

func (a *app) nextPeriod(period time.Duration) time.Duration {
	jittered := int(period)/2 + rand.Intn(int(period))
	return time.Duration(jittered)
}

// forwardFatal relays a fatal error channel into the application's. One is as good as many.
func (a *app) forwardFatal(ctx context.Context, ch chan error) {
	go func() {
		select {
		case err := <-ch:
			select {
			case a.fatalErrors <- err:
			default:
			}
		case <-ctx.Done():
		}
	}()
}

// replicaHosts returns the hosts carrying replicas of a data partition.
func (a *app) replicaHosts(p int) []int32 {
	hosts := make([]int32, 0, a.kfactor+1)
	for r := 0; r <= a.kfactor; r++ {
		hosts = append(hosts, int32((p+r)%a.hostCount))
	}
	return hosts
}

func (a *app) makeBus(h *host) (initiator.MessageBus, error) {

	if a.transport == transportLocal {
		return a.localBus, nil
	}

	addrs := map[int32]string{}
	for id := 0; id < a.hostCount; id++ {
		addrs[int32(id)] = fmt.Sprintf("127.0.0.1:%d", a.grpcBasePort+id)
	}

	// gRPC metrics can only be registered once per registry; the first host's bus carries them.
	var registry *prometheus.Registry
	if h.id == 0 {
		registry = a.metricsReg
	}

	bus, err := initiator.NewGRPCBus(initiator.GRPCBusConfig{
		LocalHostID: h.id,
		Hosts:       addrs,
		ClientDialOptionsFn: func(local, remote string) []grpc.DialOption {
			return []grpc.DialOption{grpc.WithInsecure()}
		},
	}, a.zl.Named(fmt.Sprintf("host%d", h.id)), registry, true)
	if err != nil {
		return nil, err
	}
	h.grpcBus = bus
	return bus, nil
}

func (a *app) makeInitiator(h *host, bus initiator.MessageBus, partition initiator.PartitionID,
	siteID int32) (*initiator.Initiator, error) {

	hsid := initiator.MakeHSID(h.id, siteID)
	backend := &demoBackend{hsid: hsid, lg: a.lg}

	cfg := initiator.NewInitiatorConfig()
	cfg.Partition = partition
	cfg.HostID = h.id
	cfg.SiteID = siteID
	cfg.Coordinator = a.coord
	cfg.Bus = bus
	cfg.Backend = backend
	cfg.RepairLogPath = filepath.Join(a.repairLogDir, fmt.Sprintf("%s.%d.%d.db", defaultLogBase, h.id, siteID))

	opts := []initiator.InitiatorOption{
		initiator.WithLogger(a.zl.Named(fmt.Sprintf("host%d", h.id))),
	}
	if a.repairTimeout > 0 {
		opts = append(opts, initiator.WithRepairTimeout(a.repairTimeout))
	}
	if a.metricsReg != nil {
		opts = append(opts, initiator.WithMetrics(a.metricsReg, a.namespace, true))
	}

	i, err := initiator.MakeInitiator(cfg, opts...)
	if err != nil {
		return nil, err
	}
	backend.complete = i.CompleteTransaction
	i.EnableFaultLog()

	return i, nil
}

// configureInitiator retries transient coordination failures. Anything the initiator reports with one of its own
// sentinel causes is definitive, InitiatorErrorCoordinationUnavailable included, and is returned straight away.
func (a *app) configureInitiator(ctx context.Context, i *initiator.Initiator) error {
	params := initiator.ConfigureParams{
		Backend:            initiator.NativeEEIPC,
		Catalog:            a.catalog,
		KFactor:            a.kfactor,
		NumberOfPartitions: a.partitions,
	}
	return backoff.Retry(
		func() error {
			err := i.Configure(ctx, params)
			if err == nil {
				return nil
			}
			if _, sentinel := errors.Cause(err).(initiator.Error); sentinel || initiator.IsFatal(err) {
				return backoff.Permanent(err)
			}
			a.lg.Infow("configure initiator failed, retrying", "hsid", i.HSID(), "err", err)
			return err
		},
		backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
}

// startCluster makes, configures and runs every host.
func (a *app) startCluster(ctx context.Context) error {

	a.coord = initiator.NewLocalCoordinator(a.zl)
	a.leaderCache = initiator.NewLeaderCache(a.coord, a.zl)
	a.byHSID = map[initiator.HSID]*initiator.Initiator{}
	a.fatalErrors = make(chan error, 1)
	if a.transport == transportLocal {
		a.localBus = initiator.NewLocalBus(a.zl, 0)
	}

	for id := 0; id < a.hostCount; id++ {
		h := &host{id: int32(id), alive: true}
		a.hosts = append(a.hosts, h)

		bus, err := a.makeBus(h)
		if err != nil {
			return err
		}

		for p := 0; p < a.partitions; p++ {
			for _, hid := range a.replicaHosts(p) {
				if hid != h.id {
					continue
				}
				i, err := a.makeInitiator(h, bus, initiator.PartitionID(p), int32(p))
				if err != nil {
					return err
				}
				h.initiators = append(h.initiators, i)
			}
		}

		i, err := a.makeInitiator(h, bus, initiator.MultiPartitionID, mpSiteID)
		if err != nil {
			return err
		}
		h.initiators = append(h.initiators, i)

		for _, i := range h.initiators {
			a.byHSID[i.HSID()] = i
		}
	}

	// Every replica takes part in repair rounds from MakeInitiator on; elections start once candidates register.
	for _, h := range a.hosts {
		hctx, cancel := context.WithCancel(ctx)
		h.cancel = cancel

		if h.grpcBus != nil {
			a.forwardFatal(hctx, h.grpcBus.FatalErrorChannel())
			h.wg.Add(1)
			h.grpcBus.Run(hctx, &h.wg)
		}

		for _, i := range h.initiators {
			err := a.configureInitiator(hctx, i)
			if err != nil {
				return err
			}
			a.forwardFatal(hctx, i.FatalErrorChannel())
			h.wg.Add(1)
			err = i.Run(hctx, &h.wg)
			if err != nil {
				return err
			}
		}
	}

	if a.metricsReg != nil {
		a.metricsReg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: a.namespace,
			Subsystem: "bus",
			Name:      "dropped_envelopes_total",
			Help:      "Envelopes dropped by the message buses of the cluster",
		}, a.busDropped))
		a.metricsReg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: a.namespace,
			Subsystem: "bus",
			Name:      "overflowed_envelopes_total",
			Help:      "Envelopes dropped by the message buses of the cluster because a queue was full",
		}, a.busOverflowed))
	}

	return nil
}

func (a *app) busOverflowed() float64 {
	if a.localBus != nil {
		return float64(a.localBus.Overflowed())
	}
	overflowed := int64(0)
	for _, h := range a.hosts {
		if h.grpcBus != nil {
			overflowed += h.grpcBus.Overflowed()
		}
	}
	return float64(overflowed)
}

func (a *app) busDropped() float64 {
	if a.localBus != nil {
		return float64(a.localBus.Dropped())
	}
	dropped := int64(0)
	for _, h := range a.hosts {
		if h.grpcBus != nil {
			dropped += h.grpcBus.Dropped()
		}
	}
	return float64(dropped)
}

// driveFragment submits a fragment to the published leader of a random partition, or of the multi-partition role.
func (a *app) driveFragment() {

	partition := initiator.PartitionID(rand.Intn(a.partitions))
	if rand.Float64() < a.mpFraction {
		partition = initiator.MultiPartitionID
	}

	leader, ok, err := a.leaderCache.Get(partition)
	if err != nil || !ok {
		a.lg.Infow("no leader published, fragment not submitted", "partition", partition, "err", err)
		return
	}

	i, ok := a.byHSID[leader]
	if !ok {
		a.lg.Infow("published leader is not running, fragment not submitted",
			"partition", partition, "leader", leader)
		return
	}

	handle := uuid.New()
	task := &iv2_pb.InitiateTask{
		PartitionId:  int32(partition),
		ProcName:     a.procs[rand.Intn(len(a.procs))],
		Params:       handle[:],
		ClientHandle: int64(rand.Int63()),
	}
	i.Deliver(task)
	a.lg.Infow("fragment submitted", "partition", partition, "leader", leader,
		"proc", task.ProcName, "handle", handle.String())
}

// killLeader stops the host leading a random partition, as a host failure would. The cluster keeps k-safety: at
// most KFactor hosts are ever killed.
func (a *app) killLeader(ctx context.Context) {

	if a.killed >= a.kfactor {
		return
	}

	partition := initiator.PartitionID(rand.Intn(a.partitions))
	leader, ok, err := a.leaderCache.Get(partition)
	if err != nil || !ok {
		return
	}

	h := a.hosts[leader.HostID()]
	if !h.alive {
		return
	}

	a.lg.Infow("killing host leading partition", "host", h.id, "partition", partition, "leader", leader)

	// Stop the host before its registrations expire; the watch closing under a running initiator is fatal.
	h.cancel()
	h.wg.Wait()
	h.alive = false
	a.killed++
	for _, i := range h.initiators {
		delete(a.byHSID, i.HSID())
	}
	a.coord.ExpireHost(h.id)

	for _, other := range a.hosts {
		if other.alive && other.grpcBus != nil {
			if err := other.grpcBus.FlushHost(ctx, h.id); err != nil {
				a.lg.Infow("flush of killed host failed", "host", other.id, "killed", h.id, "err", err)
			}
		}
	}
}

// stopCluster waits for every host to stop. Hosts were cancelled through the root context.
func (a *app) stopCluster() error {

	var err error
	for _, h := range a.hosts {
		if h.cancel != nil {
			h.cancel()
		}
		h.wg.Wait()
		if h.grpcBus != nil {
			err = multierr.Append(err, h.grpcBus.Close())
		}
	}

	if a.localBus != nil {
		a.localBus.Close()
	}
	if a.coord != nil {
		a.coord.Shutdown()
	}

	return err
}

// loadCatalog matches procedure classes into the catalog the cluster runs with.
func (a *app) loadCatalog(ac *appCfg) error {

	a.catalog = &initiator.CatalogContext{Version: 1, Procedures: map[string]string{}}

	if len(ac.ProcedurePatterns) > 0 {
		matcher := classmatcher.New(a.zl, ac.ProcedureClasspath...)
		for _, p := range ac.ProcedurePatterns {
			err := matcher.AddPattern(p)
			if err != nil {
				return err
			}
		}
		for _, class := range matcher.MatchedClassList() {
			a.catalog.Procedures[class[strings.LastIndex(class, ".")+1:]] = class
		}
		matcher.Clear()
	}

	if len(a.catalog.Procedures) == 0 {
		a.catalog.Procedures[defaultProc] = defaultProc
	}
	for name := range a.catalog.Procedures {
		a.procs = append(a.procs, name)
	}
	sort.Strings(a.procs)

	return nil
}

func parseDurationOr(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	return time.ParseDuration(value)
}

// configure processes configuration file to build the cluster description.
func (a *app) configure(lcfg zap.Config) error {

	if a.debug {
		lcfg.Level.SetLevel(zapcore.DebugLevel)
	}

	if a.zapEncoding != "" {
		lcfg.Encoding = a.zapEncoding
	}

	if a.zapFile != "" {
		lcfg.OutputPaths = []string{a.zapFile}
	}

	lcfg.DisableStacktrace = true
	lg, err := lcfg.Build()
	if err != nil {
		fmt.Println("Failed to start app with logger configuration failure", err)
		return err
	}
	a.zl = lg
	a.lg = lg.Sugar()

	//
	// Next, let's load configuration file.
	fstream, err := ioutil.ReadFile(a.cfgFile)
	if err != nil {
		a.lg.Errorf("Failed to load configuration file [%v]", err)
		return err
	}

	var ac appCfg
	err = json.Unmarshal(fstream, &ac)
	if err != nil {
		a.lg.Errorf("Failed to unmarshal configuration file [%v]", err)
		return err
	}

	a.hostCount, a.partitions, a.kfactor = ac.Hosts, ac.Partitions, ac.KFactor
	if a.hostCount <= 0 || a.partitions <= 0 || a.kfactor < 0 || a.kfactor >= a.hostCount {
		err = errors.Errorf("cluster shape invalid: hosts %d, partitions %d, kfactor %d",
			a.hostCount, a.partitions, a.kfactor)
		a.lg.Errorf("Failed to validate configuration [%v]", err)
		return err
	}

	a.transport = ac.Transport
	switch a.transport {
	case "":
		a.transport = transportLocal
	case transportLocal, transportGRPC:
	default:
		err = errors.Errorf("unknown transport '%s', expect '%s' or '%s'", ac.Transport, transportLocal, transportGRPC)
		a.lg.Errorf("Failed to validate configuration [%v]", err)
		return err
	}
	a.grpcBasePort = ac.GRPCBasePort
	if a.grpcBasePort == 0 {
		a.grpcBasePort = 8088
	}

	a.repairLogDir = ac.RepairLogDir
	if a.repairLogDir == "" {
		a.repairLogDir = os.TempDir()
	}
	a.mpFraction = ac.MPFraction

	a.fragmentPeriod, err = parseDurationOr(ac.FragmentPeriod, time.Second)
	if err != nil {
		a.lg.Errorf("Failed to parse FragmentPeriod [%v]", err)
		return err
	}

	a.killPeriod, err = parseDurationOr(ac.KillPeriod, time.Second*30)
	if err != nil {
		a.lg.Errorf("Failed to parse KillPeriod [%v]", err)
		return err
	}

	a.repairTimeout, err = parseDurationOr(ac.RepairTimeout, 0)
	if err != nil {
		a.lg.Errorf("Failed to parse RepairTimeout '%s' [%v]", ac.RepairTimeout, err)
		return err
	}

	err = a.loadCatalog(&ac)
	if err != nil {
		a.lg.Errorf("Failed to load procedure classes [%v]", err)
		return err
	}

	if ac.Metrics.Endpoint != "" {

		a.metricsReg = prometheus.NewRegistry()
		a.namespace = ac.Metrics.Namespace
		handler := promhttp.HandlerFor(a.metricsReg, promhttp.HandlerOpts{})

		handlerMux := http.NewServeMux()
		handlerMux.Handle(ac.Metrics.Path, handler)
		metricServer := &http.Server{
			Addr:    ac.Metrics.Endpoint,
			Handler: handlerMux,
		}

		go func() {
			err := metricServer.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				a.lg.Errorf("Failed to serve metrics for application, cfg: '%v' [%+v]", ac.Metrics, err)
			}
		}()
	}

	return nil
}

func main() {

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGABRT)

	// Seed random generation here; partitions and hosts to disturb are picked at random.
	rand.Seed(time.Now().UnixNano())

	var a app

	flag.BoolVar(&a.debug, "debug", false, "enable debug")
	flag.StringVar(&a.cfgFile, "config", "app.json", "specify a configuration filename")
	flag.StringVar(&a.zapEncoding, "zapEncoding", "console", "specify application zap log encoding")
	flag.StringVar(&a.zapFile, "zapFile", "", "specify application zap log file (log to stderr if not set)")
	flag.Parse()

	a.run(sigChan, initiator.DefaultZapLoggerConfig())
}
