package initiator

import (
	"context"
	"sync"
	"time"

	"github.com/ccassar/initiator/internal/iv2_pb"
	"github.com/golang/protobuf/proto"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitiatorConfig is the configuration of one initiator: one replica of one partition role. It is passed in to
// MakeInitiator.
type InitiatorConfig struct {
	// Partition is the role this initiator serves; MultiPartitionID for the multi-partition coordinator.
	Partition PartitionID
	// HostID and SiteID together make up the HSID of the initiator.
	HostID int32
	SiteID int32
	// Coordinator provides elections, membership and the leader cache namespace.
	Coordinator CoordinationService
	// Bus carries envelopes to and from the other replicas.
	Bus MessageBus
	// Backend is the local site fragments are executed on.
	Backend ExecutionBackend
	// RepairLogPath is the bolt DB file backing the repair log. One file per initiator.
	RepairLogPath string
	// RepairTimeout bounds how long a repair round waits for replicas to respond. Replicas which stay silent for
	// longer are treated as failed for that round.
	RepairTimeout time.Duration
}

const defaultRepairTimeout = 2 * time.Second

// NewInitiatorConfig returns an InitiatorConfig initialised with sensible defaults where possible. Caller will need
// to set up identity, collaborators and RepairLogPath before using it in MakeInitiator.
func NewInitiatorConfig() InitiatorConfig {
	return InitiatorConfig{
		RepairTimeout: defaultRepairTimeout,
	}
}

// InitiatorConfig.validate: validates configuration presented by user. Defaults are also set if necessary.
func (cfg *InitiatorConfig) validate() error {

	if cfg.Partition < 0 || cfg.Partition > MultiPartitionID {
		return initiatorErrorf(InitiatorErrorMissingConfig,
			"partition %d out of range, expect [0, %d]", cfg.Partition, MultiPartitionID)
	}

	if cfg.HostID < 0 || cfg.SiteID < 0 {
		return initiatorErrorf(InitiatorErrorMissingConfig,
			"host id and site id must not be negative, got %d and %d", cfg.HostID, cfg.SiteID)
	}

	if cfg.Coordinator == nil || cfg.Bus == nil || cfg.Backend == nil {
		return initiatorErrorf(InitiatorErrorMissingConfig,
			"coordination service, message bus and execution backend must all be provided")
	}

	if cfg.RepairLogPath == "" {
		return initiatorErrorf(InitiatorErrorMissingConfig,
			"no RepairLogPath provided, e.g. '/var/lib/initiator/partition_0.db'")
	}

	if cfg.RepairTimeout <= 0 {
		cfg.RepairTimeout = defaultRepairTimeout
	}

	return nil
}

// ConfigureParams binds an initiator to its execution environment. See Initiator.Configure.
type ConfigureParams struct {
	Backend BackendTarget
	Catalog *CatalogContext
	// KFactor is the number of replicas beyond the leader for every partition.
	KFactor int
	// NumberOfPartitions is the number of data partitions, numbered [0, NumberOfPartitions).
	NumberOfPartitions int
}

// Initiator is the per partition (or multi-partition) orchestrator of one replica. It owns the promotion control
// loop and the mailbox through which the replica takes part in replication and repair. Public methods are safe for
// concurrent use.
type Initiator struct {
	config    *InitiatorConfig
	hsid      HSID
	partition PartitionID
	// Role specific strategies, picked when the initiator is made.
	computeTerm termStrategy
	newRepair   repairStrategy

	mailbox     *initiatorMailbox
	scheduler   *siteScheduler
	repairLog   *repairLog
	leaderCache *LeaderCache
	txnIDs      *TxnIDGenerator

	configured *atomic.Bool
	ready      *atomic.Bool
	params     ConfigureParams
	token      CandidateToken

	state     *atomic.Int32
	promoting *atomic.Bool

	repairTimeout time.Duration
	// fatalErrorFeedback feeds back fatal errors to the application.
	// Do not push into channel directly; use signalFatalError().
	fatalErrorFeedback chan error
	fatalErrorCount    *atomic.Int32
	cancelMu           sync.Mutex
	cancel             context.CancelFunc

	metricsOptions *metricsOptions
	metrics        *metricsHolder
	logger         *zap.SugaredLogger
}

// FatalErrorChannel returns an error channel which is used by the initiator to signal an unrecoverable failure
// asynchronously to the application: an unresolvable repair, an unexpected promotion failure, loss of the
// coordination service or a repair log which can no longer be persisted. When a fatal error is registered, the
// initiator stops operating and marks the Run wait group done. The application decides how to stop serving;
// typically it exits.
func (i *Initiator) FatalErrorChannel() chan error {
	return i.fatalErrorFeedback
}

func (i *Initiator) logKV() []interface{} {
	return []interface{}{
		"obj", "Initiator",
		"partition", i.partition,
		"hsid", i.hsid,
		"state", i.State(),
		"fatalErrorCount", i.fatalErrorCount.Load(),
	}
}

// signalFatalError allows package to indicate fatal error to user. If the buffered channel is full, we would just
// skip asking yet again.
func (i *Initiator) signalFatalError(err error) {

	i.fatalErrorCount.Inc()

	select {
	case i.fatalErrorFeedback <- err:
		i.logger.Errorw("initiator, signalling fatal error", append(i.logKV(), initiatorErrKeyword, err)...)
		i.cancelMu.Lock()
		if i.cancel != nil {
			i.cancel()
		}
		i.cancelMu.Unlock()
	default:
		// One fatal error is as good as many.
		i.logger.Errorw("initiator, skipped signalling fatal error, signalled already",
			append(i.logKV(), initiatorErrKeyword, err)...)
	}
}

// InitiatorOption operator, operates on initiator to manage configuration.
type InitiatorOption func(*Initiator) error

// WithLogger option is invoked by the application to provide a customised zap logger, or to disable logging. If
// logger passed in is nil, the initiator disables logging.
//
// If WithLogger generated InitiatorOption is not passed in, package uses its own configured zap logger. An
// application wishing to derive its logger from the default can fetch DefaultZapLoggerConfig(), modify it and build
// its logger through zap directly.
func WithLogger(logger *zap.Logger) InitiatorOption {
	return func(i *Initiator) error {
		if logger != nil {
			i.logger = logger.Sugar()
		} else {
			i.logger = zap.NewNop().Sugar()
		}
		return nil
	}
}

// WithMetrics option used with MakeInitiator to specify metrics registry we should count in. Detailed option
// indicates whether detailed (and more expensive) metrics are tracked. If nil is passed in for the registry, the
// default registry prometheus.DefaultRegisterer is used. The package does not set up serving metrics; that is up to
// the application. If WithMetrics is not passed in, metrics collection is disabled.
func WithMetrics(registry *prometheus.Registry, namespace string, detailed bool) InitiatorOption {
	return func(i *Initiator) error {
		i.metricsOptions = &metricsOptions{registry: registry, namespace: namespace, detailed: detailed}
		return nil
	}
}

// WithRepairTimeout overrides InitiatorConfig.RepairTimeout.
func WithRepairTimeout(timeout time.Duration) InitiatorOption {
	return func(i *Initiator) error {
		if timeout <= 0 {
			return initiatorErrorf(InitiatorErrorBadOption, "repair timeout must be positive, got %v", timeout)
		}
		i.repairTimeout = timeout
		return nil
	}
}

// MakeInitiator builds an initiator according to configuration provided. The repair log is opened and the mailbox
// registered on the bus straight away, so the replica takes part in replication and repair rounds of other
// replicas from here on. Configure must be called next, then Run.
//
// MakeInitiator also accepts logging, metrics and repair timeout options (see WithLogger, WithMetrics and
// WithRepairTimeout).
func MakeInitiator(cfg InitiatorConfig, opts ...InitiatorOption) (*Initiator, error) {

	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	i := &Initiator{
		config:        &cfg,
		hsid:          MakeHSID(cfg.HostID, cfg.SiteID),
		partition:     cfg.Partition,
		configured:    atomic.NewBool(false),
		ready:         atomic.NewBool(false),
		state:         atomic.NewInt32(int32(StateUnpromoted)),
		promoting:     atomic.NewBool(false),
		repairTimeout: cfg.RepairTimeout,
		// A single fatal error is sufficient to do the job.
		fatalErrorFeedback: make(chan error, 1),
		fatalErrorCount:    atomic.NewInt32(0),
	}

	if i.partition == MultiPartitionID {
		i.computeTerm, i.newRepair = computeMpTerm, newMpRepairAlgo
	} else {
		i.computeTerm, i.newRepair = computeSpTerm, newSpRepairAlgo
	}

	for _, opt := range opts {
		err := opt(i)
		if err != nil {
			// It is too early and logging may not be setup yet. Simply return error.
			return nil, initiatorErrorf(InitiatorErrorBadOption, "applied option err [%v]", err)
		}
	}

	err = initLogging(i)
	if err != nil {
		return nil, initiatorErrorf(err, "init logging failed")
	}

	if i.metricsOptions != nil {
		i.metrics = initMetrics(i.metricsOptions, i.partition, i.hsid)
	}

	i.repairLog, err = openRepairLog(cfg.RepairLogPath, i.hsid, i.logger, i.signalFatalError)
	if err != nil {
		return nil, err
	}

	i.txnIDs = NewTxnIDGenerator(i.partition)
	i.scheduler = newSiteScheduler(i.partition, cfg.Backend, i.logger)
	i.mailbox = newInitiatorMailbox(
		i.hsid, i.partition, cfg.Bus, i.repairLog, i.scheduler, i.txnIDs, i.metrics, i.logger)
	i.leaderCache = NewLeaderCache(cfg.Coordinator, i.logger.Desugar())

	err = cfg.Bus.Register(i.hsid, i.mailbox)
	if err != nil {
		i.logger.Errorw("initiator, failed to register mailbox", append(i.logKV(), initiatorErrKeyword, err)...)
		_ = i.repairLog.close()
		return nil, err
	}

	i.metrics.setState(StateUnpromoted)
	i.logger.Infow("initiator, made (logging can be customised or disabled using WithLogger option)", i.logKV()...)

	return i, nil
}

// Configure binds the initiator to its execution backend and catalog, and registers it as a candidate in the
// election directory of its partition. Configure must complete before any promotion is attempted and may only
// succeed once. Coordination service errors are returned, not retried; Configure may be called again after a
// failure.
//
// The multi-partition coordinator never runs an IPC engine; IPC backend targets are replaced with NativeEEJNI.
func (i *Initiator) Configure(ctx context.Context, params ConfigureParams) error {

	if err := ctx.Err(); err != nil {
		return initiatorErrorf(err, "configure aborted")
	}

	if i.partition == MultiPartitionID && params.NumberOfPartitions <= 0 {
		return initiatorErrorf(InitiatorErrorMissingConfig,
			"multi-partition initiator needs NumberOfPartitions, got %d", params.NumberOfPartitions)
	}

	if !i.configured.CAS(false, true) {
		return initiatorErrorf(InitiatorErrorAlreadyConfigured, "configure %s", i.hsid)
	}

	requested := params.Backend
	params.Backend = backendForRole(i.partition, requested)
	if params.Backend != requested {
		i.logger.Infow("initiator, multi-partition coordinator replaces IPC backend",
			append(i.logKV(), "requested", requested, "backend", params.Backend)...)
	}
	i.params = params

	previous, err := i.repairLog.loadLeaderState()
	if err != nil {
		i.configured.Store(false)
		return err
	}
	if previous != nil {
		i.txnIDs.AdvancePast(TxnID(previous.ResumeTxnId))
		i.logger.Infow("initiator, recovered leader state from previous leadership",
			append(i.logKV(), "resume", TxnID(previous.ResumeTxnId))...)
	}

	i.token, err = i.config.Coordinator.RegisterCandidate(i.partition, i.hsid)
	if err != nil {
		err = initiatorErrorf(err, "register as candidate")
		i.logger.Errorw("initiator, configure failed", append(i.logKV(), initiatorErrKeyword, err)...)
		// Nothing was registered; the caller may try again.
		i.configured.Store(false)
		return err
	}

	i.ready.Store(true)
	i.logger.Infow("initiator, configured",
		append(i.logKV(), "backend", params.Backend, "kfactor", params.KFactor,
			"partitions", params.NumberOfPartitions, "election", i.token.Path)...)

	return nil
}

// Run starts the initiator: it watches the election of its partition and accepts promotion when it becomes
// leader-elect, and it runs the site scheduler.
//
// Context can be cancelled to signal exit. WaitGroup wg should have 1 added to it prior to calling Run and should be
// waited on by the caller before exiting following cancellation. Whether Run returns successfully or not, WaitGroup
// will be marked Done() by the time the initiator has cleaned up.
//
// If a fatal error is encountered this will be signalled over the channel returned by FatalErrorChannel. As in the
// normal shutdown case, following receipt of a fatal error, caller should cancel context and wait for wait group.
func (i *Initiator) Run(ctx context.Context, wg *sync.WaitGroup) error {

	if !i.ready.Load() {
		wg.Done()
		return initiatorErrorf(InitiatorErrorNotConfigured, "run %s", i.hsid)
	}

	// Our own root context lets fatal errors stop everything without waiting on the owner.
	rootCtx, cancel := context.WithCancel(context.Background())
	i.cancelMu.Lock()
	i.cancel = cancel
	i.cancelMu.Unlock()

	notifications, err := i.config.Coordinator.WatchLeader(rootCtx, i.token)
	if err != nil {
		cancel()
		err = initiatorErrorf(err, "watch leader election")
		i.logger.Errorw("initiator, run failed", append(i.logKV(), initiatorErrKeyword, err)...)
		i.shutdown()
		wg.Done()
		return err
	}

	var rootWg sync.WaitGroup
	rootWg.Add(2)
	go i.scheduler.run(rootCtx, &rootWg)
	go i.run(rootCtx, &rootWg, notifications)

	go func() {

		select {
		case <-rootCtx.Done():
			i.logger.Infow("initiator, internal shutdown triggered", i.logKV()...)
		case <-ctx.Done():
			i.logger.Infow("initiator, owner is requesting a shutdown", i.logKV()...)
		}

		cancel()
		rootWg.Wait()
		i.shutdown()
		// flush the logger to make sure we get all the logs
		_ = i.logger.Sync()
		wg.Done()
	}()

	return nil
}

func (i *Initiator) shutdown() {
	i.config.Bus.Unregister(i.hsid)
	if i.mailbox.isLeader() {
		i.metrics.demoted()
	}
	if err := i.repairLog.close(); err != nil {
		i.logger.Errorw("initiator, shutdown", append(i.logKV(), initiatorErrKeyword, err)...)
	}
}

// HSID returns the identity of this initiator's mailbox.
func (i *Initiator) HSID() HSID {
	return i.hsid
}

// Partition returns the role this initiator serves.
func (i *Initiator) Partition() PartitionID {
	return i.partition
}

// IsRejoinable reports whether a failed replica of this role is brought back by copying data from a surviving one.
// The multi-partition coordinator carries no user data; it is always replaced through promotion.
func (i *Initiator) IsRejoinable() bool {
	return i.partition != MultiPartitionID
}

// Backend returns the backend target picked at Configure.
func (i *Initiator) Backend() BackendTarget {
	return i.params.Backend
}

// UpdateCatalog applies a catalog diff to the local site.
//
// For the multi-partition coordinator this runs on the goroutine of some other local site, not the coordinator's
// own scheduler, and without snapshot isolation: the coordinator has no snapshot of its own. It takes no lock. The
// coordinator's site is blocked in the every-partition task carrying the update for the duration, so nothing else
// reads its catalog in that window. Do not call it for the multi-partition role from anywhere else.
func (i *Initiator) UpdateCatalog(diff string, catalog *CatalogContext, requiresSnapshotIsolation bool) error {

	if i.partition == MultiPartitionID {
		requiresSnapshotIsolation = false
	}

	err := i.config.Backend.UpdateCatalog(diff, catalog, requiresSnapshotIsolation)
	if err != nil {
		err = initiatorErrorf(err, "update catalog")
		i.logger.Errorw("initiator, catalog update failed", append(i.logKV(), initiatorErrKeyword, err)...)
		return err
	}

	version := int64(0)
	if catalog != nil {
		version = catalog.Version
	}
	i.logger.Debugw("initiator, catalog updated",
		append(i.logKV(), "version", version, "snapshotIsolation", requiresSnapshotIsolation)...)
	return nil
}

// EnableFaultLog turns on the fault log: a dedicated logger named "faultlog" recording every repair round,
// decision and restarted transaction.
func (i *Initiator) EnableFaultLog() {
	i.mailbox.enableFaultLog(i.logger.Named("faultlog"))
	i.logger.Infow("initiator, fault log enabled", i.logKV()...)
}

// Deliver hands a transaction fragment to this initiator. A leader assigns a transaction id if the fragment carries
// none, records it, replicates it and schedules it. Before leadership is established the fragment is queued, not
// dropped.
func (i *Initiator) Deliver(task *iv2_pb.InitiateTask) {
	if task == nil {
		return
	}
	i.mailbox.handleFragment(proto.Clone(task).(*iv2_pb.InitiateTask))
}

// CompleteTransaction is called by the execution backend once a transaction has completed on the local site.
func (i *Initiator) CompleteTransaction(txnID TxnID) {
	i.mailbox.completeTransaction(txnID)
}

// LastTxnID returns the most recent transaction id handed out (or resumed past) by this initiator.
func (i *Initiator) LastTxnID() TxnID {
	return i.txnIDs.Last()
}

// DefaultZapLoggerConfig provides a production logger configuration (logs Info and above, JSON to stderr, with
// stacktrace, caller and sampling disabled) which can be customised by application to produce its own logger based
// on the initiator configuration. Any logger provided by the application will also have its name extended by the
// package; e.g. if the application log is named "foo", the initiator logs are labelled "foo.initiator".
func DefaultZapLoggerConfig() zap.Config {

	lcfg := zap.NewProductionConfig()
	lcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lcfg.DisableStacktrace = false
	lcfg.DisableCaller = true
	lcfg.Sampling = nil

	return lcfg
}

// initLogging ensures that i.logger points at something even if it is pointing to a noop logger.
func initLogging(i *Initiator) error {

	if i.logger == nil {
		logger, err := DefaultZapLoggerConfig().Build()
		if err != nil {
			return initiatorErrorf(err, "failed to set up logging")
		}
		i.logger = logger.Sugar()
	}

	// We must, absolutely must, never return without a logger and without an error.
	if i.logger == nil {
		return initiatorErrorf(
			InitiatorErrorMissingLogger, "tried to set up a logger, but failed, zap did not indicate why")
	}

	i.logger = i.logger.Named("initiator")

	return nil
}
