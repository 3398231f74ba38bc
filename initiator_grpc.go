package initiator

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ccassar/initiator/internal/iv2_pb"
	"github.com/cenkalti/backoff"
	"github.com/golang/protobuf/proto"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

const defaultInactivityTriggeredPingSeconds = 1
const defaultTimeoutAfterPingSeconds = 1
const defaultClientEventDepth = 256
const defaultRPCTimeout = time.Second

// GRPCBusConfig configures a GRPCBus: the message bus of one host, carrying envelopes to the other hosts of the
// cluster over gRPC. Endpoints (mailboxes) on the local host are reached without leaving the process.
type GRPCBusConfig struct {
	// LocalHostID is the host id of this process. Every HSID whose host part matches is local.
	LocalHostID int32
	// Hosts maps every host id in the cluster, including the local one, to its address in the form address:port.
	Hosts map[int32]string
	// ClientDialOptionsFn provides the dial options used to connect to a remote host. It decides, for example,
	// whether to use TLS. The bus does not default to insecure; grpc.WithInsecure() must be requested explicitly.
	ClientDialOptionsFn func(local, remote string) []grpc.DialOption
	// ServerOptionsFn provides server side options, merged over (and overriding) the defaults.
	ServerOptionsFn func(local string) []grpc.ServerOption
	// ClientEventDepth is the depth of the queue of envelopes per remote host. Envelopes beyond are dropped.
	ClientEventDepth int32
	// RPCTimeout bounds each Deliver call.
	RPCTimeout time.Duration
	// GRPCLogToZap redirects gRPC and middleware logging to the zap log. Noisy.
	GRPCLogToZap bool
}

func (cfg *GRPCBusConfig) validate() error {

	if _, ok := cfg.Hosts[cfg.LocalHostID]; !ok {
		return initiatorErrorf(InitiatorErrorServerNotSetup,
			"local host %d has no address in Hosts %v", cfg.LocalHostID, cfg.Hosts)
	}

	if cfg.ClientDialOptionsFn == nil {
		return initiatorErrorf(InitiatorErrorMissingConfig,
			"no dial options method is provided in ClientDialOptionsFn, either TLS or grpc.WithInsecure() "+
				"option must be provided")
	}

	if cfg.ClientEventDepth == 0 {
		cfg.ClientEventDepth = defaultClientEventDepth
	}

	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = defaultRPCTimeout
	}

	return nil
}

// mailboxServer implements the mailbox gRPC service, server side.
type mailboxServer struct {
	bus *GRPCBus
	// The TCP listener used to register the server.
	localListener net.Listener
	localAddr     string
	grpcServer    *grpc.Server
}

// Deliver hands an inbound envelope to the local endpoint it is addressed to.
func (s *mailboxServer) Deliver(ctx context.Context, env *iv2_pb.Envelope) (*iv2_pb.DeliverReply, error) {

	if ctx.Err() != nil {
		return nil, status.Errorf(codes.Aborted, "host shutting down")
	}

	dest := HSID(env.GetDestHsid())
	if dest.HostID() != s.bus.config.LocalHostID {
		return &iv2_pb.DeliverReply{Ack: false}, nil
	}

	s.bus.local.Send([]HSID{dest}, env)
	return &iv2_pb.DeliverReply{Ack: true}, nil
}

func (s *mailboxServer) logKV() []interface{} {
	return []interface{}{"obj", "mailboxServer", "address", s.localAddr}
}

func (s *mailboxServer) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	b := s.bus
	unaryInterceptorChain := []grpc.UnaryServerInterceptor{
		grpc_ctxtags.UnaryServerInterceptor(),
	}

	if b.config.GRPCLogToZap {
		unaryInterceptorChain = append(unaryInterceptorChain,
			grpc_zap.UnaryServerInterceptor(
				b.logger.Named("GRPC_S").Desugar(),
				// All results are forced to debug level
				grpc_zap.WithLevels(func(code codes.Code) zapcore.Level { return zapcore.DebugLevel })))
	}

	if b.serverUnaryInterceptorForMetrics != nil {
		unaryInterceptorChain = append(unaryInterceptorChain, b.serverUnaryInterceptorForMetrics)
	}

	// Default server side options are aggressive and assume good connectivity between hosts.
	options := []grpc.ServerOption{
		grpc.MaxConcurrentStreams(100),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    time.Second * defaultInactivityTriggeredPingSeconds,
			Timeout: time.Second * defaultTimeoutAfterPingSeconds,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 2,
			PermitWithoutStream: true,
		}),
		grpc_middleware.WithUnaryServerChain(unaryInterceptorChain...),
	}

	if b.config.ServerOptionsFn != nil {
		options = append(options, b.config.ServerOptionsFn(s.localAddr)...)
	}

	s.grpcServer = grpc.NewServer(options...)
	iv2_pb.RegisterMailboxServiceServer(s.grpcServer, s)

	b.logger.Debugw("grpc bus, server starting up", s.logKV()...)

	go func() {
		<-ctx.Done()
		b.logger.Debugw("grpc bus, server graceful shut down requested", s.logKV()...)
		s.grpcServer.GracefulStop()
	}()

	err := s.grpcServer.Serve(s.localListener)
	if err != nil {
		err = initiatorErrorf(err, "gRPC server stopped serving")
		b.logger.Errorw("grpc bus, server shut down unexpectedly", append(s.logKV(), initiatorErrKeyword, err)...)
	} else {
		b.logger.Debugw("grpc bus, server shut down gracefully", s.logKV()...)
	}
}

// mailboxClient offloads blocking gRPC calls to one remote host. It is fed envelopes through a flushable event
// channel.
type mailboxClient struct {
	bus           *GRPCBus
	hostID        int32
	remoteAddress string
	grpcClient    iv2_pb.MailboxServiceClient
	eventChan     flushableEventChannel
}

func (c *mailboxClient) logKV() []interface{} {
	return []interface{}{"obj", "mailboxClient", "remoteHost", c.hostID, "address", c.remoteAddress}
}

// run maintains the gRPC client connection to the remote host and pushes envelopes posted to it.
func (c *mailboxClient) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	b := c.bus
	b.logger.Debugw("grpc bus, remote host client start running", c.logKV()...)

	unaryInterceptorChain := []grpc.UnaryClientInterceptor{}
	if b.config.GRPCLogToZap {
		unaryInterceptorChain = append(unaryInterceptorChain,
			grpc_zap.UnaryClientInterceptor(
				b.logger.Named("GRPC_C").Desugar(),
				grpc_zap.WithLevels(func(code codes.Code) zapcore.Level { return zapcore.DebugLevel })))
	}

	if b.clientUnaryInterceptorForMetrics != nil {
		unaryInterceptorChain = append(unaryInterceptorChain, b.clientUnaryInterceptorForMetrics)
	}

	// Our options go first so that client provided options override them.
	options := []grpc.DialOption{
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    time.Second * defaultInactivityTriggeredPingSeconds,
			Timeout: time.Second * defaultTimeoutAfterPingSeconds,
		}),
		grpc.WithUnaryInterceptor(grpc_middleware.ChainUnaryClient(unaryInterceptorChain...))}

	options = append(options, b.config.ClientDialOptionsFn(b.server.localAddr, c.remoteAddress)...)

	conn, err := grpc.DialContext(ctx, c.remoteAddress, options...)
	if err != nil {
		if ctx.Err() == nil {
			// Not a shutdown, and not transient: the options make it impossible to connect.
			b.logger.Errorw("grpc bus, remote host client aborting", append(c.logKV(), initiatorErrKeyword, err)...)
			b.signalFatalError(initiatorErrorf(
				InitiatorErrorClientConnectionUnrecoverable, "grpc client connection to host %d, err [%v]",
				c.hostID, err))
		}
		return
	}

	defer func() { _ = conn.Close() }()

	b.logger.Debugw("grpc bus, remote host client connected",
		append(c.logKV(), "connState", conn.GetState().String())...)
	c.grpcClient = iv2_pb.NewMailboxServiceClient(conn)

	for {
		select {
		case e := <-c.eventChan.channel:
			e.handle(ctx)

		case <-ctx.Done():
			b.logger.Debugw("grpc bus, remote host client shutting down", c.logKV()...)
			return
		}
	}
}

// GRPCBus is a MessageBus spanning hosts. Envelopes to local endpoints are handed over in process; envelopes to
// other hosts are queued for the client goroutine of that host and pushed with the MailboxService Deliver RPC.
// Like every MessageBus, it is fire-and-forget: an envelope which can not be queued or delivered is dropped and
// counted.
type GRPCBus struct {
	config  *GRPCBusConfig
	local   *LocalBus
	server  *mailboxServer
	clients    map[int32]*mailboxClient
	dropped    *atomic.Int64
	overflowed *atomic.Int64
	running    *atomic.Bool
	// fatalErrorFeedback is one deep; one fatal error is as good as many.
	fatalErrorFeedback chan error
	//
	// Metrics interceptors...
	clientUnaryInterceptorForMetrics grpc.UnaryClientInterceptor
	serverUnaryInterceptorForMetrics grpc.UnaryServerInterceptor
	logger                           *zap.SugaredLogger
}

// NewGRPCBus acquires the local listener and sets up (without starting) a client per remote host. A nil registry
// disables gRPC metrics; detailed adds handling time histograms. A nil logger disables logging.
func NewGRPCBus(cfg GRPCBusConfig, logger *zap.Logger, registry *prometheus.Registry, detailed bool) (*GRPCBus, error) {

	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	b := &GRPCBus{
		config:             &cfg,
		local:              NewLocalBus(logger, 0),
		clients:            map[int32]*mailboxClient{},
		dropped:            atomic.NewInt64(0),
		overflowed:         atomic.NewInt64(0),
		running:            atomic.NewBool(false),
		fatalErrorFeedback: make(chan error, 1),
		logger:             logger.Sugar().Named("grpcbus"),
	}

	if cfg.GRPCLogToZap {
		grpc_zap.ReplaceGrpcLogger(logger.Named("grpc"))
	}

	if registry != nil {
		cm := grpc_prometheus.NewClientMetrics()
		sm := grpc_prometheus.NewServerMetrics()
		if detailed {
			cm.EnableClientHandlingTimeHistogram()
			sm.EnableHandlingTimeHistogram()
		}
		registry.MustRegister(cm, sm)
		b.clientUnaryInterceptorForMetrics = cm.UnaryClientInterceptor()
		b.serverUnaryInterceptorForMetrics = sm.UnaryServerInterceptor()
	}

	localAddr := cfg.Hosts[cfg.LocalHostID]
	var listener net.Listener
	err = backoff.Retry(
		func() error {
			var err error
			listener, err = net.Listen("tcp", localAddr)
			return err
		},
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3),
	)
	if err != nil {
		err = initiatorErrorf(err, "failed to acquire local TCP socket %s for gRPC", localAddr)
		b.logger.Errorw("grpc bus, setup failed (some other application or previous instance still using socket?)",
			initiatorErrKeyword, err)
		return nil, err
	}
	b.server = &mailboxServer{bus: b, localListener: listener, localAddr: localAddr}

	for hostID, addr := range cfg.Hosts {
		if hostID == cfg.LocalHostID {
			continue
		}
		b.clients[hostID] = &mailboxClient{
			bus:           b,
			hostID:        hostID,
			remoteAddress: addr,
			eventChan:     newFlushableEventChannel(cfg.ClientEventDepth),
		}
	}

	b.logger.Debugw("grpc bus, set up", append(b.server.logKV(), "remoteHosts", len(b.clients))...)

	return b, nil
}

// FatalErrorChannel returns the channel on which the bus signals unrecoverable client connection failures.
func (b *GRPCBus) FatalErrorChannel() chan error {
	return b.fatalErrorFeedback
}

func (b *GRPCBus) signalFatalError(err error) {
	select {
	case b.fatalErrorFeedback <- err:
		b.logger.Errorw("grpc bus, signalling fatal error", initiatorErrKeyword, err)
	default:
	}
}

// Run starts the server and the remote host clients. wg should have 1 added prior to calling Run; every goroutine
// started marks it done on exit, once ctx is cancelled.
func (b *GRPCBus) Run(ctx context.Context, wg *sync.WaitGroup) {

	defer wg.Done()

	b.running.Store(true)
	for _, client := range b.clients {
		wg.Add(1)
		go client.run(ctx, wg)
	}

	wg.Add(1)
	go b.server.run(ctx, wg)
}

// Register implements MessageBus for endpoints on the local host.
func (b *GRPCBus) Register(hsid HSID, endpoint Endpoint) error {
	if hsid.HostID() != b.config.LocalHostID {
		return initiatorErrorf(InitiatorErrorUnknownEndpoint,
			"register %s, host is not local host %d", hsid, b.config.LocalHostID)
	}
	return b.local.Register(hsid, endpoint)
}

// Unregister implements MessageBus.
func (b *GRPCBus) Unregister(hsid HSID) {
	b.local.Unregister(hsid)
}

// Send implements MessageBus.
func (b *GRPCBus) Send(to []HSID, env *iv2_pb.Envelope) {

	for _, hsid := range to {
		hostID := hsid.HostID()
		if hostID == b.config.LocalHostID {
			b.local.Send([]HSID{hsid}, env)
			continue
		}

		client, ok := b.clients[hostID]
		if !ok {
			b.dropped.Inc()
			b.logger.Debugw("grpc bus, dropped envelope to unknown host", "to", hsid, "kind", env.Kind)
			continue
		}

		copied := proto.Clone(env).(*iv2_pb.Envelope)
		copied.DestHsid = int64(hsid)
		if !client.eventChan.postMessage(&deliverEvent{client: client, env: copied}) {
			b.dropped.Inc()
			b.overflowed.Inc()
			b.logger.Debugw("grpc bus, queue to remote host full, dropped envelope",
				append(client.logKV(), "to", hsid, "kind", env.Kind)...)
		}
	}
}

// FlushHost discards every envelope queued for a remote host; typically once the host is known to have failed.
func (b *GRPCBus) FlushHost(ctx context.Context, hostID int32) error {
	client, ok := b.clients[hostID]
	if !ok {
		return initiatorErrorf(InitiatorErrorUnknownEndpoint, "flush host %d", hostID)
	}
	client.eventChan.postMessageWithFlush(ctx, &hostFlushedEvent{client: client})
	return nil
}

// Dropped returns the number of envelopes dropped, locally or on the way to remote hosts.
func (b *GRPCBus) Dropped() int64 {
	return b.dropped.Load() + b.local.Dropped()
}

// Overflowed returns the number of envelopes dropped because a queue, local or to a remote host, was full.
func (b *GRPCBus) Overflowed() int64 {
	return b.overflowed.Load() + b.local.Overflowed()
}

// LocalAddr returns the address the bus is serving on.
func (b *GRPCBus) LocalAddr() string {
	return b.server.localAddr
}

// Close releases the bus if it was never run, and unregisters every local endpoint. A bus which was run is released
// by cancelling the context passed to Run.
func (b *GRPCBus) Close() error {
	b.local.Close()
	if !b.running.Load() {
		if err := b.server.localListener.Close(); err != nil {
			return initiatorErrorf(err, "close listener %s", b.server.localAddr)
		}
	}
	return nil
}
