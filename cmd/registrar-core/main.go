package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/asterisk/pjsipcore/internal/banner"
	"github.com/asterisk/pjsipcore/internal/config"
	"github.com/asterisk/pjsipcore/internal/core/availability"
	"github.com/asterisk/pjsipcore/internal/core/configstore"
	"github.com/asterisk/pjsipcore/internal/core/distributor"
	"github.com/asterisk/pjsipcore/internal/core/headers"
	"github.com/asterisk/pjsipcore/internal/core/identify"
	"github.com/asterisk/pjsipcore/internal/core/management"
	"github.com/asterisk/pjsipcore/internal/core/model"
	"github.com/asterisk/pjsipcore/internal/core/msgfilter"
	"github.com/asterisk/pjsipcore/internal/core/outbound"
	"github.com/asterisk/pjsipcore/internal/core/registrar"
	"github.com/asterisk/pjsipcore/internal/core/serializer"
	"github.com/asterisk/pjsipcore/internal/core/store"
	"github.com/asterisk/pjsipcore/internal/core/telemetry"
	"github.com/asterisk/pjsipcore/internal/core/transportmon"
	"github.com/asterisk/pjsipcore/internal/logger"
)

// core wires every L0-L4 subsystem into a runnable SIP registrar
// process (spec.md §2 Layered design).
type core struct {
	cfg *config.Config

	ua  *sipgo.UserAgent
	srv *sipgo.Server
	uac *sipgo.Client

	configStore  *configstore.Store
	serializers  *serializer.Registry
	contacts     *store.ContactStore
	statuses     *store.ContactStatusTable
	headers      *headers.Injector
	filter       *msgfilter.Filter
	transport    *transportmon.Monitor
	registrar    *registrar.Registrar
	outbound     *outbound.Manager
	availability *availability.Engine
	distributor  *distributor.Distributor
	management   *management.View
	shutdown     *serializer.ShutdownGroup

	pruneTicker *time.Ticker
	pruneDone   chan struct{}

	grpcServer *grpc.Server
	healthSrv  *health.Server
}

func main() {
	cfg := config.Load()
	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("pjsipcore registrar", []banner.ConfigLine{
		{Label: "Bind", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)},
		{Label: "Advertise", Value: cfg.AdvertiseAddr},
		{Label: "Transport", Value: cfg.TransportName},
		{Label: "Config", Value: cfg.ConfigPath},
		{Label: "Partitions", Value: fmt.Sprintf("%d", cfg.PartitionCount)},
	})

	c, err := newCore(cfg)
	if err != nil {
		slog.Error("failed to initialize registrar core", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	run(c)
}

// newCore builds every subsystem and wires them together, but does not
// start listening yet (see (*core).Start).
func newCore(cfg *config.Config) (*core, error) {
	cs, err := configstore.NewWithDefaults(cfg.ConfigPath, configstore.Defaults{
		QualifyFrequency:  cfg.DefaultQualifyFrequency,
		QualifyTimeout:    cfg.DefaultQualifyTimeout,
		MinimumExpiration: cfg.DefaultMinExpiration,
		MaximumExpiration: cfg.DefaultMaxExpiration,
	})
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("creating user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating client: %w", err)
	}

	serializers := serializer.NewRegistry(cfg.PartitionCount)
	contacts := store.NewContactStore()
	statuses := store.NewContactStatusTable()
	tel := telemetry.NoOp{}
	transport := transportmon.New()

	outboundMgr := outbound.NewManager(serializers, transport, tel)
	outboundMgr.NewClient = func(regCfg *model.OutboundRegistration) (outbound.Client, error) {
		return outbound.NewSipgoClient(uac), nil
	}

	// aorOptions and compositors are the runtime twins of the
	// configured AORs/endpoints (spec.md §3 Invariants): built once so
	// the compositor set attached to each AOR persists across qualify
	// cycles instead of being rebuilt empty on every lookup.
	aorOptions := make(map[string]*model.AorOptions)
	for id, aor := range cs.Aors() {
		aorOptions[id] = model.NewAorOptions(aor)
	}
	for id, ep := range cs.Endpoints() {
		comp := model.NewCompositor(id)
		for _, aorName := range ep.AORs {
			if opts, ok := aorOptions[aorName]; ok {
				opts.AddCompositor(comp)
			}
		}
	}

	pinger := availability.NewSipPinger(outbound.NewSipgoOptionsClient(uac))
	avail := availability.NewEngine(contacts, statuses, serializers, tel, pinger)
	avail.AOR = func(name string) (*model.AOR, *model.AorOptions, bool) {
		aor, ok := cs.Aors()[name]
		if !ok {
			return nil, nil, false
		}
		opts, ok := aorOptions[name]
		if !ok {
			opts = model.NewAorOptions(aor)
			aorOptions[name] = opts
		}
		return aor, opts, true
	}

	reg := &registrar.Registrar{
		Contacts:    contacts,
		Statuses:    statuses,
		Serializers: serializers,
		Telemetry:   tel,
		InstanceID:  cfg.AdvertiseAddr,
		OnContactChanged: func(aorName string) {
			avail.Schedule(aorName)
		},
	}

	chain := identify.NewChain(
		&identify.ByIP{Rules: cs.IdentifyRules},
		&identify.ByUsername{Endpoints: cs.Endpoints},
		&identify.ByLine{EndpointForLine: outboundMgr.EndpointForLine},
	)
	unidentified := identify.NewUnidentified(10, time.Minute, time.Now)

	dist := distributor.New(serializers, chain, distributor.AllowAll{})
	dist.Unidentified = unidentified
	dist.HighWaterMark = cfg.HighWaterMark

	mgmt := &management.View{
		Management: serializers.ManagementSerializer(),
		Endpoints:  cs.Endpoints,
		Aors:       cs.Aors,
		Contacts:   contacts,
		Statuses:   statuses,
		Outbound:   outboundMgr,
		Qualifier:  avail,
		RemoveContact: func(aorName, contactID string) {
			contacts.Delete(contactID)
			statuses.Remove(contactID)
		},
	}

	c := &core{
		cfg:          cfg,
		ua:           ua,
		srv:          srv,
		uac:          uac,
		configStore:  cs,
		serializers:  serializers,
		contacts:     contacts,
		statuses:     statuses,
		headers:      headers.New(),
		filter:       msgfilter.New(),
		transport:    transport,
		registrar:    reg,
		outbound:     outboundMgr,
		availability: avail,
		distributor:  dist,
		management:   mgmt,
		shutdown:     serializer.NewShutdownGroup(),
	}

	dist.Handlers = map[sip.RequestMethod]distributor.MethodHandler{
		sip.REGISTER: c.handleRegister,
		sip.OPTIONS:  c.handleOptions,
	}

	for _, s := range serializers.All() {
		c.shutdown.Track(s)
	}

	for id, regCfg := range cs.Registrations() {
		if err := outboundMgr.Start(regCfg); err != nil {
			slog.Error("failed to start outbound registration", "id", id, "error", err)
		}
	}
	for name := range cs.Aors() {
		avail.Schedule(name)
	}

	pruneSerializer := serializers.PruneSerializer()
	pruneSerializer.Push(func(ctx context.Context) {
		removed := contacts.PruneOnBoot(cfg.AdvertiseAddr)
		for _, id := range removed {
			statuses.Remove(id)
		}
		if len(removed) > 0 {
			slog.Info("pruned stale contacts from a prior instance on boot", "count", len(removed))
		}
	})
	c.pruneTicker = time.NewTicker(cfg.PruneInterval)
	c.pruneDone = make(chan struct{})
	go func() {
		for {
			select {
			case <-c.pruneTicker.C:
				pruneSerializer.Push(func(ctx context.Context) {
					now := time.Now()
					for name := range cs.Aors() {
						removed := contacts.PruneExpired(name, now)
						for _, id := range removed {
							statuses.Remove(id)
						}
					}
				})
			case <-c.pruneDone:
				return
			}
		}
	}()

	if cfg.ManagementGRPCAddr != "" {
		c.healthSrv = health.NewServer()
		c.healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		c.grpcServer = grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(c.grpcServer, c.healthSrv)
	}

	return c, nil
}

// Start binds the SIP transport and, if configured, the management
// gRPC health listener. It blocks until ctx is canceled.
func (c *core) Start(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", c.cfg.BindAddr, c.cfg.Port)
	slog.Info("starting SIP transport", "addr", listenAddr, "transport", c.cfg.TransportName)

	if c.grpcServer != nil {
		lis, err := net.Listen("tcp", c.cfg.ManagementGRPCAddr)
		if err != nil {
			return fmt.Errorf("binding management gRPC listener: %w", err)
		}
		go func() {
			if err := c.grpcServer.Serve(lis); err != nil {
				slog.Error("management gRPC server stopped", "error", err)
			}
		}()
		slog.Info("management gRPC health service listening", "addr", c.cfg.ManagementGRPCAddr)
	}

	return c.srv.ListenAndServe(ctx, "udp", listenAddr)
}

// handleRegister resolves the target AOR from the Request-URI user part
// (the conventional one-AOR-per-endpoint naming this module assumes)
// and applies the REGISTER through the registrar.
func (c *core) handleRegister(req *sip.Request, tx distributor.Responder, endpointID string) {
	c.headers.ApplyToRequest(req)

	if err := c.filter.SanitizeInbound(req); err != nil {
		resp := sip.NewResponseFromRequest(req, sip.StatusCode(416), err.Error(), nil)
		c.headers.ApplyToResponse(resp)
		_ = tx.Respond(resp)
		return
	}

	ep, ok := c.configStore.Endpoints()[endpointID]
	if !ok {
		resp := sip.NewResponseFromRequest(req, sip.StatusCode(404), "Not Found", nil)
		_ = tx.Respond(resp)
		return
	}

	aorName := req.Recipient.User
	aor, ok := c.configStore.Aors()[aorName]
	if !ok {
		resp := sip.NewResponseFromRequest(req, sip.StatusCode(404), "Not Found", nil)
		_ = tx.Respond(resp)
		return
	}

	if err := c.registrar.HandleRegister(req, tx, ep, aorName, aor); err != nil {
		slog.Error("REGISTER failed", "endpoint", endpointID, "aor", aorName, "error", err)
	}
}

// handleOptions answers an in-dialog-less OPTIONS (a peer's own
// liveness probe, distinct from this module's outbound qualify pinger)
// with a plain 200 OK.
func (c *core) handleOptions(req *sip.Request, tx distributor.Responder, _ string) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	c.headers.ApplyToResponse(resp)
	_ = tx.Respond(resp)
}

// Close tears down every subsystem in reverse dependency order.
func (c *core) Close() {
	if c.pruneTicker != nil {
		c.pruneTicker.Stop()
		close(c.pruneDone)
	}

	if c.grpcServer != nil {
		c.grpcServer.GracefulStop()
	}

	for id := range c.configStore.Registrations() {
		c.outbound.Stop(id)
	}
	for name := range c.configStore.Aors() {
		c.availability.Unschedule(name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped := c.shutdown.Join(ctx, 5*time.Second)
	slog.Info("serializers drained on shutdown", "count", stopped)

	if c.ua != nil {
		c.ua.Close()
	}
}

func run(c *core) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := c.Start(ctx); err != nil && ctx.Err() == nil {
			slog.Error("SIP server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(500 * time.Millisecond)
}
