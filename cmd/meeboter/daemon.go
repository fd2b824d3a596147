package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	ecssvc "github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/meeboter/meeboter/internal/api"
	"github.com/meeboter/meeboter/internal/config"
	"github.com/meeboter/meeboter/internal/coolify"
	"github.com/meeboter/meeboter/internal/gate"
	"github.com/meeboter/meeboter/internal/intake"
	"github.com/meeboter/meeboter/internal/logging"
	"github.com/meeboter/meeboter/internal/metrics"
	"github.com/meeboter/meeboter/internal/monitor"
	"github.com/meeboter/meeboter/internal/orchestrator"
	"github.com/meeboter/meeboter/internal/platform"
	ecsadapter "github.com/meeboter/meeboter/internal/platform/ecs"
	k8sadapter "github.com/meeboter/meeboter/internal/platform/k8s"
	localadapter "github.com/meeboter/meeboter/internal/platform/local"
	pooladapter "github.com/meeboter/meeboter/internal/platform/pool"
	"github.com/meeboter/meeboter/internal/pool"
	"github.com/meeboter/meeboter/internal/queue"
	"github.com/meeboter/meeboter/internal/router"
	"github.com/meeboter/meeboter/internal/store"
	"github.com/meeboter/meeboter/internal/tasks"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the control plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (DATABASE_URL or config file)")
	}
	return cfg, nil
}

func runDaemon(cfg *config.Config) error {
	logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	m := metrics.New(prometheus.NewRegistry())

	// Redis is optional. With it, queue wakeups cross replicas and monitor
	// sweeps elect a leader; without it, both degrade to process-local.
	var notifier queue.Notifier
	var leader monitor.Leader = monitor.NoopLeader{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		notifier = queue.NewRedisNotifier(rdb)
		host, _ := os.Hostname()
		leader = monitor.NewRedisLeader(rdb, host)
		logging.Op().Info("redis connected", "addr", cfg.Redis.Addr)
	} else {
		notifier = queue.NewChannelNotifier()
		logging.Op().Info("running without redis, queue wakeups are process-local")
	}
	defer notifier.Close()

	g := gate.New(cfg.Deploy.MaxConcurrent, cfg.Deploy.SemaphoreTimeout, m)
	locks := gate.NewImageLocks()

	// Platform adapters in priority order. Misconfigured platforms are
	// skipped with a warning; zero adapters is fatal.
	var (
		adapters    []platform.Adapter
		poolManager *pool.Manager
		poolClient  *coolify.Client
		poolAdpt    *pooladapter.Adapter
	)
	for _, name := range cfg.PlatformPriority {
		var adapter platform.Adapter
		var err error
		switch {
		case name == platform.NameCoolify && cfg.Daemon.CallbackURL == "":
			err = fmt.Errorf("CALLBACK_URL is required for platform adapters")
		case name == platform.NameCoolify:
			poolClient, err = coolify.New(coolify.Config{
				BaseURL:         cfg.Pool.BaseURL,
				APIToken:        cfg.Pool.APIToken,
				ProjectUUID:     cfg.Pool.ProjectUUID,
				ServerUUID:      cfg.Pool.ServerUUID,
				EnvironmentName: cfg.Pool.EnvironmentName,
			})
			if err == nil {
				poolManager = pool.NewManager(pool.Config{
					MaxPoolSize: cfg.Pool.MaxSize,
					Image:       cfg.Pool.Image,
					ImageTag:    cfg.Pool.ImageTag,
					CallbackURL: cfg.Daemon.CallbackURL,
				}, st, poolClient, g, locks, notifier, m)
				poolAdpt = pooladapter.New(poolManager, poolClient)
				adapter = poolAdpt
			}
		default:
			adapter, err = buildAdapter(ctx, name, cfg, g, locks)
		}
		if err != nil {
			logging.Op().Warn("skipping deployment platform", "platform", name, "error", err)
			continue
		}
		adapters = append(adapters, adapter)
	}

	// With the pool as the only platform there is no global fallthrough, so
	// the adapter queues locally instead of refusing.
	if poolAdpt != nil && len(adapters) == 1 {
		timeout := cfg.Pool.DefaultQueueTimeout
		if ms := cfg.Platforms[platform.NameCoolify].QueueTimeoutMS; ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
		poolAdpt.EnableQueue(timeout)
		logging.Op().Info("pool-local queue enabled", "timeout", timeout)
	}

	limits := make(map[string]router.PlatformLimit, len(cfg.Platforms))
	for name, pc := range cfg.Platforms {
		limits[name] = router.PlatformLimit{BotLimit: pc.BotLimit}
	}

	rtr, err := router.New(st, adapters, limits, notifier, m,
		time.Duration(cfg.GlobalQueueTimeoutMS)*time.Millisecond)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Config{
		WaitingRoomFloor: cfg.Deploy.WaitingRoomFloor,
	}, st, rtr, notifier, m)

	group := tasks.NewGroup(ctx)
	intakeSvc := intake.New(st, orch, group, m)

	mon := monitor.New(monitor.Config{
		HeartbeatInterval:    cfg.Monitor.HeartbeatInterval,
		SlotRecoveryInterval: cfg.Monitor.SlotRecoveryInterval,
		OrphanInterval:       cfg.Monitor.OrphanInterval,
	}, st, orch, leader, m)

	var reconciler *monitor.Reconciler
	if poolClient != nil {
		recovery := monitor.NewSlotRecovery(mon, poolClient)
		reconciler = monitor.NewReconciler(mon, poolClient)
		go recovery.Run(ctx)
		go reconciler.Run(ctx)
	}

	go rtr.RunPump(ctx)
	go orch.RunScheduleWorker(ctx)
	go intakeSvc.RunBatcher(ctx)
	go mon.RunHeartbeatMonitor(ctx)
	if poolManager != nil {
		go poolManager.RunQueueWorker(ctx)
	}

	serverCfg := api.ServerConfig{
		Store:        st,
		Orchestrator: orch,
		Intake:       intakeSvc,
		InfraStore:   st,
		Router:       rtr,
		Platforms:    platformNames(adapters),
		Metrics:      m,
		Pinger:       st,
	}
	if poolManager != nil {
		serverCfg.Pool = poolManager
		serverCfg.Backend = poolClient
	}
	if reconciler != nil {
		serverCfg.Reconciler = reconciler
	}
	server := api.StartHTTPServer(cfg.Daemon.HTTPAddr, serverCfg)
	logging.Op().Info("control plane started",
		"addr", cfg.Daemon.HTTPAddr, "platforms", platformNames(adapters))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Op().Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)

	cancel()
	group.Drain(10 * time.Second)
	return nil
}

func buildAdapter(ctx context.Context, name string, cfg *config.Config, g *gate.Gate, locks *gate.ImageLocks) (platform.Adapter, error) {
	callbackURL := cfg.Daemon.CallbackURL
	if callbackURL == "" {
		return nil, fmt.Errorf("CALLBACK_URL is required for platform adapters")
	}

	switch name {
	case platform.NameK8s:
		restCfg, err := rest.InClusterConfig()
		if err != nil {
			rules := clientcmd.NewDefaultClientConfigLoadingRules()
			restCfg, err = clientcmd.BuildConfigFromFlags("", rules.GetDefaultFilename())
			if err != nil {
				return nil, fmt.Errorf("no cluster config: %w", err)
			}
		}
		client, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, err
		}
		botLimit := cfg.Platforms[platform.NameK8s].BotLimit
		return k8sadapter.New(client, cfg.K8s, callbackURL, botLimit, g, locks), nil

	case platform.NameAWS:
		if cfg.ECS.Cluster == "" {
			return nil, fmt.Errorf("ECS_CLUSTER is not set")
		}
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.ECS.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.ECS.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return ecsadapter.New(ecssvc.NewFromConfig(awsCfg), cfg.ECS, callbackURL, g), nil

	case platform.NameLocal:
		return localadapter.New(cfg.Local, callbackURL, g)

	default:
		return nil, fmt.Errorf("unknown platform %q", name)
	}
}

func platformNames(adapters []platform.Adapter) []string {
	names := make([]string, len(adapters))
	for i, a := range adapters {
		names[i] = a.Name()
	}
	return names
}
