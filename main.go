package main

import (
	"context"
	"flag"
	"os"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	operatorv1alpha1 "github.com/vpatelsj/domain-operator/api/v1alpha1"
	"github.com/vpatelsj/domain-operator/controller"
	"github.com/vpatelsj/domain-operator/internal/calls"
	"github.com/vpatelsj/domain-operator/internal/config"
	"github.com/vpatelsj/domain-operator/internal/domain"
	"github.com/vpatelsj/domain-operator/internal/plans"
	"github.com/vpatelsj/domain-operator/internal/watch"
	"github.com/vpatelsj/domain-operator/internal/work"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(operatorv1alpha1.AddToScheme(scheme))
}

func main() {
	var metricsAddr string
	var probeAddr string
	var enableLeaderElection bool
	var configPath string

	defaults := config.Default()
	var engineWorkers int64
	var callTimeout, rollingPoll time.Duration
	var maxRetries, maxConcurrentReconciles int
	var clientQPS float64

	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager.")
	flag.StringVar(&configPath, "config", "", "Path to an optional YAML tuning file. Flags set explicitly override it.")

	// Tuning flags
	flag.Int64Var(&engineWorkers, "engine-workers", defaults.EngineWorkers, "Number of steps the fiber engine applies concurrently.")
	flag.DurationVar(&callTimeout, "call-timeout", defaults.CallTimeout.Duration, "Initial listen timeout of an API call.")
	flag.IntVar(&maxRetries, "max-retries", defaults.MaxRetries, "Retries of a transiently failing API call.")
	flag.DurationVar(&rollingPoll, "rolling-poll-interval", defaults.RollingPollInterval.Duration, "How often a blocked cluster re-checks availability during a roll.")
	flag.IntVar(&maxConcurrentReconciles, "max-concurrent-reconciles", defaults.MaxConcurrentReconciles, "Number of domains reconciled concurrently.")
	flag.Float64Var(&clientQPS, "client-qps", defaults.ClientQPS, "Client-side API request rate limit.")

	opts := zap.Options{
		Development: true,
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	tuning, err := config.Load(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load tuning", "path", configPath)
		os.Exit(1)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "engine-workers":
			tuning.EngineWorkers = engineWorkers
		case "call-timeout":
			tuning.CallTimeout.Duration = callTimeout
		case "max-retries":
			tuning.MaxRetries = maxRetries
		case "rolling-poll-interval":
			tuning.RollingPollInterval.Duration = rollingPoll
		case "max-concurrent-reconciles":
			tuning.MaxConcurrentReconciles = maxConcurrentReconciles
		case "client-qps":
			tuning.ClientQPS = clientQPS
		}
	})
	if errs := tuning.Validate(); errs.HasErrors() {
		setupLog.Error(errs, "invalid tuning")
		os.Exit(1)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: metricsAddr},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "domain-operator.operator.stargate.io",
	})
	if err != nil {
		setupLog.Error(err, "unable to create manager")
		os.Exit(1)
	}

	engine := work.NewEngine(work.Config{
		Workers:         tuning.EngineWorkers,
		ShutdownTimeout: tuning.ShutdownTimeout.Duration,
	}, ctrl.Log.WithName("engine"))
	if err := mgr.Add(manager.RunnableFunc(engine.Run)); err != nil {
		setupLog.Error(err, "unable to add fiber engine")
		os.Exit(1)
	}

	// Async calls use their own clients so a client that saw a protocol
	// error can be thrown away without touching the manager's.
	pool := calls.NewPool(tuning.ClientPoolSize, func() (client.Client, error) {
		return client.New(mgr.GetConfig(), client.Options{Scheme: mgr.GetScheme(), Mapper: mgr.GetRESTMapper()})
	})

	awaiter := watch.NewPodAwaiter(mgr.GetCache(), tuning.PodRecheckInterval.Duration)
	if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
		return awaiter.Register(ctx, mgr.GetCache())
	})); err != nil {
		setupLog.Error(err, "unable to add pod awaiter")
		os.Exit(1)
	}

	if err = (&controller.DomainReconciler{
		Client:    mgr.GetClient(),
		Scheme:    mgr.GetScheme(),
		Engine:    engine,
		Registry:  domain.NewRegistry(),
		PodReader: mgr.GetCache(),
		Plans: plans.Deps{
			Calls: &calls.Builder{
				Pool:       pool,
				Limiter:    rate.NewLimiter(rate.Limit(tuning.ClientQPS), tuning.ClientBurst),
				Timeout:    tuning.CallTimeout.Duration,
				MaxRetries: tuning.MaxRetries,
				Backoff: calls.Backoff{
					Scale:     tuning.BackoffScale.Duration,
					Cap:       tuning.BackoffCap.Duration,
					JitterMin: tuning.JitterMin.Duration,
					JitterMax: tuning.JitterMax.Duration,
				},
			},
			Awaiter:         awaiter,
			Recorder:        mgr.GetEventRecorderFor("domain-operator"),
			PollInterval:    tuning.RollingPollInterval.Duration,
			PodReadyTimeout: tuning.PodReadyTimeout.Duration,
			ListLimit:       tuning.ListPageSize,
		},
		MaxConcurrentReconciles: tuning.MaxConcurrentReconciles,
		FailureRequeueDelay:     tuning.FailureRequeueDelay.Duration,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "Domain")
		os.Exit(1)
	}

	// Add health checks
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager", "engineWorkers", tuning.EngineWorkers, "maxRetries", tuning.MaxRetries)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
