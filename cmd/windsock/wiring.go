package main

import (
	"fmt"
	"path/filepath"

	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kination/windsock/internal/config"
	"github.com/kination/windsock/internal/dagbag"
	"github.com/kination/windsock/internal/executor"
	"github.com/kination/windsock/internal/executor/local"
	"github.com/kination/windsock/internal/executor/pod"
	"github.com/kination/windsock/internal/executor/redisq"
	"github.com/kination/windsock/internal/runner"
	"github.com/kination/windsock/internal/store"
	"github.com/kination/windsock/internal/store/memory"
	"github.com/kination/windsock/internal/store/sqlite"
	"github.com/kination/windsock/internal/workloads"
)

// Go tasks and callbacks compiled into this binary
var (
	taskRegistry     = runner.NewTaskRegistry()
	callbackRegistry = runner.NewCallbackRegistry()
)

func openStore(cfg store.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case store.StoreTypeMemory:
		return memory.New(), nil
	case store.StoreTypeSQLite:
		return sqlite.New(sqlite.Config{Path: cfg.ConnectionString, WAL: cfg.WAL})
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// loadDagBag reads every configured bundle and registers the built-in DAGs
func loadDagBag(cfg *config.Config) (*dagbag.DagBag, error) {
	sources := []dagbag.Source{{Name: "dags-folder", Location: cfg.Core.DagsFolder}}
	if cfg.Core.BundlesFile != "" {
		var err error
		if sources, err = dagbag.ReadSources(cfg.Core.BundlesFile); err != nil {
			return nil, err
		}
	}
	for i := range sources {
		if abs, err := filepath.Abs(sources[i].Location); err == nil {
			sources[i].Location = abs
		}
	}

	bag := dagbag.New(sources...)
	if err := registerBuiltins(bag, taskRegistry, callbackRegistry); err != nil {
		return nil, err
	}
	if err := bag.Load(); err != nil {
		return nil, err
	}
	for file, err := range bag.ImportErrors() {
		log.Error(err, "DAG import error", "file", file)
	}
	return bag, nil
}

// tokenConfig returns the token issuer; both are nil when no secret is configured
func tokenConfig(cfg *config.Config) (workloads.TokenGenerator, workloads.TokenValidator, error) {
	if cfg.Auth.Secret == "" {
		return nil, nil, nil
	}
	jwt, err := workloads.NewJWT(cfg.Auth.JWT())
	if err != nil {
		return nil, nil, err
	}
	return jwt, jwt, nil
}

func newRunner(cfg *config.Config, bag *dagbag.DagBag) (*runner.DefaultRunner, error) {
	_, validator, err := tokenConfig(cfg)
	if err != nil {
		return nil, err
	}
	return runner.NewRunner(bag, taskRegistry, callbackRegistry, runner.RunnerConfig{
		BashPath:   cfg.Core.BashPath,
		PythonPath: cfg.Core.PythonPath,
		LogDir:     cfg.Core.LogDir,
		Validator:  validator,
	}), nil
}

func newKubeClient() (client.Client, error) {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, err
	}
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}
	return client.New(restConfig, client.Options{Scheme: scheme})
}

// buildExecutors creates every enabled executor and sets the default one
func buildExecutors(cfg *config.Config, r runner.Runner) (*executor.Registry, error) {
	reg := executor.NewRegistry()
	reg.Register(local.New(cfg.Executors.Local, r))

	if k := cfg.Executors.Kubernetes; k.Enabled {
		c, err := newKubeClient()
		if err != nil {
			return nil, err
		}
		reg.Register(pod.New(k.Config, c))
	}
	if rc := cfg.Executors.Redis; rc.Enabled {
		reg.Register(redisq.New(rc.Config, redisq.NewClient(rc.ClientConfig)))
	}

	if err := reg.SetDefault(cfg.Executors.Default); err != nil {
		return nil, err
	}
	log.Info("Executors ready", "executors", reg.Names(), "default", reg.Default())
	return reg, nil
}
