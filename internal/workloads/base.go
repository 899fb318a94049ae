// Package workloads defines the units of work the scheduler hands to executors.
//
// A workload is a self-contained JSON document: it carries everything a worker
// needs to locate and run the task (or callback) without talking to the
// scheduler's store. Every document has a "type" discriminator so that one
// decoder can read any of them.
package workloads

import (
	v1 "github.com/kination/windsock/api/v1"
)

// Type is the value of the "type" discriminator.
type Type string

const (
	TypeExecuteTask     Type = "ExecuteTask"
	TypeExecuteCallback Type = "ExecuteCallback"
	TypeRunTrigger      Type = "RunTrigger"
)

// Workload is any workload document.
type Workload interface {
	Kind() Type
}

// Routable is a workload an executor can queue: tasks and callbacks.
// Triggers are run by the triggerer and never reach an executor.
type Routable interface {
	Workload
	Key() v1.WorkloadKey
	DagID() string
	QueueName() string
	PriorityWeight() int
	// Subject is the id the workload's token was issued for.
	Subject() string
	Identity() string
}

// BundleInfo tells the worker which bundle, and which version of it, to run with.
type BundleInfo struct {
	Name    string  `json:"name"`
	Version *string `json:"version"`
}

// NewBundleInfo builds bundle info; an empty version means "latest".
func NewBundleInfo(name, version string) BundleInfo {
	b := BundleInfo{Name: name}
	if version != "" {
		b.Version = &version
	}
	return b
}

// BaseWorkload holds the fields every executor workload carries.
type BaseWorkload struct {
	// Token is the identity token for this workload. Empty when no generator is configured.
	Token string `json:"token"`
}

// GenerateToken issues a token for subID, or returns "" when generator is nil.
func GenerateToken(subID string, generator TokenGenerator) (string, error) {
	if generator == nil {
		return "", nil
	}
	return generator.Generate(subID)
}

// BaseDagBundleWorkload is embedded by workloads that run code from a DAG bundle.
type BaseDagBundleWorkload struct {
	BaseWorkload

	// DagRelPath is where the DAG file lives inside the bundle.
	DagRelPath string     `json:"dag_rel_path"`
	BundleInfo BundleInfo `json:"bundle_info"`
	// LogPath is the rendered, relative log filename the worker writes to.
	LogPath *string `json:"log_path"`
}

// MakeOptions overrides the defaults used when building workloads.
type MakeOptions struct {
	DagRelPath        string
	Generator         TokenGenerator
	BundleInfo        *BundleInfo
	SentryIntegration string
	LogTemplate       *LogTemplate
}

func bundleFor(opts MakeOptions, dag *v1.Dag, run *v1.DagRun) BundleInfo {
	if opts.BundleInfo != nil {
		return *opts.BundleInfo
	}
	version := dag.BundleVersion
	if run != nil && run.BundleVersion != "" {
		version = run.BundleVersion
	}
	return NewBundleInfo(dag.BundleName, version)
}

func relPathFor(opts MakeOptions, dag *v1.Dag) string {
	if opts.DagRelPath != "" {
		return opts.DagRelPath
	}
	return dag.RelativeFileloc
}
