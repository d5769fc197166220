// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package kubejob submits rendered job specifications to the
// Kubernetes cluster and polls their status, driving kubectl through
// an exec wrapper.
package kubejob

import (
	"fmt"
	"strconv"

	"github.com/ghodss/yaml"
	"github.com/opendatacube/WOFLs-orchestration/lib/jobspec"
	"github.com/sirupsen/logrus"
)

// State is the launcher's view of one submitted job.
type State string

const (
	StateRunning   State = "Running"
	StateSucceeded State = "Succeeded"
	StateFailed    State = "Failed"
	// StateNotFound means the cluster has no record of the job
	// (deleted out of band, or expired). The dispatcher treats it
	// like a failure.
	StateNotFound State = "NotFound"
)

// JobHandle identifies a submitted job for status polls and
// cancellation.
type JobHandle struct {
	Name      string
	Namespace string
}

// A SubmitError is transient: the caller retries with backoff and the
// message stays unacknowledged.
type SubmitError struct {
	Err error
}

func (e SubmitError) Error() string {
	return fmt.Sprintf("error submitting job: %s", e.Err)
}

func (e SubmitError) Unwrap() error { return e.Err }

// Launcher submits JobSpecs to the cluster.
type Launcher struct {
	// DispatcherID is attached to every job as a label so a later
	// process can tell which dispatcher instance submitted it.
	DispatcherID string
	// DryRun validates manifests without creating anything.
	DryRun bool

	cli kubectlcli
}

// New returns a Launcher.
func New(logger logrus.FieldLogger, dispatcherID string, dryRun bool) *Launcher {
	return &Launcher{
		DispatcherID: dispatcherID,
		DryRun:       dryRun,
		cli:          kubectlcli{logger: logger},
	}
}

// Submit instantiates the job described by spec on the cluster and
// returns a handle for status polling. Any error is a SubmitError
// and should be retried.
func (l *Launcher) Submit(spec *jobspec.JobSpec) (JobHandle, error) {
	manifest, err := Manifest(spec, l.DispatcherID)
	if err != nil {
		return JobHandle{}, SubmitError{err}
	}
	err = l.cli.Create(manifest, spec.Namespace, l.DryRun)
	if err != nil {
		return JobHandle{}, SubmitError{err}
	}
	return JobHandle{Name: spec.Name, Namespace: spec.Namespace}, nil
}

// Status is a non-blocking poll of the job's state.
func (l *Launcher) Status(h JobHandle) (State, error) {
	js, found, err := l.cli.GetJob(h.Name, h.Namespace)
	if err != nil {
		return StateRunning, err
	}
	switch {
	case !found:
		return StateNotFound, nil
	case js.Status.Succeeded > 0:
		return StateSucceeded, nil
	case js.Status.Failed > 0:
		return StateFailed, nil
	default:
		return StateRunning, nil
	}
}

// Cancel is a best-effort termination, used on shutdown or timeout.
func (l *Launcher) Cancel(h JobHandle) error {
	return l.cli.DeleteJob(h.Name, h.Namespace)
}

// Manifest renders the batch/v1 Job manifest for the given spec.
func Manifest(spec *jobspec.JobSpec, dispatcherID string) ([]byte, error) {
	env := []envVar{
		{"INPUT_S3_BUCKET", spec.InputBucket},
		{"INPUT_FILE", spec.InputPath},
		{"OUTPUT_S3_BUCKET", spec.OutputBucket},
		{"OUTPUT_PATH", spec.OutputPath},
		{"FILE_PREFIX", spec.FileNamePrefix},
		{"MAKE_PUBLIC", strconv.FormatBool(spec.MakePublic)},
		{"DB_HOSTNAME", spec.DB.Hostname},
		{"DB_PORT", strconv.Itoa(spec.DB.Port)},
		{"DB_USERNAME", spec.DB.Username},
		{"DB_PASSWORD", spec.DB.Password},
		{"DB_DATABASE", spec.DB.Database},
		{"LOG_LEVEL", spec.LogLevel},
	}
	for _, e := range env {
		if e.Name != "FILE_PREFIX" && e.Name != "DB_PASSWORD" && e.Value == "" {
			return nil, fmt.Errorf("required job parameter %s is empty", e.Name)
		}
	}
	j := jobManifest{
		APIVersion: "batch/v1",
		Kind:       "Job",
		Metadata: metadata{
			Name:      spec.Name,
			Namespace: spec.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by":     "wofl-orchestrate",
				"wofl.opendatacube.org/dispatcher": dispatcherID,
				"wofl.opendatacube.org/satellite":  spec.Satellite,
			},
		},
	}
	j.Spec.BackoffLimit = 0
	j.Spec.ActiveDeadlineSeconds = int64(spec.TimeBudget.Seconds())
	j.Spec.Template.Spec.RestartPolicy = "Never"
	j.Spec.Template.Spec.Containers = []container{{
		Name:  "wofl",
		Image: spec.Image,
		Env:   env,
		Resources: resources{
			Requests: map[string]string{"cpu": spec.CPURequest, "memory": spec.MemoryRequest},
			Limits:   map[string]string{"cpu": spec.CPULimit, "memory": spec.MemoryLimit},
		},
	}}
	return yaml.Marshal(j)
}

type jobManifest struct {
	APIVersion string   `json:"apiVersion"`
	Kind       string   `json:"kind"`
	Metadata   metadata `json:"metadata"`
	Spec       struct {
		BackoffLimit          int   `json:"backoffLimit"`
		ActiveDeadlineSeconds int64 `json:"activeDeadlineSeconds"`
		Template              struct {
			Spec podSpec `json:"spec"`
		} `json:"template"`
	} `json:"spec"`
}

type metadata struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Labels    map[string]string `json:"labels,omitempty"`
}

type podSpec struct {
	RestartPolicy string      `json:"restartPolicy"`
	Containers    []container `json:"containers"`
}

type container struct {
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	Env       []envVar  `json:"env"`
	Resources resources `json:"resources"`
}

type envVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resources struct {
	Requests map[string]string `json:"requests"`
	Limits   map[string]string `json:"limits"`
}
