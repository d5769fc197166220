// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package jobspec turns a queue message plus static configuration
// into a fully parameterized job specification.
package jobspec

import (
	"crypto/md5"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/opendatacube/WOFLs-orchestration/lib/config"
	"github.com/opendatacube/WOFLs-orchestration/lib/sqsqueue"
)

// JobSpec is the parameter set for one classification job, produced
// deterministically from a queue message and the static
// configuration. It is derived, never persisted.
type JobSpec struct {
	// DNS-1123 job name, stable for a given message.
	Name string
	// Scene metadata recovered from the descriptor key.
	Satellite       string
	WRSPath         string
	WRSRow          string
	AcquisitionDate string

	Namespace string
	Image     string

	// Bucket and key of the scene descriptor.
	InputBucket string
	InputPath   string
	// Where the job writes its water observation outputs.
	OutputBucket   string
	OutputPath     string
	FileNamePrefix string
	MakePublic     bool

	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string

	DB config.DBConfig

	LogLevel string
	// Wall-clock budget enforced by the cluster in addition to the
	// dispatcher's own timeout.
	TimeBudget time.Duration
}

// RenderError indicates the message payload cannot produce a valid
// job specification. This is a poison condition: retrying the same
// message cannot help, so the caller acknowledges it instead.
type RenderError struct {
	MessageID string
	Problem   string
}

func (e RenderError) Error() string {
	return fmt.Sprintf("cannot render job for message %s: %s", e.MessageID, e.Problem)
}

// Scene descriptor keys carry a USGS Landsat scene ID, e.g.
// usgs/c1/l8/155/072/LC08_L1TP_155072_20180316_20180401_01_T1/..._MTL.xml
var sceneIDPattern = regexp.MustCompile(`(L[COTEM]0[45789])_[0-9A-Z]+_(\d{3})(\d{3})_(\d{8})_\d{8}_\d{2}_[A-Z0-9]{2}`)

var satelliteNames = map[string]string{
	"LC09": "landsat_9",
	"LC08": "landsat_8",
	"LO08": "landsat_8",
	"LE07": "landsat_7",
	"LT05": "landsat_5",
	"LT04": "landsat_4",
}

// Render derives a JobSpec from the given message. It is pure:
// calling it twice with the same message and configuration yields an
// identical JobSpec. Any failure is a RenderError.
func Render(msg sqsqueue.Message, cfg *config.Config) (*JobSpec, error) {
	key := strings.TrimSpace(msg.Body)
	if key == "" {
		return nil, RenderError{msg.ID, "empty payload"}
	}
	if strings.ContainsAny(key, " \t\n") {
		return nil, RenderError{msg.ID, fmt.Sprintf("payload %q is not a single object key", key)}
	}
	m := sceneIDPattern.FindStringSubmatch(key)
	if m == nil {
		return nil, RenderError{msg.ID, fmt.Sprintf("no Landsat scene ID in key %q", key)}
	}
	satellite, ok := satelliteNames[m[1]]
	if !ok {
		return nil, RenderError{msg.ID, fmt.Sprintf("unknown sensor %q in key %q", m[1], key)}
	}
	if cfg.Job.Image == "" {
		return nil, RenderError{msg.ID, "no job image configured"}
	}
	if cfg.InputBucket == "" {
		return nil, RenderError{msg.ID, "no input bucket configured"}
	}
	if cfg.OutputBucket == "" {
		return nil, RenderError{msg.ID, "no output bucket configured"}
	}

	spec := &JobSpec{
		Name:            jobName(m[0], msg.ID),
		Satellite:       satellite,
		WRSPath:         m[2],
		WRSRow:          m[3],
		AcquisitionDate: m[4],
		Namespace:       cfg.Job.Namespace,
		Image:           cfg.Job.Image,
		InputBucket:     cfg.InputBucket,
		InputPath:       key,
		OutputBucket:    cfg.OutputBucket,
		OutputPath:      path.Join(cfg.OutputPath, satellite, m[2], m[3]),
		FileNamePrefix:  cfg.FileNamePrefix + m[0],
		MakePublic:      cfg.MakePublic,
		CPURequest:      cfg.Job.CPURequest,
		CPULimit:        cfg.Job.CPULimit,
		MemoryRequest:   cfg.Job.MemoryRequest,
		MemoryLimit:     cfg.Job.MemoryLimit,
		DB:              cfg.DB,
		LogLevel:        cfg.LogLevel,
		TimeBudget:      cfg.JobTimeBudget.Duration(),
	}
	return spec, nil
}

// jobName builds a cluster-safe job name: the lowercased scene ID
// plus a digest of the message ID, so two messages naming the same
// scene do not collide, and retries of the same message reuse the
// same name.
func jobName(sceneID, messageID string) string {
	name := "wofl-" + strings.ToLower(strings.ReplaceAll(sceneID, "_", "-"))
	if len(name) > 54 {
		name = name[:54]
	}
	name = fmt.Sprintf("%s-%x", strings.TrimRight(name, "-"), md5.Sum([]byte(messageID)))
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}
