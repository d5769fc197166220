// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package kubejob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// jobStatus is the slice of a batch/v1 Job record we care about.
type jobStatus struct {
	Status struct {
		Active    int `json:"active"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	} `json:"status"`
}

type kubectlcli struct {
	logger logrus.FieldLogger
	// (for testing) if non-nil, call stubCommand() instead of
	// exec.Command() when running kubectl.
	stubCommand func(string, ...string) *exec.Cmd
}

func (cli kubectlcli) command(args ...string) *exec.Cmd {
	if f := cli.stubCommand; f != nil {
		return f("kubectl", args...)
	}
	return exec.Command("kubectl", args...)
}

// Create submits the given manifest on stdin. With dryRun, kubectl
// validates the manifest without persisting it.
func (cli kubectlcli) Create(manifest []byte, namespace string, dryRun bool) error {
	args := []string{"create", "-n", namespace, "-f", "-"}
	if dryRun {
		args = append(args, "--dry-run=client", "-o", "name")
	}
	cmd := cli.command(args...)
	cmd.Stdin = bytes.NewReader(manifest)
	out, err := cmd.Output()
	cli.logger.WithField("stdout", strings.TrimSpace(string(out))).Debug("kubectl create finished")
	return errWithStderr(err)
}

// GetJob returns the status of the named job, and ok=false if the
// cluster has no record of it.
func (cli kubectlcli) GetJob(name, namespace string) (jobStatus, bool, error) {
	var js jobStatus
	cmd := cli.command("get", "job", name, "-n", namespace, "-o", "json")
	buf, err := cmd.Output()
	if isNotFound(err) {
		return js, false, nil
	}
	if err != nil {
		return js, false, errWithStderr(err)
	}
	err = json.Unmarshal(buf, &js)
	return js, err == nil, err
}

// DeleteJob removes the named job and its pods. Deleting a job that
// has already gone is not an error.
func (cli kubectlcli) DeleteJob(name, namespace string) error {
	cmd := cli.command("delete", "job", name, "-n", namespace, "--ignore-not-found")
	buf, err := cmd.CombinedOutput()
	if err == nil || strings.Contains(string(buf), "not found") {
		return nil
	}
	return fmt.Errorf("%s (%q)", err, buf)
}

func isNotFound(err error) bool {
	exitErr, ok := err.(*exec.ExitError)
	return ok && strings.Contains(string(exitErr.Stderr), "NotFound")
}

func errWithStderr(err error) error {
	if err, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%s (%q)", err, err.Stderr)
	}
	return err
}
