// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Duration is time.Duration but looks like "12s" in JSON, rather than
// a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler. A bare number is
// accepted as a number of seconds, matching the SQS_POLL_TIME_SEC /
// JOB_MAX_TIME_SEC convention used by the deployment environment.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if data[0] == '"' {
		return d.Set(string(data[1 : len(data)-1]))
	}
	var sec float64
	err := json.Unmarshal(data, &sec)
	if err != nil {
		return fmt.Errorf("duration must be given as a string like \"600s\" or a number of seconds")
	}
	*d = Duration(sec * float64(time.Second))
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Set implements the flag.Value interface and accepts either a bare
// number of seconds or a time.ParseDuration string.
func (d *Duration) Set(s string) error {
	if sec, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(sec * float64(time.Second))
		return nil
	}
	dur, err := time.ParseDuration(s)
	*d = Duration(dur)
	return err
}
