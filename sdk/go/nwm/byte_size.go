// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nwm

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is a number of bytes. In JSON/YAML it can be given as a
// plain number or as a string with a unit suffix, like "5G" or
// "512MiB".
type ByteSize int64

// String implements fmt.Stringer, using IEC units.
func (n ByteSize) String() string {
	if n < 0 {
		return fmt.Sprintf("%d", int64(n))
	}
	return humanize.IBytes(uint64(n))
}

// MarshalJSON implements json.Marshaler.
func (n ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(n))
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		var i int64
		err := json.Unmarshal(data, &i)
		if err != nil {
			return err
		}
		*n = ByteSize(i)
		return nil
	}
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	return n.Set(s)
}

// Set parses a size string like "1.5Gi", "200 MB" or "1000". Unit
// names are case-insensitive; "K", "M", "G"... are decimal and "Ki",
// "Mi", "Gi"... are binary.
func (n *ByteSize) Set(s string) error {
	size, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %s", s, err)
	}
	if size > math.MaxInt64 {
		return fmt.Errorf("byte size %q overflows int64", s)
	}
	*n = ByteSize(size)
	return nil
}
