// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package nwm

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestMarshalJSON(c *check.C) {
	var d struct {
		D Duration
	}
	err := json.Unmarshal([]byte(`{"D":"1.234s"}`), &d)
	c.Check(err, check.IsNil)
	c.Check(d.D, check.Equals, Duration(time.Second+234*time.Millisecond))
	buf, err := json.Marshal(d)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"D":"1.234s"}`)

	err = json.Unmarshal([]byte(`{"D":1234}`), &d)
	c.Check(err, check.ErrorMatches, `duration must be given as a string.*`)
}
