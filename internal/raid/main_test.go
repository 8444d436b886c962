// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid

import (
	"testing"

	"github.com/westerndigitalcorporation/raidblob/pkg/testutil"
)

func TestMain(m *testing.M) {
	testutil.TestMain(m)
}
