// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package namespace

import (
	"strings"
	"testing"
	"time"
)

func TestDeriveDeterministic(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)

	first := DeriveAt("ABCD2345", now)
	second := DeriveAt("ABCD2345", now)
	if first != second {
		t.Fatalf("derivation not deterministic: %q != %q", first, second)
	}

	if !strings.HasPrefix(first, Prefix) {
		t.Errorf("namespace %q missing prefix %q", first, Prefix)
	}

	other := DeriveAt("WXYZ6789", now)
	if other == first {
		t.Errorf("different codes derived the same namespace %q", first)
	}
}

func TestDeriveChangesAcrossEpochs(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
	later := now.Add(time.Hour)

	if DeriveAt("ABCD2345", now) == DeriveAt("ABCD2345", later) {
		t.Error("namespace did not change across an epoch boundary")
	}
}

func TestValidCurrentAndPreviousEpoch(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
	code := "ABCD2345"
	epoch := Epoch(now)

	current := Prefix + DeriveToken(code, epoch)
	if !ValidAt(code, current, now) {
		t.Error("current-epoch namespace rejected")
	}

	previous := Prefix + DeriveToken(code, epoch-1)
	if !ValidAt(code, previous, now) {
		t.Error("previous-epoch namespace rejected")
	}

	stale := Prefix + DeriveToken(code, epoch-2)
	if ValidAt(code, stale, now) {
		t.Error("two-epoch-old namespace accepted")
	}
}

func TestValidRejectsMalformed(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
	code := "ABCD2345"

	cases := []string{
		"",
		"garbage",
		"wrong-prefix:" + DeriveToken(code, Epoch(now)),
		Prefix + "not-hex-at-all",
		Prefix,
		strings.TrimPrefix(DeriveAt(code, now), Prefix), // token without prefix
	}
	for _, candidate := range cases {
		if ValidAt(code, candidate, now) {
			t.Errorf("malformed candidate %q accepted", candidate)
		}
	}
}

func TestValidRejectsOtherCode(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
	if ValidAt("WXYZ6789", DeriveAt("ABCD2345", now), now) {
		t.Error("namespace for one code validated against another code")
	}
}
