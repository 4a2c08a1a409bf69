// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import "testing"

var allLevels = []Level{Untrusted, Ask, Moderate, Trusted, Privileged}

// TestEvaluate_Purity checks that Evaluate is deterministic: the same
// inputs always produce the same Result, across every level and every
// operation kind.
func TestEvaluate_Purity(t *testing.T) {
	for _, level := range allLevels {
		for kind := KindRead; kind <= KindExecuteProcess; kind++ {
			op := Operation{Kind: kind}
			first := Evaluate(op, level)
			second := Evaluate(op, level)
			if first != second {
				t.Fatalf("Evaluate(%v, %v) not deterministic: %+v != %+v", op, level, first, second)
			}
		}
	}
}

// TestEvaluate_ExhaustiveLevelPairs walks every (requested level,
// operation kind) combination for a plain, unflagged operation and
// checks the decision matches the required-vs-effective comparison in
// spec §4.3 step 5 directly, with no downgrade in play.
func TestEvaluate_ExhaustiveLevelPairs(t *testing.T) {
	for _, kind := range []Kind{KindRead, KindWrite, KindDelete, KindExecToggle, KindMetadataChange, KindExecuteProcess} {
		op := Operation{Kind: kind}
		required := requiredLevel(op)

		for _, level := range allLevels {
			result := Evaluate(op, level)

			var want Decision
			switch {
			case level >= required:
				want = Allow
			case level == required-1:
				want = NeedApproval
			default:
				want = Deny
			}

			if result.Decision != want {
				t.Errorf("kind=%v level=%v required=%v: got %v, want %v", kind, level, required, result.Decision, want)
			}
			if result.EffectiveLevel != level {
				t.Errorf("kind=%v level=%v: unflagged operation should not downgrade, got effective=%v", kind, level, result.EffectiveLevel)
			}
			if result.Downgrade != NoDowngrade {
				t.Errorf("kind=%v level=%v: unexpected downgrade %v", kind, level, result.Downgrade)
			}
		}
	}
}

func TestEvaluate_ProtectedPathRequiresPrivileged(t *testing.T) {
	op := Operation{Kind: KindWrite, TouchesProtectedPath: true}

	for _, tc := range []struct {
		level Level
		want  Decision
	}{
		{Untrusted, Deny},
		{Ask, Deny},
		{Moderate, Deny},
		{Trusted, NeedApproval},
		{Privileged, Allow},
	} {
		result := Evaluate(op, tc.level)
		if result.Decision != tc.want {
			t.Errorf("level=%v: got %v, want %v", tc.level, result.Decision, tc.want)
		}
		if result.RequiredLevel != Privileged {
			t.Errorf("level=%v: required level = %v, want Privileged", tc.level, result.RequiredLevel)
		}
	}
}

func TestEvaluate_ProtectedPathOnReadOnlyIsNotPrivileged(t *testing.T) {
	// Step 1/4 only escalate to Privileged for destructive kinds.
	op := Operation{Kind: KindRead, TouchesProtectedPath: true}
	result := Evaluate(op, Untrusted)
	if result.RequiredLevel != Ask {
		t.Errorf("required level = %v, want Ask", result.RequiredLevel)
	}
}

func TestEvaluate_ExecToggleDowngradesToUntrusted(t *testing.T) {
	op := Operation{Kind: KindWrite, TogglesExecBit: true}

	result := Evaluate(op, Privileged)
	if result.EffectiveLevel != Untrusted {
		t.Errorf("effective level = %v, want Untrusted", result.EffectiveLevel)
	}
	if result.Downgrade != DowngradeExecOrBinary {
		t.Errorf("downgrade = %v, want DowngradeExecOrBinary", result.Downgrade)
	}
	// required for a destructive write is Moderate; Untrusted is two
	// levels below it, so this is a Deny, not a NeedApproval.
	if result.Decision != Deny {
		t.Errorf("decision = %v, want Deny", result.Decision)
	}
}

func TestEvaluate_BinaryPathDowngradesToUntrusted(t *testing.T) {
	op := Operation{Kind: KindWrite, TouchesBinaryPath: true}
	result := Evaluate(op, Ask)
	if result.EffectiveLevel != Untrusted {
		t.Errorf("effective level = %v, want Untrusted", result.EffectiveLevel)
	}
}

func TestEvaluate_DowngradeNeverExceedsRequestedLevel(t *testing.T) {
	// A caller already at Untrusted triggers no downgrade motion —
	// there is nothing lower to move to.
	op := Operation{Kind: KindWrite, TogglesExecBit: true}
	result := Evaluate(op, Untrusted)
	if result.Downgrade != NoDowngrade {
		t.Errorf("downgrade = %v, want NoDowngrade (already at floor)", result.Downgrade)
	}
	if result.EffectiveLevel != Untrusted {
		t.Errorf("effective level = %v, want Untrusted", result.EffectiveLevel)
	}
}

func TestEvaluate_VCSMetadataDowngradesToModerate(t *testing.T) {
	op := Operation{Kind: KindWrite, ModifiesVCSMetadata: true}

	result := Evaluate(op, Privileged)
	if result.EffectiveLevel != Moderate {
		t.Errorf("effective level = %v, want Moderate", result.EffectiveLevel)
	}
	if result.Downgrade != DowngradeVCSMetadata {
		t.Errorf("downgrade = %v, want DowngradeVCSMetadata", result.Downgrade)
	}
	// required for destructive write is Moderate, so Moderate effective
	// satisfies it exactly: Allow.
	if result.Decision != Allow {
		t.Errorf("decision = %v, want Allow", result.Decision)
	}
}

func TestEvaluate_VCSMetadataDowngradeDoesNotRaiseAnExecDowngrade(t *testing.T) {
	// Both flags set: step 2 fires first and drops effective to
	// Untrusted, which is already below Moderate, so step 3's
	// condition ("caller is above Moderate") is false and the
	// downgrade cause recorded is the step-2 one.
	op := Operation{Kind: KindWrite, TogglesExecBit: true, ModifiesVCSMetadata: true}
	result := Evaluate(op, Privileged)
	if result.EffectiveLevel != Untrusted {
		t.Errorf("effective level = %v, want Untrusted", result.EffectiveLevel)
	}
	if result.Downgrade != DowngradeExecOrBinary {
		t.Errorf("downgrade = %v, want DowngradeExecOrBinary", result.Downgrade)
	}
}

func TestEvaluate_ExecuteProcessRequiresModerate(t *testing.T) {
	op := Operation{Kind: KindExecuteProcess}
	if requiredLevel(op) != Moderate {
		t.Errorf("required level = %v, want Moderate", requiredLevel(op))
	}

	result := Evaluate(op, Ask)
	if result.Decision != NeedApproval {
		t.Errorf("decision = %v, want NeedApproval", result.Decision)
	}
}

func TestEvaluate_ReadOnlyRequiresAsk(t *testing.T) {
	op := Operation{Kind: KindRead}
	result := Evaluate(op, Untrusted)
	if result.RequiredLevel != Ask {
		t.Errorf("required level = %v, want Ask", result.RequiredLevel)
	}
	if result.Decision != NeedApproval {
		t.Errorf("decision = %v, want NeedApproval", result.Decision)
	}
}

func TestDecision_String(t *testing.T) {
	cases := map[Decision]string{Allow: "allow", NeedApproval: "need_approval", Deny: "deny"}
	for decision, want := range cases {
		if got := decision.String(); got != want {
			t.Errorf("Decision(%d).String() = %q, want %q", decision, got, want)
		}
	}
}

func TestLevel_ParseRoundTrip(t *testing.T) {
	for _, level := range allLevels {
		name := level.String()
		parsed, ok := ParseLevel(name)
		if !ok {
			t.Fatalf("ParseLevel(%q) failed", name)
		}
		if parsed != level {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, parsed, level)
		}
	}
}

func TestLevel_ParseRejectsUnknown(t *testing.T) {
	if _, ok := ParseLevel("superuser"); ok {
		t.Error("ParseLevel(\"superuser\") should fail")
	}
}
