package grid

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"grid-ladder/internal/core"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestBuildMovingBoundariesEvenlySpaced(t *testing.T) {
	lv, err := Build(Spec{Reference: d("100"), Step: d("2.5"), Levels: 4, Mode: ModeNeutral})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(lv.Above) != 4 || len(lv.Below) != 4 {
		t.Fatalf("boundary counts = %d/%d, want 4/4", len(lv.Above), len(lv.Below))
	}
	for i := 0; i < 4; i++ {
		prevAbove, prevBelow := lv.Reference, lv.Reference
		if i > 0 {
			prevAbove, prevBelow = lv.Above[i-1], lv.Below[i-1]
		}
		if !lv.Above[i].Sub(prevAbove).Equal(d("2.5")) {
			t.Fatalf("above[%d] = %s not one step above %s", i, lv.Above[i], prevAbove)
		}
		if !prevBelow.Sub(lv.Below[i]).Equal(d("2.5")) {
			t.Fatalf("below[%d] = %s not one step below %s", i, lv.Below[i], prevBelow)
		}
	}
}

func TestBuildRejectsDegenerateConfig(t *testing.T) {
	cases := []struct {
		name  string
		spec  Spec
		field string
	}{
		{name: "zero step", spec: Spec{Reference: d("100"), Step: d("0"), Levels: 3}, field: "step"},
		{name: "negative step", spec: Spec{Reference: d("100"), Step: d("-1"), Levels: 3}, field: "step"},
		{name: "zero levels", spec: Spec{Reference: d("100"), Step: d("1"), Levels: 0}, field: "level_count"},
		{name: "bad mode", spec: Spec{Reference: d("100"), Step: d("1"), Levels: 1, Mode: "both"}, field: "mode"},
		{name: "static one level", spec: NewStatic(d("120"), d("80"), 1, ModeNeutral, d("100")), field: "level_count"},
		{name: "static inverted", spec: NewStatic(d("80"), d("120"), 3, ModeNeutral, d("100")), field: "static"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.spec)
			var cfgErr *core.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Build() error = %v, want ConfigError", err)
			}
			if cfgErr.Field != tc.field {
				t.Fatalf("ConfigError.Field = %q, want %q", cfgErr.Field, tc.field)
			}
		})
	}
}

func TestBuildStaticBoundsSplitAtReference(t *testing.T) {
	lv, err := Build(NewStatic(d("120"), d("80"), 5, ModeNeutral, d("105")))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !lv.Step.Equal(d("10")) {
		t.Fatalf("step = %s, want 10", lv.Step)
	}
	wantAbove := []string{"110", "120"}
	wantBelow := []string{"100", "90", "80"}
	if len(lv.Above) != len(wantAbove) || len(lv.Below) != len(wantBelow) {
		t.Fatalf("boundaries = %v / %v", lv.Above, lv.Below)
	}
	for i, w := range wantAbove {
		if !lv.Above[i].Equal(d(w)) {
			t.Fatalf("above[%d] = %s, want %s", i, lv.Above[i], w)
		}
	}
	for i, w := range wantBelow {
		if !lv.Below[i].Equal(d(w)) {
			t.Fatalf("below[%d] = %s, want %s", i, lv.Below[i], w)
		}
	}
}

func TestMovingBoundariesDropNonPositivePrices(t *testing.T) {
	lv, err := Build(Spec{Reference: d("20"), Step: d("10"), Levels: 3})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(lv.Below) != 1 || !lv.Below[0].Equal(d("10")) {
		t.Fatalf("below = %v, want [10]", lv.Below)
	}
}

func TestLadderDirection(t *testing.T) {
	lv, err := Build(Spec{Reference: d("100"), Step: d("10"), Levels: 3})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	long := lv.Ladder(core.Long, TowardReference)
	if !long.Descending || !long.PriceAt(0).Equal(d("90")) {
		t.Fatalf("toward long ladder = %+v, want descending from 90", long)
	}
	short := lv.Ladder(core.Short, TowardReference)
	if short.Descending || !short.PriceAt(0).Equal(d("110")) {
		t.Fatalf("toward short ladder = %+v, want ascending from 110", short)
	}
	breakoutLong := lv.Ladder(core.Long, AwayFromReference)
	if breakoutLong.Descending || !breakoutLong.PriceAt(0).Equal(d("110")) {
		t.Fatalf("away long ladder = %+v, want ascending from 110", breakoutLong)
	}
}

func TestLadderCrossedOnlyNearestBoundary(t *testing.T) {
	lv, err := Build(Spec{Reference: d("100"), Step: d("10"), Levels: 3})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	long := lv.Ladder(core.Long, TowardReference)
	if !long.Crossed(0, d("89")) {
		t.Fatalf("89 should cross 90")
	}
	if long.Crossed(1, d("89")) {
		t.Fatalf("89 should not cross 80")
	}
	if !long.Crossed(0, d("90")) {
		t.Fatalf("touching 90 should count as crossed")
	}
}

func TestLadderDisabledSideIsEmpty(t *testing.T) {
	lv, err := Build(Spec{Reference: d("100"), Step: d("10"), Levels: 3, Mode: ModeLongOnly})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := lv.Ladder(core.Short, TowardReference); got.Len() != 0 {
		t.Fatalf("short ladder len = %d, want 0 in long_only mode", got.Len())
	}
}

func TestRebaseMovesOnlyAfterFullStep(t *testing.T) {
	lv, err := Build(Spec{Reference: d("100"), Step: d("10"), Levels: 2})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, moved := lv.Rebase(d("109.99")); moved {
		t.Fatalf("Rebase() moved before a full step")
	}
	next, moved := lv.Rebase(d("112"))
	if !moved {
		t.Fatalf("Rebase() did not move after a full step")
	}
	if !next.Reference.Equal(d("112")) || !next.Below[0].Equal(d("102")) {
		t.Fatalf("rebased grid = ref %s below %v", next.Reference, next.Below)
	}
}

func TestRebaseIgnoresStaticGrid(t *testing.T) {
	lv, err := Build(NewStatic(d("120"), d("80"), 5, ModeNeutral, d("100")))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, moved := lv.Rebase(d("150")); moved {
		t.Fatalf("static grid must not rebase")
	}
}

func TestSingleLevelIsBreakoutDetector(t *testing.T) {
	lv, err := Build(Spec{Reference: d("100"), Step: d("5"), Levels: 1})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	up := lv.Ladder(core.Long, AwayFromReference)
	if up.Len() != 1 || !up.Crossed(0, d("105")) {
		t.Fatalf("single level ladder = %+v", up)
	}
}

func TestNormalizeRoundsAndDetectsCollapse(t *testing.T) {
	lv, err := Build(Spec{Reference: d("100"), Step: d("0.015"), Levels: 2})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	got, err := Normalize(lv, d("0.01"))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if !got.Above[0].Equal(d("100.01")) || !got.Above[1].Equal(d("100.03")) {
		t.Fatalf("normalized above = %v", got.Above)
	}

	tight, err := Build(Spec{Reference: d("100"), Step: d("0.004"), Levels: 3})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := Normalize(tight, d("0.01")); !errors.Is(err, ErrCollapsed) {
		t.Fatalf("Normalize() error = %v, want %v", err, ErrCollapsed)
	}
}
