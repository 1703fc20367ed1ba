package fsmutex_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/fsmutex/pkg/fsmutex"
)

func Test_NewEntity_Clears_Top_Bit_When_Value_Uses_It(t *testing.T) {
	t.Parallel()

	e := fsmutex.NewEntity(1<<63|42, true)

	if e.Value != 42 {
		t.Fatalf("Value=%d, want 42", e.Value)
	}
}

func Test_EntityFromString_Is_Deterministic_When_Called_Twice(t *testing.T) {
	t.Parallel()

	a := fsmutex.EntityFromString("orders/42", true)
	b := fsmutex.EntityFromString("orders/42", false)

	if a.Value != b.Value {
		t.Fatalf("same string gave values %d and %d", a.Value, b.Value)
	}

	if a.Value>>63 != 0 {
		t.Fatalf("value %d uses bit 63", a.Value)
	}

	if got := fsmutex.EntityFromBuffer([]byte("orders/42"), true); got != a {
		t.Fatalf("EntityFromBuffer=%v, EntityFromString=%v, want equal", got, a)
	}

	if c := fsmutex.EntityFromString("orders/43", true); c.Value == a.Value {
		t.Fatalf("different strings collided on %d", c.Value)
	}
}

func Test_Pack_RoundTrips_When_Flag_Set(t *testing.T) {
	t.Parallel()

	for _, e := range []fsmutex.Entity{
		fsmutex.NewEntity(0, false),
		fsmutex.NewEntity(7, true),
		fsmutex.NewEntity(1<<63-1, true),
	} {
		packed := e.Pack()
		if e.Exclusive != (packed>>63 == 1) {
			t.Fatalf("Pack(%v)=%#x: exclusive bit wrong", e, packed)
		}

		if got := fsmutex.UnpackEntity(packed); got != e {
			t.Fatalf("UnpackEntity(Pack(%v))=%v", e, got)
		}
	}
}

func Test_Entity_String_Shows_Kind(t *testing.T) {
	t.Parallel()

	got := []string{
		fsmutex.NewEntity(7, true).String(),
		fsmutex.NewEntity(7, false).String(),
		fsmutex.NewEntity(7, false).AsExclusive().String(),
		fsmutex.NewEntity(7, true).AsShared().String(),
	}
	want := []string{"7x", "7s", "7x", "7s"}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("String() mismatch (-want +got):\n%s", diff)
	}
}

func Test_FillRandomEntities_Sets_Every_Element_When_Called(t *testing.T) {
	t.Parallel()

	dst := make([]fsmutex.Entity, 64)
	fsmutex.FillRandomEntities(dst, true)

	seen := make(map[uint64]bool)

	for i, e := range dst {
		if !e.Exclusive {
			t.Fatalf("dst[%d] not exclusive", i)
		}

		seen[e.Value] = true
	}

	if len(seen) < 60 {
		t.Fatalf("only %d distinct values among 64 random entities", len(seen))
	}

	if fsmutex.RandomEntity(false) == fsmutex.RandomEntity(false) {
		t.Fatal("two random entities are equal")
	}
}

func Test_Deadline_Reports_Expiry_When_Kind_Differs(t *testing.T) {
	t.Parallel()

	if fsmutex.Infinite().Expired() || !fsmutex.Infinite().IsInfinite() {
		t.Fatal("Infinite must never expire")
	}

	var zero fsmutex.Deadline
	if !zero.IsInfinite() {
		t.Fatal("zero Deadline must be infinite")
	}

	if !fsmutex.Immediately().Expired() || fsmutex.Immediately().Remaining() != 0 {
		t.Fatal("Immediately must be expired with nothing remaining")
	}

	if !fsmutex.DeadlineAfter(0).Expired() || !fsmutex.DeadlineAfter(-time.Second).Expired() {
		t.Fatal("non-positive DeadlineAfter must be expired")
	}

	d := fsmutex.DeadlineAfter(time.Hour)
	if d.Expired() || d.IsInfinite() {
		t.Fatal("DeadlineAfter(1h) must be a pending, finite deadline")
	}

	if r := d.Remaining(); r <= 59*time.Minute || r > time.Hour {
		t.Fatalf("Remaining=%s, want just under 1h", r)
	}

	if !fsmutex.DeadlineAt(time.Now().Add(-time.Millisecond)).Expired() {
		t.Fatal("DeadlineAt in the past must be expired")
	}
}
