package entry

import (
	"testing"
	"time"
)

func TestUnknownIsDistinctFromZero(t *testing.T) {
	e := New("a", File)
	for _, s := range Sizes {
		if e.Size(s) != Unknown {
			t.Errorf("size %d = %d, want Unknown", s, e.Size(s))
		}
	}
	e.SetSize(DataSize, 0)
	if e.Size(DataSize) != 0 {
		t.Errorf("zero size not kept")
	}
	if !e.Time(WriteAccess).IsZero() {
		t.Error("new entry should have unknown write time")
	}
	epoch := time.Unix(0, 0)
	e.SetTime(WriteAccess, epoch)
	if e.Time(WriteAccess).IsZero() {
		t.Error("epoch must be distinguishable from unknown")
	}
}

func TestFromCopiesAttributesButNotNameOrType(t *testing.T) {
	src := New("src", File)
	src.SetSize(DataSize, 42)
	now := time.Now()
	src.SetTime(WriteAccess, now)

	dst := From("dst", Directory, src)
	if dst.Name() != "dst" || dst.Type() != Directory {
		t.Errorf("got %v", dst)
	}
	if dst.Size(DataSize) != 42 || !dst.Time(WriteAccess).Equal(now) {
		t.Errorf("attributes not copied: %v", dst)
	}
}

func TestSetRejectsUnsupportedKinds(t *testing.T) {
	e := New("a", File)
	if e.SetTime(ExecuteAccess, time.Now()) {
		t.Error("execute access has no timestamp")
	}
	if e.SetSize(Size(9), 1) {
		t.Error("unknown size kind accepted")
	}
}

func TestOptions(t *testing.T) {
	o := NoOptions.Set(Exclusive).Set(CreateParents)
	if !o.Has(Exclusive) || !o.Has(Exclusive|CreateParents) || o.Has(Append) {
		t.Errorf("Has wrong for %v", o)
	}
	if o.Clear(Exclusive).Has(Exclusive) {
		t.Error("Clear did not clear")
	}
	if got := o.String(); got != "[EXCLUSIVE,CREATE_PARENTS]" {
		t.Errorf("String = %q", got)
	}
}
