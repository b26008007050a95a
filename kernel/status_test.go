package kernel

import (
	"errors"
	"testing"
)

func TestStatusErr(t *testing.T) {
	if err := OK.Err(); err != nil {
		t.Fatalf("OK.Err() = %v, want nil", err)
	}
	err := ChannelFull.Err()
	if !errors.Is(err, ChannelFull) {
		t.Fatalf("ChannelFull.Err() = %v, want ChannelFull", err)
	}
	var st Status
	if !errors.As(err, &st) || st != ChannelFull {
		t.Fatalf("errors.As() status = %v, want %v", st, ChannelFull)
	}
}

func TestStatusWordRoundTrip(t *testing.T) {
	for _, st := range []Status{OK, InvalidParam, ChannelNotFound, InvalidContext} {
		w := st.Word()
		if got := StatusFromWord(w); got != st {
			t.Fatalf("StatusFromWord(%#x) = %v, want %v", w, got, st)
		}
	}
	if w := InvalidParam.Word(); w != ^uint64(0) {
		t.Fatalf("InvalidParam.Word() = %#x, want all ones", w)
	}
}

func TestStatusStringUnknown(t *testing.T) {
	if got := Status(-99).String(); got != "unknown" {
		t.Fatalf("Status(-99).String() = %q, want %q", got, "unknown")
	}
}

func TestIDBounds(t *testing.T) {
	if ThreadID(MaxThreads).Valid() {
		t.Fatalf("ThreadID(%d).Valid() = true, want false", MaxThreads)
	}
	if !ChannelID(MaxChannels - 1).Valid() {
		t.Fatalf("ChannelID(%d).Valid() = false, want true", MaxChannels-1)
	}
	if Privilege(3).Valid() {
		t.Fatal("Privilege(3).Valid() = true, want false")
	}
}
