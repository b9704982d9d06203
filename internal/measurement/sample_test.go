package measurement

import (
	"testing"

	"github.com/tamzrod/modbus-manager/internal/modbuscat"
)

func TestSampleBoolScalarAccessor(t *testing.T) {
	def := Definition{ID: "c1", Category: modbuscat.Coil, Address: 1, Count: 1}
	s := NewBoolScalar(def, true)
	if !s.IsBoolScalar() {
		t.Fatal("expected IsBoolScalar")
	}
	if !s.Bool() {
		t.Fatal("expected true")
	}
}

func TestSampleWrongVariantPanics(t *testing.T) {
	def := Definition{ID: "c1", Category: modbuscat.Coil, Address: 1, Count: 1}
	s := NewBoolScalar(def, true)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic accessing Uint16 on a boolean scalar sample")
		}
	}()
	s.Uint16()
}

func TestSampleRegSeqDefensiveCopy(t *testing.T) {
	def := Definition{ID: "hr1", Category: modbuscat.HoldingRegister, Address: 1, Count: 3}
	original := []uint16{1, 2, 3}
	s := NewRegSeq(def, original)

	original[0] = 999
	got := s.Uint16s()
	if got[0] != 1 {
		t.Fatalf("expected sample to be insulated from caller mutation, got %v", got)
	}

	got[1] = 42
	got2 := s.Uint16s()
	if got2[1] != 2 {
		t.Fatalf("expected accessor to return a fresh copy each call, got %v", got2)
	}
}

func TestSampleBoolSeq(t *testing.T) {
	def := Definition{ID: "c1", Category: modbuscat.Coil, Address: 1, Count: 2}
	s := NewBoolSeq(def, []bool{true, false})
	if !s.IsBoolSeq() {
		t.Fatal("expected IsBoolSeq")
	}
	vals := s.Bools()
	if len(vals) != 2 || !vals[0] || vals[1] {
		t.Fatalf("unexpected values %v", vals)
	}
}
