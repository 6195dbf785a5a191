package tensor

import (
	"errors"
	"testing"
)

func TestAutocastScope(t *testing.T) {
	if _, ok := AutocastDType(); ok {
		t.Fatal("no autocast scope should be active")
	}

	err := Autocast(Float16, func() error {
		dtype, ok := AutocastDType()
		if !ok || dtype != Float16 {
			t.Errorf("AutocastDType() = %v, %v", dtype, ok)
		}
		return Autocast(Float32, func() error {
			if dtype, _ := AutocastDType(); dtype != Float32 {
				t.Errorf("nested scope dtype = %v", dtype)
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Autocast returned %v", err)
	}

	if _, ok := AutocastDType(); ok {
		t.Error("scope should be popped after Autocast returns")
	}
}

func TestAutocastPropagatesError(t *testing.T) {
	sentinel := errors.New("boom")
	err := Autocast(Float16, func() error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("Autocast error = %v, want %v", err, sentinel)
	}
	if _, ok := AutocastDType(); ok {
		t.Error("scope should be popped after an error")
	}
	if err := Autocast(Int32, func() error { return nil }); err == nil {
		t.Error("expected error for integer autocast")
	}
}

func TestAutocastMatMulRoundsToHalf(t *testing.T) {
	x, _ := NewTensor([]int{1, 1}, Float32, CPU, []float32{1.0 / 3.0})
	w, _ := NewTensor([]int{1, 1}, Float32, CPU, []float32{1})
	w.SetRequiresGrad(true)

	var y *Tensor
	err := Autocast(Float16, func() error {
		var err error
		y, err = MatMulAutograd(x, w)
		return err
	})
	if err != nil {
		t.Fatalf("autocast matmul failed: %v", err)
	}

	if y.DType != Float16 {
		t.Errorf("dtype = %s, want Float16", y.DType)
	}
	want := HalfPrecisionValue(1.0 / 3.0)
	if got := y.Data.([]float32)[0]; got != want {
		t.Errorf("autocast result = %v, want %v", got, want)
	}

	if err := y.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if w.Grad().DType != Float32 {
		t.Errorf("weight grad dtype = %s, want Float32", w.Grad().DType)
	}
	if got := w.Grad().Data.([]float32)[0]; got != want {
		t.Errorf("weight grad = %v, want %v", got, want)
	}
}
