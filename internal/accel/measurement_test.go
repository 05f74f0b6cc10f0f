package accel

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

const g0 = 9.80665

func TestNewMeasurement_Validation(t *testing.T) {
	if _, err := NewMeasurement(0, 0, g0, 1e-3); err != nil {
		t.Errorf("valid measurement rejected: %v", err)
	}
	if _, err := NewMeasurement(0, 0, g0, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero sigma: got %v, want ErrInvalidArgument", err)
	}
	if _, err := NewMeasurement(0, 0, g0, -1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative sigma: got %v, want ErrInvalidArgument", err)
	}
	if _, err := NewMeasurement(math.NaN(), 0, g0, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NaN component: got %v, want ErrInvalidArgument", err)
	}
}

func TestResidual_IdealSensor(t *testing.T) {
	// Ideal sensor, zero bias: a measurement of exactly |g| along any
	// axis has zero residual under Ma = 0.
	m := Measurement{F: [3]float64{0, 0, g0}, Sigma: 1}
	r, err := Residual(m, mat.NewDense(3, 3, nil), [3]float64{}, g0)
	if err != nil {
		t.Fatalf("Residual: %v", err)
	}
	if r > 1e-12 {
		t.Errorf("residual = %v, want ~0", r)
	}
}

func TestResidual_KnownDistortion(t *testing.T) {
	// With sx = 0.1 the x axis reads 10% high. A measurement built by the
	// forward model must have zero residual under the generating Ma, and a
	// nonzero residual under the identity model.
	ma := mat.NewDense(3, 3, nil)
	ma.Set(0, 0, 0.1)
	bias := [3]float64{0.2, -0.1, 0.05}

	fTrue := [3]float64{g0, 0, 0}
	m := Measurement{
		F:     [3]float64{bias[0] + 1.1*fTrue[0], bias[1], bias[2]},
		Sigma: 1,
	}

	r, err := Residual(m, ma, bias, g0)
	if err != nil {
		t.Fatalf("Residual: %v", err)
	}
	if r > 1e-10 {
		t.Errorf("residual under generating model = %v, want ~0", r)
	}

	rIdent, err := Residual(m, mat.NewDense(3, 3, nil), bias, g0)
	if err != nil {
		t.Fatalf("Residual: %v", err)
	}
	if want := 0.1 * g0; math.Abs(rIdent-want) > 1e-10 {
		t.Errorf("residual under identity model = %v, want %v", rIdent, want)
	}
}

func TestResidual_BadMaShape(t *testing.T) {
	m := Measurement{F: [3]float64{0, 0, g0}, Sigma: 1}
	if _, err := Residual(m, mat.NewDense(2, 2, nil), [3]float64{}, g0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for 2x2 Ma, got %v", err)
	}
}

func TestGravityModel_SignedResidual(t *testing.T) {
	model, err := newGravityModel(mat.NewDense(3, 3, nil), [3]float64{}, g0)
	if err != nil {
		t.Fatalf("newGravityModel: %v", err)
	}
	m := Measurement{F: [3]float64{0, 0, g0 + 0.5}, Sigma: 1}
	if got := model.signedResidual(m); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("signed residual = %v, want 0.5", got)
	}
	m = Measurement{F: [3]float64{0, 0, g0 - 0.5}, Sigma: 1}
	if got := model.signedResidual(m); math.Abs(got+0.5) > 1e-12 {
		t.Errorf("signed residual = %v, want -0.5", got)
	}
	if got := model.residual(m); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("absolute residual = %v, want 0.5", got)
	}
}
