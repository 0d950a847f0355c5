package geo

import (
	"math"
	"testing"
)

func TestDistanceZero(t *testing.T) {
	if d := DistanceKm(-6.2, 106.8, -6.2, 106.8); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	pts := [][2]float64{
		{-6.2, 106.8},
		{-6.3, 106.9},
		{51.5074, -0.1278},
		{-33.8688, 151.2093},
		{89.9, 179.9},
		{-89.9, -179.9},
	}
	for _, a := range pts {
		for _, b := range pts {
			ab := DistanceKm(a[0], a[1], b[0], b[1])
			ba := DistanceKm(b[0], b[1], a[0], a[1])
			if ab != ba {
				t.Fatalf("asymmetric distance %v->%v: %f vs %f", a, b, ab, ba)
			}
			if ab < 0 {
				t.Fatalf("negative distance %f", ab)
			}
		}
	}
}

func TestDistanceKnownPairs(t *testing.T) {
	cases := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		want                   float64
		tol                    float64
	}{
		{"nearby rider", -6.2000, 106.8000, -6.2050, 106.8050, 0.78, 0.01},
		{"far rider", -6.2000, 106.8000, -6.3000, 106.9000, 15.68, 0.01},
		{"one degree of longitude at equator", 0, 0, 0, 1, 111.19, 0.01},
	}
	for _, tc := range cases {
		got := DistanceKm(tc.lat1, tc.lng1, tc.lat2, tc.lng2)
		if math.Abs(got-tc.want) > tc.tol {
			t.Errorf("%s: got %.2f want %.2f", tc.name, got, tc.want)
		}
	}
}

func TestDistanceRoundedToTwoDecimals(t *testing.T) {
	d := DistanceKm(-6.2, 106.8, -6.2123, 106.8077)
	if math.Abs(d*100-math.Round(d*100)) > 1e-9 {
		t.Fatalf("distance %v not rounded to 2 decimals", d)
	}
}
