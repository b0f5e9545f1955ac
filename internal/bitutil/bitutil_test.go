package bitutil

import "testing"

func TestMix64Bijection(t *testing.T) {
	seen := make(map[int64]int64, 1024)
	for i := int64(0); i < 1024; i++ {
		h := Mix64(i)
		if prev, ok := seen[h]; ok {
			t.Fatalf("Mix64 collision: %d and %d both map to %d", prev, i, h)
		}
		seen[h] = i
		if back := InvMix64(h); back != i {
			t.Fatalf("InvMix64(Mix64(%d)) = %d, want %d", i, back, i)
		}
	}
}

func TestCeilFloorLog2(t *testing.T) {
	cases := []struct {
		value       uint64
		ceil, floor int
	}{
		{1, 0, 0},
		{2, 1, 1},
		{3, 2, 1},
		{4, 2, 2},
		{5, 3, 2},
		{1024, 10, 10},
		{1025, 11, 10},
	}
	for _, c := range cases {
		if got := CeilLog2(c.value); got != c.ceil {
			t.Errorf("CeilLog2(%d) = %d, want %d", c.value, got, c.ceil)
		}
		if got := FloorLog2(c.value); got != c.floor {
			t.Errorf("FloorLog2(%d) = %d, want %d", c.value, got, c.floor)
		}
	}
}

func TestRoundLog2(t *testing.T) {
	cases := []struct {
		value       uint64
		ceil, floor uint64
	}{
		{1, 1, 1},
		{2, 2, 2},
		{3, 4, 2},
		{5, 8, 4},
		{1024, 1024, 1024},
		{1025, 2048, 1024},
	}
	for _, c := range cases {
		if got := RoundCeilLog2(c.value); got != c.ceil {
			t.Errorf("RoundCeilLog2(%d) = %d, want %d", c.value, got, c.ceil)
		}
		if got := RoundFloorLog2(c.value); got != c.floor {
			t.Errorf("RoundFloorLog2(%d) = %d, want %d", c.value, got, c.floor)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []uint64{0, 1, 2, 4, 1024} {
		if !IsPowerOfTwo(n) {
			t.Errorf("IsPowerOfTwo(%d) = false, want true", n)
		}
	}
	for _, n := range []uint64{3, 5, 6, 1023, 1025} {
		if IsPowerOfTwo(n) {
			t.Errorf("IsPowerOfTwo(%d) = true, want false", n)
		}
	}
}

func TestPackUnpackCoords(t *testing.T) {
	cases := [][2]int32{
		{0, 0},
		{1, -1},
		{-1, 1},
		{1 << 20, -(1 << 20)},
		{-2147483648, 2147483647},
	}
	for _, c := range cases {
		key := PackCoords(c[0], c[1])
		if l := UnpackLeft(key); l != c[0] {
			t.Errorf("UnpackLeft(PackCoords(%d, %d)) = %d, want %d", c[0], c[1], l, c[0])
		}
		if r := UnpackRight(key); r != c[1] {
			t.Errorf("UnpackRight(PackCoords(%d, %d)) = %d, want %d", c[0], c[1], r, c[1])
		}
	}
}
