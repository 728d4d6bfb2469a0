package rotation

import "testing"

func TestSizePolicy(t *testing.T) {
	p := NewSizePolicy(100)
	if p.ShouldRotate(PackState{PhysicalBytes: 99}) {
		t.Fatalf("should not rotate below threshold")
	}
	if !p.ShouldRotate(PackState{PhysicalBytes: 100}) {
		t.Fatalf("should rotate at threshold")
	}
	if !p.ShouldRotate(PackState{PhysicalBytes: 101}) {
		t.Fatalf("should rotate above threshold")
	}
}

func TestSizePolicyDisabledAtZero(t *testing.T) {
	p := NewSizePolicy(0)
	if p.ShouldRotate(PackState{PhysicalBytes: 1 << 40}) {
		t.Fatalf("zero maxBytes must disable the policy")
	}
}

func TestChunkCountPolicy(t *testing.T) {
	p := NewChunkCountPolicy(1)
	if p.ShouldRotate(PackState{ChunkCount: 0}) {
		t.Fatalf("should not rotate before first chunk")
	}
	if !p.ShouldRotate(PackState{ChunkCount: 1}) {
		t.Fatalf("should rotate once count reaches limit")
	}
}

func TestCompositePolicyIsOR(t *testing.T) {
	c := NewCompositePolicy(NewSizePolicy(1000), NewChunkCountPolicy(5))
	if c.ShouldRotate(PackState{PhysicalBytes: 1, ChunkCount: 1}) {
		t.Fatalf("neither sub-policy should trigger")
	}
	if !c.ShouldRotate(PackState{PhysicalBytes: 1, ChunkCount: 5}) {
		t.Fatalf("chunk count sub-policy should trigger")
	}
	if !c.ShouldRotate(PackState{PhysicalBytes: 1000, ChunkCount: 1}) {
		t.Fatalf("size sub-policy should trigger")
	}
}

func TestNeverAndAlwaysRotate(t *testing.T) {
	if (NeverRotatePolicy{}).ShouldRotate(PackState{ChunkCount: 1 << 30}) {
		t.Fatalf("NeverRotatePolicy must never rotate")
	}
	if !(AlwaysRotatePolicy{}).ShouldRotate(PackState{}) {
		t.Fatalf("AlwaysRotatePolicy must always rotate")
	}
}
