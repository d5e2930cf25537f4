package merkle

import "testing"

func TestBuildRootEmpty(t *testing.T) {
	root := BuildRoot(nil)
	if !root.IsZero() {
		t.Errorf("expected zero hash for empty input, got %s", root)
	}
}

func TestLeafVsInternalDomainSeparation(t *testing.T) {
	data := []byte("same-bytes")
	leaf := Leaf(data)
	internal := Internal(Hash{}, Hash{})
	if leaf == internal {
		t.Fatal("leaf and internal hashes must never collide by construction")
	}
}

func TestBuildRootDeterministic(t *testing.T) {
	chunks := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	r1 := BuildRoot(chunks)
	r2 := BuildRoot(append([][]byte{}, chunks...))
	if r1 != r2 {
		t.Errorf("expected deterministic root, got %s vs %s", r1, r2)
	}
}

func TestGenerateAndVerifyProof(t *testing.T) {
	chunks := [][]byte{
		[]byte("alpha"), []byte("bravo"), []byte("charlie"),
		[]byte("delta"), []byte("echo"),
	}
	root := BuildRoot(chunks)

	for i, c := range chunks {
		proof, err := GenerateProof(chunks, i)
		if err != nil {
			t.Fatalf("GenerateProof(%d): %v", i, err)
		}
		if !VerifyProof(proof, root, c, i, len(chunks)) {
			t.Errorf("proof for index %d failed to verify", i)
		}
	}
}

func TestVerifyProofRejectsMutation(t *testing.T) {
	chunks := [][]byte{[]byte("one"), []byte("two"), []byte("three"), []byte("four")}
	root := BuildRoot(chunks)

	proof, err := GenerateProof(chunks, 2)
	if err != nil {
		t.Fatal(err)
	}
	mutated := []byte("threE")
	if VerifyProof(proof, root, mutated, 2, len(chunks)) {
		t.Error("expected proof verification to fail for mutated leaf data")
	}
}

func TestDepth(t *testing.T) {
	tests := []struct {
		leaves int
		want   uint32
	}{
		{0, 0}, {1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {9, 4},
	}
	for _, tc := range tests {
		if got := Depth(tc.leaves); got != tc.want {
			t.Errorf("Depth(%d) = %d, want %d", tc.leaves, got, tc.want)
		}
	}
}
