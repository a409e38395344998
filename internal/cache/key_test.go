package cache

import "testing"

func TestKeySensitiveToEveryField(t *testing.T) {
	base := KeySpec{
		DocHash:          "abc",
		Stage:            "stage1_candidates",
		InputFingerprint: "fp",
		ModelVersion:     "model-1",
	}
	variants := []KeySpec{
		{DocHash: "abd", Stage: base.Stage, InputFingerprint: base.InputFingerprint, ModelVersion: base.ModelVersion},
		{DocHash: base.DocHash, Stage: "stage2_selection", InputFingerprint: base.InputFingerprint, ModelVersion: base.ModelVersion},
		{DocHash: base.DocHash, Stage: base.Stage, InputFingerprint: "fp2", ModelVersion: base.ModelVersion},
		{DocHash: base.DocHash, Stage: base.Stage, InputFingerprint: base.InputFingerprint, ModelVersion: "model-2"},
	}
	bk := base.String()
	for i, v := range variants {
		if v.String() == bk {
			t.Fatalf("variant %d produced the same key as base", i)
		}
	}
	if base.String() != bk {
		t.Fatal("key is not deterministic")
	}
}

func TestKeyFieldsDoNotBleed(t *testing.T) {
	// "ab"+"c" vs "a"+"bc" must not collide across field boundaries.
	a := KeySpec{DocHash: "ab", Stage: "c"}
	b := KeySpec{DocHash: "a", Stage: "bc"}
	if a.String() == b.String() {
		t.Fatal("adjacent fields concatenated without separation")
	}
}

func TestFingerprint(t *testing.T) {
	if Fingerprint("a", "b") == Fingerprint("ab") {
		t.Fatal("fingerprint parts concatenated without separation")
	}
	if Fingerprint("x") != Fingerprint("x") {
		t.Fatal("fingerprint is not deterministic")
	}
}
