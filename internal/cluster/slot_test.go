package cluster

import "testing"

func TestGetSlotStableForSameKey(t *testing.T) {
	if GetSlot("foo") != GetSlot("foo") {
		t.Fatal("GetSlot must be deterministic for the same key")
	}
}

func TestGetSlotHashTagGroupsKeys(t *testing.T) {
	a := GetSlot("user:{123}:profile")
	b := GetSlot("user:{123}:settings")
	if a != b {
		t.Fatalf("keys sharing a hash tag must map to the same slot, got %d and %d", a, b)
	}
}

func TestGetSlotEmptyTagFallsBackToWholeKey(t *testing.T) {
	withEmptyTag := GetSlot("foo:{}:bar")
	whole := crc16USB([]byte("foo:{}:bar")) % NumSlots
	if withEmptyTag != whole {
		t.Fatal("an empty hash tag must not be treated as a tag")
	}
}

func TestGetSlotInRange(t *testing.T) {
	for _, k := range []string{"a", "b", "some-long-key-name", "{tag}rest"} {
		if slot := GetSlot(k); slot >= NumSlots {
			t.Fatalf("slot %d out of range for key %q", slot, k)
		}
	}
}
