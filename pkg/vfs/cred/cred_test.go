package cred

import "testing"

func TestNewUnixTruncatesGids(t *testing.T) {
	gids := make([]uint32, MaxGids+5)
	for i := range gids {
		gids[i] = uint32(i)
	}

	c := NewUnix(1000, 1000, gids)

	if len(c.Gids) != MaxGids {
		t.Fatalf("expected gids truncated to %d, got %d", MaxGids, len(c.Gids))
	}
}

func TestNewAnonymous(t *testing.T) {
	c := NewAnonymous(AnonUID, AnonGID)

	if c.UID != AnonUID || c.GID != AnonGID {
		t.Fatalf("unexpected anonymous identity: %+v", c)
	}
	if len(c.Gids) != 0 {
		t.Fatalf("anonymous credential should carry no supplementary gids")
	}
}

func TestHasGid(t *testing.T) {
	c := NewUnix(1000, 1000, []uint32{2000, 3000})

	if !c.HasGid(1000) {
		t.Fatal("expected primary gid to match")
	}
	if !c.HasGid(3000) {
		t.Fatal("expected supplementary gid to match")
	}
	if c.HasGid(4000) {
		t.Fatal("unexpected match for absent gid")
	}
}

func TestIsRoot(t *testing.T) {
	if !(Cred{UID: 0}).IsRoot() {
		t.Fatal("uid 0 should be root")
	}
	if (Cred{UID: 1}).IsRoot() {
		t.Fatal("uid 1 should not be root")
	}
}
