package dht

import (
	"testing"
)

func mustInfoHash(t *testing.T, hexStr string) InfoHash {
	t.Helper()
	ih, err := DecodeInfoHash(hexStr)
	if err != nil {
		t.Fatalf("DecodeInfoHash(%q): %v", hexStr, err)
	}
	return ih
}

func ep(a, b, c, d byte, port int) Endpoint {
	return Endpoint{IP: []byte{a, b, c, d}, Port: port}
}

func TestPeerStoreCapsPerInfoHashAndEvictsOne(t *testing.T) {
	ih := mustInfoHash(t, "c3c5fe05c329ae51c6eca464f6b30ba0a457b2ca")
	// Allow 1 infohash, 2 peers per infohash.
	s := NewPeerStore(1, 2)

	p1 := ep(1, 2, 3, 4, 1001)
	p2 := ep(5, 6, 7, 8, 1002)
	p3 := ep(9, 10, 11, 12, 1003)

	if ok := s.AddContact(ih, p1); !ok {
		t.Fatalf("AddContact(p1) = false, want true")
	}
	if n := s.Count(ih); n != 1 {
		t.Fatalf("Count after 1st contact = %d, want 1", n)
	}

	if ok := s.AddContact(ih, p2); !ok {
		t.Fatalf("AddContact(p2) = false, want true")
	}
	if n := s.Count(ih); n != 2 {
		t.Fatalf("Count after 2nd contact = %d, want 2", n)
	}

	// Re-adding the same contact must not grow the set.
	s.AddContact(ih, p2)
	if n := s.Count(ih); n != 2 {
		t.Fatalf("Count after repeated contact = %d, want 2", n)
	}

	// A third distinct contact must evict one of the first two rather
	// than exceeding maxInfoHashPeers.
	s.AddContact(ih, p3)
	if n := s.Count(ih); n != 2 {
		t.Fatalf("Count after 3rd contact = %d, want 2 (cap enforced)", n)
	}
}

func TestPeerStoreEvictsLeastRecentInfoHash(t *testing.T) {
	ih1 := mustInfoHash(t, "c3c5fe05c329ae51c6eca464f6b30ba0a457b2ca")
	ih2 := mustInfoHash(t, "e84213a794f3ccd890382a54a64ca68b7e925433")
	// Allow only 1 infohash tracked at a time.
	s := NewPeerStore(1, 8)

	s.AddContact(ih1, ep(1, 1, 1, 1, 6881))
	if n := s.Count(ih1); n != 1 {
		t.Fatalf("Count(ih1) = %d, want 1", n)
	}

	s.AddContact(ih2, ep(2, 2, 2, 2, 6882))
	if n := s.Count(ih1); n != 0 {
		t.Fatalf("Count(ih1) after ih2 inserted = %d, want 0 (evicted by LRU cap)", n)
	}
	if n := s.Count(ih2); n != 1 {
		t.Fatalf("Count(ih2) = %d, want 1", n)
	}
}

func TestPeerContactsRotates(t *testing.T) {
	ih := mustInfoHash(t, "c3c5fe05c329ae51c6eca464f6b30ba0a457b2ca")
	s := NewPeerStore(1, 16)
	for i := 0; i < 12; i++ {
		s.AddContact(ih, ep(10, 0, 0, byte(i), 7000+i))
	}
	first := s.PeerContacts(ih)
	if len(first) != kNodes {
		t.Fatalf("PeerContacts returned %d entries, want %d", len(first), kNodes)
	}
	second := s.PeerContacts(ih)
	if len(second) != kNodes {
		t.Fatalf("PeerContacts (2nd call) returned %d entries, want %d", len(second), kNodes)
	}
	same := true
	firstSet := map[string]bool{}
	for _, e := range first {
		firstSet[e.String()] = true
	}
	for _, e := range second {
		if !firstSet[e.String()] {
			same = false
		}
	}
	if same {
		t.Fatalf("PeerContacts returned the exact same set twice in a row; expected rotation with 12 peers known and a window of %d", kNodes)
	}
}

func TestLocalDownloadTracking(t *testing.T) {
	ih := mustInfoHash(t, "c3c5fe05c329ae51c6eca464f6b30ba0a457b2ca")
	s := NewPeerStore(4, 8)
	if s.HasLocalDownload(ih) {
		t.Fatalf("HasLocalDownload before AddLocalDownload = true, want false")
	}
	s.AddLocalDownload(ih)
	if !s.HasLocalDownload(ih) {
		t.Fatalf("HasLocalDownload after AddLocalDownload = false, want true")
	}
}

func TestKillContactPreventsImmediateReuse(t *testing.T) {
	ih := mustInfoHash(t, "c3c5fe05c329ae51c6eca464f6b30ba0a457b2ca")
	s := NewPeerStore(1, 1)
	s.AddLocalDownload(ih)

	p1 := ep(1, 2, 3, 4, 1001)
	s.AddContact(ih, p1)
	s.KillContact(p1)

	// The set is now at its cap (1) with its only entry dead. A new
	// contact should be able to take its place.
	p2 := ep(5, 6, 7, 8, 1002)
	if ok := s.AddContact(ih, p2); !ok {
		t.Fatalf("AddContact(p2) after killing p1 = false, want true")
	}
	if n := s.Count(ih); n != 1 {
		t.Fatalf("Count after replacing dead contact = %d, want 1", n)
	}
}
