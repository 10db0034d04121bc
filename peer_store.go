package dht

// Peer store: a bounded cache mapping each infohash to the set of peer
// endpoints announced for it. The infohash->peers cache is backed by
// groupcache/lru (bounding the number of distinct infohashes tracked)
// and a container/ring per infohash, so repeated lookups rotate
// through the known peers instead of always returning the same
// prefix. A fixed peer-per-infohash cap bounds each set, in place of a
// time-based expiry: once a set is full, each new contact displaces a
// dead one if there is one, otherwise the one after the ring's current
// position (not necessarily the oldest).
import (
	"container/ring"
	"sync"

	log "github.com/golang/glog"
	"github.com/golang/groupcache/lru"
)

// peerContactsSet holds every peer endpoint announced for one infohash,
// keyed by its compact 6-byte encoding so equal endpoints dedupe
// naturally. The ring lets next() rotate through the set instead of
// always handing back the same few entries.
type peerContactsSet struct {
	set  map[string]bool // compact contact -> alive
	ring *ring.Ring
}

func newPeerContactsSet() *peerContactsSet {
	return &peerContactsSet{set: make(map[string]bool)}
}

// next returns up to kNodes peer contacts, rotating the starting point
// on each call so repeated calls surface different peers when more than
// kNodes are known.
func (p *peerContactsSet) next() []Endpoint {
	count := kNodes
	if count > len(p.set) {
		count = len(p.set)
	}
	if count == 0 {
		return nil
	}
	picked := make(map[string]bool, count)
	for range p.set {
		p.ring = p.ring.Move(1)
		contact := p.ring.Value.(string)
		if p.set[contact] && !picked[contact] {
			picked[contact] = true
		}
		if len(picked) >= count {
			break
		}
	}
	if len(picked) < count {
		for range p.set {
			p.ring = p.ring.Move(1)
			contact := p.ring.Value.(string)
			if picked[contact] {
				continue
			}
			picked[contact] = true
			if len(picked) >= count {
				break
			}
		}
	}
	out := make([]Endpoint, 0, len(picked))
	for contact := range picked {
		ep, err := DecodeEndpoint(contact)
		if err != nil {
			continue
		}
		out = append(out, ep)
	}
	return out
}

// put inserts a peer's compact contact string, returning false if it was
// already present or malformed.
func (p *peerContactsSet) put(contact string) bool {
	if len(contact) != v4PeerContactLen {
		return false
	}
	if p.set[contact] {
		return false
	}
	p.set[contact] = true
	r := &ring.Ring{Value: contact}
	if p.ring == nil {
		p.ring = r
	} else {
		p.ring.Link(r)
	}
	return true
}

// drop removes contact from the set, or (if contact is empty) first
// tries to evict one already marked dead before falling back to evicting
// whatever the ring currently points at. Returns the contact removed, or
// "" if nothing was removed.
func (p *peerContactsSet) drop(contact string) string {
	if contact == "" {
		if dead := p.dropDead(); dead != "" {
			return dead
		}
		if p.ring == nil {
			return ""
		}
		return p.drop(p.ring.Next().Value.(string))
	}
	if p.ring == nil {
		return ""
	}
	for i := 0; i < p.ring.Len()+1; i++ {
		if p.ring.Move(1).Value.(string) == contact {
			dropped := p.ring.Unlink(1).Value.(string)
			delete(p.set, dropped)
			if len(p.set) == 0 {
				p.ring = nil
			}
			return dropped
		}
		p.ring = p.ring.Move(1)
	}
	return ""
}

func (p *peerContactsSet) dropDead() string {
	if p.ring == nil {
		return ""
	}
	for i := 0; i < p.ring.Len()+1; i++ {
		if !p.set[p.ring.Move(1).Value.(string)] {
			dropped := p.ring.Unlink(1).Value.(string)
			delete(p.set, dropped)
			if len(p.set) == 0 {
				p.ring = nil
			}
			return dropped
		}
		p.ring = p.ring.Move(1)
	}
	return ""
}

// kill marks contact as no longer reachable without removing it,
// allowing dropDead to reclaim its slot on a subsequent insert.
func (p *peerContactsSet) kill(contact string) {
	if p.set[contact] {
		p.set[contact] = false
	}
}

func (p *peerContactsSet) size() int { return len(p.set) }

// PeerStore tracks, for every infohash anyone has announced on, the set
// of peers currently serving it. It is bounded in two dimensions: the
// number of distinct infohashes tracked (via the LRU cache eviction) and
// the number of peers tracked per infohash.
type PeerStore struct {
	mu                   sync.Mutex
	infoHashPeers        *lru.Cache
	localActiveDownloads map[InfoHash]bool
	maxInfoHashPeers     int
}

// NewPeerStore creates a store that remembers at most maxInfoHashes
// distinct infohashes, each with at most maxInfoHashPeers peers.
func NewPeerStore(maxInfoHashes, maxInfoHashPeers int) *PeerStore {
	return &PeerStore{
		infoHashPeers:        lru.New(maxInfoHashes),
		localActiveDownloads: make(map[InfoHash]bool),
		maxInfoHashPeers:     maxInfoHashPeers,
	}
}

func (s *PeerStore) getLocked(ih InfoHash) *peerContactsSet {
	v, ok := s.infoHashPeers.Get(string(ih.Bytes()))
	if !ok {
		return nil
	}
	set, ok := v.(*peerContactsSet)
	if !ok {
		return nil
	}
	return set
}

// Count reports how many peers are currently known for ih.
func (s *PeerStore) Count(ih InfoHash) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := s.getLocked(ih)
	if peers == nil {
		return 0
	}
	return peers.size()
}

// PeerContacts returns a rotating subset (up to kNodes) of the peers
// known for ih.
func (s *PeerStore) PeerContacts(ih InfoHash) []Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := s.getLocked(ih)
	if peers == nil {
		return nil
	}
	return peers.next()
}

// AddContact records ep as a peer for ih. If the per-infohash cap has
// been reached it first evicts a dead entry, or failing that the entry
// after the ring's current position, which is not necessarily the
// oldest. Returns true if ep was newly recorded.
func (s *PeerStore) AddContact(ih InfoHash, ep Endpoint) bool {
	contact, err := ep.Compact()
	if err != nil {
		log.Warningf("dht: dropping uncompactable peer contact %v: %v", ep, err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	peers := s.getLocked(ih)
	if peers == nil {
		peers = newPeerContactsSet()
		s.infoHashPeers.Add(string(ih.Bytes()), peers)
		return peers.put(contact)
	}
	if peers.size() >= s.maxInfoHashPeers {
		if peers.set[contact] {
			return false
		}
		if peers.drop("") == "" {
			return false
		}
	}
	return peers.put(contact)
}

// KillContact marks ep as unreachable across every infohash this node
// is itself downloading, so a future AddContact can reclaim its slot.
func (s *PeerStore) KillContact(ep Endpoint) {
	contact, err := ep.Compact()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ih := range s.localActiveDownloads {
		if peers := s.getLocked(ih); peers != nil {
			peers.kill(contact)
		}
	}
}

// AddLocalDownload records that this node is itself a peer for ih, so
// its contacts participate in KillContact bookkeeping.
func (s *PeerStore) AddLocalDownload(ih InfoHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localActiveDownloads[ih] = true
}

// HasLocalDownload reports whether AddLocalDownload was ever called for
// ih.
func (s *PeerStore) HasLocalDownload(ih InfoHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.localActiveDownloads[ih]
	return ok
}
