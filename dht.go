// Package dht implements a Mainline BitTorrent DHT node: the bencoded
// Kademlia-over-UDP RPC dialect, a routing table with XOR-metric
// buckets, an in-memory peer store and the engine that ties them
// together for trackerless peer discovery.
//
// Status: answers all four query types and supports bootstrap and
// iterative peer lookup.
package dht

// Summary of the wire protocol implemented here:
//
// Message types:
//  - query
//  - response
//  - error
//
// RPCs:
//	ping:
//	   see if a node is reachable and record it in the routing table.
//	find_node:
//	   run during bootstrap, or whenever the routing table needs filling.
//	get_peers:
//	   the real deal. Iteratively queries DHT nodes to find sources for
//	   a particular infohash.
//	announce_peer:
//	   announce that this node is itself a peer for a torrent.
//
// Reference: http://www.bittorrent.org/beps/bep_0005.html

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"expvar"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	log "github.com/golang/glog"

	"github.com/amit19singh/Kademlia-DHT/bencode"
)

const (
	// minNodes is how many routing-table entries bootstrap tries to
	// reach before giving up on pinging seeds.
	minNodes = 16
	// rpcTimeout is the read deadline for any outbound query, satisfying
	// the "bounded RPC deadline" requirement for find-peers/bootstrap to
	// make forward progress against unresponsive nodes.
	rpcTimeout = 2 * time.Second
	// secretRotatePeriod is how often the get_peers token secret is
	// rotated. checkToken accepts the current and the immediately prior
	// secret. Serve applies a due rotation only before reading its next
	// datagram, so while the node is idle a token stays valid longer than
	// two rotation periods.
	secretRotatePeriod = 5 * time.Minute
)

var (
	totalSentPing         = expvar.NewInt("dhtTotalSentPing")
	totalSentFindNode     = expvar.NewInt("dhtTotalSentFindNode")
	totalSentGetPeers     = expvar.NewInt("dhtTotalSentGetPeers")
	totalSentAnnouncePeer = expvar.NewInt("dhtTotalSentAnnouncePeer")
	totalRecvQuery        = expvar.NewInt("dhtTotalRecvQuery")
	totalRecvGetPeers     = expvar.NewInt("dhtTotalRecvGetPeers")
	totalRecvAnnouncePeer = expvar.NewInt("dhtTotalRecvAnnouncePeer")
	totalDroppedPackets   = expvar.NewInt("dhtTotalDroppedPackets")
	totalNodesReached     = expvar.NewInt("dhtTotalNodesReached")
)

// Config configures a new DHT node. There is no flag/env parsing in
// this package; that belongs to whatever process embeds it.
type Config struct {
	// Port is the UDP port to listen on. 0 picks an available port.
	Port int
	// NumTargetPeers is how many peers FindPeers tries to collect for an
	// infohash before stopping early.
	NumTargetPeers int
	// Seeds is the initial "host:port" addresses used to join the
	// network. At least one is required for Bootstrap to do anything.
	Seeds []string
	// Logger, if set, is notified of interesting inbound RPCs.
	Logger Logger
}

// DHT is a single participating node: its identity, its listening
// socket, its view of the network (routing table) and of known
// torrent peers (peer store).
type DHT struct {
	id    NodeID
	port  int
	seeds []string

	conn  *net.UDPConn
	ready chan struct{} // closed once Serve has bound conn

	closeOnce sync.Once
	closing   chan struct{} // closed once on either ctx cancellation or Stop

	routingTable *RoutingTable
	peerStore    *PeerStore

	numTargetPeers int
	logger         Logger

	tokenSecrets []string
}

// New creates a DHT node with a freshly generated random identity. It
// does not open a socket or start bootstrapping; call Serve and
// Bootstrap for that.
func New(cfg Config) (*DHT, error) {
	if cfg.NumTargetPeers <= 0 {
		cfg.NumTargetPeers = kNodes
	}
	id := RandomNodeID()
	d := &DHT{
		id:             id,
		port:           cfg.Port,
		seeds:          cfg.Seeds,
		routingTable:   NewRoutingTable(id),
		peerStore:      NewPeerStore(2048, 256),
		numTargetPeers: cfg.NumTargetPeers,
		logger:         cfg.Logger,
		tokenSecrets:   []string{newTokenSecret(), newTokenSecret()},
		ready:          make(chan struct{}),
		closing:        make(chan struct{}),
	}
	return d, nil
}

func newTokenSecret() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		log.Warningf("dht: failed to generate token secret: %v", err)
	}
	return string(b)
}

// LocalID returns this node's identifier.
func (d *DHT) LocalID() NodeID { return d.id }

// Port returns the UDP port the node is listening on. Meaningful only
// after Serve has bound the socket when Config.Port was 0.
func (d *DHT) Port() int { return d.port }

// Ready returns a channel that closes once Serve has bound its
// listening socket, letting callers avoid racing the initial bind.
func (d *DHT) Ready() <-chan struct{} { return d.ready }

// Serve opens the listening socket (if not already open) and processes
// inbound datagrams until ctx is cancelled or Stop is called. It returns
// an error only if the socket cannot be opened; read errors are logged
// and the loop carries on.
func (d *DHT) Serve(ctx context.Context) error {
	if d.conn == nil {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: d.port})
		if err != nil {
			return fmt.Errorf("dht: listen: %w", err)
		}
		d.conn = conn
		d.port = conn.LocalAddr().(*net.UDPAddr).Port
	}
	close(d.ready)
	log.Infof("dht: node %x listening on port %d", d.id, d.port)

	bufs := newArena(maxUDPPacketSize, 8)
	secretRotate := time.NewTicker(secretRotatePeriod)
	defer secretRotate.Stop()

	go func() {
		select {
		case <-ctx.Done():
			d.closeOnce.Do(func() {
				d.conn.Close()
				close(d.closing)
			})
		case <-d.closing:
		}
	}()

	for {
		select {
		case <-secretRotate.C:
			d.tokenSecrets = []string{newTokenSecret(), d.tokenSecrets[0]}
		default:
		}

		buf := bufs.Pop()
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			bufs.Push(buf)
			select {
			case <-d.closing:
				return nil
			default:
			}
			log.Warningf("dht: ReadFromUDP: %v", err)
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		bufs.Push(buf)

		d.handlePacket(addr, pkt)

		if ctx.Err() != nil {
			return nil
		}
	}
}

// Stop closes the listening socket, causing Serve to return. Safe to
// call whether or not Serve's context has also been cancelled.
func (d *DHT) Stop() {
	d.closeOnce.Do(func() {
		if d.conn != nil {
			d.conn.Close()
		}
		close(d.closing)
	})
}

func (d *DHT) handlePacket(addr *net.UDPAddr, pkt []byte) {
	if len(pkt) == 0 || pkt[0] != 'd' {
		totalDroppedPackets.Add(1)
		return
	}
	v, err := bencode.DecodeExact(pkt)
	if err != nil {
		totalDroppedPackets.Add(1)
		log.V(2).Infof("dht: malformed datagram from %v: %v", addr, err)
		return
	}
	m, err := decodeMessage(v)
	if err != nil {
		totalDroppedPackets.Add(1)
		log.V(2).Infof("dht: bad message from %v: %v", addr, err)
		return
	}
	if m.Y != "q" {
		// Replies to our own outbound calls arrive on the ephemeral
		// socket that sent the query, not here; anything else showing
		// up on the listening socket is a stray and is dropped.
		return
	}
	totalRecvQuery.Add(1)
	if !m.A.ID.IsZero() {
		d.observeQuerier(addr, m.A.ID)
	}

	switch m.Q {
	case qPing:
		d.replyPing(addr, m)
	case qFindNode:
		d.replyFindNode(addr, m)
	case qGetPeers:
		d.replyGetPeers(addr, m)
	case qAnnouncePeer:
		d.replyAnnouncePeer(addr, m)
	default:
		log.V(2).Infof("dht: unknown query type %q from %v", m.Q, addr)
	}
}

// observeQuerier inserts the sender of an inbound query into the
// routing table. Most Mainline nodes learn the bulk of their routing
// table from traffic directed at them, not just from find_node
// replies during bootstrap.
func (d *DHT) observeQuerier(addr *net.UDPAddr, id NodeID) {
	d.routingTable.Insert(Node{ID: id, Addr: endpointFromUDPAddr(addr)}, d.pingFunc)
}

func (d *DHT) pingFunc(n Node) bool {
	_, ok := d.ping(n.Addr)
	return ok
}

func (d *DHT) replyPing(addr *net.UDPAddr, m message) {
	reply := encodeReply(m.T, replyValues{ID: d.id}, d.id)
	d.sendTo(addr, reply)
}

func (d *DHT) replyFindNode(addr *net.UDPAddr, m message) {
	closest := d.routingTable.ClosestK(m.A.Target, kNodes)
	reply := encodeReply(m.T, replyValues{ID: d.id, Nodes: closest}, d.id)
	d.sendTo(addr, reply)
}

func (d *DHT) replyGetPeers(addr *net.UDPAddr, m message) {
	totalRecvGetPeers.Add(1)
	if d.logger != nil {
		d.logger.GetPeers(addr, m.A.ID, m.A.InfoHash)
	}

	token := d.hostToken(addr, d.tokenSecrets[0])
	r := replyValues{ID: d.id, Token: token}
	if peers := d.peerStore.PeerContacts(m.A.InfoHash); len(peers) > 0 {
		r.Values = peers
	} else {
		var target NodeID
		copy(target[:], m.A.InfoHash[:])
		r.Nodes = d.routingTable.ClosestK(target, kNodes)
	}
	reply := encodeReply(m.T, r, d.id)
	d.sendTo(addr, reply)
}

func (d *DHT) replyAnnouncePeer(addr *net.UDPAddr, m message) {
	totalRecvAnnouncePeer.Add(1)
	if d.checkToken(addr, m.A.Token) {
		ep := Endpoint{IP: addr.IP.To4(), Port: m.A.Port}
		d.peerStore.AddContact(m.A.InfoHash, ep)
	} else {
		log.V(2).Infof("dht: announce_peer from %v failed token check", addr)
	}
	// Always reply positively, even on a bad token, to avoid revealing
	// which check failed to a potentially hostile peer.
	reply := encodeReply(m.T, replyValues{ID: d.id}, d.id)
	d.sendTo(addr, reply)
}

func (d *DHT) sendTo(addr *net.UDPAddr, v bencode.Value) {
	if d.conn == nil {
		return
	}
	if _, err := d.conn.WriteToUDP(bencode.Encode(v), addr); err != nil {
		log.V(2).Infof("dht: write to %v: %v", addr, err)
	}
}

func (d *DHT) hostToken(addr *net.UDPAddr, secret string) string {
	h := sha1.New()
	h.Write([]byte(addr.String()))
	h.Write([]byte(secret))
	return string(h.Sum(nil))
}

func (d *DHT) checkToken(addr *net.UDPAddr, token string) bool {
	for _, secret := range d.tokenSecrets {
		if d.hostToken(addr, secret) == token {
			return true
		}
	}
	return false
}

// call sends q to ep over a fresh ephemeral UDP socket and waits up to
// rpcTimeout for a response. The socket is acquired for exactly this
// one round trip and released on every exit path via the deferred
// Close.
func (d *DHT) call(ep Endpoint, q queryType, a queryArgs) (message, error) {
	a.ID = d.id
	conn, err := net.DialUDP("udp4", nil, ep.UDPAddr())
	if err != nil {
		return message{}, fmt.Errorf("dht: dial %v: %w", ep, err)
	}
	defer conn.Close()

	t := newTransactionID()
	query := encodeQuery(t, q, a)
	if _, err := conn.Write(bencode.Encode(query)); err != nil {
		return message{}, fmt.Errorf("dht: write to %v: %w", ep, err)
	}

	conn.SetReadDeadline(time.Now().Add(rpcTimeout))
	buf := make([]byte, maxUDPPacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		return message{}, fmt.Errorf("dht: read from %v: %w", ep, err)
	}
	v, err := bencode.DecodeExact(buf[:n])
	if err != nil {
		return message{}, fmt.Errorf("dht: decode reply from %v: %w", ep, err)
	}
	return decodeMessage(v)
}

// ping probes ep and reports whether it is reachable, returning the
// responder as a Node on success. It does not touch the routing table;
// callers decide whether to insert the result.
func (d *DHT) ping(ep Endpoint) (Node, bool) {
	totalSentPing.Add(1)
	m, err := d.call(ep, qPing, queryArgs{})
	if err != nil || m.Y != "r" {
		return Node{}, false
	}
	n := Node{ID: m.R.ID, Addr: ep}
	totalNodesReached.Add(1)
	return n, true
}

// findNode asks ep for the nodes closest to target.
func (d *DHT) findNode(ep Endpoint, target NodeID) ([]Node, error) {
	totalSentFindNode.Add(1)
	m, err := d.call(ep, qFindNode, queryArgs{Target: target})
	if err != nil {
		return nil, err
	}
	if m.Y != "r" {
		return nil, fmt.Errorf("dht: find_node to %v returned %s", ep, m.Y)
	}
	return m.R.Nodes, nil
}

// getPeers asks ep for peers of ih, returning whichever of the values
// list and the closer-nodes list the node sent (a node may send both),
// plus the token to echo back in a subsequent announce_peer to this
// same node.
func (d *DHT) getPeers(ep Endpoint, ih InfoHash) (values []Endpoint, nodes []Node, token string, err error) {
	totalSentGetPeers.Add(1)
	m, err := d.call(ep, qGetPeers, queryArgs{InfoHash: ih})
	if err != nil {
		return nil, nil, "", err
	}
	if m.Y != "r" {
		return nil, nil, "", fmt.Errorf("dht: get_peers to %v returned %s", ep, m.Y)
	}
	return m.R.Values, m.R.Nodes, m.R.Token, nil
}

// announcePeer tells ep that this node is a peer for ih, echoing the
// token obtained from a prior getPeers call to the same node.
func (d *DHT) announcePeer(ep Endpoint, ih InfoHash, token string) error {
	totalSentAnnouncePeer.Add(1)
	m, err := d.call(ep, qAnnouncePeer, queryArgs{InfoHash: ih, Port: d.port, Token: token})
	if err != nil {
		return err
	}
	if m.Y != "r" {
		return fmt.Errorf("dht: announce_peer to %v returned %s", ep, m.Y)
	}
	return nil
}

// Bootstrap joins the network: for each configured seed, it performs a
// find_node lookup for this node's own ID and inserts every node the
// seed returns. It stops contacting further seeds once the routing table
// holds minNodes entries. ctx cancellation is checked between seeds.
func (d *DHT) Bootstrap(ctx context.Context) error {
	if len(d.seeds) == 0 {
		return fmt.Errorf("dht: no seeds configured")
	}
	for _, hostport := range d.seeds {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ep, err := resolveSeed(hostport)
		if err != nil {
			log.Warningf("dht: bad seed %q: %v", hostport, err)
			continue
		}
		if seedNode, ok := d.ping(ep); ok {
			d.routingTable.Insert(seedNode, d.pingFunc)
		}
		nodes, err := d.findNode(ep, d.id)
		if err != nil {
			log.V(1).Infof("dht: bootstrap via %v failed: %v", ep, err)
			continue
		}
		for _, n := range nodes {
			d.routingTable.Insert(n, d.pingFunc)
		}
		if d.routingTable.Len() >= minNodes {
			break
		}
	}
	if d.routingTable.Len() == 0 {
		return fmt.Errorf("dht: bootstrap failed, no seed responded")
	}
	return nil
}

// FindPeers performs an iterative get_peers walk for ih: starting from
// the closest known nodes, it repeatedly queries the closest unqueried
// candidate, merges any nodes it returns into the candidate set, and
// collects any values it returns, until candidates are exhausted or
// enough peers have been found.
func (d *DHT) FindPeers(ctx context.Context, ih InfoHash) ([]Endpoint, error) {
	var target NodeID
	copy(target[:], ih[:])

	candidates := d.routingTable.ClosestK(target, kNodes)
	if len(candidates) == 0 {
		for _, hostport := range d.seeds {
			if ep, err := resolveSeed(hostport); err == nil {
				candidates = append(candidates, Node{Addr: ep})
			}
		}
	}

	queried := make(map[string]bool)
	seenNodes := make(map[NodeID]bool)
	var found []Endpoint
	seenValue := make(map[string]bool)

	for iterations := 0; iterations < 64 && len(found) < d.numTargetPeers; iterations++ {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}
		sort.Slice(candidates, func(i, j int) bool {
			di := target.XOR(candidates[i].ID)
			dj := target.XOR(candidates[j].ID)
			for x := range di {
				if di[x] != dj[x] {
					return di[x] < dj[x]
				}
			}
			return false
		})

		var next Node
		foundCandidate := false
		for _, c := range candidates {
			key := c.Addr.String()
			if !queried[key] {
				next = c
				foundCandidate = true
				break
			}
		}
		if !foundCandidate {
			break
		}
		queried[next.Addr.String()] = true

		values, nodes, _, err := d.getPeers(next.Addr, ih)
		if err != nil {
			continue
		}
		for _, v := range values {
			key := v.String()
			if !seenValue[key] {
				seenValue[key] = true
				found = append(found, v)
			}
		}
		for _, n := range nodes {
			if n.ID.IsZero() || seenNodes[n.ID] {
				continue
			}
			seenNodes[n.ID] = true
			candidates = append(candidates, n)
			d.routingTable.Insert(n, d.pingFunc)
		}
	}
	return found, nil
}

func resolveSeed(hostport string) (Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp4", hostport)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{IP: addr.IP.To4(), Port: addr.Port}, nil
}
