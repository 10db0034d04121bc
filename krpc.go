package dht

// Wire message model: a typed view over the bencode.Value dictionaries
// exchanged with other DHT nodes, grounded on krpc.go's responseType /
// answerType / getPeersResponse / queryMessage / replyMessage structs,
// ported by hand onto our own bencode.Value tree instead of onto
// jackpal/bencode-go's struct-tag reflection.

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/amit19singh/Kademlia-DHT/bencode"
	"github.com/nictuku/nettools"
)

const (
	idLen = 20
	// kNodes is the Kademlia bucket size and the number of entries
	// returned by a closest-K query, fixed at 8 by BEP-5.
	kNodes = 8
	// maxUDPPacketSize is generous for the core's queries and replies;
	// BEP-5 messages are small, this just avoids truncation on busier
	// get_peers replies packed with nodes or values.
	maxUDPPacketSize = 4096
	v4NodeContactLen = 26
	v4PeerContactLen = 6
)

// NodeID is a 160-bit Kademlia identifier, compared and XORed byte by
// byte, most-significant byte first.
type NodeID [idLen]byte

func (id NodeID) String() string { return fmt.Sprintf("%x", id[:]) }

// Bytes returns the identifier as an opaque 20-byte string, the form used
// on the wire and as a bencode byte-string.
func (id NodeID) Bytes() string { return string(id[:]) }

// NodeIDFromString converts a 20-byte opaque string into a NodeID,
// returning an error if s is not exactly 20 bytes long.
func NodeIDFromString(s string) (NodeID, error) {
	var id NodeID
	if len(s) != idLen {
		return id, fmt.Errorf("dht: node id must be %d bytes, got %d", idLen, len(s))
	}
	copy(id[:], s)
	return id, nil
}

// RandomNodeID generates a NodeID from a cryptographically secure
// source, for use as the local node's identity.
func RandomNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read on the standard reader does not fail in
		// practice; a zero ID is a safe, detectable fallback.
	}
	return id
}

// XOR returns the bitwise XOR distance between id and other.
func (id NodeID) XOR(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Less orders two NodeIDs byte-lexicographically, used to break ties
// when sorting nodes by XOR distance.
func (id NodeID) Less(other NodeID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// IsZero reports whether id is the all-zero identifier.
func (id NodeID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// InfoHash is a 20-byte SHA-1 digest identifying a torrent swarm. It is a
// distinct type from NodeID purely for self-documentation; both the DHT
// keyspace and the infohash space are 160 bits and share no other
// relationship.
type InfoHash [idLen]byte

func (h InfoHash) String() string { return fmt.Sprintf("%x", h[:]) }
func (h InfoHash) Bytes() string  { return string(h[:]) }

// DecodeInfoHash converts a hex-encoded 40-character string into an
// InfoHash.
func DecodeInfoHash(hexStr string) (InfoHash, error) {
	var h InfoHash
	b, err := hexDecode(hexStr)
	if err != nil {
		return h, err
	}
	if len(b) != idLen {
		return h, fmt.Errorf("dht: DecodeInfoHash: expected %d bytes, got %d", idLen, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func hexDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("dht: odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi, err := hexNibble(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexNibble(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("dht: invalid hex digit %q", c)
	}
}

// Endpoint is an IPv4 address plus a UDP port. IPv6 is out of scope.
type Endpoint struct {
	IP   net.IP
	Port int
}

func (e Endpoint) String() string { return fmt.Sprintf("%s:%d", e.IP, e.Port) }

func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: e.Port}
}

func endpointFromUDPAddr(a *net.UDPAddr) Endpoint {
	return Endpoint{IP: a.IP.To4(), Port: a.Port}
}

// Compact returns the 6-byte wire representation: 4 bytes of IPv4 address
// followed by the 2-byte port, both in network byte order.
func (e Endpoint) Compact() (string, error) {
	ip4 := e.IP.To4()
	if ip4 == nil {
		return "", fmt.Errorf("dht: Endpoint.Compact: not an IPv4 address: %v", e.IP)
	}
	return nettools.DottedPortToBinary(fmt.Sprintf("%s:%d", ip4, e.Port)), nil
}

// DecodeEndpoint parses a 6-byte compact peer contact.
func DecodeEndpoint(b string) (Endpoint, error) {
	if len(b) != v4PeerContactLen {
		return Endpoint{}, fmt.Errorf("dht: compact peer contact must be %d bytes, got %d", v4PeerContactLen, len(b))
	}
	hostPort := nettools.BinaryToDottedPort(b)
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return Endpoint{}, err
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Endpoint{}, err
	}
	return Endpoint{IP: net.ParseIP(host), Port: port}, nil
}

// Node is a DHT participant: its identifier plus where to reach it.
// Equality is componentwise.
type Node struct {
	ID   NodeID
	Addr Endpoint
}

func (n Node) Equal(other Node) bool {
	return n.ID == other.ID && n.Addr.IP.Equal(other.Addr.IP) && n.Addr.Port == other.Addr.Port
}

// compactNode returns the 26-byte wire representation of a Node: 20
// bytes of ID followed by the 6-byte compact endpoint.
func compactNode(n Node) (string, error) {
	ep, err := n.Addr.Compact()
	if err != nil {
		return "", err
	}
	return n.ID.Bytes() + ep, nil
}

// encodeNodes concatenates the compact representation of every node,
// silently skipping any whose address cannot be compacted (e.g. an IPv6
// leftover, which is out of scope).
func encodeNodes(nodes []Node) string {
	var sb []byte
	for _, n := range nodes {
		c, err := compactNode(n)
		if err != nil {
			continue
		}
		sb = append(sb, c...)
	}
	return string(sb)
}

// decodeNodes splits a compact node list into individual Node values.
func decodeNodes(s string) []Node {
	if len(s)%v4NodeContactLen != 0 {
		return nil
	}
	out := make([]Node, 0, len(s)/v4NodeContactLen)
	for i := 0; i < len(s); i += v4NodeContactLen {
		rec := s[i : i+v4NodeContactLen]
		id, err := NodeIDFromString(rec[:idLen])
		if err != nil {
			continue
		}
		ep, err := DecodeEndpoint(rec[idLen:])
		if err != nil {
			continue
		}
		out = append(out, Node{ID: id, Addr: ep})
	}
	return out
}

// queryType enumerates the four Mainline DHT RPCs defined by BEP-5.
type queryType string

const (
	qPing         queryType = "ping"
	qFindNode     queryType = "find_node"
	qGetPeers     queryType = "get_peers"
	qAnnouncePeer queryType = "announce_peer"
)

// queryArgs is the "a" dictionary of an inbound or outbound query.
// Unused fields are left zero for query types that don't carry them.
type queryArgs struct {
	ID       NodeID
	Target   NodeID
	InfoHash InfoHash
	Port     int
	Token    string
}

// replyValues is the "r" dictionary of a response.
type replyValues struct {
	ID     NodeID
	Nodes  []Node
	Values []Endpoint
	Token  string
}

// message is the generic typed view over any decoded top-level
// dictionary: query, response or error, discriminated by Y.
type message struct {
	T string // transaction id
	Y string // "q", "r", "e"
	Q queryType
	A queryArgs
	R replyValues
	// E holds [code, message] for error replies.
	ECode int
	EMsg  string
}

// newTransactionID allocates a fresh, unpredictable 2-byte transaction
// id, one per outstanding request, as BEP-5 requires.
func newTransactionID() string {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "\x00\x00"
	}
	return string(b[:])
}

// encodeQuery builds the bencode.Value for an outbound query.
func encodeQuery(t string, q queryType, a queryArgs) bencode.Value {
	args := map[string]bencode.Value{"id": bencode.NewString(a.ID.Bytes())}
	switch q {
	case qFindNode:
		args["target"] = bencode.NewString(a.Target.Bytes())
	case qGetPeers:
		args["info_hash"] = bencode.NewString(a.InfoHash.Bytes())
	case qAnnouncePeer:
		args["info_hash"] = bencode.NewString(a.InfoHash.Bytes())
		args["port"] = bencode.NewInt(int64(a.Port))
		args["token"] = bencode.NewString(a.Token)
	}
	return bencode.NewDict(map[string]bencode.Value{
		"t": bencode.NewString(t),
		"y": bencode.NewString("q"),
		"q": bencode.NewString(string(q)),
		"a": bencode.NewDict(args),
	})
}

// encodeReply builds the bencode.Value for an outbound response.
func encodeReply(t string, r replyValues, id NodeID) bencode.Value {
	rd := map[string]bencode.Value{"id": bencode.NewString(id.Bytes())}
	if r.Token != "" {
		rd["token"] = bencode.NewString(r.Token)
	}
	if len(r.Values) > 0 {
		items := make([]bencode.Value, 0, len(r.Values))
		for _, ep := range r.Values {
			c, err := ep.Compact()
			if err != nil {
				continue
			}
			items = append(items, bencode.NewString(c))
		}
		rd["values"] = bencode.NewList(items...)
	}
	if r.Nodes != nil {
		rd["nodes"] = bencode.NewString(encodeNodes(r.Nodes))
	}
	return bencode.NewDict(map[string]bencode.Value{
		"t": bencode.NewString(t),
		"y": bencode.NewString("r"),
		"r": bencode.NewDict(rd),
	})
}

// decodeMessage classifies a decoded top-level dictionary into a
// message. Any missing or mistyped field in an otherwise well-formed
// dictionary is reported as an error rather than silently zero-valued,
// so the caller can drop and log the datagram instead of acting on
// half-parsed data.
func decodeMessage(v bencode.Value) (message, error) {
	var m message
	t, ok := v.Get("t")
	if !ok {
		return m, fmt.Errorf("dht: message missing t")
	}
	ts, ok := t.Str()
	if !ok {
		return m, fmt.Errorf("dht: message t is not a string")
	}
	m.T = ts

	y, ok := v.Get("y")
	if !ok {
		return m, fmt.Errorf("dht: message missing y")
	}
	ys, ok := y.Str()
	if !ok {
		return m, fmt.Errorf("dht: message y is not a string")
	}
	m.Y = ys

	switch ys {
	case "q":
		q, ok := v.Get("q")
		if !ok {
			return m, fmt.Errorf("dht: query missing q")
		}
		qs, ok := q.Str()
		if !ok {
			return m, fmt.Errorf("dht: query q is not a string")
		}
		m.Q = queryType(qs)
		a, ok := v.Get("a")
		if !ok {
			return m, fmt.Errorf("dht: query missing a")
		}
		args, err := decodeQueryArgs(a, m.Q)
		if err != nil {
			return m, err
		}
		m.A = args
	case "r":
		r, ok := v.Get("r")
		if !ok {
			return m, fmt.Errorf("dht: response missing r")
		}
		rv, err := decodeReplyValues(r)
		if err != nil {
			return m, err
		}
		m.R = rv
	case "e":
		e, ok := v.Get("e")
		if !ok {
			return m, fmt.Errorf("dht: error message missing e")
		}
		items, ok := e.ListItems()
		if !ok || len(items) < 2 {
			return m, fmt.Errorf("dht: error message e is malformed")
		}
		code, ok := items[0].Int()
		if !ok {
			return m, fmt.Errorf("dht: error code is not an integer")
		}
		msg, ok := items[1].Str()
		if !ok {
			return m, fmt.Errorf("dht: error message text is not a string")
		}
		m.ECode = int(code)
		m.EMsg = msg
	default:
		return m, fmt.Errorf("dht: unknown message class %q", ys)
	}
	return m, nil
}

func decodeQueryArgs(v bencode.Value, q queryType) (queryArgs, error) {
	var a queryArgs
	idVal, ok := v.Get("id")
	if !ok {
		return a, fmt.Errorf("dht: query args missing id")
	}
	idStr, ok := idVal.Str()
	if !ok {
		return a, fmt.Errorf("dht: query args id is not a string")
	}
	id, err := NodeIDFromString(idStr)
	if err != nil {
		return a, err
	}
	a.ID = id

	switch q {
	case qFindNode:
		tv, ok := v.Get("target")
		if !ok {
			return a, fmt.Errorf("dht: find_node missing target")
		}
		ts, ok := tv.Str()
		if !ok {
			return a, fmt.Errorf("dht: find_node target is not a string")
		}
		target, err := NodeIDFromString(ts)
		if err != nil {
			return a, err
		}
		a.Target = target
	case qGetPeers, qAnnouncePeer:
		ihVal, ok := v.Get("info_hash")
		if !ok {
			return a, fmt.Errorf("dht: %s missing info_hash", q)
		}
		ihStr, ok := ihVal.Str()
		if !ok {
			return a, fmt.Errorf("dht: %s info_hash is not a string", q)
		}
		if len(ihStr) != idLen {
			return a, fmt.Errorf("dht: %s info_hash must be %d bytes, got %d", q, idLen, len(ihStr))
		}
		copy(a.InfoHash[:], ihStr)
		if q == qAnnouncePeer {
			pv, ok := v.Get("port")
			if !ok {
				return a, fmt.Errorf("dht: announce_peer missing port")
			}
			port, ok := pv.Int()
			if !ok {
				return a, fmt.Errorf("dht: announce_peer port is not an integer")
			}
			a.Port = int(port)
			tok, ok := v.Get("token")
			if !ok {
				return a, fmt.Errorf("dht: announce_peer missing token")
			}
			tokStr, ok := tok.Str()
			if !ok {
				return a, fmt.Errorf("dht: announce_peer token is not a string")
			}
			a.Token = tokStr
		}
	}
	return a, nil
}

func decodeReplyValues(v bencode.Value) (replyValues, error) {
	var r replyValues
	idVal, ok := v.Get("id")
	if !ok {
		return r, fmt.Errorf("dht: response missing id")
	}
	idStr, ok := idVal.Str()
	if !ok {
		return r, fmt.Errorf("dht: response id is not a string")
	}
	id, err := NodeIDFromString(idStr)
	if err != nil {
		return r, err
	}
	r.ID = id

	if nv, ok := v.Get("nodes"); ok {
		ns, ok := nv.Str()
		if !ok {
			return r, fmt.Errorf("dht: response nodes is not a string")
		}
		r.Nodes = decodeNodes(ns)
	}
	if vv, ok := v.Get("values"); ok {
		items, ok := vv.ListItems()
		if !ok {
			return r, fmt.Errorf("dht: response values is not a list")
		}
		for _, it := range items {
			s, ok := it.Str()
			if !ok {
				return r, fmt.Errorf("dht: response values entry is not a string")
			}
			ep, err := DecodeEndpoint(s)
			if err != nil {
				continue
			}
			r.Values = append(r.Values, ep)
		}
	}
	if tok, ok := v.Get("token"); ok {
		s, ok := tok.Str()
		if !ok {
			return r, fmt.Errorf("dht: response token is not a string")
		}
		r.Token = s
	}
	return r, nil
}
