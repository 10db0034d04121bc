package dht

import "net"

// Logger lets a caller observe interesting inbound RPCs without having
// to fork the engine. get_peers is the one RPC worth surfacing: it's
// the signal a torrent client actually cares about, that somebody out
// there is looking for a swarm this node knows about.
type Logger interface {
	GetPeers(addr *net.UDPAddr, id NodeID, ih InfoHash)
}
