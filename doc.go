// Package torrent implements a BitTorrent peer-manager core: the
// connection-management layer that sits between a torrent's wire-protocol
// codec and its disk storage, owning peer discovery, handshake admission,
// request scheduling, choking, reconnection, and piece integrity. It does
// not itself speak the BitTorrent wire protocol, dial sockets, or store
// pieces; those are the consumed Messages, IO, and Storage interfaces.
package torrent
