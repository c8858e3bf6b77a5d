// Package clientid derives human-readable client names from BEP 20 peer_id
// prefixes, and answers the "same client family" question the Choking
// Controller's optimistic-unchoke cooperation bias needs (spec.md §4.4 step
// 5). It also carries this client's own identification strings, the way the
// teacher's version package does for its Deluge-derived defaults.
package clientid

var (
	// DefaultBep20Prefix identifies this client in the first 8 bytes of a
	// peer_id, following the Azureus-style "-XXvvvv-" convention.
	DefaultBep20Prefix = "-PC0001-"

	// DefaultExtendedHandshakeClientVersion is advertised in the extension
	// handshake's "v" key.
	DefaultExtendedHandshakeClientVersion = "peercore 0.1.0"
)

// azureusPrefixes maps the two-letter family code used by the Azureus-style
// "-XXvvvv-" convention to a human-readable family name. Unknown ids fall
// back to PrettyName's generic handling.
var azureusPrefixes = map[string]string{
	"AZ": "Azureus", "BC": "BitComet", "BT": "BitTorrent", "DE": "Deluge",
	"LT": "libtorrent", "PC": "peercore", "qB": "qBittorrent", "TR": "Transmission",
	"UT": "uTorrent", "UM": "µTorrent Mac", "WW": "WebTorrent", "XL": "Xunlei",
}

// SelfPeerID synthesizes a peer_id for this client from DefaultBep20Prefix.
// Only the prefix is filled in; the remaining 12 bytes are left zero, and
// are irrelevant to PrettyName/Family.
func SelfPeerID() (id [20]byte) {
	copy(id[:], DefaultBep20Prefix)
	return id
}

// PrettyName copies the teacher's "pretty-printed client name derived from
// peer_id" behavior referenced in spec.md §4.2 step 5. A 20-byte peer_id
// that doesn't follow a recognized convention yields its first eight bytes
// verbatim, which is itself informative for diagnosing unfamiliar clients.
func PrettyName(peerID [20]byte) string {
	if peerID[0] == '-' && peerID[7] == '-' {
		code := string(peerID[1:3])
		version := string(peerID[3:7])
		if family, ok := azureusPrefixes[code]; ok {
			return family + " " + version
		}
		return code + " " + version
	}
	return string(peerID[:8])
}

// Family extracts just the family token from a pretty-printed client name
// (the portion before the first space, if any).
func Family(name string) string {
	for i, r := range name {
		if r == ' ' {
			return name[:i]
		}
	}
	return name
}

// SameFamily reports whether two pretty-printed client names share a family,
// used by the Choking Controller's cooperation bias (spec.md §4.4 step 5):
// "its client-id string contains the same client family as ours".
func SameFamily(a, b string) bool {
	return Family(a) == Family(b) && Family(a) != ""
}
