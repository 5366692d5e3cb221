// Package device defines the peer model and the capability interfaces the
// connection core consumes: an Adapter to power and scan, a Notifier that
// reports sightings, and a Dialer that opens a duplex Stream to a peer.
//
// Platform backends live under internal/platform and implement these
// interfaces; the core never talks to a radio directly.
package device
