package dispatch

import "github.com/vinayprograms/packetkit/packet"

// SelectTransport picks the primary transport for a packet. A non-empty hint
// wins verbatim, even when it names no known transport; otherwise packets up
// to sizeThreshold bytes go to the stream and larger ones to RPC.
func SelectTransport(p *packet.Packet, serializedSize, sizeThreshold int) string {
	if p.TransportHint != "" {
		return p.TransportHint
	}
	if serializedSize <= sizeThreshold {
		return packet.TransportStream
	}
	return packet.TransportRPC
}
