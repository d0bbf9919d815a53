// Package assemble implements fixed-size packet reconstruction from
// chunked unidirectional streams (ChunkAssembler, component F) and the
// Packet/PacketBatch data types.
package assemble

import "time"

// PacketDataSize is the size of the buffer every reconstructed packet
// is assembled into, and so the maximum packet length: spec.md's
// PACKET_DATA_SIZE.
const PacketDataSize = 1232

// Packet is one fully reassembled, size-bounded byte buffer plus
// metadata.
type Packet struct {
	Data       []byte // len <= PacketDataSize
	Source     string // remote socket address
	ReceivedAt time.Time
	Staked     bool
}

// Batch is an ordered, size-bounded group of packets flushed together
// to the downstream consumer. Packets appear in finish order.
type Batch struct {
	Packets []Packet
}

// Bytes returns the total payload size across every packet in the batch.
func (b *Batch) Bytes() int {
	n := 0
	for _, p := range b.Packets {
		n += len(p.Data)
	}
	return n
}
