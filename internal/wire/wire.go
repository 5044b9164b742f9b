// Package wire encodes and decodes the gossip payloads exchanged between
// cluster daemons. The layout is a fixed binary format rather than a
// general-purpose serialization library: every peer must produce
// byte-identical encodings of identical mutations, which only a
// hand-specified layout with fixed integer widths guarantees.
package wire

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/clusterdns/clusterd/internal/registry"
)

// Tag identifies the payload kind in the first byte of every message.
type Tag byte

const (
	TagUpsert        Tag = 0x01
	TagRemove        Tag = 0x02
	TagFullSync      Tag = 0x03
	TagAuthChallenge Tag = 0x10
	TagAuthResponse  Tag = 0x11
	TagAuthAck       Tag = 0x12
)

const maxNameLen = registry.MaxNameLength

// MutationMessage is the decoded form of an Upsert or Remove payload.
type MutationMessage struct {
	Kind   registry.MutationKind
	Name   string
	Addr   netip.Addr
	Origin registry.PeerID
	TS     uint64
}

// FullSyncEntry is one binding inside a FullSync payload. FullSync omits
// per-entry origin: every entry shares the envelope's Origin field.
type FullSyncEntry struct {
	Name string
	Addr netip.Addr
	TS   uint64
}

// FullSyncMessage carries a node's complete snapshot to a newly
// authenticated peer.
type FullSyncMessage struct {
	Origin  registry.PeerID
	TS      uint64
	Entries []FullSyncEntry
}

// EncodeMutation serializes an Upsert or Remove message.
func EncodeMutation(m MutationMessage) ([]byte, error) {
	if len(m.Name) > maxNameLen {
		return nil, fmt.Errorf("name %q exceeds %d bytes", m.Name, maxNameLen)
	}
	tag := TagUpsert
	if m.Kind == registry.Remove {
		tag = TagRemove
	}

	buf := make([]byte, 0, 1+1+len(m.Name)+1+16+32+8)
	buf = append(buf, byte(tag))
	buf = append(buf, byte(len(m.Name)))
	buf = append(buf, []byte(m.Name)...)
	buf = appendAddr(buf, m.Addr)
	buf = append(buf, m.Origin[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, m.TS)
	return buf, nil
}

// EncodeFullSync serializes a FullSync message.
func EncodeFullSync(m FullSyncMessage) ([]byte, error) {
	buf := make([]byte, 0, 1+32+8+4+len(m.Entries)*32)
	buf = append(buf, byte(TagFullSync))
	buf = append(buf, m.Origin[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, m.TS)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Entries)))
	for _, e := range m.Entries {
		if len(e.Name) > maxNameLen {
			return nil, fmt.Errorf("name %q exceeds %d bytes", e.Name, maxNameLen)
		}
		buf = append(buf, byte(len(e.Name)))
		buf = append(buf, []byte(e.Name)...)
		buf = appendAddr(buf, e.Addr)
		buf = binary.LittleEndian.AppendUint64(buf, e.TS)
	}
	return buf, nil
}

// EncodeAuthChallenge serializes an AuthChallenge payload carrying a
// 32-byte nonce.
func EncodeAuthChallenge(nonce [32]byte) []byte {
	buf := make([]byte, 0, 33)
	buf = append(buf, byte(TagAuthChallenge))
	return append(buf, nonce[:]...)
}

// EncodeAuthResponse serializes an AuthResponse payload carrying a
// 32-byte HMAC.
func EncodeAuthResponse(mac [32]byte) []byte {
	buf := make([]byte, 0, 33)
	buf = append(buf, byte(TagAuthResponse))
	return append(buf, mac[:]...)
}

// EncodeAuthAck serializes an AuthAck payload carrying a 32-byte HMAC.
func EncodeAuthAck(mac [32]byte) []byte {
	buf := make([]byte, 0, 33)
	buf = append(buf, byte(TagAuthAck))
	return append(buf, mac[:]...)
}

func appendAddr(buf []byte, a netip.Addr) []byte {
	if a.Is4() {
		buf = append(buf, 4)
		b := a.As4()
		return append(buf, b[:]...)
	}
	buf = append(buf, 6)
	b := a.As16()
	return append(buf, b[:]...)
}

// PeekTag returns the tag byte of an encoded message without fully
// decoding it.
func PeekTag(data []byte) (Tag, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("empty message")
	}
	return Tag(data[0]), nil
}

// DecodeMutation parses an Upsert or Remove payload (tag byte included).
func DecodeMutation(data []byte) (MutationMessage, error) {
	var m MutationMessage
	if len(data) < 2 {
		return m, fmt.Errorf("mutation message too short: %d bytes", len(data))
	}
	switch Tag(data[0]) {
	case TagUpsert:
		m.Kind = registry.Upsert
	case TagRemove:
		m.Kind = registry.Remove
	default:
		return m, fmt.Errorf("not a mutation message: tag 0x%02x", data[0])
	}

	nameLen := int(data[1])
	if nameLen > maxNameLen {
		return m, fmt.Errorf("name length %d exceeds %d bytes", nameLen, maxNameLen)
	}
	pos := 2
	if len(data) < pos+nameLen {
		return m, fmt.Errorf("truncated name")
	}
	m.Name = string(data[pos : pos+nameLen])
	pos += nameLen

	addr, n, err := readAddr(data[pos:])
	if err != nil {
		return m, err
	}
	m.Addr = addr
	pos += n

	if len(data) < pos+32+8 {
		return m, fmt.Errorf("truncated origin/ts")
	}
	copy(m.Origin[:], data[pos:pos+32])
	pos += 32
	m.TS = binary.LittleEndian.Uint64(data[pos : pos+8])
	return m, nil
}

// DecodeFullSync parses a FullSync payload (tag byte included).
func DecodeFullSync(data []byte) (FullSyncMessage, error) {
	var m FullSyncMessage
	if len(data) < 1+32+8+4 {
		return m, fmt.Errorf("full-sync message too short: %d bytes", len(data))
	}
	if Tag(data[0]) != TagFullSync {
		return m, fmt.Errorf("not a full-sync message: tag 0x%02x", data[0])
	}
	pos := 1
	copy(m.Origin[:], data[pos:pos+32])
	pos += 32
	m.TS = binary.LittleEndian.Uint64(data[pos : pos+8])
	pos += 8
	count := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4

	m.Entries = make([]FullSyncEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos >= len(data) {
			return m, fmt.Errorf("truncated full-sync entry %d", i)
		}
		nameLen := int(data[pos])
		if nameLen > maxNameLen {
			return m, fmt.Errorf("entry %d name length %d exceeds %d bytes", i, nameLen, maxNameLen)
		}
		pos++
		if len(data) < pos+nameLen {
			return m, fmt.Errorf("truncated entry name")
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen

		addr, n, err := readAddr(data[pos:])
		if err != nil {
			return m, err
		}
		pos += n

		if len(data) < pos+8 {
			return m, fmt.Errorf("truncated entry ts")
		}
		ts := binary.LittleEndian.Uint64(data[pos : pos+8])
		pos += 8

		m.Entries = append(m.Entries, FullSyncEntry{Name: name, Addr: addr, TS: ts})
	}
	return m, nil
}

// DecodeAuthChallenge parses an AuthChallenge payload (tag byte included).
func DecodeAuthChallenge(data []byte) ([32]byte, error) {
	var nonce [32]byte
	if len(data) != 33 || Tag(data[0]) != TagAuthChallenge {
		return nonce, fmt.Errorf("malformed auth challenge")
	}
	copy(nonce[:], data[1:])
	return nonce, nil
}

// DecodeAuthResponse parses an AuthResponse payload (tag byte included).
func DecodeAuthResponse(data []byte) ([32]byte, error) {
	var mac [32]byte
	if len(data) != 33 || Tag(data[0]) != TagAuthResponse {
		return mac, fmt.Errorf("malformed auth response")
	}
	copy(mac[:], data[1:])
	return mac, nil
}

// DecodeAuthAck parses an AuthAck payload (tag byte included).
func DecodeAuthAck(data []byte) ([32]byte, error) {
	var mac [32]byte
	if len(data) != 33 || Tag(data[0]) != TagAuthAck {
		return mac, fmt.Errorf("malformed auth ack")
	}
	copy(mac[:], data[1:])
	return mac, nil
}

func readAddr(data []byte) (netip.Addr, int, error) {
	if len(data) < 1 {
		return netip.Addr{}, 0, fmt.Errorf("truncated address tag")
	}
	switch data[0] {
	case 4:
		if len(data) < 5 {
			return netip.Addr{}, 0, fmt.Errorf("truncated ipv4 address")
		}
		var b [4]byte
		copy(b[:], data[1:5])
		return netip.AddrFrom4(b), 5, nil
	case 6:
		if len(data) < 17 {
			return netip.Addr{}, 0, fmt.Errorf("truncated ipv6 address")
		}
		var b [16]byte
		copy(b[:], data[1:17])
		return netip.AddrFrom16(b), 17, nil
	default:
		return netip.Addr{}, 0, fmt.Errorf("unknown address tag %d", data[0])
	}
}
