// Package btree implements the B+tree family (§4.E): an ordered index
// embedded in the persistent heap, parameterized per allocation class by a
// value-type table of callbacks (design note §9: "no inheritance or
// dynamic dispatch in the tree class layer"). Keys are a tagged union of
// hashed, unsigned-integer, or direct-key flavors; this implementation
// represents that union as the Key type below rather than as an interface
// hierarchy.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// KeyKind tags which of the three key representations (§3) a Class uses.
type KeyKind uint8

const (
	KeyHashed KeyKind = iota // inline bytes or 16-byte murmur+string hash
	KeyUint                  // unsigned-integer key
	KeyDirect                // pointer to a leaf holding the actual bytes
)

// KHInlineMax bounds how many raw key bytes are stored inline before the
// class falls back to hashing (the spec's KH_INLINE_MAX).
const KHInlineMax = 24

// Key is the tagged-union key value carried by every Record.
type Key struct {
	Kind   KeyKind
	Raw    []byte // KeyHashed (<=KHInlineMax) or KeyDirect payload
	Hash   [16]byte
	Hashed bool // true once Raw has been folded into Hash
	UintV  uint64
}

// HashedKey builds a Key from raw bytes, hashing via murmur3 x64-128 when
// the bytes exceed the inline capacity (§3).
func HashedKey(raw []byte) Key {
	if len(raw) <= KHInlineMax {
		return Key{Kind: KeyHashed, Raw: append([]byte(nil), raw...)}
	}
	h1, h2 := murmur3.Sum128(raw)
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], h1)
	binary.LittleEndian.PutUint64(buf[8:16], h2)
	return Key{Kind: KeyHashed, Hash: buf, Hashed: true, Raw: append([]byte(nil), raw...)}
}

// UintKey builds an unsigned-integer Key.
func UintKey(v uint64) Key { return Key{Kind: KeyUint, UintV: v} }

// DirectKey builds a direct Key (its bytes live at the leaf, the tree only
// ever compares the bytes themselves, uninterpreted).
func DirectKey(raw []byte) Key { return Key{Kind: KeyDirect, Raw: append([]byte(nil), raw...)} }

// Cmp orders two Keys of the same Kind. Ties between hashed keys fall back
// to comparing the raw bytes so that hash collisions don't corrupt order.
func Cmp(a, b Key) int {
	switch a.Kind {
	case KeyUint:
		switch {
		case a.UintV < b.UintV:
			return -1
		case a.UintV > b.UintV:
			return 1
		default:
			return 0
		}
	case KeyHashed:
		if a.Hashed || b.Hashed {
			if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
				return c
			}
		}
		return bytes.Compare(a.Raw, b.Raw)
	default: // KeyDirect
		return bytes.Compare(a.Raw, b.Raw)
	}
}

// Feature bits a tree can be created with (§4.E).
type Feature uint32

const (
	FeatUintKey Feature = 1 << iota
	FeatDirectKey
	FeatDynamicRoot
	FeatSkipLeafRebalance
	FeatEmbedFirst
	FeatEmbedded
)

func (f Feature) has(bit Feature) bool { return f&bit != 0 }
