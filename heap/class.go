/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package heap

// HeaderType selects the per-allocation header flavor (§3): legacy carries a
// size/type/flags/red-zone block, compact is a packed size|flags word, none
// means the allocation class tracks no header at all (the class's own
// record format is self-describing).
type HeaderType uint8

const (
	HeaderLegacy HeaderType = iota
	HeaderCompact
	HeaderNone
)

// Class describes an allocation class (§4.D): either a run class
// (UnitSize > 0, subdividing a chunk into fixed-size units) or a huge class
// (UnitSize == 0, allocations consume whole chunks).
type Class struct {
	ID            uint16
	UnitSize      uint32 // 0 => huge-block class
	NallocsPerRun uint32
	Alignment     uint32
	Header        HeaderType
	Flex          bool // flex vs default run bitmap
}

const (
	ClassHuge   uint16 = 0
	ClassSmall  uint16 = 1 // small fixed-size run class, e.g. incarnation log records
	ClassMedium uint16 = 2 // medium run class, e.g. B+tree nodes
)

func defaultClasses() map[uint16]*Class {
	return map[uint16]*Class{
		ClassHuge:   {ID: ClassHuge, UnitSize: 0, Header: HeaderLegacy},
		ClassSmall:  {ID: ClassSmall, UnitSize: 64, NallocsPerRun: 256, Alignment: 8, Header: HeaderCompact},
		ClassMedium: {ID: ClassMedium, UnitSize: 512, NallocsPerRun: 64, Alignment: 16, Header: HeaderCompact, Flex: true},
	}
}

// RegisterClass installs (or overwrites) an allocation class.
func (p *Pool) RegisterClass(c Class) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cc := c
	p.classes[c.ID] = &cc
}

func (p *Pool) class(id uint16) (*Class, bool) {
	c, ok := p.classes[id]
	return c, ok
}
