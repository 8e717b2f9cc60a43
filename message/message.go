// Package message defines the polymorphic, reference-counted Message type
// that flows through channels and connections, and the Factory an
// application uses to construct and release them.
//
// A Message is a closed tagged variant rather than an open interface
// hierarchy: every concrete type the application defines embeds Base (or
// BlockBase for a block-carrying message) and registers a constructor with
// a Factory keyed by an application-chosen integer type. The factory is the
// only thing that creates or frees a Message. Only a block message's buffer
// is charged to an Arena (the one its BlockBase was built with); message
// values themselves are ordinary Go allocations.
package message

import (
	"github.com/pkg/errors"

	"github.com/mas-bandwidth/yojimbo-sub001/arena"
	"github.com/mas-bandwidth/yojimbo-sub001/bits"
)

// Serializer is implemented by every concrete message type: one function
// drives its write, read, and measure behavior via the Stream it's given.
type Serializer interface {
	Serialize(s *bits.Stream) bool
}

// Message is the interface channels and connections operate on. Concrete
// application types satisfy it by embedding Base or BlockBase.
type Message interface {
	Serializer
	Type() uint16
	ID() uint16
	SetID(id uint16)
	IsBlock() bool
	addRef()
	release() bool // returns true once ref count has dropped to zero
	refCount() int
}

// Base is embedded by every non-block message type. It supplies id/type
// bookkeeping and single-threaded reference counting; it does not need a
// mutex because a Connection and everything reachable from it runs on one
// goroutine.
type Base struct {
	msgType uint16
	id      uint16
	refs    int
}

func newBase(msgType uint16) Base {
	return Base{msgType: msgType, refs: 1}
}

func (b *Base) Type() uint16       { return b.msgType }
func (b *Base) ID() uint16         { return b.id }
func (b *Base) SetID(id uint16)    { b.id = id }
func (b *Base) IsBlock() bool      { return false }
func (b *Base) addRef()            { b.refs++ }
func (b *Base) refCount() int      { return b.refs }
func (b *Base) release() bool      { b.refs--; return b.refs <= 0 }

// RefCount exposes the current reference count for diagnostics and tests;
// application code should not need to call it in normal operation, since
// the Factory is the only thing that should be adding or releasing refs.
func (b *Base) RefCount() int { return b.refs }

// BlockBase is embedded by every block-carrying message type. It behaves
// like Base but additionally owns a byte buffer allocated from the
// connection's Arena, freed when the last reference is released.
type BlockBase struct {
	Base
	data     []byte
	arena    *arena.Arena
	capacity int
}

func newBlockBase(msgType uint16, a *arena.Arena) BlockBase {
	return BlockBase{Base: newBase(msgType), arena: a}
}

func (b *BlockBase) IsBlock() bool { return true }

// Block returns the attached byte buffer. Its length is the block's actual
// size; callers must not retain it past the message's release.
func (b *BlockBase) Block() []byte { return b.data }

// AllocateBlock reserves size bytes from the owning arena and attaches them
// as this message's block, failing with arena.ErrOutOfMemory if the
// connection's memory budget is exhausted.
func (b *BlockBase) AllocateBlock(size int) error {
	buf, err := b.arena.Allocate(size)
	if err != nil {
		return err
	}
	b.data = buf
	b.capacity = size
	return nil
}

// SetBlock installs an already-allocated buffer (used when the receive
// channel assembles fragments directly into a scratch buffer it allocated
// itself and then hands ownership to the message).
func (b *BlockBase) SetBlock(data []byte, allocatedCapacity int) {
	b.data = data
	b.capacity = allocatedCapacity
}

func (b *BlockBase) release() bool {
	done := b.Base.release()
	if done && b.data != nil {
		b.arena.Free(b.capacity)
		b.data = nil
	}
	return done
}

// NewBase constructs the embeddable Base for a fresh non-block message of
// the given application type, ref count 1.
func NewBase(msgType uint16) Base { return newBase(msgType) }

// NewBlockBase constructs the embeddable BlockBase for a fresh block
// message of the given application type, ref count 1, drawing its eventual
// block buffer from a.
func NewBlockBase(msgType uint16, a *arena.Arena) BlockBase {
	return newBlockBase(msgType, a)
}

// ErrUnknownType is returned by Factory.Create for a type with no
// registered constructor.
var ErrUnknownType = errors.New("message: unknown message type")

// Factory maps an application-defined integer type to a constructor. It is
// the sole entry point for creating and releasing Messages. It holds no
// Arena: only block buffers, through BlockBase, are charged to one.
type Factory struct {
	numTypes     int
	constructors []func() Message
	broke        bool
}

// NewFactory creates a Factory that accepts types in [0, numTypes).
func NewFactory(numTypes int) *Factory {
	return &Factory{numTypes: numTypes, constructors: make([]func() Message, numTypes)}
}

// NumTypes returns the number of distinct message types this factory knows
// about (not all of which need to be registered).
func (f *Factory) NumTypes() int { return f.numTypes }

// Register associates msgType with a constructor. Panics if msgType is out
// of [0, numTypes) — this is a programming error, caught at startup.
func (f *Factory) Register(msgType uint16, ctor func() Message) {
	if int(msgType) >= f.numTypes {
		panic("message: registered type out of factory range")
	}
	f.constructors[msgType] = ctor
}

// Create builds a fresh message of msgType with ref count 1. Fails with
// ErrUnknownType if nothing was registered for it, or if msgType is out of
// range.
func (f *Factory) Create(msgType uint16) (Message, error) {
	if int(msgType) >= f.numTypes || f.constructors[msgType] == nil {
		f.broke = true
		return nil, errors.Wrapf(ErrUnknownType, "type %d", msgType)
	}
	return f.constructors[msgType](), nil
}

// AddRef increments m's reference count. Called whenever a new holder (the
// send queue, a sent-packet record, an in-flight serialization) starts
// referencing a message that already has one.
func (f *Factory) AddRef(m Message) { m.addRef() }

// Release decrements m's reference count, freeing any attached block buffer
// back to its arena once the count reaches zero.
func (f *Factory) Release(m Message) { m.release() }

// Broken reports whether Create has ever failed, the latched
// MessageFactory connection-level fault.
func (f *Factory) Broken() bool { return f.broke }
