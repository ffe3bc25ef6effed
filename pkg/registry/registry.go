// Package registry maps (direction, channel id) pairs to bound message types
// and their codecs. The registry is populated during application setup and
// read-only afterward; the dispatch loop resolves bindings on every tick
// without further validation.
package registry

import (
	"reflect"
	"sync"

	"github.com/wiremux/wiremux/pkg/channel"
	"github.com/wiremux/wiremux/pkg/codec"
	"github.com/wiremux/wiremux/pkg/errors"
)

// Direction names which way a channel carries messages. ToClients is the
// broadcast flavor of ToClient and shares its channel namespace; ToServer is
// an independent namespace.
type Direction uint8

const (
	ToServer Direction = iota
	ToClient
	ToClients
)

func (d Direction) String() string {
	switch d {
	case ToServer:
		return "ToServer"
	case ToClient:
		return "ToClient"
	case ToClients:
		return "ToClients"
	}
	return "Unknown"
}

// namespace collapses ToClients into ToClient: broadcast and unicast traffic
// arrive on the same server-to-client lanes.
func (d Direction) namespace() Direction {
	if d == ToClients {
		return ToClient
	}
	return d
}

// Binding associates one channel with exactly one concrete wire format for
// one direction. Created at setup, immutable for the process lifetime.
type Binding struct {
	Channel   channel.Id
	Direction Direction
	TypeName  string
	Config    channel.Config

	rtype  reflect.Type
	encode func(any) ([]byte, error)
	decode func([]byte) (any, error)
}

func (b *Binding) Encode(value any) ([]byte, error) {
	return b.encode(value)
}

func (b *Binding) Decode(payload []byte) (any, error) {
	return b.decode(payload)
}

type bindingKey struct {
	direction Direction
	ch        channel.Id
}

type typeKey struct {
	direction Direction
	rtype     reflect.Type
}

type Registry struct {
	mut    sync.RWMutex
	byChan map[bindingKey]*Binding
	byType map[typeKey]*Binding
}

func New() *Registry {
	return &Registry{
		byChan: make(map[bindingKey]*Binding),
		byType: make(map[typeKey]*Binding),
	}
}

// Bind registers a message type on a channel for one direction. Binding a
// second, distinct type to an already-bound (direction, channel) fails with
// DuplicateBinding and leaves the original binding intact; re-binding the
// same type to the same channel is idempotent. Binding one type to two
// channels in the same direction is also a DuplicateBinding: the typed send
// and receive operations need a unique channel per type.
func Bind[T any](r *Registry, direction Direction, ch channel.Id, c codec.Codec[T], cfg channel.Config) error {
	ns := direction.namespace()
	rtype := reflect.TypeOf((*T)(nil)).Elem()
	typeName := rtype.String()

	r.mut.Lock()
	defer r.mut.Unlock()

	if existing, has := r.byChan[bindingKey{ns, ch}]; has {
		if existing.rtype == rtype {
			return nil
		}
		return &errors.DuplicateBinding{
			Direction:     direction.String(),
			Channel:       uint8(ch),
			BoundType:     existing.TypeName,
			AttemptedType: typeName,
		}
	}

	if existing, has := r.byType[typeKey{ns, rtype}]; has {
		return &errors.DuplicateBinding{
			Direction:     direction.String(),
			Channel:       uint8(existing.Channel),
			BoundType:     existing.TypeName,
			AttemptedType: typeName,
		}
	}

	binding := &Binding{
		Channel:   ch,
		Direction: direction,
		TypeName:  typeName,
		Config:    cfg,
		rtype:     rtype,
		encode: func(value any) ([]byte, error) {
			typed, ok := value.(T)
			if !ok {
				return nil, &errors.EncodeFailure{
					Channel:  uint8(ch),
					TypeName: typeName,
					Cause:    &errors.UnboundType{Direction: direction.String(), TypeName: reflect.TypeOf(value).String()},
				}
			}
			return c.Encode(typed)
		},
		decode: func(payload []byte) (any, error) {
			return c.Decode(payload)
		},
	}

	r.byChan[bindingKey{ns, ch}] = binding
	r.byType[typeKey{ns, rtype}] = binding
	return nil
}

// Resolve returns the binding for a (direction, channel) pair. Once setup
// has completed this must never fail; the dispatch loop treats an
// UnboundChannel here as a configuration error, not a per-message failure.
func (r *Registry) Resolve(direction Direction, ch channel.Id) (*Binding, error) {
	r.mut.RLock()
	defer r.mut.RUnlock()

	binding, has := r.byChan[bindingKey{direction.namespace(), ch}]
	if !has {
		return nil, &errors.UnboundChannel{Direction: direction.String(), Channel: uint8(ch)}
	}
	return binding, nil
}

// ResolveType looks up the channel bound to T for one direction. This backs
// the typed send/receive operations: applications name types, the registry
// supplies the channel.
func ResolveType[T any](r *Registry, direction Direction) (*Binding, error) {
	rtype := reflect.TypeOf((*T)(nil)).Elem()

	r.mut.RLock()
	defer r.mut.RUnlock()

	binding, has := r.byType[typeKey{direction.namespace(), rtype}]
	if !has {
		return nil, &errors.UnboundType{Direction: direction.String(), TypeName: rtype.String()}
	}
	return binding, nil
}
