package wire

import (
	"fmt"

	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ecs"
)

// RecordType tags a CRDT record.
type RecordType uint8

const (
	PutComponent    RecordType = 1
	DeleteComponent RecordType = 2
	DeleteEntity    RecordType = 3
	AppendValue     RecordType = 4
)

func (t RecordType) String() string {
	switch t {
	case PutComponent:
		return "put_component"
	case DeleteComponent:
		return "delete_component"
	case DeleteEntity:
		return "delete_entity"
	case AppendValue:
		return "append_value"
	default:
		return fmt.Sprintf("record_type(%d)", uint8(t))
	}
}

// Record is one serialized CRDT mutation.
type Record struct {
	Type      RecordType `cbor:"1,keyasint"`
	Entity    uint32     `cbor:"2,keyasint"`
	Component uint32     `cbor:"3,keyasint,omitempty"`
	Timestamp uint64     `cbor:"4,keyasint,omitempty"`
	Data      []byte     `cbor:"5,keyasint,omitempty"`
}

// EntityID returns the unpacked entity.
func (r Record) EntityID() ecs.EntityID {
	return ecs.Unpack(r.Entity)
}

// Validate checks structural invariants of a decoded record.
func (r Record) Validate() error {
	switch r.Type {
	case PutComponent, AppendValue:
		if r.Component == 0 {
			return fmt.Errorf("%s: missing component", r.Type)
		}
	case DeleteComponent:
		if r.Component == 0 {
			return fmt.Errorf("%s: missing component", r.Type)
		}
		if len(r.Data) != 0 {
			return fmt.Errorf("%s: unexpected payload", r.Type)
		}
	case DeleteEntity:
	default:
		return fmt.Errorf("unknown record type %d", uint8(r.Type))
	}
	return nil
}

// EncodeRecord serializes a single record.
func EncodeRecord(r Record) ([]byte, error) {
	b, err := Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", r.Type, err)
	}
	return b, nil
}

// DecodeRecord parses and validates a single record.
func DecodeRecord(b []byte) (Record, error) {
	var r Record
	if err := Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

// Records flattens a diff into records: deleted entities first, then LWW
// values, then appends.
func Records(u crdt.Updates) []Record {
	out := make([]Record, 0, u.Len())
	for _, e := range u.DeletedEntities {
		out = append(out, Record{Type: DeleteEntity, Entity: e.Pack()})
	}
	for _, up := range u.LWW {
		r := Record{
			Type:      PutComponent,
			Entity:    up.Entity.Pack(),
			Component: uint32(up.Component),
			Timestamp: uint64(up.Timestamp),
			Data:      up.Data,
		}
		if up.Deleted {
			r.Type = DeleteComponent
			r.Data = nil
		}
		out = append(out, r)
	}
	for _, ap := range u.Appends {
		out = append(out, Record{
			Type:      AppendValue,
			Entity:    ap.Entity.Pack(),
			Component: uint32(ap.Component),
			Data:      ap.Data,
		})
	}
	return out
}

// Updates is the inverse of Records.
func Updates(records []Record) crdt.Updates {
	var u crdt.Updates
	for _, r := range records {
		switch r.Type {
		case DeleteEntity:
			u.DeletedEntities = append(u.DeletedEntities, r.EntityID())
		case PutComponent:
			data := r.Data
			if data == nil {
				data = []byte{}
			}
			u.LWW = append(u.LWW, crdt.LWWUpdate{
				Component: ecs.ComponentID(r.Component),
				Entity:    r.EntityID(),
				Timestamp: crdt.Timestamp(r.Timestamp),
				Data:      data,
			})
		case DeleteComponent:
			u.LWW = append(u.LWW, crdt.LWWUpdate{
				Component: ecs.ComponentID(r.Component),
				Entity:    r.EntityID(),
				Timestamp: crdt.Timestamp(r.Timestamp),
				Deleted:   true,
			})
		case AppendValue:
			u.Appends = append(u.Appends, crdt.AppendUpdate{
				Component: ecs.ComponentID(r.Component),
				Entity:    r.EntityID(),
				Data:      r.Data,
			})
		}
	}
	return u
}

// EncodeUpdates serializes each record of a diff separately, the shape
// the message channel carries.
func EncodeUpdates(u crdt.Updates) ([][]byte, error) {
	recs := Records(u)
	out := make([][]byte, 0, len(recs))
	for _, r := range recs {
		b, err := EncodeRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// EncodeBatch serializes a diff as one CBOR array. This is the form the
// bulk script primitives exchange.
func EncodeBatch(u crdt.Updates) ([]byte, error) {
	b, err := Marshal(Records(u))
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	return b, nil
}

// DecodeBatch parses a batch produced by EncodeBatch.
func DecodeBatch(b []byte) ([]Record, error) {
	var recs []Record
	if err := Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	for i, r := range recs {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("decode batch: record %d: %w", i, err)
		}
	}
	return recs, nil
}

// Apply merges one record into a store and reports whether it changed
// state.
func Apply(s *crdt.Store, r Record) bool {
	switch r.Type {
	case DeleteEntity:
		return s.DeleteEntity(r.EntityID())
	case PutComponent:
		data := r.Data
		if data == nil {
			data = []byte{}
		}
		return s.ApplyLWW(ecs.ComponentID(r.Component), r.EntityID(), crdt.Timestamp(r.Timestamp), data) == crdt.Accepted
	case DeleteComponent:
		return s.ApplyLWW(ecs.ComponentID(r.Component), r.EntityID(), crdt.Timestamp(r.Timestamp), nil) == crdt.Accepted
	case AppendValue:
		return s.AppendGrowOnly(ecs.ComponentID(r.Component), r.EntityID(), r.Data)
	}
	return false
}
