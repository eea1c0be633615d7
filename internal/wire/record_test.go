package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ecs"
)

func TestEncodeRecord_Deterministic(t *testing.T) {
	r := Record{Type: PutComponent, Entity: 512, Component: 1, Timestamp: 4, Data: []byte("pos")}

	a, err := EncodeRecord(r)
	require.NoError(t, err)
	b, err := EncodeRecord(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))

	got, err := DecodeRecord(a)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestDecodeRecord_Rejects(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{"unknown type", Record{Type: 99, Component: 1}},
		{"put without component", Record{Type: PutComponent, Entity: 512}},
		{"delete with payload", Record{Type: DeleteComponent, Component: 1, Data: []byte("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Marshal(tt.rec)
			require.NoError(t, err)
			_, err = DecodeRecord(b)
			assert.Error(t, err)
		})
	}

	_, err := DecodeRecord([]byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestRecords_PreserveDiffShape(t *testing.T) {
	src := crdt.New(nil)
	e := ecs.EntityID{Number: 600, Version: 1}
	gone := ecs.EntityID{Number: 601}
	src.Put(ecs.Transform, e, []byte("t"))
	src.Put(ecs.Transform, gone, []byte("g"))
	src.AppendGrowOnly(ecs.PointerEventsResult, e, []byte("p"))
	src.DeleteEntity(gone)

	u := src.TakeUpdates()
	recs := Records(u)
	require.Len(t, recs, 4)
	assert.Equal(t, DeleteEntity, recs[0].Type)
	assert.Equal(t, PutComponent, recs[1].Type)
	assert.Equal(t, DeleteComponent, recs[2].Type)
	assert.Equal(t, AppendValue, recs[3].Type)
	assert.Equal(t, e, recs[1].EntityID())

	back := Updates(recs)
	assert.Equal(t, u.DeletedEntities, back.DeletedEntities)
	assert.Len(t, back.LWW, 2)
	assert.True(t, back.LWW[1].Deleted)
}

func TestBatch_AppliesToReplica(t *testing.T) {
	src := crdt.New(nil)
	e := ecs.EntityID{Number: 700}
	src.Put(ecs.Transform, e, []byte("x"))
	src.Put(ecs.Transform, e, []byte("y"))
	src.AppendGrowOnly(ecs.AvatarEmoteCommand, e, []byte("wave"))

	b, err := EncodeBatch(src.TakeUpdates())
	require.NoError(t, err)

	recs, err := DecodeBatch(b)
	require.NoError(t, err)

	dst := crdt.New(nil)
	for _, r := range recs {
		Apply(dst, r)
	}
	got, ok := dst.Read(ecs.Transform, e)
	require.True(t, ok)
	assert.Equal(t, []byte("y"), got)
	assert.Equal(t, crdt.Timestamp(2), dst.Timestamp(ecs.Transform, e))
	assert.Equal(t, [][]byte{[]byte("wave")}, dst.ReadAll(ecs.AvatarEmoteCommand, e))
}

func TestApply_EmptyPutIsNotDelete(t *testing.T) {
	dst := crdt.New(nil)
	e := ecs.EntityID{Number: 701}

	b, err := EncodeRecord(Record{Type: PutComponent, Entity: e.Pack(), Component: uint32(ecs.Transform), Timestamp: 1, Data: []byte{}})
	require.NoError(t, err)
	r, err := DecodeRecord(b)
	require.NoError(t, err)

	assert.True(t, Apply(dst, r))
	_, ok := dst.Read(ecs.Transform, e)
	assert.True(t, ok)
}

func TestCommandResponse_RoundTrip(t *testing.T) {
	b, err := EncodeCommand(Command{Kind: CommandComms, Sender: "scene-b", Channel: "chat", Data: []byte("hi")})
	require.NoError(t, err)
	c, err := DecodeCommand(b)
	require.NoError(t, err)
	assert.Equal(t, "chat", c.Channel)

	_, err = DecodeCommand(mustMarshal(t, Command{}))
	assert.Error(t, err)

	b, err = EncodeResponse(Response{Kind: ResponseLog, Message: "hello"})
	require.NoError(t, err)
	r, err := DecodeResponse(b)
	require.NoError(t, err)
	assert.Equal(t, "hello", r.Message)
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := Marshal(v)
	require.NoError(t, err)
	return b
}
