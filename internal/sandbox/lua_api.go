package sandbox

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/Shopify/go-lua"

	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/rpc"
	"github.com/roach88/scenehost/internal/wire"
)

func (r *LuaRuntime) register() {
	r.library("crdt", []lua.RegistryFunction{
		{Name: "put", Function: r.crdtPut},
		{Name: "delete", Function: r.crdtDelete},
		{Name: "append", Function: r.crdtAppend},
		{Name: "get", Function: r.crdtGet},
		{Name: "read_all", Function: r.crdtReadAll},
		{Name: "timestamp", Function: r.crdtTimestamp},
	})

	r.library("entity", []lua.RegistryFunction{
		{Name: "new", Function: r.entityNew},
		{Name: "remove", Function: r.entityRemove},
		{Name: "live", Function: r.entityLive},
	})
	r.l.Global("entity")
	for name, id := range map[string]ecs.EntityID{
		"ROOT":   ecs.RootEntity,
		"PLAYER": ecs.PlayerEntity,
		"CAMERA": ecs.CameraEntity,
	} {
		r.l.PushInteger(int(id.Pack()))
		r.l.SetField(-2, name)
	}
	r.l.Pop(1)

	r.library("engine", []lua.RegistryFunction{
		{Name: "submit", Function: r.engineSubmit},
		{Name: "receive", Function: r.engineReceive},
		{Name: "tick", Function: r.engineTick},
	})
	r.library("rpc", []lua.RegistryFunction{
		{Name: "call", Function: r.rpcCall},
	})
	r.library("console", []lua.RegistryFunction{
		{Name: "log", Function: r.consoleLog},
	})
	r.library("env", []lua.RegistryFunction{
		{Name: "get", Function: r.envGet},
	})
}

func (r *LuaRuntime) library(name string, fns []lua.RegistryFunction) {
	r.l.NewTable()
	lua.SetFunctions(r.l, fns, 0)
	r.l.SetGlobal(name)
}

func checkComponent(l *lua.State, index int) ecs.ComponentID {
	v := lua.CheckInteger(l, index)
	if v <= 0 || v > math.MaxUint32 {
		lua.ArgumentError(l, index, "component id out of range")
	}
	return ecs.ComponentID(v)
}

func checkEntity(l *lua.State, index int) ecs.EntityID {
	v := lua.CheckInteger(l, index)
	if v < 0 || v > math.MaxUint32 {
		lua.ArgumentError(l, index, "entity id out of range")
	}
	return ecs.Unpack(uint32(v))
}

func (r *LuaRuntime) crdtPut(l *lua.State) int {
	c, e := checkComponent(l, 1), checkEntity(l, 2)
	data := lua.CheckString(l, 3)
	if !e.IsReserved() {
		r.env.Entities.Observe(e)
	}
	ts, ok := r.env.Store.Put(c, e, []byte(data))
	if !ok {
		l.PushNil()
		return 1
	}
	l.PushInteger(int(ts))
	return 1
}

func (r *LuaRuntime) crdtDelete(l *lua.State) int {
	c, e := checkComponent(l, 1), checkEntity(l, 2)
	ts, ok := r.env.Store.Delete(c, e)
	if !ok {
		l.PushNil()
		return 1
	}
	l.PushInteger(int(ts))
	return 1
}

func (r *LuaRuntime) crdtAppend(l *lua.State) int {
	c, e := checkComponent(l, 1), checkEntity(l, 2)
	data := lua.CheckString(l, 3)
	l.PushBoolean(r.env.Store.AppendGrowOnly(c, e, []byte(data)))
	return 1
}

func (r *LuaRuntime) crdtGet(l *lua.State) int {
	c, e := checkComponent(l, 1), checkEntity(l, 2)
	v, ok := r.env.Store.Read(c, e)
	if !ok {
		l.PushNil()
		return 1
	}
	l.PushString(string(v))
	return 1
}

func (r *LuaRuntime) crdtReadAll(l *lua.State) int {
	c, e := checkComponent(l, 1), checkEntity(l, 2)
	items := r.env.Store.ReadAll(c, e)
	l.CreateTable(len(items), 0)
	for i, v := range items {
		l.PushString(string(v))
		l.RawSetInt(-2, i+1)
	}
	return 1
}

func (r *LuaRuntime) crdtTimestamp(l *lua.State) int {
	c, e := checkComponent(l, 1), checkEntity(l, 2)
	l.PushInteger(int(r.env.Store.Timestamp(c, e)))
	return 1
}

func (r *LuaRuntime) entityNew(l *lua.State) int {
	id, err := r.env.Entities.New()
	if err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	l.PushInteger(int(id.Pack()))
	return 1
}

func (r *LuaRuntime) entityRemove(l *lua.State) int {
	e := checkEntity(l, 1)
	if e.IsReserved() {
		l.PushBoolean(false)
		return 1
	}
	removed := r.env.Store.DeleteEntity(e)
	freed := r.env.Entities.Free(e)
	l.PushBoolean(removed || freed)
	return 1
}

func (r *LuaRuntime) entityLive(l *lua.State) int {
	e := checkEntity(l, 1)
	l.PushBoolean(e.IsReserved() || r.env.Entities.IsLive(e))
	return 1
}

// engineSubmit applies a serialized batch of records and returns how many
// changed the store.
func (r *LuaRuntime) engineSubmit(l *lua.State) int {
	recs, err := wire.DecodeBatch([]byte(lua.CheckString(l, 1)))
	if err != nil {
		l.PushNil()
		l.PushString(err.Error())
		return 2
	}
	n := 0
	for _, rec := range recs {
		if wire.Apply(r.env.Store, rec) {
			n++
		}
	}
	l.PushInteger(n)
	return 1
}

// engineReceive returns the records the host applied this tick as a
// serialized batch.
func (r *LuaRuntime) engineReceive(l *lua.State) int {
	var recs []wire.Record
	if r.in != nil {
		recs = r.in.Received
	}
	if recs == nil {
		recs = []wire.Record{}
	}
	b, err := wire.Marshal(recs)
	if err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	l.PushString(string(b))
	return 1
}

func (r *LuaRuntime) engineTick(l *lua.State) int {
	var n uint64
	if r.in != nil {
		n = r.in.Tick
	}
	l.PushInteger(int(n))
	return 1
}

// rpcCall issues a host call and suspends the script until it resolves.
// It returns the result, or nil and an error message.
func (r *LuaRuntime) rpcCall(l *lua.State) int {
	kind := lua.CheckString(l, 1)
	var args map[string]any
	if l.TypeOf(2) == lua.TypeTable {
		var err error
		if args, err = tableToMap(l, 2, 1); err != nil {
			l.PushNil()
			l.PushString(kind + ": " + err.Error())
			return 2
		}
	}
	req, err := rpc.NewRequest(rpc.Kind(kind), args)
	if err != nil {
		l.PushNil()
		l.PushString(err.Error())
		return 2
	}
	v, err := r.env.Call(r.ctx, req)
	if err != nil {
		l.PushNil()
		l.PushString(err.Error())
		return 2
	}
	g, err := rpc.Generic(v)
	if err != nil {
		l.PushNil()
		l.PushString(err.Error())
		return 2
	}
	if g == nil {
		l.PushBoolean(true)
		return 1
	}
	pushValue(l, g)
	return 1
}

func (r *LuaRuntime) consoleLog(l *lua.State) int {
	parts := make([]string, 0, l.Top())
	for i := 1; i <= l.Top(); i++ {
		parts = append(parts, describe(l, i))
	}
	msg := strings.Join(parts, " ")
	if r.out != nil {
		r.out.Log(msg)
	}
	r.env.logger().Debug("scene log", "message", msg)
	return 0
}

func (r *LuaRuntime) envGet(l *lua.State) int {
	v, ok := r.env.Value(lua.CheckString(l, 1))
	if !ok {
		l.PushNil()
		return 1
	}
	l.PushString(string(v))
	return 1
}

func describe(l *lua.State, i int) string {
	switch l.TypeOf(i) {
	case lua.TypeString:
		s, _ := l.ToString(i)
		return s
	case lua.TypeNumber:
		n, _ := l.ToNumber(i)
		return strconv.FormatFloat(n, 'g', -1, 64)
	case lua.TypeBoolean:
		return strconv.FormatBool(l.ToBoolean(i))
	case lua.TypeNil, lua.TypeNone:
		return "nil"
	case lua.TypeTable:
		return "table"
	case lua.TypeFunction:
		return "function"
	default:
		return "userdata"
	}
}

func pushCommands(l *lua.State, cmds []wire.Command) {
	l.CreateTable(len(cmds), 0)
	for i, c := range cmds {
		l.CreateTable(0, 4)
		l.PushString(c.Kind)
		l.SetField(-2, "kind")
		l.PushString(c.Sender)
		l.SetField(-2, "sender")
		l.PushString(c.Channel)
		l.SetField(-2, "channel")
		l.PushString(string(c.Data))
		l.SetField(-2, "data")
		l.RawSetInt(-2, i+1)
	}
}

// pushValue pushes a decoded result (maps, slices and scalars) as a Lua
// value.
func pushValue(l *lua.State, v any) {
	switch x := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(x)
	case string:
		l.PushString(x)
	case []byte:
		l.PushString(string(x))
	case int:
		l.PushInteger(x)
	case int64:
		l.PushInteger(int(x))
	case uint64:
		l.PushInteger(int(x))
	case float32:
		l.PushNumber(float64(x))
	case float64:
		l.PushNumber(x)
	case []any:
		lua.CheckStackWithMessage(l, 2, "result nested too deeply")
		l.CreateTable(len(x), 0)
		for i, item := range x {
			pushValue(l, item)
			l.RawSetInt(-2, i+1)
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lua.CheckStackWithMessage(l, 2, "result nested too deeply")
		l.CreateTable(0, len(x))
		for _, k := range keys {
			pushValue(l, x[k])
			l.SetField(-2, k)
		}
	default:
		l.PushNil()
	}
}

// maxArgDepth bounds table nesting in script arguments. Self-referential
// tables hit it too.
const maxArgDepth = 16

var errArgsTooDeep = fmt.Errorf("arguments nested deeper than %d levels", maxArgDepth)

func tableToMap(l *lua.State, index, depth int) (map[string]any, error) {
	out := map[string]any{}
	if l.TypeOf(index) != lua.TypeTable {
		return out, nil
	}
	if depth > maxArgDepth {
		return nil, errArgsTooDeep
	}
	if !l.CheckStack(3) {
		return nil, errors.New("arguments exhaust the script stack")
	}
	index = l.AbsIndex(index)
	l.PushNil()
	for l.Next(index) {
		if l.TypeOf(-2) == lua.TypeString {
			key, _ := l.ToString(-2)
			v, err := toGo(l, -1, depth)
			if err != nil {
				l.Pop(2)
				return nil, err
			}
			out[key] = v
		}
		l.Pop(1)
	}
	return out, nil
}

func toGo(l *lua.State, index, depth int) (any, error) {
	switch l.TypeOf(index) {
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n), nil
		}
		return n, nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeTable:
		return tableToGo(l, index, depth+1)
	default:
		return nil, nil
	}
}

// tableToGo returns a slice for sequence tables and a map otherwise.
func tableToGo(l *lua.State, index, depth int) (any, error) {
	if depth > maxArgDepth {
		return nil, errArgsTooDeep
	}
	if !l.CheckStack(3) {
		return nil, errors.New("arguments exhaust the script stack")
	}
	index = l.AbsIndex(index)
	isArray := true
	maxIndex, count := 0, 0
	l.PushNil()
	for l.Next(index) {
		if isArray {
			if l.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if i, ok := l.ToInteger(-2); ok && i > 0 {
				count++
				if i > maxIndex {
					maxIndex = i
				}
			} else {
				isArray = false
			}
		}
		l.Pop(1)
	}
	if isArray && count > 0 && maxIndex == count {
		out := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			l.RawGetInt(index, i)
			v, err := toGo(l, -1, depth)
			l.Pop(1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return tableToMap(l, index, depth)
}
