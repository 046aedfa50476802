package lua_runtime

import (
	"fmt"
	"math"
	"reflect"

	lua "github.com/yuin/gopher-lua"
)

// fromLua converts a Lua value to Go. Whole numbers become int64, tables with
// a contiguous 1..n array part become slices, other tables become maps.
// Functions and userdata are returned as is.
func fromLua(value lua.LValue) interface{} {
	switch typed := value.(type) {
	case lua.LBool:
		return bool(typed)
	case lua.LNumber:
		number := float64(typed)
		if number == math.Trunc(number) && math.Abs(number) < 1<<53 {
			return int64(number)
		}
		return number
	case lua.LString:
		return string(typed)
	case *lua.LTable:
		if length := typed.Len(); length > 0 && countKeys(typed) == length {
			list := make([]interface{}, 0, length)
			for i := 1; i <= length; i++ {
				list = append(list, fromLua(typed.RawGetInt(i)))
			}
			return list
		}
		result := map[string]interface{}{}
		typed.ForEach(func(key, value lua.LValue) {
			result[key.String()] = fromLua(value)
		})
		return result
	case *lua.LUserData:
		return typed.Value
	}
	if value == lua.LNil {
		return nil
	}
	return value
}

func countKeys(table *lua.LTable) int {
	count := 0
	table.ForEach(func(_, _ lua.LValue) {
		count++
	})
	return count
}

func toLua(state *lua.LState, value interface{}) lua.LValue {
	switch typed := value.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return typed
	case bool:
		return lua.LBool(typed)
	case string:
		return lua.LString(typed)
	case int:
		return lua.LNumber(typed)
	case int32:
		return lua.LNumber(typed)
	case int64:
		return lua.LNumber(typed)
	case float32:
		return lua.LNumber(typed)
	case float64:
		return lua.LNumber(typed)
	case []interface{}:
		table := state.NewTable()
		for _, item := range typed {
			table.Append(toLua(state, item))
		}
		return table
	case map[string]interface{}:
		table := state.NewTable()
		for key, item := range typed {
			table.RawSetString(key, toLua(state, item))
		}
		return table
	}

	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return lua.LNumber(reflected.Convert(reflect.TypeOf(float64(0))).Float())
	case reflect.Slice, reflect.Array:
		table := state.NewTable()
		for i := 0; i < reflected.Len(); i++ {
			table.Append(toLua(state, reflected.Index(i).Interface()))
		}
		return table
	case reflect.Map:
		table := state.NewTable()
		iter := reflected.MapRange()
		for iter.Next() {
			table.RawSetString(fmt.Sprintf("%v", iter.Key().Interface()), toLua(state, iter.Value().Interface()))
		}
		return table
	}

	userData := state.NewUserData()
	userData.Value = value
	return userData
}
