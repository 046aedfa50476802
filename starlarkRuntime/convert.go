package starlark_runtime

import (
	"fmt"
	"reflect"

	"go.starlark.net/starlark"
)

func fromStarlark(value starlark.Value) interface{} {
	switch typed := value.(type) {
	case nil, starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(typed)
	case starlark.Int:
		if i, ok := typed.Int64(); ok {
			return i
		}
		return typed.BigInt()
	case starlark.Float:
		return float64(typed)
	case starlark.String:
		return string(typed)
	case starlark.Bytes:
		return []byte(typed)
	case *starlark.List:
		list := make([]interface{}, 0, typed.Len())
		for i := 0; i < typed.Len(); i++ {
			list = append(list, fromStarlark(typed.Index(i)))
		}
		return list
	case starlark.Tuple:
		list := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			list = append(list, fromStarlark(item))
		}
		return list
	case *starlark.Dict:
		result := make(map[string]interface{}, typed.Len())
		for _, item := range typed.Items() {
			key := item[0]
			if s, ok := key.(starlark.String); ok {
				result[string(s)] = fromStarlark(item[1])
			} else {
				result[key.String()] = fromStarlark(item[1])
			}
		}
		return result
	}
	return value
}

func toStarlark(value interface{}) (starlark.Value, error) {
	switch typed := value.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return typed, nil
	case bool:
		return starlark.Bool(typed), nil
	case string:
		return starlark.String(typed), nil
	case int:
		return starlark.MakeInt(typed), nil
	case int64:
		return starlark.MakeInt64(typed), nil
	case float64:
		return starlark.Float(typed), nil
	case []byte:
		return starlark.Bytes(typed), nil
	}

	reflected := reflect.ValueOf(value)
	switch reflected.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return starlark.MakeInt64(reflected.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return starlark.MakeUint64(reflected.Uint()), nil
	case reflect.Float32:
		return starlark.Float(reflected.Float()), nil
	case reflect.Slice, reflect.Array:
		items := make([]starlark.Value, 0, reflected.Len())
		for i := 0; i < reflected.Len(); i++ {
			item, err := toStarlark(reflected.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return starlark.NewList(items), nil
	case reflect.Map:
		dict := starlark.NewDict(reflected.Len())
		iter := reflected.MapRange()
		for iter.Next() {
			key, err := toStarlark(iter.Key().Interface())
			if err != nil {
				return nil, err
			}
			item, err := toStarlark(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(key, item); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	return nil, fmt.Errorf("cannot convert %T to a starlark value", value)
}
