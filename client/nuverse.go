package client

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/iancoleman/orderedmap"
)

func loadStructures(path string) (*orderedmap.OrderedMap, error) {
	om := orderedmap.New()
	om.SetEscapeHTML(false)
	if path == "" {
		return om, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := sonic.Unmarshal(data, om); err != nil {
		return nil, err
	}
	return om, nil
}

// tupleKeysOf extracts a __tuple__ name list from any of the map shapes
// a structure definition can decode into.
func tupleKeysOf(v any) []any {
	var raw any
	var found bool
	switch s := v.(type) {
	case *orderedmap.OrderedMap:
		raw, found = s.Get("__tuple__")
	case orderedmap.OrderedMap:
		raw, found = s.Get("__tuple__")
	case map[string]any:
		raw, found = s["__tuple__"]
	}
	if !found {
		return nil
	}
	keys, _ := raw.([]any)
	return keys
}

func newOrderedMap() *orderedmap.OrderedMap {
	om := orderedmap.New()
	om.SetEscapeHTML(false)
	return om
}

func tupleToDict(tupleKeys []any, values []any) *orderedmap.OrderedMap {
	dict := newOrderedMap()
	for j, v := range values {
		if j >= len(tupleKeys) {
			break
		}
		if v == nil {
			continue
		}
		if keyStr, ok := tupleKeys[j].(string); ok {
			dict.Set(keyStr, v)
		}
	}
	return dict
}

// RestoreDict rebuilds one packed row into a named map following the
// structure definition: plain string slots take the positional value,
// [name, {__tuple__: names}] slots expand a value tuple, and
// [name, subStructure] slots recurse over an array of rows.
func RestoreDict(arrayData []any, keyStructure []any) *orderedmap.OrderedMap {
	result := newOrderedMap()

	// A two-slot structure whose second slot is a tuple definition
	// names the whole row.
	if len(keyStructure) == 2 {
		if keyName, ok := keyStructure[0].(string); ok {
			if tupleKeys := tupleKeysOf(keyStructure[1]); tupleKeys != nil {
				tupleVals := arrayData
				if len(arrayData) == 1 {
					if innerArr, ok := arrayData[0].([]any); ok {
						tupleVals = innerArr
					}
				}
				result.Set(keyName, tupleToDict(tupleKeys, tupleVals))
				return result
			}
		}
	}

	for i, key := range keyStructure {
		switch k := key.(type) {
		case []any:
			if len(k) < 2 {
				continue
			}
			keyName, ok := k[0].(string)
			if !ok {
				continue
			}

			if tupleKeys := tupleKeysOf(k[1]); tupleKeys != nil {
				if i < len(arrayData) && arrayData[i] != nil {
					if tupleVals, ok := arrayData[i].([]any); ok {
						result.Set(keyName, tupleToDict(tupleKeys, tupleVals))
					}
				}
				continue
			}

			if second, ok := k[1].([]any); ok {
				if i >= len(arrayData) {
					continue
				}
				arr, ok := arrayData[i].([]any)
				if !ok {
					continue
				}
				innerStructure := second
				if len(second) > 0 {
					if inner, ok := second[0].([]any); ok && len(inner) >= 2 {
						innerStructure = inner
					}
				}
				// nulls are dropped, scalar elements pass through as-is
				subList := make([]any, 0, len(arr))
				for _, sub := range arr {
					if sub == nil {
						continue
					}
					if subArr, ok := sub.([]any); ok {
						subList = append(subList, RestoreDict(subArr, innerStructure))
					} else {
						subList = append(subList, sub)
					}
				}
				result.Set(keyName, subList)
			}

		case string:
			if i < len(arrayData) && arrayData[i] != nil {
				result.Set(k, arrayData[i])
			}
		}
	}
	return result
}

func asIndex(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int8:
		return int(t), true
	case int16:
		return int(t), true
	case int32:
		return int(t), true
	case int64:
		return int(t), true
	case uint:
		return int(t), true
	case uint8:
		return int(t), true
	case uint16:
		return int(t), true
	case uint32:
		return int(t), true
	case uint64:
		return int(t), true
	case float32:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n, true
		}
	}
	return 0, false
}

func sortedStringMap(m map[string]any) *orderedmap.OrderedMap {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	om := newOrderedMap()
	for _, k := range keys {
		om.Set(k, m[k])
	}
	return om
}

// enumColumn normalizes one __ENUM__ entry into a positional lookup
// slice; the entry may be a plain list or an int-keyed map.
func enumColumn(raw any) []any {
	switch e := raw.(type) {
	case []any:
		return e
	case *orderedmap.OrderedMap:
		keys := e.Keys()
		idx := make([]int, len(keys))
		allNum := true
		for i, k := range keys {
			n, err := strconv.Atoi(k)
			if err != nil {
				allNum = false
				break
			}
			idx[i] = n
		}
		if !allNum {
			out := make([]any, 0, len(keys))
			for _, k := range keys {
				v, _ := e.Get(k)
				out = append(out, v)
			}
			return out
		}
		max := -1
		for _, n := range idx {
			if n > max {
				max = n
			}
		}
		out := make([]any, max+1)
		for i, k := range keys {
			if n := idx[i]; n >= 0 && n < len(out) {
				v, _ := e.Get(k)
				out[n] = v
			}
		}
		return out
	}
	return nil
}

// RestoreCompactData turns a column-oriented compact table into a row
// list, mapping enum ordinals through the __ENUM__ table. Rows stop at
// the shortest column.
func RestoreCompactData(data *orderedmap.OrderedMap) []*orderedmap.OrderedMap {
	var (
		columnLabels []string
		columns      [][]any
	)

	var enumOM *orderedmap.OrderedMap
	if v, ok := data.Get("__ENUM__"); ok {
		switch em := v.(type) {
		case *orderedmap.OrderedMap:
			enumOM = em
		case map[string]any:
			enumOM = sortedStringMap(em)
		}
	}

	for _, key := range data.Keys() {
		if key == "__ENUM__" {
			continue
		}
		columnLabels = append(columnLabels, key)

		var dataColumn []any
		if val, ok := data.Get(key); ok {
			if vSlice, ok := val.([]any); ok {
				dataColumn = vSlice
			} else {
				dataColumn = []any{}
			}
		} else {
			dataColumn = []any{}
		}

		if enumOM != nil {
			if enumColRaw, ok := enumOM.Get(key); ok {
				if enumSlice := enumColumn(enumColRaw); enumSlice != nil {
					mapped := make([]any, len(dataColumn))
					for i, v := range dataColumn {
						if v == nil {
							mapped[i] = nil
							continue
						}
						if idx, ok := asIndex(v); ok && idx >= 0 && idx < len(enumSlice) {
							mapped[i] = enumSlice[idx]
						} else {
							mapped[i] = v
						}
					}
					columns = append(columns, mapped)
					continue
				}
			}
		}

		columns = append(columns, dataColumn)
	}

	if len(columns) == 0 {
		return []*orderedmap.OrderedMap{}
	}

	numEntries := len(columns[0])
	for _, col := range columns {
		if len(col) < numEntries {
			numEntries = len(col)
		}
	}

	result := make([]*orderedmap.OrderedMap, 0, numEntries)
	for i := 0; i < numEntries; i++ {
		entry := newOrderedMap()
		for j, key := range columnLabels {
			entry.Set(key, columns[j][i])
		}
		result = append(result, entry)
	}
	return result
}

// NuverseMasterRestorer expands a packed master bundle. compactX tables
// are rebuilt row-wise under a decapitalized name (the original compact
// key is kept alongside, and the restored name shadows any later raw
// key of the same name); structure-defined tables are rebuilt via
// RestoreDict; eventCards additionally folds its raw object rows into
// the restored ones by cardId, restored rows winning, sorted ascending.
func NuverseMasterRestorer(masterData *orderedmap.OrderedMap, nuverseStructureFilePath string) (*orderedmap.OrderedMap, error) {
	structures, err := loadStructures(nuverseStructureFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load nuverse master structure: %v", err)
	}

	restoredCompactMaster := newOrderedMap()
	processed := newOrderedMap()
	restoredFromCompact := make(map[string]bool)

	for _, key := range masterData.Keys() {
		value, _ := masterData.Get(key)

		if rest, ok := strings.CutPrefix(key, "compact"); ok && rest != "" {
			restoredCompactMaster.Set(key, value)
			if vOm, ok := value.(*orderedmap.OrderedMap); ok {
				newKey := strings.ToLower(rest[:1]) + rest[1:]
				restoredCompactMaster.Set(newKey, RestoreCompactData(vOm))
				restoredFromCompact[newKey] = true
			}
			continue
		}
		if restoredFromCompact[key] {
			continue
		}

		var idKey string
		if key == "eventCards" {
			idKey = "cardId"
		}

		processed.Set(key, value)
		if structDefVal, exists := structures.Get(key); exists {
			if arr, ok := value.([]any); ok {
				if def, ok := structDefVal.([]any); ok {
					rows := make([]*orderedmap.OrderedMap, 0, len(arr))
					for _, v := range arr {
						if subArr, ok := v.([]any); ok {
							rows = append(rows, RestoreDict(subArr, def))
						}
					}
					processed.Set(key, rows)
				}
			}
		}

		if idKey != "" {
			mergeRawRows(processed, key, value, idKey)
		}
	}

	for _, k := range processed.Keys() {
		if _, exists := restoredCompactMaster.Get(k); !exists {
			v, _ := processed.Get(k)
			restoredCompactMaster.Set(k, v)
		}
	}
	return restoredCompactMaster, nil
}

func rowID(row any, idKey string) (int64, bool) {
	var v any
	var ok bool
	switch m := row.(type) {
	case *orderedmap.OrderedMap:
		v, ok = m.Get(idKey)
	case map[string]any:
		v, ok = m[idKey]
	}
	if !ok {
		return 0, false
	}
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return toInt64(v), true
	}
	return 0, false
}

// mergeRawRows folds the raw object rows for key into its restored
// rows: a raw row is kept only when its id is absent from the restored
// set (rows without a numeric id are always kept), then everything is
// sorted ascending by id.
func mergeRawRows(processed *orderedmap.OrderedMap, key string, rawValue any, idKey string) {
	processedAny, _ := processed.Get(key)
	var restoredRows []any
	switch rows := processedAny.(type) {
	case []*orderedmap.OrderedMap:
		for _, r := range rows {
			restoredRows = append(restoredRows, r)
		}
	case []any:
		restoredRows = rows
	default:
		return
	}
	rawRows, ok := rawValue.([]any)
	if !ok {
		return
	}

	existingIDs := make(map[int64]bool, len(restoredRows))
	for _, row := range restoredRows {
		if id, ok := rowID(row, idKey); ok {
			existingIDs[id] = true
		}
	}

	merged := make([]any, 0, len(rawRows)+len(restoredRows))
	for _, row := range rawRows {
		if id, ok := rowID(row, idKey); ok && existingIDs[id] {
			continue
		}
		merged = append(merged, row)
	}
	merged = append(merged, restoredRows...)
	sort.SliceStable(merged, func(i, j int) bool {
		vi, _ := rowID(merged[i], idKey)
		vj, _ := rowID(merged[j], idKey)
		return vi < vj
	})
	processed.Set(key, merged)
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		if t > ^uint64(0)>>1 {
			return int64(^uint64(0) >> 1)
		}
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
