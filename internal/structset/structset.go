// Package structset implements reflection helpers that map struct fields to
// database columns via struct tags.
package structset

import (
	"database/sql"
	"reflect"
	"strings"
	"sync"
)

var fieldIndexesCache sync.Map

// tagValue returns the first element of the tag value of a field. A tag
// value of "-" yields an empty string and an absent tag falls back to the
// field name.
func tagValue(field reflect.StructField, tag string) string {
	switch v := field.Tag.Get(tag); v {
	case "-":
		return ""
	case "":
		return field.Name
	default:
		return strings.Split(v, ",")[0]
	}
}

// GetStructFieldTagValues returns all tag values in a given struct for a
// given tag, skipping fields tagged "-".
func GetStructFieldTagValues(s interface{}, tag string) []string {
	typeOfS := reflect.TypeOf(s)

	var values []string

	for i := range typeOfS.NumField() {
		if value := tagValue(typeOfS.Field(i), tag); value != "" {
			values = append(values, value)
		}
	}

	return values
}

// GetStructFieldTagMap returns a map built from two tags of each field,
// keyTag values as map keys and valueTag values as map values.
func GetStructFieldTagMap(s interface{}, keyTag string, valueTag string) map[string]string {
	typeOfS := reflect.TypeOf(s)
	fields := make(map[string]string, typeOfS.NumField())

	for i := range typeOfS.NumField() {
		fields[tagValue(typeOfS.Field(i), keyTag)] = tagValue(typeOfS.Field(i), valueTag)
	}

	return fields
}

// fieldIndexes returns a map of database column name to struct field index.
// Columns are taken from the "sql" tag with the field name as fallback.
func fieldIndexes(structType reflect.Type) map[string]int {
	indexes := make(map[string]int, structType.NumField())

	for i := range structType.NumField() {
		field := structType.Field(i)
		if tag := field.Tag.Get("sql"); tag != "" && tag != "-" {
			indexes[tag] = i
		} else if tag == "" {
			indexes[field.Name] = i
		}
	}

	return indexes
}

// CachedFieldIndexes is like fieldIndexes, but cached per struct type.
func CachedFieldIndexes(structType reflect.Type) map[string]int {
	if f, ok := fieldIndexesCache.Load(structType); ok {
		return f.(map[string]int)
	}

	indexes := fieldIndexes(structType)
	fieldIndexesCache.Store(structType, indexes)

	return indexes
}

// ScanRow scans the current row into dest, which must be a pointer to a
// struct. Columns without a matching field are skipped.
// See https://github.com/golang/go/issues/61637
func ScanRow(rows *sql.Rows, columns []string, indexes map[string]int, dest any) error {
	elem := reflect.ValueOf(dest).Elem()

	scanArgs := make([]any, 0, len(columns))

	for _, column := range columns {
		if index, ok := indexes[column]; ok {
			scanArgs = append(scanArgs, elem.Field(index).Addr().Interface())
		}
	}

	return rows.Scan(scanArgs...)
}
