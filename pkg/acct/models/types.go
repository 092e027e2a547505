package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// List is a string slice stored as a JSON array in a text column.
// Ref: https://husobee.github.io/golang/database/2015/06/12/scanner-valuer.html
type List []string

// Value implements the Valuer interface.
func (l List) Value() (driver.Value, error) {
	if l == nil {
		return driver.Value("[]"), nil
	}

	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}

	return driver.Value(string(data)), nil
}

// Scan implements the Scanner interface.
func (l *List) Scan(v interface{}) error {
	if v == nil {
		return nil
	}

	switch data := v.(type) {
	case string:
		return json.NewDecoder(bytes.NewReader([]byte(data))).Decode(l)
	case []byte:
		return json.NewDecoder(bytes.NewReader(data)).Decode(l)
	default:
		return fmt.Errorf("cannot scan type %T into List", v)
	}
}

// Int64List is an int64 slice stored as a JSON array in a text column.
type Int64List []int64

// Value implements the Valuer interface.
func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return driver.Value("[]"), nil
	}

	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}

	return driver.Value(string(data)), nil
}

// Scan implements the Scanner interface.
func (l *Int64List) Scan(v interface{}) error {
	if v == nil {
		return nil
	}

	switch data := v.(type) {
	case string:
		return json.NewDecoder(bytes.NewReader([]byte(data))).Decode(l)
	case []byte:
		return json.NewDecoder(bytes.NewReader(data)).Decode(l)
	default:
		return fmt.Errorf("cannot scan type %T into Int64List", v)
	}
}

// Contains reports whether the list contains id.
func (l Int64List) Contains(id int64) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}

	return false
}

// UpdateKind enumerates the kinds of update objects.
type UpdateKind string

// Update kinds.
const (
	UpdateAdd    UpdateKind = "add"
	UpdateModify UpdateKind = "modify"
	UpdateRemove UpdateKind = "remove"
)

// EntityType enumerates the entities an update object can reference.
type EntityType string

// Entity types.
const (
	EntityAssoc   EntityType = "assoc"
	EntityQOS     EntityType = "qos"
	EntityCluster EntityType = "cluster"
	EntityWCKey   EntityType = "wckey"
	EntityCoord   EntityType = "coord"
	EntityUser    EntityType = "user"
)

// UpdateObject describes one committed mutation delivered to subscribers
// such as the live association cache of the cluster controller.
type UpdateObject struct {
	Kind    UpdateKind  `json:"kind"`
	Entity  EntityType  `json:"entity"`
	ID      int64       `json:"id"`
	Cluster string      `json:"cluster,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// AdminLevel values of a user.
const (
	AdminNone     int64 = 0
	AdminOperator int64 = 1
	AdminFull     int64 = 2
)
