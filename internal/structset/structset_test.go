package structset

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

// testStruct mimics the tag layout of the accounting models
type testStruct struct {
	ID      int    `json:"-"                 sql:"id"`
	Cluster string `json:"cluster,omitempty" sql:"cluster"`
	Lft     int64  `json:"lft"               sql:"lft"`
	Skipped string `json:"skipped"           sql:"-"`
	NoTag   string `json:"no_tag"`
}

func TestGetStructFieldTagValues(t *testing.T) {
	tags := GetStructFieldTagValues(testStruct{}, "sql")
	expectedTags := []string{"id", "cluster", "lft", "NoTag"}
	assert.ElementsMatch(t, tags, expectedTags)
}

func TestGetStructFieldTagMap(t *testing.T) {
	tagMap := GetStructFieldTagMap(testStruct{}, "json", "sql")
	expectedTagMap := map[string]string{
		"":        "id",
		"cluster": "cluster",
		"lft":     "lft",
		"skipped": "",
		"no_tag":  "NoTag",
	}
	assert.Equal(t, expectedTagMap, tagMap)
}

func TestCachedFieldIndexes(t *testing.T) {
	indexes := CachedFieldIndexes(reflect.TypeOf(testStruct{}))
	expectedIndexes := map[string]int{
		"id":      0,
		"cluster": 1,
		"lft":     2,
		"NoTag":   4,
	}
	assert.Equal(t, expectedIndexes, indexes)

	// Second lookup comes from the cache
	assert.Equal(t, expectedIndexes, CachedFieldIndexes(reflect.TypeOf(testStruct{})))
}
