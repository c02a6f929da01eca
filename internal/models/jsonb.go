package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONB implements database/sql/driver.Valuer and sql.Scanner for JSON fields
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
}

// Clone makes a shallow copy of the top-level keys
func (j JSONB) Clone() JSONB {
	if j == nil {
		return nil
	}
	out := make(JSONB, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}

// Counter is a string-keyed tally stored as a JSON object
type Counter map[string]int64

func (c Counter) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

func (c *Counter) Scan(value interface{}) error {
	if value == nil {
		*c = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("cannot scan %T into Counter", value)
	}
}

// Inc adds one to key, allocating the map when needed
func (c *Counter) Inc(key string) {
	if *c == nil {
		*c = make(Counter)
	}
	(*c)[key]++
}

func (c Counter) Clone() Counter {
	if c == nil {
		return nil
	}
	out := make(Counter, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}
