package content

import (
	"bytes"
	"database/sql/driver"
	"fmt"

	"github.com/goccy/go-json"
)

type CategoryState int

const (
	// CategoriesPending means the categorizer has not looked at the item yet.
	CategoriesPending CategoryState = iota
	// CategoriesInsufficient means the text had too few known words.
	CategoriesInsufficient
	CategoriesScored
)

// Categories is the tri-state categories column: NULL, false, or a vector over
// the fixed taxonomy.
type Categories struct {
	State  CategoryState
	Vector []float64
}

func Scored(vec []float64) Categories {
	return Categories{State: CategoriesScored, Vector: vec}
}

func Insufficient() Categories {
	return Categories{State: CategoriesInsufficient}
}

func (c *Categories) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*c = Categories{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("categories: unsupported type %T", src)
	}
	return c.UnmarshalJSON(raw)
}

func (c Categories) Value() (driver.Value, error) {
	switch c.State {
	case CategoriesInsufficient:
		return []byte("false"), nil
	case CategoriesScored:
		return json.Marshal(c.Vector)
	default:
		return nil, nil
	}
}

func (c Categories) MarshalJSON() ([]byte, error) {
	switch c.State {
	case CategoriesInsufficient:
		return []byte("false"), nil
	case CategoriesScored:
		return json.Marshal(c.Vector)
	default:
		return []byte("null"), nil
	}
}

func (c *Categories) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	switch string(raw) {
	case "", "null":
		*c = Categories{}
		return nil
	case "false":
		*c = Insufficient()
		return nil
	}
	var vec []float64
	if err := json.Unmarshal(raw, &vec); err != nil {
		return fmt.Errorf("categories: %w", err)
	}
	*c = Scored(vec)
	return nil
}

// Float32 converts a scored vector for the similarity index.
func (c Categories) Float32() ([]float32, bool) {
	if c.State != CategoriesScored || len(c.Vector) == 0 {
		return nil, false
	}
	out := make([]float32, len(c.Vector))
	for i, v := range c.Vector {
		out[i] = float32(v)
	}
	return out, true
}

type LangScore struct {
	Lang  string  `json:"lang"`
	Score float64 `json:"score"`
}

// Langs is the lang column. A nil Langs is stored as NULL (pending); detection
// that found nothing is stored as an empty list.
type Langs []LangScore

func (l *Langs) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("lang: unsupported type %T", src)
	}
	out := Langs{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("lang: %w", err)
	}
	*l = out
	return nil
}

func (l Langs) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal([]LangScore(l))
}

// Has reports whether any of the given languages appears in l.
func (l Langs) Has(langs ...string) bool {
	for _, s := range l {
		for _, want := range langs {
			if s.Lang == want {
				return true
			}
		}
	}
	return false
}
