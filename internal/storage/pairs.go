package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Pair is one entry of a persisted record.
type Pair struct {
	Key   string `json:"k"`
	Value string `json:"v"`
}

// Pairs is an ordered list of key/value pairs. Game state is persisted in this
// form so every field crosses the storage boundary as an explicit, typed
// conversion rather than as an opaque struct dump.
type Pairs []Pair

// Set appends or replaces key, keeping the original position on replace.
func (p *Pairs) Set(key, value string) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Pair{Key: key, Value: value})
}

// SetInt stores an integer value.
func (p *Pairs) SetInt(key string, v int) { p.Set(key, strconv.Itoa(v)) }

// SetTime stores a timestamp in RFC 3339 with nanoseconds; the zero time is stored as "".
func (p *Pairs) SetTime(key string, t time.Time) {
	if t.IsZero() {
		p.Set(key, "")
		return
	}
	p.Set(key, t.UTC().Format(time.RFC3339Nano))
}

// SetList stores values as key/0, key/1, ... so order survives the round trip.
func (p *Pairs) SetList(key string, values []string) {
	for i, v := range values {
		p.Set(fmt.Sprintf("%s/%d", key, i), v)
	}
}

// Get returns the value for key.
func (p Pairs) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// String returns the value for key, or "" when absent.
func (p Pairs) String(key string) string {
	v, _ := p.Get(key)
	return v
}

// Int parses the value for key. A missing key is zero.
func (p Pairs) Int(key string) (int, error) {
	v, ok := p.Get(key)
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", key, err)
	}
	return n, nil
}

// Time parses the value for key. A missing or empty value is the zero time.
func (p Pairs) Time(key string) (time.Time, error) {
	v, ok := p.Get(key)
	if !ok || v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", key, err)
	}
	return t, nil
}

// List returns the values written by SetList, in order.
func (p Pairs) List(key string) []string {
	var out []string
	for i := 0; ; i++ {
		v, ok := p.Get(fmt.Sprintf("%s/%d", key, i))
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// WithPrefix returns the pairs under prefix+"/" with the prefix stripped.
func (p Pairs) WithPrefix(prefix string) Pairs {
	var out Pairs
	for _, kv := range p {
		if rest, ok := strings.CutPrefix(kv.Key, prefix+"/"); ok {
			out = append(out, Pair{Key: rest, Value: kv.Value})
		}
	}
	return out
}

// Encode serializes the pairs.
func (p Pairs) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePairs parses data produced by Encode.
func DecodePairs(data []byte) (Pairs, error) {
	var p Pairs
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return p, nil
}

// PutPairs encodes p and stores it under key.
func PutPairs(s Store, key string, p Pairs) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	return s.Put(key, data)
}

// GetPairs loads and decodes the record stored under key.
func GetPairs(s Store, key string) (Pairs, error) {
	data, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	return DecodePairs(data)
}
