package mikrotik

import (
	"github.com/go-routeros/routeros/v3/proto"
)

type Attr struct {
	Key   string
	Value string
}

// Record is one reply sentence with its attributes in wire order.
type Record []Attr

func fromSentence(pairs []proto.Pair) Record {
	r := make(Record, 0, len(pairs))
	for _, p := range pairs {
		r = append(r, Attr{Key: p.Key, Value: p.Value})
	}
	return r
}

func (r Record) Get(key string) (string, bool) {
	for _, a := range r {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

func (r Record) String(key string) string {
	v, _ := r.Get(key)
	return v
}

func (r Record) ID() string { return r.String(".id") }

func (r Record) Bool(key string) bool {
	switch r.String(key) {
	case "true", "yes":
		return true
	}
	return false
}

func (r Record) Matches(filters map[string]string) bool {
	for k, want := range filters {
		if got, ok := r.Get(k); !ok || got != want {
			return false
		}
	}
	return true
}

func (r Record) Map() map[string]string {
	m := make(map[string]string, len(r))
	for _, a := range r {
		m[a.Key] = a.Value
	}
	return m
}
