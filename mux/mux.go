// Package mux waits on a changing set of channels, each registered under a stable id.
package mux

import (
	"fmt"
	"reflect"
)

type Event struct {
	ID    int
	Value interface{}
	// Closed reports that the source channel was closed. The source stays registered.
	Closed bool
}

type Mux struct {
	ids   []int
	cases []reflect.SelectCase
}

func New() *Mux {
	return &Mux{}
}

// Add registers ch, which must be a channel the caller can receive from, under id.
// Registering the same id twice is a bookkeeping bug and panics.
func (m *Mux) Add(id int, ch interface{}) {
	v := reflect.ValueOf(ch)
	if v.Kind() != reflect.Chan || v.Type().ChanDir()&reflect.RecvDir == 0 {
		panic(fmt.Sprintf("mux: source %d is a %T, not a receivable channel", id, ch))
	}
	if m.index(id) >= 0 {
		panic(fmt.Sprintf("mux: source %d registered twice", id))
	}
	m.ids = append(m.ids, id)
	m.cases = append(m.cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: v})
}

// Remove unregisters id. Removing an unknown id is a no-op.
func (m *Mux) Remove(id int) {
	i := m.index(id)
	if i < 0 {
		return
	}
	m.ids = append(m.ids[:i], m.ids[i+1:]...)
	m.cases = append(m.cases[:i], m.cases[i+1:]...)
}

func (m *Mux) Has(id int) bool {
	return m.index(id) >= 0
}

func (m *Mux) Len() int {
	return len(m.ids)
}

// Wait blocks until one registered source is ready and receives from it. With no
// sources registered it blocks forever.
func (m *Mux) Wait() Event {
	chosen, value, ok := reflect.Select(m.cases)
	ev := Event{ID: m.ids[chosen], Closed: !ok}
	if ok {
		ev.Value = value.Interface()
	}
	return ev
}

func (m *Mux) index(id int) int {
	for i, registered := range m.ids {
		if registered == id {
			return i
		}
	}
	return -1
}
