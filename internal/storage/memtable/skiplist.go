package memtable

import (
	"math/rand"

	"github.com/stripedb/stripedb/internal/model"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// SkipListNode represents a node in the skip list.
type SkipListNode struct {
	Key     string
	Record  *model.Record
	Forward []*SkipListNode
}

// SkipList is a probabilistic ordered structure holding the most recent
// record for each key.
type SkipList struct {
	Head  *SkipListNode
	Level int
	Size  int
}

// NewSkipList creates a new skip list.
func NewSkipList() *SkipList {
	head := &SkipListNode{
		Forward: make([]*SkipListNode, MaxLevel),
	}
	return &SkipList{
		Head:  head,
		Level: 0,
	}
}

// randomLevel generates a random level for a new node.
func (sl *SkipList) randomLevel() int {
	level := 0
	for rand.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// Insert adds a record, replacing any existing record for the same key.
// Writes within a stripe are sequential, so the incoming record always
// carries the highest LSN seen for the key.
func (sl *SkipList) Insert(key string, rec *model.Record) {
	update := make([]*SkipListNode, MaxLevel)
	current := sl.Head

	// Find position to insert
	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil && current.Forward[i].Key < key {
			current = current.Forward[i]
		}
		update[i] = current
	}

	// Check if key already exists
	current = current.Forward[0]
	if current != nil && current.Key == key {
		current.Record = rec
		return
	}

	// Insert new node
	newLevel := sl.randomLevel()
	if newLevel > sl.Level {
		for i := sl.Level + 1; i <= newLevel; i++ {
			update[i] = sl.Head
		}
		sl.Level = newLevel
	}

	newNode := &SkipListNode{
		Key:     key,
		Record:  rec,
		Forward: make([]*SkipListNode, newLevel+1),
	}

	for i := 0; i <= newLevel; i++ {
		newNode.Forward[i] = update[i].Forward[i]
		update[i].Forward[i] = newNode
	}

	sl.Size++
}

// Search finds the record for key.
func (sl *SkipList) Search(key string) (*model.Record, bool) {
	current := sl.Head

	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil && current.Forward[i].Key < key {
			current = current.Forward[i]
		}
	}

	current = current.Forward[0]
	if current != nil && current.Key == key {
		return current.Record, true
	}

	return nil, false
}

// Len returns the number of keys in the skip list.
func (sl *SkipList) Len() int {
	return sl.Size
}

// Iterator returns an iterator positioned before the first key.
func (sl *SkipList) Iterator() *SkipListIterator {
	return &SkipListIterator{
		current: sl.Head,
	}
}

// Seek returns an iterator positioned before the first key >= start, so the
// next call to Next lands on it.
func (sl *SkipList) Seek(start string) *SkipListIterator {
	current := sl.Head
	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil && current.Forward[i].Key < start {
			current = current.Forward[i]
		}
	}
	return &SkipListIterator{current: current}
}

// SkipListIterator iterates over skip list entries in key order.
type SkipListIterator struct {
	current *SkipListNode
}

// Next moves to the next entry.
func (it *SkipListIterator) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.Forward[0]
	return it.current != nil
}

// Key returns the current key.
func (it *SkipListIterator) Key() string {
	if it.current == nil {
		return ""
	}
	return it.current.Key
}

// Record returns the current record.
func (it *SkipListIterator) Record() *model.Record {
	if it.current == nil {
		return nil
	}
	return it.current.Record
}
