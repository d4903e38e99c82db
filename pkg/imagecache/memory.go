package imagecache

import (
	"container/list"
	"sync"
)

// MemoryStats is a snapshot of the memory tier
type MemoryStats struct {
	Items     int   `json:"items"`
	Bytes     int64 `json:"bytes"`
	Capacity  int64 `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Rejected  int64 `json:"rejected"`
}

type memoryEntry struct {
	key  string
	data []byte
}

// Memory is an LRU bounded by the total size of its values. A single mutex
// guards lookups, inserts and evictions.
type Memory struct {
	mu        sync.Mutex
	capacity  int64
	maxItem   int64
	size      int64
	ll        *list.List
	items     map[string]*list.Element
	hits      int64
	misses    int64
	evictions int64
	rejected  int64
}

// NewMemory creates a memory tier holding at most capacity bytes. Values
// larger than admissionRatio*capacity are never admitted.
func NewMemory(capacity int64, admissionRatio float64) *Memory {
	if admissionRatio <= 0 || admissionRatio > 1 {
		admissionRatio = 0.1
	}
	return &Memory{
		capacity: capacity,
		maxItem:  int64(float64(capacity) * admissionRatio),
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached bytes for key and marks it most recently used
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[key]
	if !ok {
		m.misses++
		return nil, false
	}
	m.ll.MoveToFront(el)
	m.hits++
	return el.Value.(*memoryEntry).data, true
}

// Put stores data under key, evicting least recently used entries as needed.
// It reports whether the value was admitted.
func (m *Memory) Put(key string, data []byte) bool {
	n := int64(len(data))

	m.mu.Lock()
	defer m.mu.Unlock()

	if n == 0 || n > m.maxItem {
		m.rejected++
		return false
	}

	if el, ok := m.items[key]; ok {
		entry := el.Value.(*memoryEntry)
		m.size += n - int64(len(entry.data))
		entry.data = data
		m.ll.MoveToFront(el)
	} else {
		m.items[key] = m.ll.PushFront(&memoryEntry{key: key, data: data})
		m.size += n
	}

	m.evictTo(m.capacity)
	return true
}

// Trim evicts least recently used entries until at most fraction of the
// capacity is in use. It returns the number of bytes released.
func (m *Memory) Trim(fraction float64) int64 {
	if fraction < 0 {
		fraction = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	before := m.size
	m.evictTo(int64(float64(m.capacity) * fraction))
	return before - m.size
}

func (m *Memory) evictTo(limit int64) {
	for m.size > limit {
		el := m.ll.Back()
		if el == nil {
			return
		}
		entry := el.Value.(*memoryEntry)
		m.ll.Remove(el)
		delete(m.items, entry.key)
		m.size -= int64(len(entry.data))
		m.evictions++
	}
}

// Stats returns a snapshot of the tier
func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MemoryStats{
		Items:     m.ll.Len(),
		Bytes:     m.size,
		Capacity:  m.capacity,
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		Rejected:  m.rejected,
	}
}

// Clear drops every entry
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ll.Init()
	m.items = make(map[string]*list.Element)
	m.size = 0
}
