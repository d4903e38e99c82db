package imagecache

// Tier identifies where a cached value came from
type Tier string

const (
	TierNone   Tier = "none"
	TierMemory Tier = "memory"
	TierDisk   Tier = "disk"
)

// Cache combines the memory and disk tiers over one key space
type Cache struct {
	memory *Memory
	disk   *Disk
}

// New creates a two-tier cache
func New(memory *Memory, disk *Disk) *Cache {
	return &Cache{memory: memory, disk: disk}
}

// Get checks the disk tier first, then memory
func (c *Cache) Get(key string) ([]byte, Tier, bool) {
	if c.disk != nil {
		if data, ok := c.disk.Get(key); ok {
			return data, TierDisk, true
		}
	}
	if c.memory != nil {
		if data, ok := c.memory.Get(key); ok {
			return data, TierMemory, true
		}
	}
	return nil, TierNone, false
}

// Put admits data into the memory tier
func (c *Cache) Put(key string, data []byte) bool {
	if c.memory == nil {
		return false
	}
	return c.memory.Put(key, data)
}

// Persist writes data to the disk tier
func (c *Cache) Persist(key string, data []byte) error {
	if c.disk == nil {
		return nil
	}
	return c.disk.Put(key, data)
}

// Trim shrinks the memory tier to fraction of its capacity
func (c *Cache) Trim(fraction float64) int64 {
	if c.memory == nil {
		return 0
	}
	return c.memory.Trim(fraction)
}

// Memory returns the memory tier
func (c *Cache) Memory() *Memory { return c.memory }

// Disk returns the disk tier
func (c *Cache) Disk() *Disk { return c.disk }
