package memcache

import (
	"strconv"
	"sync"
	"time"

	"github.com/dropbox/godropbox/errors"
)

type inMemoryEntry struct {
	item     Item
	deadline time.Time // zero when the entry never expires
}

// A fully in-process Client implementation with cas and expiration
// semantics matching a real server.  Useful for tests and local
// development; also handy as a reference for the protocol's store-mode
// and counter rules.
type InMemoryClient struct {
	nowFunc func() time.Time

	mutex   sync.Mutex
	data    map[string]*inMemoryEntry
	version uint64
}

func NewInMemoryClient() Client {
	return NewInMemoryClientWithClock(time.Now)
}

// The in-memory client reads the clock through nowFunc, so tests can
// step time instead of sleeping.
func NewInMemoryClientWithClock(nowFunc func() time.Time) Client {
	return &InMemoryClient{
		nowFunc: nowFunc,
		data:    make(map[string]*inMemoryEntry),
	}
}

func (c *InMemoryClient) deadlineFor(expiration uint32) time.Time {
	if expiration == 0 {
		return time.Time{}
	}
	if expiration <= maxRelativeExpiration {
		return c.nowFunc().Add(time.Duration(expiration) * time.Second)
	}
	return time.Unix(int64(expiration), 0)
}

// Looks up a live entry, reaping it if it has expired.
func (c *InMemoryClient) lookup(key string) (*inMemoryEntry, bool) {
	entry, ok := c.data[key]
	if !ok {
		return nil, false
	}
	if !entry.deadline.IsZero() && c.nowFunc().After(entry.deadline) {
		delete(c.data, key)
		return nil, false
	}
	return entry, true
}

func (c *InMemoryClient) getHelper(key string) GetResponse {
	if entry, ok := c.lookup(key); ok {
		return NewGetResponse(
			key,
			StatusNoError,
			entry.item.Flags,
			entry.item.Value,
			entry.item.DataVersionId)
	}
	return NewGetResponse(key, StatusKeyNotFound, 0, nil, 0)
}

// See Client interface for documentation.
func (c *InMemoryClient) Get(key string) GetResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.getHelper(key)
}

// See Client interface for documentation.
func (c *InMemoryClient) GetMulti(keys []string) map[string]GetResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res := make(map[string]GetResponse)
	for _, key := range keys {
		res[key] = c.getHelper(key)
	}
	return res
}

func (c *InMemoryClient) store(item *Item) *inMemoryEntry {
	c.version++
	entry := &inMemoryEntry{
		item: Item{
			Key:           item.Key,
			Value:         item.Value,
			Flags:         item.Flags,
			Expiration:    item.Expiration,
			DataVersionId: c.version,
		},
		deadline: c.deadlineFor(item.Expiration),
	}
	c.data[item.Key] = entry
	return entry
}

func (c *InMemoryClient) setHelper(item *Item) MutateResponse {
	if !isValidKeyString(item.Key) {
		return NewMutateErrorResponse(item.Key, errors.New("Invalid key"))
	}

	existing, ok := c.lookup(item.Key)

	if item.DataVersionId == 0 ||
		(ok && item.DataVersionId == existing.item.DataVersionId) {

		entry := c.store(item)
		return NewMutateResponse(
			item.Key,
			StatusNoError,
			entry.item.DataVersionId)
	} else if !ok {
		return NewMutateResponse(item.Key, StatusKeyNotFound, 0)
	}
	// CAS mismatch
	return NewMutateResponse(item.Key, StatusKeyExists, 0)
}

// See Client interface for documentation.
func (c *InMemoryClient) Set(item *Item) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.setHelper(item)
}

// See Client interface for documentation.
func (c *InMemoryClient) SetMulti(items []*Item) []MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res := make([]MutateResponse, len(items))
	for i, item := range items {
		res[i] = c.setHelper(item)
	}
	return res
}

func (c *InMemoryClient) addHelper(item *Item) MutateResponse {
	if item.DataVersionId != 0 {
		// A cas token turns the store into a compare-and-set.
		return c.setHelper(item)
	}
	if _, ok := c.lookup(item.Key); ok {
		return NewMutateResponse(item.Key, StatusKeyExists, 0)
	}

	entry := c.store(item)
	return NewMutateResponse(
		item.Key,
		StatusNoError,
		entry.item.DataVersionId)
}

// See Client interface for documentation.
func (c *InMemoryClient) Add(item *Item) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.addHelper(item)
}

// See Client interface for documentation.
func (c *InMemoryClient) AddMulti(items []*Item) []MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	res := make([]MutateResponse, len(items))
	for i, item := range items {
		res[i] = c.addHelper(item)
	}
	return res
}

// See Client interface for documentation.
func (c *InMemoryClient) Replace(item *Item) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if item.DataVersionId != 0 {
		// A cas token turns the store into a compare-and-set.
		return c.setHelper(item)
	}
	if _, ok := c.lookup(item.Key); !ok {
		return NewMutateResponse(item.Key, StatusKeyNotFound, 0)
	}

	entry := c.store(item)
	return NewMutateResponse(
		item.Key,
		StatusNoError,
		entry.item.DataVersionId)
}

// See Client interface for documentation.
func (c *InMemoryClient) Delete(key string) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, ok := c.lookup(key); !ok {
		return NewMutateResponse(key, StatusKeyNotFound, 0)
	}

	delete(c.data, key)
	return NewMutateResponse(key, StatusNoError, 0)
}

// See Client interface for documentation.
func (c *InMemoryClient) DeleteMulti(keys []string) []MutateResponse {
	res := make([]MutateResponse, len(keys))
	for i, key := range keys {
		res[i] = c.Delete(key)
	}
	return res
}

func (c *InMemoryClient) concat(
	key string,
	value []byte,
	prepend bool) MutateResponse {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.lookup(key)
	if !ok {
		return NewMutateResponse(key, StatusItemNotStored, 0)
	}

	c.version++
	if prepend {
		entry.item.Value = append(
			append([]byte{}, value...),
			entry.item.Value...)
	} else {
		entry.item.Value = append(entry.item.Value, value...)
	}
	entry.item.DataVersionId = c.version

	return NewMutateResponse(key, StatusNoError, c.version)
}

// See Client interface for documentation.
func (c *InMemoryClient) Append(key string, value []byte) MutateResponse {
	return c.concat(key, value, false)
}

// See Client interface for documentation.
func (c *InMemoryClient) Prepend(key string, value []byte) MutateResponse {
	return c.concat(key, value, true)
}

func (c *InMemoryClient) count(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32,
	decrement bool) CountResponse {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.lookup(key)
	if !ok {
		if expiration == NeverSeedCounter {
			return NewCountResponse(key, StatusKeyNotFound, 0)
		}

		c.store(&Item{
			Key:        key,
			Value:      []byte(strconv.FormatUint(initValue, 10)),
			Expiration: expiration,
		})
		return NewCountResponse(key, StatusNoError, initValue)
	}

	// Counters hold the ascii representation of the value.
	current, err := strconv.ParseUint(string(entry.item.Value), 10, 64)
	if err != nil {
		return NewCountResponse(key, StatusIncrDecrOnNonNumericValue, 0)
	}

	if decrement {
		if delta > current {
			current = 0
		} else {
			current -= delta
		}
	} else {
		current += delta
	}

	c.version++
	entry.item.Value = []byte(strconv.FormatUint(current, 10))
	entry.item.DataVersionId = c.version

	return NewCountResponse(key, StatusNoError, current)
}

// See Client interface for documentation.
func (c *InMemoryClient) Increment(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.count(key, delta, initValue, expiration, false)
}

// See Client interface for documentation.
func (c *InMemoryClient) Decrement(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.count(key, delta, initValue, expiration, true)
}

// See Client interface for documentation.
func (c *InMemoryClient) Flush(expiration uint32) Response {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if expiration == 0 {
		c.data = make(map[string]*inMemoryEntry)
		return NewResponse(StatusNoError)
	}

	deadline := c.deadlineFor(expiration)
	for _, entry := range c.data {
		if entry.deadline.IsZero() || entry.deadline.After(deadline) {
			entry.deadline = deadline
		}
	}
	return NewResponse(StatusNoError)
}

// See Client interface for documentation.
func (c *InMemoryClient) Stat(statsKey string) StatResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entries := map[string]string{
		"curr_items": strconv.Itoa(len(c.data)),
	}
	return NewStatResponse(
		StatusNoError,
		map[int](map[string]string){0: entries})
}

// See Client interface for documentation.
func (c *InMemoryClient) Version() VersionResponse {
	return NewVersionResponse(
		StatusNoError,
		map[int]string{0: "in-memory"})
}

// See Client interface for documentation.
func (c *InMemoryClient) Verbosity(verbosity uint32) Response {
	return NewResponse(StatusNoError)
}
