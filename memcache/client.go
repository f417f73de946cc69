package memcache

import (
	"time"

	"github.com/dropbox/godropbox/errors"
	"github.com/kettlemc/kettlemc/transcoder"
)

// How a value is stored: Set always writes, Add only writes an absent
// key, Replace only overwrites a present key.
type StoreMode int

const (
	StoreModeSet StoreMode = iota
	StoreModeAdd
	StoreModeReplace
)

func (m StoreMode) String() string {
	switch m {
	case StoreModeSet:
		return "set"
	case StoreModeAdd:
		return "add"
	case StoreModeReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// The outcome of a single cache operation.  StatusCode carries the
// protocol status verbatim so callers can react to specific server
// responses; Message carries the client-side error text, if any.
type Result struct {
	Success    bool
	Value      interface{}
	RawValue   []byte
	Flags      uint32
	Cas        uint64
	StatusCode uint16
	Message    string
}

// A typed façade over a Client: values pass through a Transcoder, keys
// through a KeyTransformer, and expirations are normalized to the
// protocol's 30-day rule.  The zero options give an identity key
// transformer and the default transcoder.
type CacheClient struct {
	client  Client
	trans   transcoder.Transcoder
	keys    KeyTransformer
	nowFunc func() time.Time
}

type CacheClientOptions struct {
	Transcoder     transcoder.Transcoder
	KeyTransformer KeyTransformer

	// When non-nil, used instead of time.Now for expiration normalization.
	NowFunc func() time.Time
}

func NewCacheClient(client Client) *CacheClient {
	return NewCacheClientWithOptions(client, CacheClientOptions{})
}

func NewCacheClientWithOptions(
	client Client,
	options CacheClientOptions) *CacheClient {

	trans := options.Transcoder
	if trans == nil {
		trans = transcoder.NewDefaultTranscoder()
	}
	keys := options.KeyTransformer
	if keys == nil {
		keys = NewIdentityKeyTransformer()
	}
	nowFunc := options.NowFunc
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &CacheClient{
		client:  client,
		trans:   trans,
		keys:    keys,
		nowFunc: nowFunc,
	}
}

func errorResult(err error) *Result {
	return &Result{Message: err.Error()}
}

func statusResult(status ResponseStatus) *Result {
	result := &Result{
		Success:    status == StatusNoError,
		StatusCode: uint16(status),
	}
	if !result.Success {
		if err := NewStatusCodeError(status); err != nil {
			result.Message = err.Error()
		}
	}
	return result
}

// Converts a time-to-live into a protocol expiration: seconds from now
// when within the 30-day window, absolute epoch seconds beyond it.
// Zero and negative ttls are rejected; use 0 directly via StoreForever
// for entries that never expire.
func (c *CacheClient) expirationFromTTL(ttl time.Duration) (uint32, error) {
	if ttl <= 0 {
		return 0, errors.Newf("Invalid expiration duration: %s", ttl)
	}

	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds <= maxRelativeExpiration {
		return uint32(seconds), nil
	}

	epoch := c.nowFunc().Add(ttl).Unix()
	return uint32(epoch), nil
}

// Converts an absolute deadline into a protocol expiration, per the same
// 30-day rule.
func (c *CacheClient) expirationAt(deadline time.Time) (uint32, error) {
	return c.expirationFromTTL(deadline.Sub(c.nowFunc()))
}

func (c *CacheClient) getResult(resp GetResponse) *Result {
	if resp.Error() != nil && resp.Status() == StatusNoError {
		return errorResult(resp.Error())
	}

	result := statusResult(resp.Status())
	if resp.Status() != StatusNoError {
		if resp.Status() == StatusKeyNotFound {
			result.Message = "" // a miss is not an error
		}
		return result
	}

	result.RawValue = resp.Value()
	result.Flags = resp.Flags()
	result.Cas = resp.DataVersionId()

	if resp.Flags() == transcoder.FlagGob {
		// Composite payloads need a destination type; use GetInto.
		return result
	}

	value, err := c.trans.Decode(resp.Flags(), resp.Value())
	if err != nil {
		// The raw payload stays accessible through RawValue.
		result.Success = false
		result.Message = err.Error()
		return result
	}
	result.Value = value
	return result
}

// This retrieves and decodes a single value.
func (c *CacheClient) Get(key string) *Result {
	return c.GetWithCas(key)
}

// Same as Get; named for callers that go on to use the returned cas
// token in a CompareAndStore call.
func (c *CacheClient) GetWithCas(key string) *Result {
	return c.getResult(c.client.Get(c.keys.Transform(key)))
}

// This retrieves and gob-decodes a composite value into dest, which must
// be a pointer to the stored type.
func (c *CacheClient) GetInto(key string, dest interface{}) *Result {
	resp := c.client.Get(c.keys.Transform(key))
	if resp.Error() != nil && resp.Status() == StatusNoError {
		return errorResult(resp.Error())
	}

	result := statusResult(resp.Status())
	if resp.Status() != StatusNoError {
		if resp.Status() == StatusKeyNotFound {
			result.Message = "" // a miss is not an error
		}
		return result
	}

	result.RawValue = resp.Value()
	result.Flags = resp.Flags()
	result.Cas = resp.DataVersionId()

	if err := transcoder.DecodeInto(
		resp.Flags(), resp.Value(), dest); err != nil {

		result.Success = false
		result.Message = err.Error()
		return result
	}
	result.Value = dest
	return result
}

// Batch version of Get.  Keys routed to unavailable servers are reported
// as misses (StatusKeyNotFound), never as errors.  The returned map is
// indexed by the caller's keys (before key transformation).
func (c *CacheClient) MultiGet(keys []string) map[string]*Result {
	return c.MultiGetWithCas(keys)
}

// Same as MultiGet; each hit carries its cas token.
func (c *CacheClient) MultiGetWithCas(keys []string) map[string]*Result {
	transformed := make([]string, len(keys))
	toCaller := make(map[string]string, len(keys))
	for i, key := range keys {
		transformed[i] = c.keys.Transform(key)
		toCaller[transformed[i]] = key
	}

	responses := c.client.GetMulti(transformed)

	results := make(map[string]*Result, len(responses))
	for transformedKey, resp := range responses {
		callerKey, inMap := toCaller[transformedKey]
		if !inMap {
			continue
		}
		results[callerKey] = c.getResult(resp)
	}
	return results
}

func (c *CacheClient) mutateResult(resp MutateResponse) *Result {
	if resp.Error() != nil && resp.Status() == StatusNoError {
		return errorResult(resp.Error())
	}

	result := statusResult(resp.Status())
	result.Cas = resp.DataVersionId()
	return result
}

func (c *CacheClient) storeItem(mode StoreMode, item *Item) *Result {
	switch mode {
	case StoreModeSet:
		return c.mutateResult(c.client.Set(item))
	case StoreModeAdd:
		return c.mutateResult(c.client.Add(item))
	case StoreModeReplace:
		return c.mutateResult(c.client.Replace(item))
	default:
		return errorResult(errors.Newf("Invalid store mode: %d", mode))
	}
}

func (c *CacheClient) encodeItem(
	key string,
	value interface{},
	cas uint64,
	expiration uint32) (*Item, error) {

	flags, data, err := c.trans.Encode(value)
	if err != nil {
		return nil, err
	}

	return &Item{
		Key:           c.keys.Transform(key),
		Value:         data,
		Flags:         flags,
		DataVersionId: cas,
		Expiration:    expiration,
	}, nil
}

// This stores a value under the given mode with a time-to-live.  The ttl
// must be positive; it is converted to seconds (up to 30 days) or an
// absolute epoch timestamp (beyond) per the protocol's rule.
func (c *CacheClient) Store(
	mode StoreMode,
	key string,
	value interface{},
	ttl time.Duration) *Result {

	expiration, err := c.expirationFromTTL(ttl)
	if err != nil {
		return errorResult(err)
	}
	return c.storeWithExpiration(mode, key, value, 0, expiration)
}

// This stores a value that never expires.
func (c *CacheClient) StoreForever(
	mode StoreMode,
	key string,
	value interface{}) *Result {

	return c.storeWithExpiration(mode, key, value, 0, 0)
}

// This stores a value that expires at the given absolute time.
func (c *CacheClient) StoreUntil(
	mode StoreMode,
	key string,
	value interface{},
	deadline time.Time) *Result {

	expiration, err := c.expirationAt(deadline)
	if err != nil {
		return errorResult(err)
	}
	return c.storeWithExpiration(mode, key, value, 0, expiration)
}

func (c *CacheClient) storeWithExpiration(
	mode StoreMode,
	key string,
	value interface{},
	cas uint64,
	expiration uint32) *Result {

	item, err := c.encodeItem(key, value, cas, expiration)
	if err != nil {
		return errorResult(err)
	}
	return c.storeItem(mode, item)
}

// This stores a value only if the entry's current cas token matches.  A
// mismatch fails with StatusKeyExists; a concurrent removal fails with
// StatusKeyNotFound.  ttl <= 0 means the entry never expires.
func (c *CacheClient) CompareAndStore(
	mode StoreMode,
	key string,
	value interface{},
	cas uint64,
	ttl time.Duration) *Result {

	if cas == 0 {
		return errorResult(errors.New("Invalid cas token: 0"))
	}

	expiration := uint32(0)
	if ttl > 0 {
		var err error
		expiration, err = c.expirationFromTTL(ttl)
		if err != nil {
			return errorResult(err)
		}
	}
	return c.storeWithExpiration(mode, key, value, cas, expiration)
}

// Shorthand for Store(StoreModeAdd, ...).
func (c *CacheClient) Add(
	key string,
	value interface{},
	ttl time.Duration) *Result {

	return c.Store(StoreModeAdd, key, value, ttl)
}

// Shorthand for Store(StoreModeReplace, ...).
func (c *CacheClient) Replace(
	key string,
	value interface{},
	ttl time.Duration) *Result {

	return c.Store(StoreModeReplace, key, value, ttl)
}

// This appends raw bytes to an existing entry's value.
func (c *CacheClient) Append(key string, value []byte) *Result {
	return c.mutateResult(
		c.client.Append(c.keys.Transform(key), value))
}

// This prepends raw bytes to an existing entry's value.
func (c *CacheClient) Prepend(key string, value []byte) *Result {
	return c.mutateResult(
		c.client.Prepend(c.keys.Transform(key), value))
}

func (c *CacheClient) countResult(resp CountResponse) *Result {
	if resp.Error() != nil && resp.Status() == StatusNoError {
		return errorResult(resp.Error())
	}

	result := statusResult(resp.Status())
	if result.Success {
		result.Value = resp.Count()
	}
	return result
}

// This increments the key's counter by delta, seeding it with initValue
// when absent (pass NeverSeedCounter as expiration to fail on absent
// keys instead).  On success, Value holds the resulting uint64 count.
func (c *CacheClient) Increment(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) *Result {

	return c.countResult(c.client.Increment(
		c.keys.Transform(key), delta, initValue, expiration))
}

// This decrements the key's counter by delta.  The counter saturates at
// zero instead of wrapping.
func (c *CacheClient) Decrement(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) *Result {

	return c.countResult(c.client.Decrement(
		c.keys.Transform(key), delta, initValue, expiration))
}

// This removes an entry.  Removing an absent key fails with
// StatusKeyNotFound.
func (c *CacheClient) Remove(key string) *Result {
	return c.mutateResult(c.client.Delete(c.keys.Transform(key)))
}

// This invalidates every entry on every server after delay seconds
// (immediately when delay is zero).
func (c *CacheClient) Flush(delay uint32) *Result {
	resp := c.client.Flush(delay)
	if resp.Error() != nil && resp.Status() == StatusNoError {
		return errorResult(resp.Error())
	}
	return statusResult(resp.Status())
}

// This fetches server statistics, keyed by shard id.
func (c *CacheClient) Stats(statsKey string) (
	map[int](map[string]string),
	*Result) {

	resp := c.client.Stat(statsKey)
	if resp.Error() != nil && resp.Status() == StatusNoError {
		return resp.Entries(), errorResult(resp.Error())
	}
	return resp.Entries(), statusResult(resp.Status())
}

// This fetches server version strings, keyed by shard id.
func (c *CacheClient) ServerVersions() (map[int]string, *Result) {
	resp := c.client.Version()
	if resp.Error() != nil && resp.Status() == StatusNoError {
		return resp.Versions(), errorResult(resp.Error())
	}
	return resp.Versions(), statusResult(resp.Status())
}
