package memcache

import (
	"io"
	"sync"

	"github.com/dropbox/godropbox/errors"
)

// An unsharded memcache client implementation which operates on a
// pre-existing io channel (The user must explicitly set up and close down
// the channel), using the binary memcached protocol.  Note that the
// client assumes nothing else is sending or receiving on the network
// channel.  In general, all client operations are serialized (Use
// multiple channels / clients if parallelism is needed).
type RawBinaryClient struct {
	shard      int
	channel    io.ReadWriter
	mutex      sync.Mutex
	validState bool

	// Monotonic opaque counter pairing responses with requests.  Guarded
	// by mutex (operations are serialized per channel).
	opaque uint32
}

// This creates a new memcache RawBinaryClient.
func NewRawBinaryClient(shard int, channel io.ReadWriter) ClientShard {
	return &RawBinaryClient{
		shard:      shard,
		channel:    channel,
		validState: true,
	}
}

// See ClientShard interface for documentation.
func (c *RawBinaryClient) ShardId() int {
	return c.shard
}

// See ClientShard interface for documentation.
func (c *RawBinaryClient) IsValidState() bool {
	return c.validState
}

func (c *RawBinaryClient) nextOpaque() uint32 {
	c.opaque++
	return c.opaque
}

// Sends a memcache request through the connection and returns the opaque
// value assigned to it.  NOTE: extras must be fix-sized values.
func (c *RawBinaryClient) sendRequest(
	code opCode,
	dataVersionId uint64, // aka CAS
	key []byte, // may be nil
	value []byte, // may be nil
	extras ...interface{}) (opaque uint32, err error) {

	if !c.validState {
		// An error has occurred previously.  It's not safe to continue
		// sending.
		return 0, NewInvalidStateError()
	}
	defer func() {
		if err != nil {
			c.validState = false
		}
	}()

	opaque = c.nextOpaque()
	err = writeRequest(c.channel, code, opaque, dataVersionId, key, value, extras...)
	return
}

// Receives a memcache response from the connection and checks it against
// the expected op code and opaque.  A mismatch is a protocol violation
// and trips the client into invalid state.
func (c *RawBinaryClient) receiveResponse(
	expectedCode opCode,
	expectedOpaque uint32) (resp *responsePacket, err error) {

	if !c.validState {
		return nil, NewInvalidStateError()
	}
	defer func() {
		if err != nil {
			c.validState = false
		}
	}()

	resp, err = readResponse(c.channel)
	if err != nil {
		return nil, err
	}
	if resp.opCode != expectedCode {
		return nil, errors.Newf(
			"Invalid response op code: %d (expecting %d)",
			resp.opCode,
			expectedCode)
	}
	if resp.opaque != expectedOpaque {
		return nil, errors.Newf(
			"Response pairs to request %d (expecting %d)",
			resp.opaque,
			expectedOpaque)
	}
	return resp, nil
}

func (c *RawBinaryClient) sendGetRequest(key string) (uint32, GetResponse) {
	if !isValidKeyString(key) {
		return 0, NewGetErrorResponse(key, errors.New("Invalid key"))
	}

	opaque, err := c.sendRequest(opGet, 0, []byte(key), nil)
	if err != nil {
		return 0, NewGetErrorResponse(key, err)
	}

	return opaque, nil
}

func (c *RawBinaryClient) receiveGetResponse(
	key string,
	opaque uint32) GetResponse {

	resp, err := c.receiveResponse(opGet, opaque)
	if err != nil {
		return NewGetErrorResponse(key, err)
	}

	var flags uint32
	if resp.status == StatusNoError {
		if err := resp.unpackExtras(&flags); err != nil {
			c.validState = false
			return NewGetErrorResponse(key, err)
		}
	}
	return NewGetResponse(key, resp.status, flags, resp.value, resp.dataVersionId)
}

// See Client interface for documentation.
func (c *RawBinaryClient) Get(key string) GetResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	opaque, errResp := c.sendGetRequest(key)
	if errResp != nil {
		return errResp
	}

	return c.receiveGetResponse(key, opaque)
}

func removeDuplicateKeys(keys []string) []string {
	keyMap := make(map[string]struct{}, len(keys))
	cacheKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, inMap := keyMap[key]; inMap {
			continue
		}
		keyMap[key] = struct{}{}
		cacheKeys = append(cacheKeys, key)
	}
	return cacheKeys
}

// See Client interface for documentation.
//
// The batch is pipelined on the wire as one quiet GetKQ request per key
// followed by a single NoOp; the NoOp's reply delimits the batch.  Keys
// present on the server reply with their key echoed back; missing keys
// produce no reply and are synthesized as StatusKeyNotFound once the
// NoOp reply is seen.
func (c *RawBinaryClient) GetMulti(keys []string) map[string]GetResponse {
	if keys == nil {
		return nil
	}

	responses := make(map[string]GetResponse)
	cacheKeys := removeDuplicateKeys(keys)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	opaqueToKey := make(map[uint32]string, len(cacheKeys))
	pipelined := make([]string, 0, len(cacheKeys))
	for _, key := range cacheKeys {
		if !isValidKeyString(key) {
			responses[key] = NewGetErrorResponse(
				key,
				errors.New("Invalid key"))
			continue
		}

		opaque, err := c.sendRequest(opGetKQ, 0, []byte(key), nil)
		if err != nil {
			responses[key] = NewGetErrorResponse(key, err)
			continue
		}
		opaqueToKey[opaque] = key
		pipelined = append(pipelined, key)
	}

	var noopOpaque uint32
	var noopErr error
	if len(pipelined) > 0 {
		noopOpaque, noopErr = c.sendRequest(opNoOp, 0, nil, nil)
	}

	if noopErr == nil && len(pipelined) > 0 {
		noopErr = c.receivePipelinedGets(responses, opaqueToKey, noopOpaque)
	}

	for _, key := range pipelined {
		if _, inMap := responses[key]; inMap {
			continue
		}
		if noopErr != nil {
			responses[key] = NewGetErrorResponse(key, noopErr)
		} else {
			// No quiet reply before the NoOp terminator: a cache miss.
			responses[key] = NewGetResponse(key, StatusKeyNotFound, 0, nil, 0)
		}
	}

	return responses
}

// Drains quiet get replies until the NoOp terminator shows up.  Every
// reply before the terminator must pair to a pipelined GetKQ request.
func (c *RawBinaryClient) receivePipelinedGets(
	responses map[string]GetResponse,
	opaqueToKey map[uint32]string,
	noopOpaque uint32) (err error) {

	if !c.validState {
		return NewInvalidStateError()
	}
	defer func() {
		if err != nil {
			c.validState = false
		}
	}()

	for {
		resp, err := readResponse(c.channel)
		if err != nil {
			return err
		}

		if resp.opCode == opNoOp {
			if resp.opaque != noopOpaque {
				return errors.Newf(
					"NoOp reply pairs to request %d (expecting %d)",
					resp.opaque,
					noopOpaque)
			}
			return nil
		}

		if resp.opCode != opGetKQ {
			return errors.Newf(
				"Invalid response op code: %d (expecting %d)",
				resp.opCode,
				opGetKQ)
		}

		key, inMap := opaqueToKey[resp.opaque]
		if !inMap {
			return errors.Newf(
				"Quiet get reply pairs to unknown request %d",
				resp.opaque)
		}
		delete(opaqueToKey, resp.opaque)

		var flags uint32
		if resp.status == StatusNoError {
			if err := resp.unpackExtras(&flags); err != nil {
				return err
			}
		}
		responses[key] = NewGetResponse(
			key,
			resp.status,
			flags,
			resp.value,
			resp.dataVersionId)
	}
}

func (c *RawBinaryClient) sendMutateRequest(
	code opCode,
	item *Item,
	addExtras bool) (uint32, MutateResponse) {

	if item == nil {
		return 0, NewMutateErrorResponse("", errors.New("item is nil"))
	}

	if !isValidKeyString(item.Key) {
		return 0, NewMutateErrorResponse(
			item.Key,
			errors.New("Invalid key"))
	}

	if err := validateValue(item.Value); err != nil {
		return 0, NewMutateErrorResponse(item.Key, err)
	}

	extras := make([]interface{}, 0, 2)
	if addExtras {
		extras = append(extras, item.Flags)
		extras = append(extras, item.Expiration)
	}

	opaque, err := c.sendRequest(
		code,
		item.DataVersionId,
		[]byte(item.Key),
		item.Value,
		extras...)
	if err != nil {
		return 0, NewMutateErrorResponse(item.Key, err)
	}
	return opaque, nil
}

func (c *RawBinaryClient) receiveMutateResponse(
	code opCode,
	key string,
	opaque uint32) MutateResponse {

	resp, err := c.receiveResponse(code, opaque)
	if err != nil {
		return NewMutateErrorResponse(key, err)
	}
	return NewMutateResponse(key, resp.status, resp.dataVersionId)
}

// Perform a mutation operation specified by the given code.
func (c *RawBinaryClient) mutate(code opCode, item *Item) MutateResponse {
	if item == nil {
		return NewMutateErrorResponse("", errors.New("item is nil"))
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	opaque, errResp := c.sendMutateRequest(code, item, true)
	if errResp != nil {
		return errResp
	}

	return c.receiveMutateResponse(code, item.Key, opaque)
}

// Batch version of the mutate method.  Note that the response entries
// ordering is undefined (i.e., may not match the input ordering)
func (c *RawBinaryClient) mutateMulti(
	code opCode,
	items []*Item) []MutateResponse {

	if items == nil {
		return nil
	}

	responses := make([]MutateResponse, len(items))

	// Short-circuit to avoid locking.
	if len(items) == 0 {
		return responses
	}

	opaques := make([]uint32, len(items))

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i, item := range items {
		opaques[i], responses[i] = c.sendMutateRequest(code, item, true)
	}

	for i, item := range items {
		if responses[i] != nil { // error occurred while sending
			continue
		}
		responses[i] = c.receiveMutateResponse(code, item.Key, opaques[i])
	}

	return responses
}

// See Client interface for documentation.
func (c *RawBinaryClient) Set(item *Item) MutateResponse {
	return c.mutate(opSet, item)
}

// See Client interface for documentation.
func (c *RawBinaryClient) SetMulti(items []*Item) []MutateResponse {
	return c.mutateMulti(opSet, items)
}

// See Client interface for documentation.
func (c *RawBinaryClient) Add(item *Item) MutateResponse {
	return c.mutate(opAdd, item)
}

// See Client interface for documentation.
func (c *RawBinaryClient) AddMulti(items []*Item) []MutateResponse {
	return c.mutateMulti(opAdd, items)
}

// See Client interface for documentation.
func (c *RawBinaryClient) Replace(item *Item) MutateResponse {
	return c.mutate(opReplace, item)
}

func (c *RawBinaryClient) sendDeleteRequest(key string) (uint32, MutateResponse) {
	if !isValidKeyString(key) {
		return 0, NewMutateErrorResponse(key, errors.New("Invalid key"))
	}

	opaque, err := c.sendRequest(opDelete, 0, []byte(key), nil)
	if err != nil {
		return 0, NewMutateErrorResponse(key, err)
	}
	return opaque, nil
}

// See Client interface for documentation.
func (c *RawBinaryClient) Delete(key string) MutateResponse {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	opaque, errResp := c.sendDeleteRequest(key)
	if errResp != nil {
		return errResp
	}

	return c.receiveMutateResponse(opDelete, key, opaque)
}

// See Client interface for documentation.
func (c *RawBinaryClient) DeleteMulti(keys []string) []MutateResponse {
	if keys == nil {
		return nil
	}

	responses := make([]MutateResponse, len(keys))
	opaques := make([]uint32, len(keys))

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for i, key := range keys {
		opaques[i], responses[i] = c.sendDeleteRequest(key)
	}

	for i, key := range keys {
		if responses[i] != nil { // error occurred while sending
			continue
		}
		responses[i] = c.receiveMutateResponse(opDelete, key, opaques[i])
	}

	return responses
}

// See Client interface for documentation.
func (c *RawBinaryClient) Append(key string, value []byte) MutateResponse {
	item := &Item{
		Key:   key,
		Value: value,
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	opaque, errResp := c.sendMutateRequest(opAppend, item, false)
	if errResp != nil {
		return errResp
	}

	return c.receiveMutateResponse(opAppend, item.Key, opaque)
}

// See Client interface for documentation.
func (c *RawBinaryClient) Prepend(key string, value []byte) MutateResponse {
	item := &Item{
		Key:   key,
		Value: value,
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	opaque, errResp := c.sendMutateRequest(opPrepend, item, false)
	if errResp != nil {
		return errResp
	}

	return c.receiveMutateResponse(opPrepend, item.Key, opaque)
}

func (c *RawBinaryClient) count(
	code opCode,
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	if !isValidKeyString(key) {
		return NewCountErrorResponse(key, errors.New("Invalid key"))
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	opaque, err := c.sendRequest(
		code,
		0,
		[]byte(key),
		nil,
		delta,
		initValue,
		expiration)
	if err != nil {
		return NewCountErrorResponse(key, err)
	}

	resp, err := c.receiveResponse(code, opaque)
	if err != nil {
		return NewCountErrorResponse(key, err)
	}
	if resp.status != StatusNoError {
		// The body holds an error description, not a counter value.
		return NewCountResponse(key, resp.status, 0)
	}

	if len(resp.value) != 8 {
		c.validState = false
		return NewCountErrorResponse(
			key,
			errors.Newf("Invalid counter size: %d", len(resp.value)))
	}

	count := uint64(0)
	for _, b := range resp.value {
		count = count<<8 | uint64(b)
	}
	return NewCountResponse(key, resp.status, count)
}

// See Client interface for documentation.
func (c *RawBinaryClient) Increment(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.count(opIncrement, key, delta, initValue, expiration)
}

// See Client interface for documentation.
func (c *RawBinaryClient) Decrement(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.count(opDecrement, key, delta, initValue, expiration)
}

// See Client interface for documentation.
func (c *RawBinaryClient) Stat(statsKey string) StatResponse {
	shardEntries := make(map[int](map[string]string))
	entries := make(map[string]string)
	shardEntries[c.ShardId()] = entries

	c.mutex.Lock()
	defer c.mutex.Unlock()

	var key []byte
	if statsKey != "" {
		if !isValidKeyString(statsKey) {
			return NewStatErrorResponse(
				errors.Newf("Invalid key: %s", statsKey),
				shardEntries)
		}
		key = []byte(statsKey)
	}

	opaque, err := c.sendRequest(opStat, 0, key, nil)
	if err != nil {
		return NewStatErrorResponse(err, shardEntries)
	}

	for {
		resp, err := c.receiveResponse(opStat, opaque)
		if err != nil {
			return NewStatErrorResponse(err, shardEntries)
		}
		if resp.status != StatusNoError {
			// In theory, this is a valid state, but treating this as valid
			// complicates the code even more.
			c.validState = false
			return NewStatResponse(resp.status, shardEntries)
		}
		if resp.key == nil && resp.value == nil { // the last entry
			break
		}
		entries[string(resp.key)] = string(resp.value)
	}
	return NewStatResponse(StatusNoError, shardEntries)
}

// See Client interface for documentation.
func (c *RawBinaryClient) Version() VersionResponse {
	versions := make(map[int]string)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	opaque, err := c.sendRequest(opVersion, 0, nil, nil)
	if err != nil {
		return NewVersionErrorResponse(err, versions)
	}

	resp, err := c.receiveResponse(opVersion, opaque)
	if err != nil {
		return NewVersionErrorResponse(err, versions)
	}

	if resp.status == StatusNoError {
		versions[c.ShardId()] = string(resp.value)
	}
	return NewVersionResponse(resp.status, versions)
}

func (c *RawBinaryClient) genericOp(
	code opCode,
	extras ...interface{}) Response {

	c.mutex.Lock()
	defer c.mutex.Unlock()

	opaque, err := c.sendRequest(code, 0, nil, nil, extras...)
	if err != nil {
		return NewErrorResponse(err)
	}

	resp, err := c.receiveResponse(code, opaque)
	if err != nil {
		return NewErrorResponse(err)
	}
	return NewResponse(resp.status)
}

// See Client interface for documentation.
func (c *RawBinaryClient) Flush(expiration uint32) Response {
	return c.genericOp(opFlush, expiration)
}

// See Client interface for documentation.
func (c *RawBinaryClient) Verbosity(verbosity uint32) Response {
	return c.genericOp(opVerbosity, verbosity)
}
