package memcache

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/dropbox/godropbox/errors"
)

// An unsharded memcache client implementation which operates on a
// pre-existing io channel, using the ascii memcache protocol.  This is
// the parallel dialect to RawBinaryClient; both satisfy
// ClientShardFactory.  Note that the ascii protocol cannot express a few
// binary-protocol features: stores do not report the new cas id,
// counters cannot be seeded with an initial value, and stats lookups are
// always the default set.
type RawAsciiClient struct {
	shard   int
	channel io.ReadWriter

	mutex      sync.Mutex
	validState bool
	writer     *bufio.Writer
	reader     *bufio.Reader
}

// This creates a new memcache RawAsciiClient.
func NewRawAsciiClient(shard int, channel io.ReadWriter) ClientShard {
	return &RawAsciiClient{
		shard:      shard,
		channel:    channel,
		validState: true,
		writer:     bufio.NewWriter(channel),
		reader:     bufio.NewReader(channel),
	}
}

// See ClientShard interface for documentation.
func (c *RawAsciiClient) ShardId() int {
	return c.shard
}

// See ClientShard interface for documentation.
func (c *RawAsciiClient) IsValidState() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.validState
}

func (c *RawAsciiClient) writeStrings(strs ...string) error {
	if !c.validState {
		return NewInvalidStateError()
	}

	for _, str := range strs {
		if _, err := c.writer.WriteString(str); err != nil {
			c.validState = false
			return err
		}
	}

	return nil
}

func (c *RawAsciiClient) flushWriter() error {
	if !c.validState {
		return NewInvalidStateError()
	}

	if err := c.writer.Flush(); err != nil {
		c.validState = false
		return err
	}

	return nil
}

func (c *RawAsciiClient) readLine() (string, error) {
	line, isPrefix, err := c.reader.ReadLine()
	if err != nil {
		c.validState = false
		return "", err
	}
	if isPrefix {
		c.validState = false
		return "", errors.New("Readline truncated")
	}

	return string(line), nil
}

func (c *RawAsciiClient) read(numBytes int) ([]byte, error) {
	result := make([]byte, numBytes)

	if _, err := io.ReadFull(c.reader, result); err != nil {
		c.validState = false
		return nil, err
	}

	return result, nil
}

func (c *RawAsciiClient) checkEmptyBuffers() error {
	if c.writer.Buffered() != 0 {
		c.validState = false
		return errors.New("writer buffer not fully flushed")
	}
	if c.reader.Buffered() != 0 {
		c.validState = false
		return errors.New("reader buffer not fully drained")
	}

	return nil
}

// See Client interface for documentation.
func (c *RawAsciiClient) Get(key string) GetResponse {
	return c.GetMulti([]string{key})[key]
}

// See Client interface for documentation.
func (c *RawAsciiClient) GetMulti(keys []string) map[string]GetResponse {
	responses := make(map[string]GetResponse, len(keys))
	neededKeys := []string{}
	for _, key := range keys {
		if _, inMap := responses[key]; inMap {
			continue
		}

		if !isValidKeyString(key) {
			responses[key] = NewGetErrorResponse(
				key,
				errors.New("Invalid key"))
			continue
		}

		neededKeys = append(neededKeys, key)
		responses[key] = nil
	}

	if len(neededKeys) == 0 {
		return responses
	}

	populateErrorResponses := func(e error) {
		for _, key := range neededKeys {
			if responses[key] == nil {
				responses[key] = NewGetErrorResponse(key, e)
			}
		}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// NOTE: Always use gets instead of get since returning the extra cas
	// id info is relatively cheap.
	err := c.writeStrings("gets")
	if err == nil {
		for _, key := range neededKeys {
			if err = c.writeStrings(" ", key); err != nil {
				break
			}
		}
	}
	if err == nil {
		err = c.writeStrings("\r\n")
	}
	if err == nil {
		err = c.flushWriter()
	}
	if err != nil {
		populateErrorResponses(err)
		return responses
	}

	// Any error that occurs while reading the results will result in mid
	// stream termination, i.e., the channel is no longer in a valid state.
	for {
		line, err := c.readLine()
		if err != nil {
			populateErrorResponses(err)
			return responses
		}

		if line == "END" {
			break
		}

		// line is of the form: VALUE <key> <flags> <num bytes> <cas id>
		resp, size, malformed := c.parseValueLine(line, responses)
		if malformed != nil {
			c.validState = false
			populateErrorResponses(malformed)
			return responses
		}

		value, err := c.read(size + 2)
		if err != nil {
			populateErrorResponses(err)
			return responses
		}
		if value[size] != '\r' || value[size+1] != '\n' {
			c.validState = false
			populateErrorResponses(errors.New("Corrupted stream"))
			return responses
		}

		responses[resp.key] = NewGetResponse(
			resp.key,
			StatusNoError,
			resp.flags,
			value[:size],
			resp.version)
	}

	if err := c.checkEmptyBuffers(); err != nil {
		populateErrorResponses(err)
		return responses
	}

	for _, key := range neededKeys {
		if responses[key] == nil {
			responses[key] = NewGetResponse(key, StatusKeyNotFound, 0, nil, 0)
		}
	}

	return responses
}

type asciiValueHeader struct {
	key     string
	flags   uint32
	version uint64
}

func (c *RawAsciiClient) parseValueLine(
	line string,
	responses map[string]GetResponse) (asciiValueHeader, int, error) {

	hdr := asciiValueHeader{}

	slice := strings.Split(line, " ")
	if len(slice) != 5 || slice[0] != "VALUE" {
		return hdr, 0, errors.New(line)
	}

	hdr.key = slice[1]
	if v, inMap := responses[hdr.key]; !inMap || v != nil {
		// The server echoed a key we did not ask for.
		return hdr, 0, errors.New(line)
	}

	flags, err := strconv.ParseUint(slice[2], 10, 32)
	if err != nil {
		return hdr, 0, errors.New(line)
	}
	hdr.flags = uint32(flags)

	size, err := strconv.ParseUint(slice[3], 10, 31)
	if err != nil {
		return hdr, 0, errors.New(line)
	}

	hdr.version, err = strconv.ParseUint(slice[4], 10, 64)
	if err != nil {
		return hdr, 0, errors.New(line)
	}

	return hdr, int(size), nil
}

func (c *RawAsciiClient) storeRequests(
	cmd string,
	items []*Item) []MutateResponse {

	responses := make([]MutateResponse, len(items))
	needSending := false
	for i, item := range items {
		if item == nil {
			responses[i] = NewMutateErrorResponse(
				"",
				errors.New("item is nil"))
			continue
		}

		if item.DataVersionId != 0 && cmd != "set" {
			responses[i] = NewMutateErrorResponse(
				item.Key,
				errors.Newf(
					"Ascii protocol does not support %s with cas id",
					cmd))
			continue
		}

		if !isValidKeyString(item.Key) {
			responses[i] = NewMutateErrorResponse(
				item.Key,
				errors.New("Invalid key"))
			continue
		}

		if err := validateValue(item.Value); err != nil {
			responses[i] = NewMutateErrorResponse(item.Key, err)
			continue
		}

		needSending = true
	}

	if !needSending {
		return responses
	}

	populateErrorResponses := func(e error) {
		for i, item := range items {
			if responses[i] == nil {
				responses[i] = NewMutateErrorResponse(item.Key, e)
			}
		}
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// NOTE: store requests are pipelined.
	for i, item := range items {
		if responses[i] != nil {
			continue
		}

		flags := strconv.FormatUint(uint64(item.Flags), 10)
		expiration := strconv.FormatUint(uint64(item.Expiration), 10)
		size := strconv.Itoa(len(item.Value))

		var err error
		if item.DataVersionId != 0 {
			// We have already verified that cmd must be "set".
			err = c.writeStrings(
				"cas ",
				item.Key, " ",
				flags, " ",
				expiration, " ",
				size, " ",
				strconv.FormatUint(item.DataVersionId, 10),
				"\r\n")
		} else {
			err = c.writeStrings(
				cmd, " ",
				item.Key, " ",
				flags, " ",
				expiration, " ",
				size,
				"\r\n")
		}
		if err == nil {
			err = c.writeStrings(string(item.Value), "\r\n")
		}
		if err != nil {
			populateErrorResponses(err)
			return responses
		}
	}

	if err := c.flushWriter(); err != nil {
		populateErrorResponses(err)
		return responses
	}

	for i, item := range items {
		if responses[i] != nil {
			continue
		}

		line, err := c.readLine()
		if err != nil {
			populateErrorResponses(err)
			return responses
		}

		// NOTE: Unfortunately, the returned response does not include cas
		// info.
		switch line {
		case "STORED":
			responses[i] = NewMutateResponse(item.Key, StatusNoError, 0)
		case "NOT_FOUND":
			responses[i] = NewMutateResponse(item.Key, StatusKeyNotFound, 0)
		case "NOT_STORED":
			responses[i] = NewMutateResponse(item.Key, StatusItemNotStored, 0)
		case "EXISTS":
			responses[i] = NewMutateResponse(item.Key, StatusKeyExists, 0)
		default:
			responses[i] = NewMutateErrorResponse(item.Key, errors.New(line))
		}
	}

	_ = c.checkEmptyBuffers()

	return responses
}

// See Client interface for documentation.
func (c *RawAsciiClient) Set(item *Item) MutateResponse {
	return c.SetMulti([]*Item{item})[0]
}

// See Client interface for documentation.
func (c *RawAsciiClient) SetMulti(items []*Item) []MutateResponse {
	return c.storeRequests("set", items)
}

// See Client interface for documentation.
func (c *RawAsciiClient) Add(item *Item) MutateResponse {
	return c.AddMulti([]*Item{item})[0]
}

// See Client interface for documentation.
func (c *RawAsciiClient) AddMulti(items []*Item) []MutateResponse {
	return c.storeRequests("add", items)
}

// See Client interface for documentation.
func (c *RawAsciiClient) Replace(item *Item) MutateResponse {
	return c.storeRequests("replace", []*Item{item})[0]
}

// See Client interface for documentation.
func (c *RawAsciiClient) Append(key string, value []byte) MutateResponse {
	items := []*Item{
		{
			Key:   key,
			Value: value,
		},
	}
	return c.storeRequests("append", items)[0]
}

// See Client interface for documentation.
func (c *RawAsciiClient) Prepend(key string, value []byte) MutateResponse {
	items := []*Item{
		{
			Key:   key,
			Value: value,
		},
	}
	return c.storeRequests("prepend", items)[0]
}

// See Client interface for documentation.
func (c *RawAsciiClient) Delete(key string) MutateResponse {
	return c.DeleteMulti([]string{key})[0]
}

// See Client interface for documentation.
func (c *RawAsciiClient) DeleteMulti(keys []string) []MutateResponse {
	responses := make([]MutateResponse, len(keys))

	c.mutex.Lock()
	defer c.mutex.Unlock()

	// NOTE: delete requests are pipelined.
	for i, key := range keys {
		if !isValidKeyString(key) {
			responses[i] = NewMutateErrorResponse(
				key,
				errors.New("Invalid key"))
			continue
		}

		if err := c.writeStrings("delete ", key, "\r\n"); err != nil {
			responses[i] = NewMutateErrorResponse(key, err)
		}
	}

	if err := c.flushWriter(); err != nil {
		// The delete requests may or may not have successfully reached
		// the memcached, just error out.
		for i, key := range keys {
			if responses[i] == nil {
				responses[i] = NewMutateErrorResponse(key, err)
			}
		}
	}

	for i, key := range keys {
		if responses[i] != nil {
			continue
		}

		line, err := c.readLine()
		if err != nil {
			responses[i] = NewMutateErrorResponse(key, err)
			continue
		}

		switch line {
		case "DELETED":
			responses[i] = NewMutateResponse(key, StatusNoError, 0)
		case "NOT_FOUND":
			responses[i] = NewMutateResponse(key, StatusKeyNotFound, 0)
		default: // Unexpected error msg
			responses[i] = NewMutateErrorResponse(key, errors.New(line))
		}
	}

	_ = c.checkEmptyBuffers()

	return responses
}

func (c *RawAsciiClient) countRequest(
	cmd string,
	key string,
	delta uint64,
	expiration uint32) CountResponse {

	if expiration != NeverSeedCounter {
		return NewCountErrorResponse(
			key,
			errors.New(
				"Ascii protocol does not support initial value / "+
					"expiration.  expiration must be set to 0xffffffff."))
	}

	if !isValidKeyString(key) {
		return NewCountErrorResponse(
			key,
			errors.New("Invalid key"))
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	err := c.writeStrings(
		cmd, " ",
		key, " ",
		strconv.FormatUint(delta, 10), "\r\n")
	if err == nil {
		err = c.flushWriter()
	}
	if err != nil {
		return NewCountErrorResponse(key, err)
	}

	line, err := c.readLine()
	if err != nil {
		return NewCountErrorResponse(key, err)
	}

	_ = c.checkEmptyBuffers()

	if line == "NOT_FOUND" {
		return NewCountResponse(key, StatusKeyNotFound, 0)
	}

	val, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return NewCountErrorResponse(key, err)
	}

	return NewCountResponse(key, StatusNoError, val)
}

// See Client interface for documentation.
func (c *RawAsciiClient) Increment(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.countRequest("incr", key, delta, expiration)
}

// See Client interface for documentation.
func (c *RawAsciiClient) Decrement(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	return c.countRequest("decr", key, delta, expiration)
}

func (c *RawAsciiClient) lineCommand(strs ...string) (string, error) {
	err := c.writeStrings(strs...)
	if err == nil {
		err = c.flushWriter()
	}
	if err != nil {
		return "", err
	}

	line, err := c.readLine()
	if err != nil {
		return "", err
	}

	_ = c.checkEmptyBuffers()
	return line, nil
}

// See Client interface for documentation.
func (c *RawAsciiClient) Flush(expiration uint32) Response {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	line, err := c.lineCommand(
		"flush_all ",
		strconv.FormatUint(uint64(expiration), 10),
		"\r\n")
	if err != nil {
		return NewErrorResponse(err)
	}

	if line != "OK" {
		// memcached returned an error message.  This should never happen
		// according to the docs.
		return NewErrorResponse(errors.New(line))
	}

	return NewResponse(StatusNoError)
}

// See Client interface for documentation.
func (c *RawAsciiClient) Stat(statsKey string) StatResponse {
	shardEntries := make(map[int](map[string]string))
	entries := make(map[string]string)
	shardEntries[c.ShardId()] = entries

	if statsKey != "" {
		return NewStatErrorResponse(
			errors.New(
				"Ascii protocol does not support specific stats lookup"),
			shardEntries)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	err := c.writeStrings("stats\r\n")
	if err == nil {
		err = c.flushWriter()
	}
	if err != nil {
		return NewStatErrorResponse(err, shardEntries)
	}

	for {
		line, err := c.readLine()
		if err != nil {
			return NewStatErrorResponse(err, shardEntries)
		}

		if line == "END" {
			break
		}

		// line is of the form: STAT <key> <value>
		slice := strings.SplitN(line, " ", 3)

		if len(slice) != 3 || slice[0] != "STAT" {
			// The channel is no longer in valid state since we're exiting
			// stats mid stream.
			c.validState = false
			return NewStatErrorResponse(errors.New(line), shardEntries)
		}

		entries[slice[1]] = slice[2]
	}

	_ = c.checkEmptyBuffers()

	return NewStatResponse(StatusNoError, shardEntries)
}

// See Client interface for documentation.
func (c *RawAsciiClient) Version() VersionResponse {
	versions := make(map[int]string, 1)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	line, err := c.lineCommand("version\r\n")
	if err != nil {
		return NewVersionErrorResponse(err, versions)
	}

	if !strings.HasPrefix(line, "VERSION ") {
		// memcached returned an error message.
		return NewVersionErrorResponse(errors.New(line), versions)
	}

	versions[c.ShardId()] = line[len("VERSION "):]

	return NewVersionResponse(StatusNoError, versions)
}

// See Client interface for documentation.
func (c *RawAsciiClient) Verbosity(verbosity uint32) Response {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	line, err := c.lineCommand(
		"verbosity ",
		strconv.FormatUint(uint64(verbosity), 10),
		"\r\n")
	if err != nil {
		return NewErrorResponse(err)
	}

	if line != "OK" {
		// memcached returned an error message.  This should never happen
		// according to the docs.
		return NewErrorResponse(errors.New(line))
	}

	return NewResponse(StatusNoError)
}
