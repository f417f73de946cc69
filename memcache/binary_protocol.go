package memcache

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/dropbox/godropbox/errors"
)

const (
	headerLength = 24
	maxKeyLength = 250
	// NOTE: Storing values larger than 1MB requires recompiling memcached.
	maxValueLength = 1024 * 1024
)

func isValidKeyChar(char byte) bool {
	return (0x21 <= char && char <= 0x7e) || (0x80 <= char && char <= 0xff)
}

func isValidKeyString(key string) bool {
	if len(key) == 0 || len(key) > maxKeyLength {
		return false
	}

	for _, char := range []byte(key) {
		if !isValidKeyChar(char) {
			return false
		}
	}

	return true
}

func validateValue(value []byte) error {
	if value == nil {
		return errors.New("Invalid value: cannot be nil")
	}

	if len(value) > maxValueLength {
		return errors.Newf(
			"Invalid value: length %d longer than max length %d",
			len(value),
			maxValueLength)
	}

	return nil
}

// The fixed 24-byte packet header shared by requests and responses.
type header struct {
	Magic             uint8
	OpCode            uint8
	KeyLength         uint16
	ExtrasLength      uint8
	DataType          uint8
	VBucketIdOrStatus uint16 // vbucket id for request, status for response
	TotalBodyLength   uint32
	Opaque            uint32 // echoed by the server
	DataVersionId     uint64 // aka CAS
}

// A fully decoded response packet.  key and value are nil when their
// lengths are zero; extras holds the raw extras bytes for the caller to
// unpack per-opcode.
type responsePacket struct {
	opCode        opCode
	status        ResponseStatus
	opaque        uint32
	dataVersionId uint64
	extras        []byte
	key           []byte
	value         []byte
}

// Writes a single request packet.  NOTE: extras must be fix-sized
// values.  A successful write appends exactly 24 + total body length
// bytes to the writer.
func writeRequest(
	channel io.Writer,
	code opCode,
	opaque uint32,
	dataVersionId uint64, // aka CAS
	key []byte, // may be nil
	value []byte, // may be nil
	extras ...interface{}) error {

	extrasBuffer := new(bytes.Buffer)
	for _, extra := range extras {
		if err := binary.Write(
			extrasBuffer, binary.BigEndian, extra); err != nil {

			return errors.Wrap(err, "Failed to write extra")
		}
	}

	// NOTE:
	// - memcache only supports a single dataType (0x0)
	// - vbucket id is not used by the library since vbucket related op
	//   codes are unsupported
	hdr := header{
		Magic:           reqMagicByte,
		OpCode:          byte(code),
		KeyLength:       uint16(len(key)),
		ExtrasLength:    uint8(extrasBuffer.Len()),
		TotalBodyLength: uint32(len(key) + len(value) + extrasBuffer.Len()),
		Opaque:          opaque,
		DataVersionId:   dataVersionId,
	}

	msgBuffer := new(bytes.Buffer)

	if err := binary.Write(msgBuffer, binary.BigEndian, hdr); err != nil {
		return errors.Wrap(err, "Failed to write header")
	}
	if msgBuffer.Len() != headerLength { // sanity check
		return errors.Newf("Incorrect header size: %d", msgBuffer.Len())
	}

	if _, err := extrasBuffer.WriteTo(msgBuffer); err != nil {
		return errors.Wrap(err, "Failed to add extras to msg")
	}

	if key != nil {
		if _, err := msgBuffer.Write(key); err != nil {
			return errors.Wrap(err, "Failed to write key")
		}
	}

	if value != nil {
		if _, err := msgBuffer.Write(value); err != nil {
			return errors.Wrap(err, "Failed to write value")
		}
	}

	bytesWritten, err := msgBuffer.WriteTo(channel)
	if err != nil {
		return errors.Wrap(err, "Failed to send msg")
	}
	if bytesWritten != int64(hdr.TotalBodyLength)+headerLength {
		return errors.New("Failed to send out the whole message")
	}

	return nil
}

// Reads a single response packet.  A malformed header (wrong magic,
// nonzero data type, inconsistent lengths) is a protocol violation; the
// caller must treat the connection as poisoned.
func readResponse(channel io.Reader) (*responsePacket, error) {
	hdr := header{}
	if err := binary.Read(channel, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "Failed to read header")
	}
	if hdr.Magic != respMagicByte {
		return nil, errors.Newf(
			"Invalid response magic byte: %d",
			hdr.Magic)
	}
	if hdr.DataType != 0 {
		return nil, errors.Newf("Invalid data type: %d", hdr.DataType)
	}

	valueLength := int(hdr.TotalBodyLength)
	valueLength -= int(hdr.KeyLength) + int(hdr.ExtrasLength)
	if valueLength < 0 {
		return nil, errors.New("Invalid response header.  Wrong payload size.")
	}

	resp := &responsePacket{
		opCode:        opCode(hdr.OpCode),
		status:        ResponseStatus(hdr.VBucketIdOrStatus),
		opaque:        hdr.Opaque,
		dataVersionId: hdr.DataVersionId,
	}

	if hdr.ExtrasLength > 0 {
		resp.extras = make([]byte, hdr.ExtrasLength)
		if _, err := io.ReadFull(channel, resp.extras); err != nil {
			return nil, errors.Wrap(err, "Failed to read extras")
		}
	}

	if hdr.KeyLength > 0 {
		resp.key = make([]byte, hdr.KeyLength)
		if _, err := io.ReadFull(channel, resp.key); err != nil {
			return nil, errors.Wrap(err, "Failed to read key")
		}
	}

	if valueLength > 0 {
		resp.value = make([]byte, valueLength)
		if _, err := io.ReadFull(channel, resp.value); err != nil {
			return nil, errors.Wrap(err, "Failed to read value")
		}
	}

	return resp, nil
}

// Unpacks the raw extras bytes into the given fix-sized values.  A
// response with no extras is only valid when none are expected (error
// statuses omit extras).
func (r *responsePacket) unpackExtras(extras ...interface{}) error {
	if len(r.extras) == 0 {
		if r.status == StatusNoError && len(extras) != 0 {
			return errors.New("Expecting extras payload")
		}
		return nil
	}

	extrasBuffer := bytes.NewBuffer(r.extras)
	for _, extra := range extras {
		if err := binary.Read(
			extrasBuffer, binary.BigEndian, extra); err != nil {

			return errors.Wrap(err, "Failed to deserialize extra")
		}
	}

	if extrasBuffer.Len() != 0 {
		return errors.New("Not all bytes are consumed by extras fields")
	}
	return nil
}
