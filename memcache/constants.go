package memcache

//
// Magic Byte
//

const (
	reqMagicByte  uint8 = 0x80
	respMagicByte uint8 = 0x81
)

//
// Response Status
//

type ResponseStatus uint16

const (
	StatusNoError ResponseStatus = iota
	StatusKeyNotFound
	StatusKeyExists
	StatusValueTooLarge
	StatusInvalidArguments
	StatusItemNotStored
	StatusIncrDecrOnNonNumericValue
)

const (
	StatusAuthRequired ResponseStatus = 0x20 + iota
	StatusAuthContinue
)

const (
	StatusUnknownCommand ResponseStatus = 0x81 + iota
	StatusOutOfMemory
	StatusNotSupported
	StatusInternalError
	StatusBusy
	StatusTempFailure
)

//
// Command Opcodes
//

type opCode uint8

const (
	opGet opCode = iota
	opSet
	opAdd
	opReplace
	opDelete
	opIncrement
	opDecrement
	opQuit
	opFlush
	opGetQ
	opNoOp
	opVersion
	opGetK
	opGetKQ
	opAppend
	opPrepend
	opStat
	opSetQ       // Unsupported
	opAddQ       // Unsupported
	opReplaceQ   // Unsupported
	opDeleteQ    // Unsupported
	opIncrementQ // Unsupported
	opDecrementQ // Unsupported
	opQuitQ      // Unsupported
	opFlushQ     // Unsupported
	opAppendQ    // Unsupported
	opPrependQ   // Unsupported
	opVerbosity
)

const (
	opSaslListMechs opCode = 0x20 + iota
	opSaslAuth
	opSaslStep
)

// Incr/Decr with this expiration fail with StatusKeyNotFound instead of
// seeding the counter when the key is absent.
const NeverSeedCounter uint32 = 0xffffffff

// Expirations up to this many seconds (30 days) are relative to now;
// larger values are absolute Unix epoch seconds.
const maxRelativeExpiration = 60 * 60 * 24 * 30
