package protocol

// Frame type codes for the control channel. CmdControlMsg/CmdEOR match
// the numbering an existing Go port of this protocol uses for the same
// two purposes, kept here so a wire capture lines up with that port.
const (
	CmdControlMsg = 501
	CmdEOR        = 502
)

// EOR status values, carried as the first byte of an EOR frame's
// payload. Ordering and meaning match the worker's C++ ancestor.
type EORStatus byte

const (
	EORFree                         EORStatus = 0
	EORInTransaction                EORStatus = 1
	EORInCursorNotInTransaction     EORStatus = 2
	EORInCursorInTransaction        EORStatus = 3
	EORMoreIncomingRequests         EORStatus = 4
	EORBusyOther                    EORStatus = 5
	EORRestart                      EORStatus = 6
)

func (s EORStatus) String() string {
	switch s {
	case EORFree:
		return "FREE"
	case EORInTransaction:
		return "IN_TRANSACTION"
	case EORInCursorNotInTransaction:
		return "IN_CURSOR_NOT_IN_TRANSACTION"
	case EORInCursorInTransaction:
		return "IN_CURSOR_IN_TRANSACTION"
	case EORMoreIncomingRequests:
		return "MORE_INCOMING_REQUESTS"
	case EORBusyOther:
		return "BUSY_OTHER"
	case EORRestart:
		return "RESTART"
	default:
		return "UNKNOWN"
	}
}

// Data channel opcodes. Inbound (mux -> worker) commands occupy the
// 1-99 range, outbound (worker -> mux) responses occupy 100-199, and
// the nested-group sentinel is 0, matching the "code 0 starts a group"
// rule in the frame codec.
const (
	GroupCode = 0

	// Inbound
	CmdPrepare           = 1
	CmdPrepareV2         = 2
	CmdPrepareSpecial    = 3
	CmdBindName          = 4
	CmdBindOutName       = 5
	CmdBindType          = 6
	CmdBindNum           = 7
	CmdBindValueMaxSize  = 8
	CmdBindValue         = 9
	CmdExecute           = 10
	CmdFetch             = 11
	CmdCommit            = 12
	CmdRollback          = 13
	CmdTransStart        = 14
	CmdTransTimeout      = 15
	CmdTransRole         = 16
	CmdTransPrepare      = 17
	CmdClientInfo        = 18
	CmdIntClientInfo     = 19
	CmdBacktrace         = 20
	CmdCALCorrelationID  = 21
	CmdShardKey          = 22
	CmdPing              = 23
	CmdRows              = 24
	CmdCols              = 25
	CmdColsInfo          = 26

	// Outbound
	RespValue           = 100
	RespOK              = 101
	RespError           = 102
	RespSQLError        = 103
	RespNoMoreData      = 104
	RespStillExecuting  = 105
	RespMarkdown        = 106
	RespServerInfo      = 107
	RespAlive           = 108
	RespRows            = 109
	RespCols            = 110
	RespColsInfo        = 111
)
