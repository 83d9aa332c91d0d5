package p2p

// Command identifies the payload shape carried by an envelope (§6.2). Unlike
// the Rubin protocol's 12-byte ASCII command string, this wire format uses a
// single byte: the message set is small and fixed, and the Dispatcher (C6)
// switches on it directly.
type Command byte

const (
	CmdVersion Command = iota + 1
	CmdVerack
	CmdPing
	CmdPong
	CmdGetAddr
	CmdAddr
	CmdGetHeaders
	CmdHeaders
	CmdGetBlockByIndex
	CmdInv
	CmdGetData
	CmdNotFound
	CmdTx
	CmdBlock
	CmdExtensible
	CmdMempool
)

func (c Command) String() string {
	switch c {
	case CmdVersion:
		return "version"
	case CmdVerack:
		return "verack"
	case CmdPing:
		return "ping"
	case CmdPong:
		return "pong"
	case CmdGetAddr:
		return "getaddr"
	case CmdAddr:
		return "addr"
	case CmdGetHeaders:
		return "getheaders"
	case CmdHeaders:
		return "headers"
	case CmdGetBlockByIndex:
		return "getblockbyindex"
	case CmdInv:
		return "inv"
	case CmdGetData:
		return "getdata"
	case CmdNotFound:
		return "notfound"
	case CmdTx:
		return "tx"
	case CmdBlock:
		return "block"
	case CmdExtensible:
		return "extensible"
	case CmdMempool:
		return "mempool"
	default:
		return "unknown"
	}
}

// KnownCommand reports whether c is part of the fixed message set (§4.6:
// unknown commands are logged at debug and otherwise ignored, never an
// error).
func KnownCommand(c Command) bool {
	return c >= CmdVersion && c <= CmdMempool
}
