package p2p

import "neonode.dev/node/dbft"

// EncodeExtensiblePayload/DecodeExtensiblePayload wrap the dbft package's
// envelope so the Dispatcher (C6) never has to import dbft's internals
// directly — only the raw bytes carried by CmdExtensible (§6.2
// `Extensible("dBFT")`).
func EncodeExtensiblePayload(p dbft.ExtensiblePayload) []byte {
	return dbft.EncodeExtensiblePayload(p)
}

func DecodeExtensiblePayload(b []byte) (dbft.ExtensiblePayload, error) {
	return dbft.DecodeExtensiblePayload(b)
}
