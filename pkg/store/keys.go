package store

// Key layout. Every collection is its own badger directory, so keys only
// need a one-byte namespace.
//
// record collection:  0x01 | natural key  -> s2(json(document))
//                     0xFF 0x01           -> s2(json(Manifest))
// state collection:   0x10 | batch id     -> s2(json(run state))
//                     0x11 | batch id     -> s2(json(Lease))
//                     0x12 | batch id 0x00 run id -> archived run state
const (
	DocPrefix     byte = 0x01
	StatePrefix   byte = 0x10
	LockPrefix    byte = 0x11
	ArchivePrefix byte = 0x12
	SystemPrefix  byte = 0xFF
)

var keyManifest = []byte{SystemPrefix, 0x01}

func prefixed(p byte, s string) []byte {
	k := make([]byte, 1+len(s))
	k[0] = p
	copy(k[1:], s)
	return k
}

func docKey(naturalKey string) []byte { return prefixed(DocPrefix, naturalKey) }

func stateKey(batchID string) []byte { return prefixed(StatePrefix, batchID) }

func lockKey(batchID string) []byte { return prefixed(LockPrefix, batchID) }

func archiveKey(batchID, runID string) []byte {
	return prefixed(ArchivePrefix, batchID+"\x00"+runID)
}

func archivePrefix(batchID string) []byte {
	return prefixed(ArchivePrefix, batchID+"\x00")
}
