package state

import "encoding/binary"

var (
	listingCountKeyBytes = []byte("marketplace/count")
	listingPrefix        = []byte("marketplace/listing/")
	proceedsPrefix       = []byte("marketplace/proceeds/")
)

// ListingCountKey returns the key holding the number of listings created.
func ListingCountKey() []byte {
	return append([]byte(nil), listingCountKeyBytes...)
}

// ListingKey returns the storage key for a listing. Ids are encoded big-endian
// so keys sort in id order.
func ListingKey(id uint64) []byte {
	key := make([]byte, len(listingPrefix)+8)
	copy(key, listingPrefix)
	binary.BigEndian.PutUint64(key[len(listingPrefix):], id)
	return key
}

// ProceedsKey returns the storage key for the proceeds balance of addr.
func ProceedsKey(addr []byte) []byte {
	key := make([]byte, 0, len(proceedsPrefix)+len(addr))
	key = append(key, proceedsPrefix...)
	return append(key, addr...)
}
