package amt

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"golang.org/x/crypto/blake2b"
)

// cidCodecDagCBOR is the multicodec for DAG-CBOR (0x71), the codec every
// block this package writes is tagged with (§4.4).
const cidCodecDagCBOR = 0x71

// MintCid mints the CID for a block of canonical CBOR bytes: a
// multihash-wrapped digest under the DAG-CBOR codec. hash is currently
// only ever HashBlake2b256; any other value is rejected rather than
// silently hashing with the wrong function. Store implementations
// (blockstore/memstore among them) call this from their Put methods, so
// every Store agrees on exactly how a CID is derived from its bytes.
func MintCid(data []byte, hash HashFunc) (cid.Cid, error) {
	if hash != HashBlake2b256 {
		return cid.Undef, errInvalidEncoding("unsupported hash function for AMT blocks")
	}
	sum := blake2b.Sum256(data)
	mhash, err := mh.Encode(sum[:], mh.BLAKE2B_MIN+256/8-1)
	if err != nil {
		return cid.Undef, wrapCodec(err)
	}
	return cid.NewCidV1(cidCodecDagCBOR, mhash), nil
}
