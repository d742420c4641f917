// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to blobs of data, based on
// github.com/klauspost/reedsolomon. Provides facilities to check the
// integrity of encoded blobs and to recover corrupt ones.

package rdso

import (
	"bytes"
	"encoding/gob"

	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/mbk/util"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

var ErrCorrupt = errors.New("data is corrupt")

// HashSize is the number of bytes in the hash values used to check
// each chunk of a shard.
const HashSize = 64

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// Parity holds everything needed to check and repair a blob: hashes of
// fixed-size chunks of each data and parity shard, and the parity shards
// themselves.
type Parity struct {
	// Size of the original data
	Size                       int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

// Encode computes Reed-Solomon parity for data and returns its
// serialized form.
func Encode(data []byte, nDataShards, nParityShards int, hashRate int64) ([]byte, error) {
	if nDataShards <= 0 || nParityShards <= 0 || hashRate <= 0 {
		return nil, errors.Errorf("invalid encoding parameters %d/%d/%d",
			nDataShards, nParityShards, hashRate)
	}

	p := Parity{
		Size:          int64(len(data)),
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}

	dataShards := shardData(data, p.Size, nDataShards)

	// Allocate storage for the parity shards.
	for i := 0; i < nParityShards; i++ {
		p.ParityShards = append(p.ParityShards, make([]byte, len(dataShards[0])))
	}

	// Reed-Solomon encode the sharded data.
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return nil, err
	}
	allShards := append(dataShards, p.ParityShards...)
	if err = enc.Encode(allShards); err != nil {
		return nil, err
	}

	// Sanity check the results.
	if ok, err := enc.Verify(allShards); !ok || err != nil {
		return nil, errors.Errorf("parity verification failed: %v", err)
	}

	// Compute the hashes.
	for _, s := range allShards {
		p.Hashes = append(p.Hashes, hash(shard(s, hashRate)))
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Check verifies data against its encoded parity and returns ErrCorrupt
// if any chunk doesn't match. Mismatches are reported via log when it's
// non-nil.
func Check(data, parity []byte, log *u.Logger) error {
	_, err := checkOrRepair(data, parity, log, false)
	return err
}

// Repair checks data against its parity and returns the data,
// reconstructed if necessary. An error is returned if too many chunks are
// damaged for recovery to be possible.
func Repair(data, parity []byte, log *u.Logger) ([]byte, error) {
	return checkOrRepair(data, parity, log, true)
}

// Shards the first size bytes of data into nshards equal-sized shards,
// zero-padding as needed.
func shardData(data []byte, size int64, nshards int) [][]byte {
	shardSize := (size + int64(nshards) - 1) / int64(nshards)
	if shardSize == 0 {
		shardSize = 1
	}
	// Allocate extra space so all shards can be the same size.
	buf := make([]byte, int64(nshards)*shardSize)
	copy(buf, data[:min64(size, int64(len(data)))])
	return shard(buf, shardSize)
}

func shard(b []byte, size int64) (s [][]byte) {
	for {
		if int64(len(b)) > size {
			s = append(s, b[:size])
			b = b[size:]
		} else {
			s = append(s, b)
			return
		}
	}
}

func hash(b [][]byte) (hashes []Hash) {
	for _, s := range b {
		hashes = append(hashes, HashBytes(s))
	}
	return
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func decodeParity(b []byte) (Parity, error) {
	var p Parity
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&p); err != nil {
		return p, errors.Wrap(err, "parity")
	}
	if p.NDataShards <= 0 || p.NParityShards <= 0 || p.HashRate <= 0 ||
		len(p.Hashes) != p.NDataShards+p.NParityShards ||
		len(p.ParityShards) != p.NParityShards {
		return p, errors.Wrap(ErrCorrupt, "malformed parity")
	}
	return p, nil
}

func checkOrRepair(data, parity []byte, log *u.Logger, repair bool) ([]byte, error) {
	p, err := decodeParity(parity)
	if err != nil {
		return nil, err
	}

	dataShards := shardData(data, p.Size, p.NDataShards)
	if int64(len(data)) != p.Size {
		if log != nil {
			log.Warning("data is %d bytes, expected %d", len(data), p.Size)
		}
	}

	// First shard as for R-S, then shard for the hash chunk size
	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shard(s, p.HashRate))
	}
	for _, s := range p.ParityShards {
		allShards = append(allShards, shard(s, p.HashRate))
	}

	// Loop over the hash chunks
	nErrors := 0
	nHashChunks := len(allShards[0]) // == len(allShards[*])
	for s := range allShards {
		if len(allShards[s]) != nHashChunks || len(p.Hashes[s]) != nHashChunks {
			return nil, errors.Wrap(ErrCorrupt, "shard size mismatch")
		}
	}
	for hc := 0; hc < nHashChunks; hc++ {
		for s := 0; s < len(allShards); s++ {
			if HashBytes(allShards[s][hc]) == p.Hashes[s][hc] {
				continue
			}
			if log != nil {
				kind, idx := "data", s
				if s >= len(dataShards) {
					kind, idx = "parity", s-len(dataShards)
				}
				if repair {
					log.Warning("%s shard %d hash %d mismatch", kind, idx, hc)
				} else {
					log.Error("%s shard %d hash %d mismatch", kind, idx, hc)
				}
			}
			nErrors++
			// nil it out (in case we're going to try and recover)
			allShards[s][hc] = nil
		}
	}

	if nErrors == 0 {
		return join(dataShards, p.Size), nil
	}
	if !repair {
		return nil, ErrCorrupt
	}

	// Try to recover the data.
	enc, err := reedsolomon.New(p.NDataShards, p.NParityShards)
	if err != nil {
		return nil, err
	}

	for hc := 0; hc < nHashChunks; hc++ {
		// Recover this chunk, if needed.
		missing := 0
		var recon [][]byte
		for _, shard := range allShards {
			recon = append(recon, shard[hc])
			if shard[hc] == nil {
				missing++
			}
		}
		if missing > 0 {
			if err = enc.Reconstruct(recon); err != nil {
				return nil, errors.Wrap(ErrCorrupt, err.Error())
			}
		}

		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(hc)*p.HashRate:], recon[s])
		}
	}

	return join(dataShards, p.Size), nil
}

func join(shards [][]byte, size int64) []byte {
	out := make([]byte, 0, size)
	for _, s := range shards {
		out = append(out, s...)
	}
	return out[:size]
}
