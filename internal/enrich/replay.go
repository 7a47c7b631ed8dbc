package enrich

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/smartpixl/forge/internal/model"
)

const (
	replayCacheSize   = 100_000
	replayGridPx      = 10  // spatial quantization, pixels
	replayBucketMilli = 100 // temporal quantization, milliseconds
	replayMinSamples  = 4   // shorter paths hash-collide on honest traffic
)

// Replay catches mouse paths being played back verbatim. Bot farms record
// one human session and replay its movements across thousands of visits;
// the path survives quantization while honest human jitter does not.
type Replay struct {
	// hash -> fingerprint that first produced the path.
	seen *lru.Cache[uint32, string]
}

func NewReplay() (*Replay, error) {
	cache, err := lru.New[uint32, string](replayCacheSize)
	if err != nil {
		return nil, err
	}
	return &Replay{seen: cache}, nil
}

func (r *Replay) Name() string { return "replay" }

// Len reports the number of cached path hashes.
func (r *Replay) Len() int { return r.seen.Len() }

func (r *Replay) Enrich(_ context.Context, rec *model.Record) error {
	fp := rec.Fingerprint()
	path := rec.Param(ParamMousePath)
	if fp == "" || path == "" {
		return nil
	}

	hash, samples := quantizePath(path)
	if samples < replayMinSamples {
		return nil
	}

	prev, ok, _ := r.seen.PeekOrAdd(hash, fp)
	if !ok {
		return nil
	}
	if prev == fp {
		// Same device re-sending its own path: a revisit, not a replay.
		return nil
	}
	rec.AppendParam(KeyReplay, "1")
	rec.AppendParam(KeyReplayHash, strconv.FormatUint(uint64(hash), 16))
	return nil
}

// quantizePath snaps each "x,y,t" sample to a 10 px grid and 100 ms bucket
// and folds the result through FNV-1a. Samples are separated by ';'.
func quantizePath(path string) (uint32, int) {
	h := fnv.New32a()
	var buf [12]byte
	samples := 0

	for _, sample := range strings.Split(path, ";") {
		parts := strings.SplitN(sample, ",", 3)
		if len(parts) != 3 {
			continue
		}
		x, err1 := strconv.Atoi(parts[0])
		y, err2 := strconv.Atoi(parts[1])
		t, err3 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}

		qx := uint32(x / replayGridPx)
		qy := uint32(y / replayGridPx)
		qt := uint32(t / replayBucketMilli)
		putUint32(buf[0:4], qx)
		putUint32(buf[4:8], qy)
		putUint32(buf[8:12], qt)
		h.Write(buf[:])
		samples++
	}
	return h.Sum32(), samples
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
