package session

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultPaddingScheme is the scheme used when no override is loaded,
// mirroring the source's built-in defaults.
const DefaultPaddingScheme = `stop=8
0=30-30
1=100-400
2=400-500,c,500-1000,c,500-1000,c,500-1000,c,500-1000
3=9-9,500-1000
4=500-1000
5=500-1000
6=500-1000
7=500-1000`

// PlanEntryKind distinguishes a check mark from a concrete size.
type PlanEntryKind int

const (
	PlanCheck PlanEntryKind = iota
	PlanSize
)

// PlanEntry is one directive in a packet's padding plan.
type PlanEntry struct {
	Kind PlanEntryKind
	Size int
}

// PaddingFactory parses a padding scheme body and produces per-packet
// plans. It is immutable once constructed; scheme updates build a new
// factory and replace the shared reference atomically.
type PaddingFactory struct {
	body   []byte
	digest string
	stop   uint32
	lines  map[string]string
}

// NewPaddingFactory parses raw scheme bytes. It fails if the body is
// empty, has no "stop" key, or "stop" does not parse as an unsigned
// integer.
func NewPaddingFactory(body []byte) (*PaddingFactory, error) {
	lines := ParseSettings(body)
	if len(lines) == 0 {
		return nil, errors.New("session: empty padding scheme")
	}
	stopStr, ok := lines["stop"]
	if !ok {
		return nil, errors.New("session: padding scheme missing \"stop\"")
	}
	stop, err := strconv.ParseUint(stopStr, 10, 32)
	if err != nil {
		return nil, errors.Wrap(err, "session: padding scheme \"stop\" is not an integer")
	}

	sum := md5.Sum(body)
	bodyCopy := make([]byte, len(body))
	copy(bodyCopy, body)

	return &PaddingFactory{
		body:   bodyCopy,
		digest: hex.EncodeToString(sum[:]),
		stop:   uint32(stop),
		lines:  map[string]string(lines),
	}, nil
}

// MustDefaultPaddingFactory builds the factory for DefaultPaddingScheme.
// It never fails since the constant is well-formed.
func MustDefaultPaddingFactory() *PaddingFactory {
	f, err := NewPaddingFactory([]byte(DefaultPaddingScheme))
	if err != nil {
		panic(err)
	}
	return f
}

// Body returns the raw scheme bytes this factory was built from.
func (p *PaddingFactory) Body() []byte {
	return p.body
}

// Digest returns the hex MD5 identity of the scheme body.
func (p *PaddingFactory) Digest() string {
	return p.digest
}

// Stop returns the packet index at which padding stops applying.
func (p *PaddingFactory) Stop() uint32 {
	return p.stop
}

// Plan returns the padding directives for packet index pkt. If the
// scheme has no entry for pkt, the plan is empty and callers should
// write the payload with no interleaved padding.
func (p *PaddingFactory) Plan(pkt uint32) []PlanEntry {
	line, ok := p.lines[strconv.FormatUint(uint64(pkt), 10)]
	if !ok {
		return nil
	}

	parts := strings.Split(line, ",")
	entries := make([]PlanEntry, 0, len(parts))
	for _, part := range parts {
		if part == "c" {
			entries = append(entries, PlanEntry{Kind: PlanCheck})
			continue
		}
		lo, hi, ok := parseRange(part)
		if !ok {
			continue
		}
		if lo <= 0 || hi <= 0 {
			continue
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		size := lo
		if hi > lo {
			size = lo + randIntn(hi-lo+1)
		}
		entries = append(entries, PlanEntry{Kind: PlanSize, Size: size})
	}
	return entries
}

func parseRange(s string) (lo, hi int, ok bool) {
	idx := strings.IndexByte(s, '-')
	if idx < 0 {
		return 0, 0, false
	}
	loN, err := strconv.Atoi(s[:idx])
	if err != nil {
		return 0, 0, false
	}
	hiN, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return 0, 0, false
	}
	return loN, hiN, true
}

// randIntn returns a uniform random integer in [0, n) using a
// cryptographically secure source; n must be > 0.
func randIntn(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

// RandomBytes returns n bytes of filler content for a WASTE frame.
// Content is opaque to recipients, so a secure random source is used
// but is not a security requirement of the protocol.
func RandomBytes(n int) []byte {
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return buf
}
