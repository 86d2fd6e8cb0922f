package keys

import (
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/sha3"
)

// Algorithm selects how a request identity is hashed into a key
type Algorithm string

const (
	// AlgorithmRolling is the fast 32-bit rolling hash. Collisions are possible.
	AlgorithmRolling Algorithm = "rolling"
	// AlgorithmSHA3 uses the first 128 bits of SHA3-256
	AlgorithmSHA3 Algorithm = "sha3"
)

// Deriver turns request identities into cache keys
type Deriver struct {
	algorithm Algorithm
	memo      *lru.Cache[string, string]
}

// NewDeriver creates a Deriver. A memoSize of 0 disables memoization.
func NewDeriver(algorithm Algorithm, memoSize int) (*Deriver, error) {
	switch algorithm {
	case "":
		algorithm = AlgorithmRolling
	case AlgorithmRolling, AlgorithmSHA3:
	default:
		return nil, fmt.Errorf("unknown key algorithm '%s'", algorithm)
	}

	d := &Deriver{algorithm: algorithm}
	if memoSize > 0 {
		memo, err := lru.New[string, string](memoSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create LRU cache: %w", err)
		}
		d.memo = memo
	}
	return d, nil
}

// Algorithm returns the configured algorithm
func (d *Deriver) Algorithm() Algorithm {
	return d.algorithm
}

// Key uses a caller-supplied hash as the key when present, otherwise derives one.
// Supplied hashes are namespaced so the sweep can find their expiry records.
func (d *Deriver) Key(hash, operationName string, variables interface{}, query string) string {
	if hash != "" {
		return Supplied(hash)
	}

	identity := Identity(operationName, variables, query)
	if d.memo != nil {
		if key, ok := d.memo.Get(identity); ok {
			return key
		}
	}

	key := d.hash(identity)
	if d.memo != nil {
		d.memo.Add(identity, key)
	}
	return key
}

func (d *Deriver) hash(identity string) string {
	if d.algorithm == AlgorithmSHA3 {
		sum := sha3.Sum256([]byte(identity))
		// upper-case hex never ends in the expiry suffix
		return Prefix + fmt.Sprintf("%X", sum[:16])
	}
	return Prefix + strconv.FormatInt(int64(rollingHash(identity)), 10)
}
