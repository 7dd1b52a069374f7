package registry

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// ProcessIdentifier is the "<machine>:<pid-hex>.<seq>" prefix shared
// by every id this process instance mints (§3 "Identifier").
type ProcessIdentifier string

// NewProcessIdentifier derives this process's identifier from the
// hostname, pid and a per-registry-instance sequence number, matching
// §3's `"<machine>:<pid-hex>.<seq>"` shape. Using uuid.New() for the
// per-instance seq component (rather than a monotonic in-memory
// counter) means two Registry instances started within the same
// process in tests don't collide, and restarts never reuse a prefix.
func NewProcessIdentifier() ProcessIdentifier {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	seq := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return ProcessIdentifier(fmt.Sprintf("%s:%x.%s", host, os.Getpid(), seq))
}

// Identifier is the stable string identity of a marshal-by-reference
// object: `"<ProcessIdentifier>/<counter-hex>"`.
type Identifier string

func (id Identifier) owner() ProcessIdentifier {
	prefix, _, ok := strings.Cut(string(id), "/")
	if !ok {
		return ""
	}
	return ProcessIdentifier(prefix)
}

// IsLocal reports whether id was minted by this process (self).
func (id Identifier) IsLocal(self ProcessIdentifier) bool {
	return id.owner() == self
}

// counter mints the per-registry-instance monotonic suffix for newly
// registered local objects.
type counter struct {
	n uint64
}

func (c *counter) next() string {
	v := atomic.AddUint64(&c.n, 1)
	return strconv.FormatUint(v, 16)
}

func newIdentifier(self ProcessIdentifier, c *counter) Identifier {
	return Identifier(fmt.Sprintf("%s/%s", self, c.next()))
}
