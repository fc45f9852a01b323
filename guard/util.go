package guard

import (
	"hash"
	"hash/fnv"
	"os"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const ErrorLogPrefix = "!! "

// ErrGroupLimitCPU returns an errgroup limited to NumCPU.
func ErrGroupLimitCPU() *errgroup.Group {
	errGroup := &errgroup.Group{}
	errGroup.SetLimit(runtime.NumCPU())
	return errGroup
}

// FileExists reports whether the named file exists.
func FileExists(filename string) bool {
	if _, err := os.Stat(filename); err != nil {
		return !os.IsNotExist(err)
	}
	return true
}

// IsGeneratedFile returns true if the filename follows known patterns for generated go files.
func IsGeneratedFile(filename string) bool {
	suffixes := []string{".pb.go", ".pb.gw.go", "_grpc.pb.go", "_mock.go", "_gen.go", ".gen.go"}
	for _, s := range suffixes {
		if strings.HasSuffix(filename, s) {
			return true
		}
	}
	return false
}

func newDefaultStripedMutex() *stripedMutex {
	return newStripedMutex(251) // prime number provides better distributions
}

func newStripedMutex(stripes uint) *stripedMutex {
	m := &stripedMutex{
		make([]*sync.Mutex, stripes),
		&sync.Pool{New: func() interface{} { return fnv.New64() }},
	}
	for i := range m.locks {
		m.locks[i] = &sync.Mutex{}
	}
	return m
}

// stripedMutex hands out one of a fixed set of locks per key, so per-file locking needs no lock map.
type stripedMutex struct {
	locks []*sync.Mutex
	pool  *sync.Pool
}

// Lock acquire lock for a given key, returning the mutex for an easy unlock.
func (m *stripedMutex) Lock(key string) *sync.Mutex {
	l := m.getLock(key)
	l.Lock()
	return l
}

func (m *stripedMutex) getLock(key string) *sync.Mutex {
	h := m.pool.Get().(hash.Hash64)
	defer m.pool.Put(h)
	h.Reset()
	_, _ = h.Write([]byte(key))
	return m.locks[h.Sum64()%uint64(len(m.locks))]
}
