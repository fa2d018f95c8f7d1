package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/meow-io/go-hush/clock"
	"github.com/meow-io/go-hush/config"
	db "github.com/meow-io/go-hush/internal/db"
)

var testKey = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("*-journal")
	DeleteAll("*-wal")
	DeleteAll("*-shm")
	DeleteAll("test-*")
	return c
}

func NewTestDatabase(c *config.Config, cl clock.Clock) *db.Database {
	var id [8]byte
	if _, err := crypto_rand.Read(id[:]); err != nil {
		panic(err)
	}
	d, err := db.NewDatabase(c, cl, fmt.Sprintf("test-%x", id[:]))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(testKey); err != nil {
		panic(err)
	}
	if err := d.Open(testKey); err != nil {
		panic(err)
	}
	return d
}

// Clock is a clock which only moves when told to.
type Clock struct {
	lock sync.Mutex
	now  time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.UnixMilli(time.Now().UnixMilli())}
}

func (tc *Clock) Now() time.Time {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	return tc.now
}

func (tc *Clock) CurrentTimeMs() int64 {
	return tc.Now().UnixMilli()
}

func (tc *Clock) CurrentTimeMicro() int64 {
	return tc.Now().UnixMicro()
}

func (tc *Clock) Advance(d time.Duration) {
	tc.lock.Lock()
	defer tc.lock.Unlock()
	tc.now = tc.now.Add(d)
}

func (tc *Clock) AdvanceMs(ms int64) {
	tc.Advance(time.Duration(ms) * time.Millisecond)
}
