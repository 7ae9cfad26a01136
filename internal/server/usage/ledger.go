// Package usage keeps a persistent record of the traffic carried by each
// channel id across all sessions.
package usage

import (
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cbeuw/chanmux/internal/common"
	"github.com/cbeuw/chanmux/internal/multiplex"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var ErrChannelNotFound = errors.New("no usage recorded for channel")

var u64 = binary.BigEndian.Uint64

func i64ToB(value int64) []byte {
	oct := make([]byte, 8)
	binary.BigEndian.PutUint64(oct, uint64(value))
	return oct
}

var (
	keyRx         = []byte("Rx")
	keyTx         = []byte("Tx")
	keyCloses     = []byte("Closes")
	keyLastClosed = []byte("LastClosed")
)

// Record is the accumulated traffic of one channel id.
type Record struct {
	ChannelID  string
	Rx         int64
	Tx         int64
	Closes     int64
	LastClosed int64
}

// CommitInterval is how often recorded usage is written to the database.
var CommitInterval = 10 * time.Second

// Buckets are named bucketPrefix followed by the channel id, so that the empty
// id still gets a non-empty bucket name.
const bucketPrefix = "#"

func bucketName(channelID string) []byte {
	return []byte(bucketPrefix + channelID)
}

type pendingUsage struct {
	rx, tx, closes, lastClosed int64
}

// Ledger stores one bolt bucket per channel id. Usage recorded through
// Recorder is queued in memory and committed in batches.
type Ledger struct {
	db    *bolt.DB
	world common.WorldState

	queueM sync.Mutex
	queue  map[string]*pendingUsage
	// serialises commits so a reader always sees earlier batches written
	commitM sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	loopDone chan struct{}
}

func MakeLedger(dbPath string, worldState common.WorldState) (*Ledger, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		db:       db,
		world:    worldState,
		queue:    make(map[string]*pendingUsage),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go l.regularCommit()
	return l, nil
}

func (l *Ledger) enqueue(stats multiplex.ChannelStats) {
	now := l.world.Now().Unix()
	l.queueM.Lock()
	defer l.queueM.Unlock()
	p, ok := l.queue[stats.ID]
	if !ok {
		p = &pendingUsage{}
		l.queue[stats.ID] = p
	}
	p.rx += stats.Rx
	p.tx += stats.Tx
	p.closes++
	p.lastClosed = now
}

func (p *pendingUsage) merge(o *pendingUsage) {
	p.rx += o.rx
	p.tx += o.tx
	p.closes += o.closes
	if o.lastClosed > p.lastClosed {
		p.lastClosed = o.lastClosed
	}
}

// commit writes everything queued so far in a single transaction. The queue
// is swapped out first so that recording never waits on the disk.
func (l *Ledger) commit() error {
	l.commitM.Lock()
	defer l.commitM.Unlock()

	l.queueM.Lock()
	batch := l.queue
	l.queue = make(map[string]*pendingUsage)
	l.queueM.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		for id, p := range batch {
			bucket, err := tx.CreateBucketIfNotExists(bucketName(id))
			if err != nil {
				return err
			}
			add := func(key []byte, n int64) error {
				var old int64
				if v := bucket.Get(key); v != nil {
					old = int64(u64(v))
				}
				return bucket.Put(key, i64ToB(old+n))
			}
			if err = add(keyRx, p.rx); err != nil {
				return err
			}
			if err = add(keyTx, p.tx); err != nil {
				return err
			}
			if err = add(keyCloses, p.closes); err != nil {
				return err
			}
			if err = bucket.Put(keyLastClosed, i64ToB(p.lastClosed)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// put the batch back for the next attempt
		l.queueM.Lock()
		for id, p := range batch {
			if q, ok := l.queue[id]; ok {
				p.merge(q)
			}
			l.queue[id] = p
		}
		l.queueM.Unlock()
		return err
	}
	return nil
}

func (l *Ledger) regularCommit() {
	defer close(l.loopDone)
	ticker := time.NewTicker(CommitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.commit(); err != nil {
				log.Errorf("failed to commit channel usage: %v", err)
			}
		}
	}
}

// Add accumulates the traffic of a closed channel and writes it immediately.
func (l *Ledger) Add(stats multiplex.ChannelStats) error {
	l.enqueue(stats)
	return l.commit()
}

// Recorder returns a callback suitable for multiplex.Config.OnChannelClosed.
// It only queues the usage and never touches the disk.
func (l *Ledger) Recorder() func(multiplex.ChannelStats) {
	return l.enqueue
}

func readRecord(name []byte, bucket *bolt.Bucket) Record {
	get := func(key []byte) int64 {
		v := bucket.Get(key)
		if v == nil {
			return 0
		}
		return int64(u64(v))
	}
	return Record{
		ChannelID:  strings.TrimPrefix(string(name), bucketPrefix),
		Rx:         get(keyRx),
		Tx:         get(keyTx),
		Closes:     get(keyCloses),
		LastClosed: get(keyLastClosed),
	}
}

func (l *Ledger) Get(channelID string) (rec Record, err error) {
	if err = l.commit(); err != nil {
		return
	}
	err = l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(channelID))
		if bucket == nil {
			return ErrChannelNotFound
		}
		rec = readRecord(bucketName(channelID), bucket)
		return nil
	})
	return
}

func (l *Ledger) List() (recs []Record, err error) {
	if err = l.commit(); err != nil {
		return
	}
	err = l.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			recs = append(recs, readRecord(name, bucket))
			return nil
		})
	})
	if recs == nil {
		recs = []Record{}
	}
	return
}

func (l *Ledger) Delete(channelID string) error {
	if err := l.commit(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket(bucketName(channelID))
		if err == bolt.ErrBucketNotFound {
			return ErrChannelNotFound
		}
		return err
	})
}

// Close commits whatever is still queued and closes the database.
func (l *Ledger) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.loopDone
	if err := l.commit(); err != nil {
		log.Errorf("failed to commit channel usage on close: %v", err)
	}
	return l.db.Close()
}
