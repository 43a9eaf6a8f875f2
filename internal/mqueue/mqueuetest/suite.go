// Package mqueuetest holds the behavior suite every mqueue.Manager implementation must pass.
package mqueuetest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/codec"
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/devrev/pairdb/stream-node/internal/watermark"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

// Suite runs the log contract against managers created by NewManager.
// NewManager must open the same storage on every call so that reopening keeps streams and offsets.
type Suite struct {
	suite.Suite

	NewManager func() (mqueue.Manager, error)
	// DefTimeout bounds reads expected to return a record, SmallTimeout reads expected to time out
	DefTimeout   time.Duration
	SmallTimeout time.Duration

	ctx     context.Context
	manager mqueue.Manager
	stream  string
}

func (s *Suite) SetupSuite() {
	if s.DefTimeout == 0 {
		s.DefTimeout = 5 * time.Second
	}
	if s.SmallTimeout == 0 {
		s.SmallTimeout = 200 * time.Millisecond
	}
	s.ctx = context.Background()
}

func (s *Suite) SetupTest() {
	manager, err := s.NewManager()
	s.Require().NoError(err)
	s.manager = manager
	s.stream = uniqueName("stream")
}

func (s *Suite) TearDownTest() {
	if s.manager != nil {
		s.NoError(s.manager.Close())
	}
}

func uniqueName(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// reopen closes the manager and opens a new one on the same storage
func (s *Suite) reopen() {
	s.Require().NoError(s.manager.Close())
	manager, err := s.NewManager()
	s.Require().NoError(err)
	s.manager = manager
}

func (s *Suite) create(partitions int) mqueue.Appender {
	_, err := s.manager.CreateIfNotExists(s.ctx, s.stream, partitions)
	s.Require().NoError(err)
	appender, err := s.manager.Appender(s.ctx, s.stream)
	s.Require().NoError(err)
	return appender
}

func (s *Suite) append(appender mqueue.Appender, partition int, key string) mqueue.Offset {
	offset, err := appender.Append(s.ctx, partition, model.NewRecord(key, []byte("value-"+key)))
	s.Require().NoError(err)
	return offset
}

func (s *Suite) tailer(group string, partitions ...int) mqueue.Tailer {
	ps := make([]mqueue.Partition, len(partitions))
	for i, p := range partitions {
		ps[i] = mqueue.Of(s.stream, p)
	}
	tailer, err := s.manager.CreateTailer(s.ctx, group, ps)
	s.Require().NoError(err)
	return tailer
}

// readKey reads a record and returns its key, a rebalance is retried once
func (s *Suite) readKey(tailer mqueue.Tailer) string {
	rec, err := tailer.Read(s.ctx, s.DefTimeout)
	if errors.IsRebalance(err) {
		rec, err = tailer.Read(s.ctx, s.DefTimeout)
	}
	s.Require().NoError(err)
	s.Require().NotNil(rec, "expected a record")
	return rec.Message.Key
}

func (s *Suite) assertNoRecord(tailer mqueue.Tailer) {
	rec, err := tailer.Read(s.ctx, s.SmallTimeout)
	s.Require().NoError(err)
	s.Nil(rec)
}

func (s *Suite) lag(group string) mqueue.Lag {
	lag, err := s.manager.Lag(s.ctx, s.stream, group)
	s.Require().NoError(err)
	return lag
}

func (s *Suite) TestCreateAndOpen() {
	s.False(s.manager.Exists(s.ctx, s.stream))

	created, err := s.manager.CreateIfNotExists(s.ctx, s.stream, 5)
	s.Require().NoError(err)
	s.True(created)
	s.True(s.manager.Exists(s.ctx, s.stream))
	size, err := s.manager.Size(s.ctx, s.stream)
	s.Require().NoError(err)
	s.Equal(5, size)

	s.reopen()
	s.True(s.manager.Exists(s.ctx, s.stream))

	// the existing partition count wins
	created, err = s.manager.CreateIfNotExists(s.ctx, s.stream, 1)
	s.Require().NoError(err)
	s.False(created)
	size, err = s.manager.Size(s.ctx, s.stream)
	s.Require().NoError(err)
	s.Equal(5, size)
}

func (s *Suite) TestCreateInvalid() {
	_, err := s.manager.CreateIfNotExists(s.ctx, s.stream, 0)
	s.True(errors.IsArgument(err), "got %v", err)

	_, err = s.manager.Size(s.ctx, uniqueName("unknown"))
	s.True(errors.IsArgument(err), "got %v", err)
}

func (s *Suite) TestAppender() {
	appender := s.create(3)
	s.False(appender.Closed())
	s.Equal(s.stream, appender.Name())
	s.Equal(3, appender.Size())

	offset := s.append(appender, 0, "foo")
	s.Equal(mqueue.Of(s.stream, 0), offset.Partition)

	_, err := appender.Append(s.ctx, 3, model.NewRecord("bar", nil))
	s.True(errors.IsArgument(err), "got %v", err)

	_, err = s.manager.Appender(s.ctx, uniqueName("unknown"))
	s.True(errors.IsArgument(err), "got %v", err)
}

func (s *Suite) TestCanNotAppendOnClosedAppender() {
	appender := s.create(1)
	s.append(appender, 0, "foo")
	s.Require().NoError(appender.Close())
	s.True(appender.Closed())

	_, err := appender.Append(s.ctx, 0, model.NewRecord("bar", []byte("x")))
	s.True(errors.IsState(err), "got %v", err)
}

func (s *Suite) TestClosingManagerClosesTailersAndAppenders() {
	appender := s.create(1)
	s.append(appender, 0, "foo")
	tailer := s.tailer(uniqueName("group"), 0)
	s.Equal("foo", s.readKey(tailer))

	s.Require().NoError(s.manager.Close())
	s.True(appender.Closed())
	s.True(tailer.Closed())
	// double close is a no-op
	s.NoError(s.manager.Close())

	manager, err := s.NewManager()
	s.Require().NoError(err)
	s.manager = manager
}

func (s *Suite) TestCreateTailer() {
	s.create(5)
	group := uniqueName("group")

	tailer := s.tailer(group, 1)
	s.Equal(group, tailer.Group())
	s.Equal([]mqueue.Partition{mqueue.Of(s.stream, 1)}, tailer.Assignments())

	all := s.tailer(uniqueName("group"), 0, 1, 2, 3, 4)
	s.Len(all.Assignments(), 5)

	_, err := s.manager.CreateTailer(s.ctx, group, []mqueue.Partition{mqueue.Of(s.stream, 5)})
	s.True(errors.IsArgument(err), "got %v", err)

	_, err = s.manager.CreateTailer(s.ctx, group, []mqueue.Partition{mqueue.Of(uniqueName("unknown"), 0)})
	s.True(errors.IsArgument(err), "got %v", err)

	_, err = s.manager.CreateTailer(s.ctx, group, nil)
	s.True(errors.IsArgument(err), "got %v", err)
}

func (s *Suite) TestCanNotTailOnClosedTailer() {
	s.create(1)
	tailer := s.tailer(uniqueName("group"), 0)
	s.False(tailer.Closed())
	s.Require().NoError(tailer.Close())
	s.True(tailer.Closed())

	_, err := tailer.Read(s.ctx, s.SmallTimeout)
	s.True(errors.IsState(err), "got %v", err)
}

func (s *Suite) TestCanNotOpenTwiceTheSameTailer() {
	s.create(1)
	group := uniqueName("group")
	tailer := s.tailer(group, 0)

	_, err := s.manager.CreateTailer(s.ctx, group, []mqueue.Partition{mqueue.Of(s.stream, 0)})
	s.Equal(errors.ErrCodeDuplicateTailer, errors.GetCode(err))

	other := s.tailer(uniqueName("another"), 0)
	s.NotEqual(group, other.Group())

	// the partition is released on close
	s.Require().NoError(tailer.Close())
	again := s.tailer(group, 0)
	s.Equal(group, again.Group())
}

func (s *Suite) TestBasicAppendAndTail() {
	appender := s.create(5)
	group := uniqueName("group")
	s.append(appender, 1, "id1")

	tailer1 := s.tailer(group, 1)
	s.Equal("id1", s.readKey(tailer1))
	s.assertNoRecord(tailer1)

	// nothing appended on partition 2
	s.append(appender, 2, "id2")
	s.assertNoRecord(tailer1)

	s.append(appender, 1, "id3")
	s.Equal("id3", s.readKey(tailer1))

	tailer2 := s.tailer(group, 2)
	s.Equal("id2", s.readKey(tailer2))

	s.Require().NoError(tailer1.ToStart(s.ctx))
	s.Equal("id1", s.readKey(tailer1))
	s.Equal("id3", s.readKey(tailer1))
	s.assertNoRecord(tailer1)

	// nothing committed
	lag := s.lag(group)
	s.Equal(int64(3), lag.Lag)
	s.Equal(int64(0), lag.Lower)
}

func (s *Suite) TestCommitAndSeek() {
	appender := s.create(5)
	group := uniqueName("group")

	s.append(appender, 1, "id1")
	offset2 := s.append(appender, 1, "id2")
	s.append(appender, 1, "id3")
	offset4 := s.append(appender, 2, "id4")
	s.append(appender, 2, "id5")

	tailer := s.tailer(group, 1)
	s.Equal("id1", s.readKey(tailer))
	s.Require().NoError(tailer.Commit(s.ctx))
	s.Equal("id2", s.readKey(tailer))
	s.Require().NoError(tailer.Commit(s.ctx))
	s.Require().NoError(tailer.Close())

	tailer = s.tailer(group, 2)
	s.Equal("id4", s.readKey(tailer))
	s.Require().NoError(tailer.Commit(s.ctx))
	s.Require().NoError(tailer.Commit(s.ctx))
	s.Require().NoError(tailer.Close())

	s.reopen()

	tailer = s.tailer(group, 1)
	s.Require().NoError(tailer.ToStart(s.ctx))
	s.Equal("id1", s.readKey(tailer))

	s.Require().NoError(tailer.ToEnd(s.ctx))
	s.assertNoRecord(tailer)

	s.Require().NoError(tailer.ToLastCommitted(s.ctx))
	s.Equal("id3", s.readKey(tailer))

	s.Require().NoError(tailer.Seek(s.ctx, offset2))
	s.Equal("id2", s.readKey(tailer))

	err := tailer.Seek(s.ctx, offset4)
	s.True(errors.IsState(err), "got %v", err)
	s.Require().NoError(tailer.Close())

	// a new tailer starts at the last committed position
	tailer = s.tailer(group, 2)
	s.Equal("id5", s.readKey(tailer))
	s.Require().NoError(tailer.ToStart(s.ctx))
	s.Equal("id4", s.readKey(tailer))
	s.Require().NoError(tailer.Close())

	lag := s.lag(group)
	s.Equal(int64(3), lag.Lower)
	s.Equal(int64(5), lag.Upper)
	s.Equal(int64(2), lag.Lag)
}

func (s *Suite) TestMoreCommit() {
	appender := s.create(5)
	group := uniqueName("group")
	for i := 1; i <= 4; i++ {
		s.append(appender, 1, fmt.Sprintf("id%d", i))
	}
	s.Equal(int64(4), s.lag(group).Lag)

	tailer := s.tailer(group, 1)
	s.Equal("id1", s.readKey(tailer))
	s.Require().NoError(tailer.Commit(s.ctx))
	s.Equal("id2", s.readKey(tailer))
	s.Require().NoError(tailer.Commit(s.ctx))

	// restart from the beginning and commit after the first record
	s.Require().NoError(tailer.ToStart(s.ctx))
	s.Equal("id1", s.readKey(tailer))
	s.Require().NoError(tailer.Commit(s.ctx))
	s.Require().NoError(tailer.Close())

	tailer = s.tailer(group, 1)
	s.Require().NoError(tailer.ToLastCommitted(s.ctx))
	s.Equal("id2", s.readKey(tailer))
	s.Require().NoError(tailer.Close())
	s.Equal(int64(3), s.lag(group).Lag)

	tailer = s.tailer(group, 1)
	s.Require().NoError(tailer.Reset(s.ctx))
	s.Equal("id1", s.readKey(tailer))
	s.Require().NoError(tailer.Close())
	s.Equal(int64(4), s.lag(group).Lag)
}

func (s *Suite) TestCommitWithGroup() {
	appender := s.create(1)
	for i := 0; i < 10; i++ {
		s.append(appender, 0, fmt.Sprintf("id%d", i))
	}
	groupA := uniqueName("group-a")
	groupB := uniqueName("group-b")

	tailerA := s.tailer(groupA, 0)
	tailerB := s.tailer(groupB, 0)

	s.Equal("id0", s.readKey(tailerA))
	s.Equal("id1", s.readKey(tailerA))
	s.Require().NoError(tailerA.Commit(s.ctx))
	s.Equal("id2", s.readKey(tailerA))
	s.Equal("id3", s.readKey(tailerA))
	s.Require().NoError(tailerA.ToLastCommitted(s.ctx))
	s.Equal("id2", s.readKey(tailerA))
	s.Equal("id3", s.readKey(tailerA))

	s.Equal("id0", s.readKey(tailerB))
	s.Require().NoError(tailerB.Commit(s.ctx))
	s.Equal("id1", s.readKey(tailerB))
	s.Equal("id2", s.readKey(tailerB))
	s.Require().NoError(tailerB.ToLastCommitted(s.ctx))
	s.Equal("id1", s.readKey(tailerB))

	s.Require().NoError(tailerA.ToLastCommitted(s.ctx))
	s.Equal("id2", s.readKey(tailerA))

	s.reopen()

	tailer := s.tailer(uniqueName("group"), 0)
	tailerA = s.tailer(groupA, 0)
	tailerB = s.tailer(groupB, 0)
	s.Equal("id0", s.readKey(tailer))
	s.Equal("id2", s.readKey(tailerA))
	s.Equal("id1", s.readKey(tailerB))

	s.Equal(int64(8), s.lag(groupA).Lag)
	s.Equal(int64(9), s.lag(groupB).Lag)
}

func (s *Suite) TestResumeAfterCommit() {
	const n, m = 10, 4
	appender := s.create(1)
	for i := 1; i <= n; i++ {
		s.append(appender, 0, fmt.Sprintf("msg-%d", i))
	}
	group := uniqueName("group")

	tailer := s.tailer(group, 0)
	for i := 1; i <= m; i++ {
		s.Equal(fmt.Sprintf("msg-%d", i), s.readKey(tailer))
	}
	s.Require().NoError(tailer.Commit(s.ctx))
	// read past the commit, these are not acknowledged
	s.readKey(tailer)
	s.readKey(tailer)
	s.Require().NoError(tailer.Close())

	tailer = s.tailer(group, 0)
	s.Require().NoError(tailer.ToLastCommitted(s.ctx))
	s.Equal(fmt.Sprintf("msg-%d", m+1), s.readKey(tailer))

	s.Require().NoError(tailer.ToStart(s.ctx))
	s.Equal("msg-1", s.readKey(tailer))
}

func (s *Suite) TestLag() {
	appender := s.create(5)
	group := uniqueName("group")
	unknown := uniqueName("unknown")

	s.Equal(int64(0), s.lag(unknown).Lag)
	for i := 0; i < 6; i++ {
		s.append(appender, i%2, fmt.Sprintf("id%d", i))
	}
	s.Equal(int64(6), s.lag(unknown).Lag)
	s.Equal(int64(6), s.lag(unknown).Upper)

	tailer := s.tailer(group, 0, 1)
	previous := s.lag(group).Lag
	for committed := int64(1); committed <= 6; committed++ {
		s.readKey(tailer)
		s.Require().NoError(tailer.Commit(s.ctx))
		lag := s.lag(group)
		s.Equal(6-committed, lag.Lag)
		s.LessOrEqual(lag.Lag, previous)
		previous = lag.Lag
	}
	s.Equal(int64(6), s.lag(unknown).Lag)

	lags, err := s.manager.LagPerPartition(s.ctx, s.stream, group)
	s.Require().NoError(err)
	s.Len(lags, 5)
	s.Equal(int64(3), lags[0].Upper)
	s.Equal(int64(0), lags[4].Upper)
}

func (s *Suite) TestWaitForConsumer() {
	appender := s.create(1)
	var offset, offset0, offset5 mqueue.Offset
	for i := 0; i < 10; i++ {
		offset = s.append(appender, 0, fmt.Sprintf("id%d", i))
		switch i {
		case 0:
			offset0 = offset
		case 5:
			offset5 = offset
		}
	}
	waitFor := func(o mqueue.Offset, group string, timeout time.Duration) bool {
		ok, err := appender.WaitFor(s.ctx, o, group, timeout)
		s.Require().NoError(err)
		return ok
	}

	foo := uniqueName("foo")
	s.False(waitFor(offset, foo, s.SmallTimeout))
	s.False(waitFor(offset0, foo, s.SmallTimeout))

	group := uniqueName("group")
	tailer := s.tailer(group, 0)
	s.readKey(tailer)
	s.Require().NoError(tailer.Commit(s.ctx))

	s.True(waitFor(offset0, group, s.DefTimeout))
	s.False(waitFor(offset5, group, s.SmallTimeout))

	for {
		rec, err := tailer.Read(s.ctx, s.SmallTimeout)
		s.Require().NoError(err)
		if rec == nil {
			break
		}
	}
	// read but not committed
	s.False(waitFor(offset, group, s.SmallTimeout))
	s.Require().NoError(tailer.Commit(s.ctx))
	s.Require().NoError(tailer.Close())

	s.True(waitFor(offset0, group, s.DefTimeout))
	s.True(waitFor(offset5, group, s.DefTimeout))
	s.True(waitFor(offset, group, s.DefTimeout))
}

func (s *Suite) TestTailerOnMultiPartitions() {
	appender := s.create(2)
	group := uniqueName("group")

	tailer := s.tailer(group, 0, 1)
	for i := 0; i < 3; i++ {
		s.append(appender, 0, "p0")
		s.append(appender, 1, "p1")
	}

	// both partitions are consumed, none is starved
	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		counts[s.readKey(tailer)]++
	}
	s.Equal(map[string]int{"p0": 3, "p1": 3}, counts)
	s.assertNoRecord(tailer)

	s.Require().NoError(tailer.ToStart(s.ctx))
	replayed := map[string]int{}
	for i := 0; i < 6; i++ {
		replayed[s.readKey(tailer)]++
	}
	s.Equal(counts, replayed)
}

func (s *Suite) TestListAll() {
	_, err := s.manager.CreateIfNotExists(s.ctx, s.stream, 2)
	s.Require().NoError(err)
	other := s.stream + "2"
	_, err = s.manager.CreateIfNotExists(s.ctx, other, 2)
	s.Require().NoError(err)

	names, err := s.manager.ListAll(s.ctx)
	s.Require().NoError(err)
	s.Contains(names, s.stream)
	s.Contains(names, other)
}

func (s *Suite) TestListConsumerGroups() {
	appender := s.create(1)
	for i := 1; i <= 3; i++ {
		s.append(appender, 0, fmt.Sprintf("id%d", i))
	}
	group1 := uniqueName("group1")
	group2 := uniqueName("group2")

	var tailer1, tailer2 mqueue.Tailer
	if s.manager.SupportsSubscribe() {
		var err error
		tailer1, err = s.manager.Subscribe(s.ctx, group1, []string{s.stream}, nil)
		s.Require().NoError(err)
		tailer2, err = s.manager.Subscribe(s.ctx, group2, []string{s.stream}, nil)
		s.Require().NoError(err)
	} else {
		tailer1 = s.tailer(group1, 0)
		tailer2 = s.tailer(group2, 0)
		_, err := s.manager.Subscribe(s.ctx, group1, []string{s.stream}, nil)
		s.Equal(errors.ErrCodeUnsupported, errors.GetCode(err))
	}
	defer tailer1.Close()
	defer tailer2.Close()

	s.Equal("id1", s.readKey(tailer1))
	s.Equal("id2", s.readKey(tailer1))
	s.Require().NoError(tailer1.Commit(s.ctx))
	s.Equal("id1", s.readKey(tailer2))
	s.Require().NoError(tailer2.Commit(s.ctx))

	groups, err := s.manager.ListConsumerGroups(s.ctx, s.stream)
	s.Require().NoError(err)
	s.Contains(groups, group1)
	s.Contains(groups, group2)
}

func (s *Suite) TestConcurrentAppenders() {
	const nbAppenders, nbRecords = 4, 100
	appender := s.create(1)

	var wg sync.WaitGroup
	for i := 0; i < nbAppenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < nbRecords; j++ {
				_, err := appender.Append(s.ctx, 0, model.NewRecord(fmt.Sprintf("msg%d", j), []byte("x")))
				s.NoError(err)
			}
		}()
	}
	wg.Wait()
	s.Equal(int64(nbAppenders*nbRecords), s.lag(uniqueName("counter")).Lag)
}

func (s *Suite) TestLatencies() {
	appender := s.create(5)
	group := uniqueName("latency")
	now := time.Now().UnixMilli()
	appendAt := func(partition int, key string, delta int64) {
		w, err := watermark.OfTimestamp(now + delta)
		s.Require().NoError(err)
		_, err = appender.Append(s.ctx, partition, model.NewRecordWithWatermark(key, []byte(key), w.Value()))
		s.Require().NoError(err)
	}
	appendAt(0, "first", 0)
	appendAt(0, "here", 10)
	appendAt(0, "end", 100)
	appendAt(1, "first", 0)
	appendAt(1, "here", 10)
	appendAt(2, "here", 10)
	appendAt(2, "end", 100)
	appendAt(3, "first", 0)
	// partition 4 is empty

	tailer0 := s.tailer(group, 0)
	tailer1 := s.tailer(group, 1)
	tailer2 := s.tailer(group, 2)
	s.Equal("first", s.readKey(tailer0))
	s.Equal("here", s.readKey(tailer0))
	s.Equal("first", s.readKey(tailer1))
	s.Equal("here", s.readKey(tailer1))
	s.Equal("here", s.readKey(tailer2))
	for _, t := range []mqueue.Tailer{tailer0, tailer1, tailer2} {
		s.Require().NoError(t.Commit(s.ctx))
		s.Require().NoError(t.Close())
	}

	latencies, err := s.manager.LatencyPerPartition(s.ctx, s.stream, group)
	s.Require().NoError(err)
	s.Require().Len(latencies, 5)
	// keys point to the last committed records
	s.Equal("here", latencies[0].Key)
	s.Equal("", latencies[1].Key)
	s.Equal("here", latencies[2].Key)
	s.Equal("", latencies[3].Key)
	s.Equal("", latencies[4].Key)
	s.Equal(int64(90), latencies[0].Latency())
	s.Equal(int64(0), latencies[1].Latency())

	latency := mqueue.CombineLatencies(latencies)
	s.Equal(int64(3), latency.Lag.Lag)
	s.Equal(int64(90), latency.Latency())
}

func (s *Suite) TestCodecCheck() {
	appender := s.create(1)
	streamCodec := appender.Codec().Name()
	rec := model.NewRecord("1234567890", []byte("0987654321"))
	s.append(appender, 0, "id1")

	var other codec.Codec
	for _, name := range codec.Names() {
		if name != streamCodec {
			other, _ = codec.New(name)
			break
		}
	}
	s.Require().NotNil(other)

	_, err := s.manager.Appender(s.ctx, s.stream, mqueue.WithCodec(other))
	s.Equal(errors.ErrCodeCodecMismatch, errors.GetCode(err))

	same, err := codec.New(streamCodec)
	s.Require().NoError(err)
	good, err := s.manager.Appender(s.ctx, s.stream, mqueue.WithCodec(same))
	s.Require().NoError(err)
	_, err = good.Append(s.ctx, 0, rec)
	s.Require().NoError(err)

	_, err = s.manager.CreateTailer(s.ctx, uniqueName("group"), []mqueue.Partition{mqueue.Of(s.stream, 0)}, mqueue.WithCodec(other))
	s.True(errors.IsArgument(err), "got %v", err)

	tailer, err := s.manager.CreateTailer(s.ctx, uniqueName("group"), []mqueue.Partition{mqueue.Of(s.stream, 0)}, mqueue.WithCodec(same))
	s.Require().NoError(err)
	s.Equal("id1", s.readKey(tailer))
	read, err := tailer.Read(s.ctx, s.DefTimeout)
	s.Require().NoError(err)
	s.Require().NotNil(read)
	s.Equal(rec.Key, read.Message.Key)
	s.Equal(rec.Data, read.Message.Data)
}

func (s *Suite) TestRecordFieldsPreserved() {
	appender := s.create(1)
	w, err := watermark.OfTimestampSeq(time.Now().UnixMilli(), 7)
	s.Require().NoError(err)
	rec := model.NewRecordWithWatermark("key", []byte{0, 1, 2, 255}, w.Value())
	_, err = appender.Append(s.ctx, 0, rec)
	s.Require().NoError(err)
	_, err = appender.Append(s.ctx, 0, model.PoisonPill())
	s.Require().NoError(err)

	tailer := s.tailer(uniqueName("group"), 0)
	read, err := tailer.Read(s.ctx, s.DefTimeout)
	s.Require().NoError(err)
	s.Require().NotNil(read)
	s.Equal(rec.Key, read.Message.Key)
	s.Equal(rec.Data, read.Message.Data)
	s.Equal(rec.Watermark, read.Message.Watermark)
	s.False(read.Message.IsPoisonPill())

	read, err = tailer.Read(s.ctx, s.DefTimeout)
	s.Require().NoError(err)
	s.Require().NotNil(read)
	s.True(read.Message.IsPoisonPill())
}

func (s *Suite) TestInitialOffset() {
	appender := s.create(1)
	tailer := s.tailer(uniqueName("group"), 0)

	offset, err := appender.AppendKey(s.ctx, model.NewRecord("foo", []byte("bar")))
	s.Require().NoError(err)
	rec, err := tailer.Read(s.ctx, s.DefTimeout)
	s.Require().NoError(err)
	s.Require().NotNil(rec)
	s.Equal(offset, rec.Offset)
}

func (s *Suite) TestReadInterruptedByContext() {
	s.create(1)
	tailer := s.tailer(uniqueName("group"), 0)

	ctx, cancel := context.WithTimeout(s.ctx, 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	rec, err := tailer.Read(ctx, time.Minute)
	s.Nil(rec)
	s.Error(err)
	s.Less(time.Since(start), 30*time.Second)
}
