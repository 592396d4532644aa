package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log"
	"os"
	"time"

	"versionedkv/internal/model"
	"versionedkv/internal/storage"
)

var (
	ErrEnqueueTimeout = errors.New("timeout waiting for mutation to be added to commit log")
	ErrClosed         = errors.New("commit log is closed")
)

type CommitLogFlusher struct {
	activeSegment  *os.File
	seqNumber      uint64
	buffer         bytes.Buffer
	maxBufferBytes int
}

type commitLogMsg struct {
	mut  model.Mutation
	done chan error
}

type CommitLogCfg struct {
	Path                 string
	EnqueueTimeout       time.Duration
	FlushInterval        time.Duration
	MaxEnqueuingMutation int
	BufferBytes          int
}

/*
Channel-backed append flow keeps a single writer goroutine in charge of the log:
- Ordering: the channel preserves request order and the writer assigns sequence numbers.
- Simplicity: only the writer goroutine touches the buffer, the file and the sequence.
- Backpressure: bounded channel + timeout lets callers fail fast instead of queueing forever.
- Handshake: a per-request done channel tells the caller the entry was buffered.
- Shutdown: on context cancellation the writer flushes what it holds before exiting.
*/
type CommitLogManager struct {
	flusher CommitLogFlusher
	writes  chan commitLogMsg
	cfg     CommitLogCfg
	flushT  *time.Ticker
	stopped chan struct{}
	done    chan struct{}
}

const (
	payloadLenBytes                = 4
	checksumBytes                  = 4
	seqNumBytes                    = 8
	opTypeBytes                    = 1
	versionBytes                   = 8
	lenFieldSize                   = 4
	defaultCommitLogBufferBytes    = 4 * 1024 * 1024
	minimalCommitLogBufferBytes    = 128
	defaultMaxEnqueuingMutationVal = 1024
	defaultEnqueueTimeout          = 5 * time.Second
	defaultFlushInterval           = time.Second
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func NewCommitLogManager(ctx context.Context, cfg CommitLogCfg) (*CommitLogManager, context.CancelFunc, error) {
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	bufferBytes := cfg.BufferBytes
	if bufferBytes <= 0 {
		bufferBytes = defaultCommitLogBufferBytes
	}
	if bufferBytes < minimalCommitLogBufferBytes {
		bufferBytes = minimalCommitLogBufferBytes
	}

	maxQueue := cfg.MaxEnqueuingMutation
	if maxQueue <= 0 {
		maxQueue = defaultMaxEnqueuingMutationVal
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	var next uint64 = 1
	scanned, end, err := scanFrames(cfg.Path, func(mut model.Mutation) {
		next = mut.Sequence + 1
	})
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	// drop a torn tail so new records are not hidden behind it
	if err := f.Truncate(end); err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("truncate commit log to %d: %w", end, err)
	}
	log.Printf("commit log %s: %d entries on open, next sequence %d", cfg.Path, scanned, next)

	m := &CommitLogManager{
		cfg:     cfg,
		writes:  make(chan commitLogMsg, maxQueue),
		flushT:  time.NewTicker(cfg.FlushInterval),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
		flusher: CommitLogFlusher{
			activeSegment:  f,
			seqNumber:      next,
			maxBufferBytes: bufferBytes,
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(m.done)
		m.run(runCtx)
		m.flushT.Stop()
		_ = m.flusher.activeSegment.Close()
	}()
	return m, cancel, nil
}

// Append hands mut to the writer goroutine and waits until it is buffered.
// The sequence number is assigned by the writer; any value on mut is ignored.
func (cm *CommitLogManager) Append(mut model.Mutation) error {
	msg := commitLogMsg{mut: mut, done: make(chan error, 1)}
	timer := time.NewTimer(cm.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case cm.writes <- msg:
	case <-cm.stopped:
		return ErrClosed
	case <-timer.C:
		return ErrEnqueueTimeout
	}

	select {
	case err := <-msg.done:
		return err
	case <-cm.done:
		// the writer drains its queue before exiting, so the answer is there
		select {
		case err := <-msg.done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Done is closed once the writer goroutine has flushed and closed the file.
func (cm *CommitLogManager) Done() <-chan struct{} {
	return cm.done
}

// Load reads the whole commit log back in append order. It stops at the
// first truncated or corrupted record, which marks the crash-safe boundary.
func (cm *CommitLogManager) Load() []model.Mutation {
	return LoadFile(cm.cfg.Path)
}

// LoadFile is Load for a log that is not open for writing.
func LoadFile(path string) []model.Mutation {
	mutations := make([]model.Mutation, 0)
	n, _, err := scanFrames(path, func(mut model.Mutation) {
		mutations = append(mutations, mut)
	})
	if err != nil {
		log.Printf("failed to read commit log %s: %v", path, err)
		return mutations
	}
	log.Printf("loaded %d mutations from commit log %s", n, path)
	return mutations
}

func (cm *CommitLogManager) run(ctx context.Context) {
	for {
		select {
		case msg := <-cm.writes:
			msg.done <- cm.flusher.append(msg.mut)
		case <-cm.flushT.C:
			if err := cm.flusher.flush(); err != nil {
				log.Printf("commit log periodic flush error: %v", err)
			}
		case <-ctx.Done():
			close(cm.stopped)
			// entries already queued were accepted, give them an answer
		drain:
			for {
				select {
				case msg := <-cm.writes:
					msg.done <- cm.flusher.append(msg.mut)
				default:
					break drain
				}
			}
			log.Printf("commit log manager is shutting down, flushing active segment")
			if err := cm.flusher.flush(); err != nil {
				log.Printf("commit log shutdown flush error: %v", err)
			}
			return
		}
	}
}

func (flusher *CommitLogFlusher) append(mut model.Mutation) error {
	mut.Sequence = flusher.seqNumber
	if err := flusher.write(encodeMutation(mut)); err != nil {
		return err
	}
	flusher.seqNumber++
	return nil
}

func (flusher *CommitLogFlusher) write(data []byte) error {
	if flusher.activeSegment == nil {
		return errors.New("no active segment")
	}

	if len(data) > flusher.maxBufferBytes {
		return fmt.Errorf("commit log entry (%d bytes) exceeds buffer size (%d bytes)", len(data), flusher.maxBufferBytes)
	}

	if flusher.buffer.Len()+len(data) > flusher.maxBufferBytes {
		if err := flusher.flush(); err != nil {
			return err
		}
	}

	_, err := flusher.buffer.Write(data)
	return err
}

func (flusher *CommitLogFlusher) flush() error {
	if flusher.activeSegment == nil {
		return errors.New("no active segment")
	}
	if flusher.buffer.Len() == 0 {
		return nil
	}

	if err := storage.Write(flusher.activeSegment, flusher.buffer.Bytes()); err != nil {
		return err
	}
	err := flusher.activeSegment.Sync()
	if err == nil {
		flusher.buffer.Reset()
	}
	return err
}

// scanFrames calls fn for every intact record in the file at path. It returns
// how many it found and the offset just past the last intact record. A
// missing file holds no records.
func scanFrames(path string, fn func(model.Mutation)) (int, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	fileSize := info.Size()

	var offset, end int64
	count := 0
	for offset < fileSize {
		header, err := storage.ReadAt(f, offset, payloadLenBytes+checksumBytes)
		if err != nil {
			log.Printf("truncated at record %d: incomplete header at offset %d", count, offset)
			break
		}
		payloadLen := binary.BigEndian.Uint32(header[:payloadLenBytes])
		expectedChecksum := binary.BigEndian.Uint32(header[payloadLenBytes:])
		offset += payloadLenBytes + checksumBytes

		if offset+int64(payloadLen) > fileSize {
			log.Printf("truncated at record %d: incomplete payload at offset %d (expected %d bytes)", count, offset, payloadLen)
			break
		}
		payload, err := storage.ReadAt(f, offset, int(payloadLen))
		if err != nil {
			log.Printf("truncated at record %d: incomplete payload at offset %d (expected %d bytes)", count, offset, payloadLen)
			break
		}
		offset += int64(payloadLen)

		if actual := crc32.Checksum(payload, castagnoli); actual != expectedChecksum {
			log.Printf("CRC mismatch at record %d: expected %x, got %x - stopping at corruption boundary",
				count, expectedChecksum, actual)
			break
		}

		mut, err := decodePayload(payload)
		if err != nil {
			log.Printf("failed to decode record %d: %v - stopping", count, err)
			break
		}
		fn(mut)
		count++
		end = offset
	}
	return count, end, nil
}

/*
encodeMutation returns the framed commit log record for mut:

| PayloadLength | CRC32C  | Sequence | OpType | Version | KeyLen  | Key     | ValueLen | Value   |
|---------------|---------|----------|--------|---------|---------|---------|----------|---------|
| 4 bytes       | 4 bytes | 8 bytes  | 1 byte | 8 bytes | 4 bytes | K bytes | 4 bytes  | V bytes |

The checksum covers everything from Sequence to Value.
*/
func encodeMutation(mut model.Mutation) []byte {
	payloadLen := seqNumBytes + opTypeBytes + versionBytes + lenFieldSize + len(mut.Key) + lenFieldSize + len(mut.Value)
	record := make([]byte, payloadLenBytes+checksumBytes, payloadLenBytes+checksumBytes+payloadLen)

	record = binary.BigEndian.AppendUint64(record, mut.Sequence)
	record = append(record, byte(mut.Op))
	record = binary.BigEndian.AppendUint64(record, mut.Version)
	record = binary.BigEndian.AppendUint32(record, uint32(len(mut.Key)))
	record = append(record, mut.Key...)
	record = binary.BigEndian.AppendUint32(record, uint32(len(mut.Value)))
	record = append(record, mut.Value...)

	payload := record[payloadLenBytes+checksumBytes:]
	binary.BigEndian.PutUint32(record[:payloadLenBytes], uint32(len(payload)))
	binary.BigEndian.PutUint32(record[payloadLenBytes:], crc32.Checksum(payload, castagnoli))
	return record
}

// decodePayload extracts a Mutation from the payload part of a record,
// keeping the sequence and version it was written with.
func decodePayload(payload []byte) (model.Mutation, error) {
	minSize := seqNumBytes + opTypeBytes + versionBytes + lenFieldSize + lenFieldSize
	if len(payload) < minSize {
		return model.Mutation{}, fmt.Errorf("payload too short: %d bytes (minimum %d)", len(payload), minSize)
	}

	pos := 0
	seqNum := binary.BigEndian.Uint64(payload[pos : pos+seqNumBytes])
	pos += seqNumBytes

	opType := model.OpsType(payload[pos])
	if opType != model.PUT && opType != model.DELETE {
		return model.Mutation{}, fmt.Errorf("invalid operation type: %d", opType)
	}
	pos += opTypeBytes

	version := binary.BigEndian.Uint64(payload[pos : pos+versionBytes])
	pos += versionBytes

	keyLen := binary.BigEndian.Uint32(payload[pos : pos+lenFieldSize])
	pos += lenFieldSize
	if uint64(pos)+uint64(keyLen) > uint64(len(payload)) {
		return model.Mutation{}, fmt.Errorf("key length (%d) exceeds payload bounds", keyLen)
	}
	key := make([]byte, keyLen)
	copy(key, payload[pos:pos+int(keyLen)])
	pos += int(keyLen)

	if pos+lenFieldSize > len(payload) {
		return model.Mutation{}, fmt.Errorf("value length field exceeds payload bounds")
	}
	valueLen := binary.BigEndian.Uint32(payload[pos : pos+lenFieldSize])
	pos += lenFieldSize
	if uint64(pos)+uint64(valueLen) > uint64(len(payload)) {
		return model.Mutation{}, fmt.Errorf("value length (%d) exceeds payload bounds", valueLen)
	}

	var value []byte
	if valueLen > 0 {
		value = make([]byte, valueLen)
		copy(value, payload[pos:pos+int(valueLen)])
	}

	return model.Mutation{
		Sequence: seqNum,
		Op:       opType,
		Key:      key,
		Value:    value,
		Version:  version,
	}, nil
}
