// Append-only journal backing the delivery queue.
//
// Every queued delivery is journaled before it is attempted, and every
// settlement (delivered or failed) is journaled after, so a crash between
// the two leaves a replayable record instead of a lost document. Records
// carry a CRC32; a torn tail write is detected on open and truncated away,
// which loses at most the record being written when the process died.

package delivery

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal format constants.
const (
	journalMagic      = "SPJL"
	journalVersion    = 1
	journalHeaderSize = 16
)

// RecordType discriminates journal records.
type RecordType uint8

const (
	// RecordQueued carries a JSON-encoded Request awaiting delivery.
	RecordQueued RecordType = 1

	// RecordDelivered settles a queued record; the payload is the queued
	// record's sequence number.
	RecordDelivered RecordType = 2

	// RecordFailed settles a queued record that exhausted its retries.
	RecordFailed RecordType = 3
)

// Journal errors.
var (
	ErrJournalClosed  = errors.New("delivery: journal is closed")
	errJournalMagic   = errors.New("delivery: journal has wrong magic")
	errJournalVersion = errors.New("delivery: unsupported journal version")
)

// Record is one journal entry.
type Record struct {
	Seq       uint64
	Timestamp int64
	Type      RecordType
	Payload   []byte
}

// Journal is an append-only record log with CRC corruption detection.
type Journal struct {
	mu sync.Mutex

	path    string
	file    *os.File
	nextSeq uint64
	records int
	size    int64
	closed  bool
}

// OpenJournal opens or creates a journal file. An existing file is scanned
// to the last intact record and truncated there, so appends after a torn
// write land on a clean tail.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{path: path, file: file}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}

	if stat.Size() == 0 {
		if err := j.writeHeader(); err != nil {
			file.Close()
			return nil, fmt.Errorf("write journal header: %w", err)
		}
		j.size = journalHeaderSize
	} else {
		if err := j.readHeader(); err != nil {
			file.Close()
			return nil, err
		}
		if err := j.scanToEnd(); err != nil {
			file.Close()
			return nil, fmt.Errorf("scan journal: %w", err)
		}
	}

	return j, nil
}

// writeHeader initializes a fresh journal. Written with Write, not
// WriteAt, so the file offset ends up past the header and the first
// Append cannot land on top of the magic.
func (j *Journal) writeHeader() error {
	buf := make([]byte, journalHeaderSize)
	copy(buf[0:4], journalMagic)
	binary.BigEndian.PutUint32(buf[4:8], journalVersion)
	binary.BigEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))

	if _, err := j.file.Write(buf); err != nil {
		return err
	}
	return j.file.Sync()
}

func (j *Journal) readHeader() error {
	buf := make([]byte, journalHeaderSize)
	if _, err := j.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("read journal header: %w", err)
	}
	if string(buf[0:4]) != journalMagic {
		return errJournalMagic
	}
	if v := binary.BigEndian.Uint32(buf[4:8]); v != journalVersion {
		return fmt.Errorf("%w: got %d, expected %d", errJournalVersion, v, journalVersion)
	}
	return nil
}

// scanToEnd walks the record stream, keeps state for the last intact
// record and truncates the file at the first corrupt or torn one.
func (j *Journal) scanToEnd() error {
	offset := int64(journalHeaderSize)

	for {
		rec, recLen, err := j.readRecordAt(offset)
		if err != nil {
			break
		}
		j.nextSeq = rec.Seq + 1
		j.records++
		offset += recLen
	}

	if err := j.file.Truncate(offset); err != nil {
		return err
	}
	j.size = offset
	if _, err := j.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	return nil
}

// readRecordAt reads and validates one record. Any short read or CRC
// mismatch is reported as an error; callers treat it as end-of-log.
func (j *Journal) readRecordAt(offset int64) (*Record, int64, error) {
	lenBuf := make([]byte, 4)
	if _, err := j.file.ReadAt(lenBuf, offset); err != nil {
		return nil, 0, err
	}
	recLen := binary.BigEndian.Uint32(lenBuf)
	if recLen < recordOverhead || recLen > 64<<20 {
		return nil, 0, errors.New("implausible record length")
	}

	buf := make([]byte, recLen)
	if _, err := j.file.ReadAt(buf, offset); err != nil {
		return nil, 0, err
	}

	rec, err := decodeRecord(buf)
	if err != nil {
		return nil, 0, err
	}
	return rec, int64(recLen), nil
}

// Record layout: length(4) type(1) seq(8) timestamp(8) payloadLen(4)
// payload crc(4). The CRC covers everything between length and itself.
const recordOverhead = 4 + 1 + 8 + 8 + 4 + 4

func encodeRecord(rec *Record) []byte {
	size := recordOverhead + len(rec.Payload)
	buf := make([]byte, size)

	binary.BigEndian.PutUint32(buf[0:4], uint32(size))
	buf[4] = byte(rec.Type)
	binary.BigEndian.PutUint64(buf[5:13], rec.Seq)
	binary.BigEndian.PutUint64(buf[13:21], uint64(rec.Timestamp))
	binary.BigEndian.PutUint32(buf[21:25], uint32(len(rec.Payload)))
	copy(buf[25:], rec.Payload)

	crc := crc32.ChecksumIEEE(buf[4 : size-4])
	binary.BigEndian.PutUint32(buf[size-4:], crc)
	return buf
}

func decodeRecord(buf []byte) (*Record, error) {
	if len(buf) < recordOverhead {
		return nil, errors.New("record too short")
	}

	payloadLen := binary.BigEndian.Uint32(buf[21:25])
	if int(payloadLen) != len(buf)-recordOverhead {
		return nil, errors.New("record payload length mismatch")
	}

	want := binary.BigEndian.Uint32(buf[len(buf)-4:])
	if crc32.ChecksumIEEE(buf[4:len(buf)-4]) != want {
		return nil, errors.New("record CRC mismatch")
	}

	rec := &Record{
		Type:      RecordType(buf[4]),
		Seq:       binary.BigEndian.Uint64(buf[5:13]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[13:21])),
		Payload:   append([]byte(nil), buf[25:25+payloadLen]...),
	}
	return rec, nil
}

// Append writes a record and syncs it to disk, returning its sequence
// number.
func (j *Journal) Append(rt RecordType, payload []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}

	rec := &Record{
		Seq:       j.nextSeq,
		Timestamp: time.Now().UnixNano(),
		Type:      rt,
		Payload:   payload,
	}

	data := encodeRecord(rec)
	if _, err := j.file.Write(data); err != nil {
		return 0, fmt.Errorf("write record: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync record: %w", err)
	}

	j.nextSeq++
	j.records++
	j.size += int64(len(data))
	return rec.Seq, nil
}

// Replay returns every intact record in write order. A corrupt tail ends
// the replay without an error; whatever was intact is returned.
func (j *Journal) Replay() ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil, ErrJournalClosed
	}

	var records []Record
	offset := int64(journalHeaderSize)
	for {
		rec, recLen, err := j.readRecordAt(offset)
		if err != nil {
			break
		}
		records = append(records, *rec)
		offset += recLen
	}
	return records, nil
}

// Compact rewrites the journal keeping only the given records. Sequence
// numbers survive compaction so settlement records written later still
// resolve.
func (j *Journal) Compact(keep []Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJournalClosed
	}

	newPath := j.path + ".new"
	newFile, err := os.Create(newPath)
	if err != nil {
		return err
	}

	buf := make([]byte, journalHeaderSize)
	copy(buf[0:4], journalMagic)
	binary.BigEndian.PutUint32(buf[4:8], journalVersion)
	binary.BigEndian.PutUint64(buf[8:16], uint64(time.Now().UnixNano()))
	if _, err := newFile.Write(buf); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return err
	}

	size := int64(journalHeaderSize)
	maxSeq := uint64(0)
	for i := range keep {
		data := encodeRecord(&keep[i])
		if _, err := newFile.Write(data); err != nil {
			newFile.Close()
			os.Remove(newPath)
			return err
		}
		size += int64(len(data))
		if keep[i].Seq > maxSeq {
			maxSeq = keep[i].Seq
		}
	}

	if err := newFile.Sync(); err != nil {
		newFile.Close()
		os.Remove(newPath)
		return err
	}
	newFile.Close()

	j.file.Close()
	if err := os.Rename(newPath, j.path); err != nil {
		return err
	}

	j.file, err = os.OpenFile(j.path, os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	if _, err := j.file.Seek(size, io.SeekStart); err != nil {
		return err
	}

	if len(keep) > 0 {
		j.nextSeq = maxSeq + 1
	}
	j.records = len(keep)
	j.size = size
	return nil
}

// RecordCount returns the number of records in the journal.
func (j *Journal) RecordCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.records
}

// Size returns the journal file size in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}
