package channel

import (
	"bytes"
	"io"
	"math/rand"
	"testing"
	"time"
)

func TestPipeRW(t *testing.T) {
	pipe := newBufferedPipe()
	b := []byte{0x01, 0x02, 0x03}
	n, err := pipe.Write(b)
	if n != len(b) {
		t.Error(
			"For", "number of bytes written",
			"expecting", len(b),
			"got", n,
		)
		return
	}
	if err != nil {
		t.Error(
			"For", "simple write",
			"expecting", "nil error",
			"got", err,
		)
		return
	}

	b2 := make([]byte, len(b))
	n, err = pipe.Read(b2)
	if n != len(b) {
		t.Error(
			"For", "number of bytes read",
			"expecting", len(b),
			"got", n,
		)
		return
	}
	if err != nil {
		t.Error(
			"For", "simple read",
			"expecting", "nil error",
			"got", err,
		)
		return
	}
	if !bytes.Equal(b, b2) {
		t.Error(
			"For", "simple read",
			"expecting", b,
			"got", b2,
		)
	}
}

func TestReadBlock(t *testing.T) {
	pipe := newBufferedPipe()
	b := []byte{0x01, 0x02, 0x03}
	go func() {
		time.Sleep(100 * time.Millisecond)
		pipe.Write(b)
	}()
	b2 := make([]byte, len(b))
	n, err := pipe.Read(b2)
	if n != len(b) || err != nil {
		t.Errorf("blocked read: expecting %v bytes and nil error, got %v, %v", len(b), n, err)
		return
	}
	if !bytes.Equal(b, b2) {
		t.Errorf("blocked read: expecting %v, got %v", b, b2)
	}
}

func TestReadAfterClose(t *testing.T) {
	pipe := newBufferedPipe()
	b := []byte{0x01, 0x02, 0x03}
	pipe.Write(b)
	pipe.Close()

	b2 := make([]byte, len(b))
	n, err := pipe.Read(b2)
	if n != len(b) || err != nil {
		t.Errorf("read after close: expecting %v bytes and nil error, got %v, %v", len(b), n, err)
		return
	}
	_, err = pipe.Read(b2)
	if err != io.EOF {
		t.Errorf("drained closed pipe: expecting EOF, got %v", err)
	}
	_, err = pipe.Write(b)
	if err != io.ErrClosedPipe {
		t.Errorf("write to closed pipe: expecting ErrClosedPipe, got %v", err)
	}
}

func TestReadDeadline(t *testing.T) {
	pipe := newBufferedPipe()
	pipe.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	start := time.Now()
	_, err := pipe.Read(make([]byte, 1))
	if err != ErrTimeout {
		t.Errorf("read past deadline: expecting ErrTimeout, got %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("read returned before the deadline")
	}

	// buffered data is handed out even once the deadline has passed
	pipe.Write([]byte{0x01})
	n, err := pipe.Read(make([]byte, 1))
	if n != 1 || err != nil {
		t.Errorf("read buffered data past deadline: expecting 1 byte and nil error, got %v, %v", n, err)
	}
	_, err = pipe.Read(make([]byte, 1))
	if err != ErrTimeout {
		t.Errorf("drained pipe past deadline: expecting ErrTimeout, got %v", err)
	}
}

func TestReadDeadlineReplaced(t *testing.T) {
	pipe := newBufferedPipe()
	pipe.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	pipe.SetReadDeadline(time.Time{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		pipe.Write([]byte{0x01})
	}()
	n, err := pipe.Read(make([]byte, 1))
	if n != 1 || err != nil {
		t.Errorf("read after clearing deadline: expecting 1 byte and nil error, got %v, %v", n, err)
	}

	pipe.SetReadDeadline(time.Now().Add(-time.Second))
	_, err = pipe.Read(make([]byte, 1))
	if err != ErrTimeout {
		t.Errorf("read with past deadline: expecting ErrTimeout, got %v", err)
	}
}

func BenchmarkBufferedPipe_RW(b *testing.B) {
	const PAYLOAD_LEN = 1000
	testData := make([]byte, PAYLOAD_LEN)
	rand.Read(testData)

	pipe := newBufferedPipe()

	smallBuf := make([]byte, PAYLOAD_LEN-10)
	go func() {
		for {
			pipe.Read(smallBuf)
		}
	}()
	b.SetBytes(int64(len(testData)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pipe.Write(testData)
	}
}
