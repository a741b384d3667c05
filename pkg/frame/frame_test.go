package frame

import (
	"bufio"
	"bytes"
	"math/rand"
	"net"
	"sort"
	"sync"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	// All small sizes plus strides up to a typical tunnel MTU.
	sizes := []int{}
	for n := 0; n <= 64; n++ {
		sizes = append(sizes, n)
	}
	for n := 65; n <= 1500; n += 7 {
		sizes = append(sizes, n)
	}
	sizes = append(sizes, 1500)

	var seq Sequencer
	for _, n := range sizes {
		payload := make([]byte, n)
		rng.Read(payload)

		s := seq.Next()
		line, err := Encode(s, KindData, payload)
		if err != nil {
			t.Fatalf("Encode(%d bytes): %v", n, err)
		}
		if line[len(line)-1] != '\n' {
			t.Fatalf("encoded line missing newline terminator")
		}

		f, err := Decode(line)
		if err != nil {
			t.Fatalf("Decode(%d bytes): %v", n, err)
		}
		if f.Seq != s {
			t.Fatalf("sequence mismatch: sent %d, got %d", s, f.Seq)
		}
		if f.Kind != KindData {
			t.Fatalf("kind mismatch: got %v", f.Kind)
		}
		if !bytes.Equal(f.Payload, payload) {
			t.Fatalf("payload mismatch at size %d", n)
		}
	}
}

func TestCorruptionDetection(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	line, err := Encode(7, KindData, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Flip each byte of the encoded payload field in turn. Every flip must
	// be rejected; flips that still decode as valid base64 must be caught
	// by the digest.
	payloadStart := bytes.LastIndexByte(line[:len(line)-1], '|') + 1
	for i := payloadStart; i < len(line)-1; i++ {
		corrupted := append([]byte(nil), line...)
		corrupted[i] ^= 0x04

		_, err := Decode(corrupted)
		if err == nil {
			t.Fatalf("flip at offset %d went undetected", i)
		}
		de, ok := AsDecodeError(err)
		if !ok {
			t.Fatalf("flip at offset %d: unexpected error type: %v", i, err)
		}
		if de.Code != DigestMismatch && de.Code != Malformed {
			t.Fatalf("flip at offset %d: unexpected code %v", i, de.Code)
		}
	}
}

func TestTruncationDoesNotDesync(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 200)
	line, err := Encode(1, KindData, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Simulate a split write: a prefix of a valid frame followed by a
	// well-formed one on the next line.
	next, err := Encode(2, KindData, []byte("intact"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var stream bytes.Buffer
	stream.Write(line[:len(line)/2])
	stream.WriteByte('\n')
	stream.Write(next)

	r := bufio.NewReader(&stream)

	first, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read first line: %v", err)
	}
	if _, err := Decode(first); err == nil {
		t.Fatalf("truncated frame was accepted")
	} else if de, ok := AsDecodeError(err); !ok {
		t.Fatalf("unexpected error type: %v", err)
	} else if de.Code != LengthMismatch && de.Code != Malformed {
		t.Fatalf("truncated frame rejected with unexpected code %v", de.Code)
	}

	second, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read second line: %v", err)
	}
	f, err := Decode(second)
	if err != nil {
		t.Fatalf("well-formed line after truncation rejected: %v", err)
	}
	if string(f.Payload) != "intact" {
		t.Fatalf("unexpected payload %q after resync", f.Payload)
	}
}

func TestDecodeGarbage(t *testing.T) {
	lines := []string{
		"",
		"\n",
		"#\n",
		"not a frame at all",
		"1|1|4\n",
		"x|1|4|00000000|AAAA\n",
		"1|9|4|00000000|AAAA\n",
		"1|1|4|zzzzzzzz|AAAA\n",
		"1|1|4|0000|AAAA\n",
		"1|1|8|00000000|AAAA\n",
	}
	for _, l := range lines {
		if _, err := Decode([]byte(l)); err == nil {
			t.Fatalf("garbage line %q was accepted", l)
		}
	}
}

func TestSequencerMonotonicUnderConcurrency(t *testing.T) {
	var seq Sequencer
	const workers = 8
	const perWorker = 1000

	out := make([][]uint64, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				out[w] = append(out[w], seq.Next())
			}
		}(w)
	}
	wg.Wait()

	var all []uint64
	for w := 0; w < workers; w++ {
		for i := 1; i < len(out[w]); i++ {
			if out[w][i] <= out[w][i-1] {
				t.Fatalf("sequence not increasing within goroutine %d", w)
			}
		}
		all = append(all, out[w]...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	for i, v := range all {
		if v != uint64(i+1) {
			t.Fatalf("sequence %d reused or skipped: got %d at position %d", i+1, v, i)
		}
	}
}

func TestHandshakeRecord(t *testing.T) {
	h := Handshake{
		LocalIP:  mustIP(t, "100.64.160.100"),
		RemoteIP: mustIP(t, "100.64.160.101"),
		MTU:      1400,
	}

	parsed, err := ParseHandshake(h.Marshal())
	if err != nil {
		t.Fatalf("ParseHandshake: %v", err)
	}
	if !parsed.LocalIP.Equal(h.LocalIP) || !parsed.RemoteIP.Equal(h.RemoteIP) || parsed.MTU != h.MTU {
		t.Fatalf("handshake did not round-trip: %+v", parsed)
	}

	sw := parsed.Swapped()
	if !sw.LocalIP.Equal(h.RemoteIP) || !sw.RemoteIP.Equal(h.LocalIP) {
		t.Fatalf("swapped pair wrong: %+v", sw)
	}

	bad := [][]byte{
		[]byte(""),
		[]byte("100.64.0.1 100.64.0.2"),
		[]byte("nonsense 100.64.0.2 1400"),
		[]byte("100.64.0.1 100.64.0.1 1400"),
		[]byte("100.64.0.1 100.64.0.2 10"),
		[]byte("100.64.0.1 100.64.0.2 notanumber"),
	}
	for _, b := range bad {
		if _, err := ParseHandshake(b); err == nil {
			t.Fatalf("bad handshake %q was accepted", b)
		}
	}
}

func mustIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("bad test IP %q", s)
	}
	return ip
}
