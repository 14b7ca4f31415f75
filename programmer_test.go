package stm32boot

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/amrbekhit/stm32boot/stm32"
)

// Two segments: vectors plus 13 bytes at 0x08004000, and 40 bytes at the
// unaligned address 0x08020003.
const testHex = `:020000040800F2
:10400000001000200141000810111213141516179A
:0540100018191A1B1C29
:020000040802F0
:1000030005080B0E1114171A1D202326292C2F3235
:1000130035383B3E4144474A4D505356595C5F6225
:0800230065686B6E7174777A59
:00000001FF
`

func testHexSegments() ([]byte, []byte) {
	a := vectors(0x20001000, 0x08004101)
	for i := 0; i < 13; i++ {
		a = append(a, byte(0x10+i))
	}
	b := make([]byte, 40)
	for i := range b {
		b[i] = byte(i*3 + 5)
	}
	return a, b
}

type progressRecord struct {
	calls map[string]int
	last  map[string][2]int
}

func (r *progressRecord) update(stage string, done, total int) {
	r.calls[stage]++
	r.last[stage] = [2]int{done, total}
}

func TestProgrammer(t *testing.T) {
	dev, b, _, _ := testHost(t)
	defer b.Disconnect()

	// Stale contents that programming must erase.
	dev.Load(0x08004000, make([]byte, 64))
	dev.Load(0x08020000, make([]byte, 64))
	dev.Load(0x08008000, make([]byte, 4))

	p := NewProgrammer(b, stm32.F429(), Options{})
	rec := &progressRecord{calls: map[string]int{}, last: map[string][2]int{}}
	p.SetProgressCallback(rec.update)

	if err := p.LoadHex(strings.NewReader(testHex)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Connect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want, got := DefaultIdentity, p.GetInfo(); want != got {
		t.Fatalf("unexpected identity: %+v", got)
	}
	if err := p.Program(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Verify(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, bseg := testHexSegments()
	var tests = []struct {
		desc string
		addr uint32
		data []byte
	}{
		{"first segment", 0x08004000, a},
		{"first segment padding", 0x08004015, bytes.Repeat([]byte{0xFF}, 11)},
		{"second segment leading padding", 0x08020000, []byte{0xFF, 0xFF, 0xFF}},
		{"second segment", 0x08020003, bseg},
		{"second segment trailing padding", 0x0802002B, bytes.Repeat([]byte{0xFF}, 5)},
		{"rest of the erased sector", 0x08020030, bytes.Repeat([]byte{0xFF}, 16)},
		{"untouched sector", 0x08008000, make([]byte, 4)},
	}
	for i, tt := range tests {
		if got := dev.Bytes(tt.addr, uint32(len(tt.data))); !bytes.Equal(tt.data, got) {
			t.Fatalf("[%02d] test %q, unexpected flash contents:\n- want: % X\n-  got: % X",
				i, tt.desc, tt.data, got)
		}
	}

	if dev.Read32(stm32.FlashCR)&stm32.CRLOCK == 0 {
		t.Fatal("flash should be locked after programming")
	}

	wantProgress := map[string][2]int{
		"erase":  {2, 2},
		"write":  {80, 80},
		"verify": {80, 80},
	}
	for stage, want := range wantProgress {
		if got := rec.last[stage]; want != got {
			t.Fatalf("stage %q, unexpected progress: %v != %v", stage, want, got)
		}
	}
	if want, got := 5, rec.calls["write"]; want != got {
		t.Fatalf("unexpected write progress calls: %d != %d", want, got)
	}

	if err := p.Run(0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case j := <-dev.Jumped():
		if want, got := uint32(0x08004101), j.Entry; want != got {
			t.Fatalf("unexpected entry: %#08x != %#08x", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for jump")
	}
}

func TestProgrammerVerifyMismatch(t *testing.T) {
	dev, b, _, _ := testHost(t)
	defer b.Disconnect()

	p := NewProgrammer(b, stm32.F429(), Options{})
	if err := p.LoadHex(strings.NewReader(testHex)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Connect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Program(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dev.Load(0x08020010, []byte{0x00})
	if err := p.Verify(); err == nil {
		t.Fatal("expected verify error")
	}
}

func TestProgrammerProtectedSector(t *testing.T) {
	_, b, _, _ := testHost(t)
	defer b.Disconnect()

	if err := b.OptionBytesUnlock(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.WriteProtect(5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p := NewProgrammer(b, stm32.F429(), Options{})
	if err := p.LoadHex(strings.NewReader(testHex)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := p.Program()
	var nack *NackError
	if !errors.As(err, &nack) || nack.Code != CodeWriteProtectionError {
		t.Fatalf("expected write protection NACK, got %v", err)
	}
}

func TestProgrammerLoadHex(t *testing.T) {
	var tests = []struct {
		desc string
		hex  string
	}{
		{
			desc: "segment in RAM",
			hex: ":020000042000DA\n" +
				":0400000001020304F2\n" +
				":00000001FF\n",
		},
		{
			desc: "no data",
			hex:  ":00000001FF\n",
		},
		{
			desc: "bad checksum",
			hex: ":020000040800F2\n" +
				":0400000001020304F3\n" +
				":00000001FF\n",
		},
	}

	for i, tt := range tests {
		p := NewProgrammer(nil, stm32.F429(), Options{})
		if err := p.LoadHex(strings.NewReader(tt.hex)); err == nil {
			t.Fatalf("[%02d] test %q, expected an error", i, tt.desc)
		}
	}
}
