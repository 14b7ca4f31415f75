package stm32boot

import (
	"reflect"
	"strings"
	"testing"

	"github.com/amrbekhit/stm32boot/stm32"
)

func TestLoadProfile(t *testing.T) {
	var tests = []struct {
		desc string
		yaml string
		want func(p *Profile)
		ok   bool
	}{
		{
			desc: "empty profile keeps defaults",
			yaml: "",
			want: func(p *Profile) {},
			ok:   true,
		},
		{
			desc: "identity and limits",
			yaml: "identity:\n  id: \"0x00C0FFEE\"\n  version: v2.1\n  author: Field Service\n" +
				"polllimit: 50000\ncopyretries: 1\n",
			want: func(p *Profile) {
				p.Identity = Identity{ID: "0x00C0FFEE", Version: "v2.1", Author: "Field Service"}
				p.PollLimit = 50000
				p.CopyRetries = 1
			},
			ok: true,
		},
		{
			desc: "single bank layout",
			yaml: "layout:\n  sectors: [16384, 16384, 16384, 16384, 65536, 131072, 131072, 131072]\n" +
				"  ramsize: 131072\n",
			want: func(p *Profile) {
				p.Layout.Sectors = []uint32{16384, 16384, 16384, 16384, 65536, 131072, 131072, 131072}
				p.Layout.RAMSize = 131072
			},
			ok: true,
		},
		{
			desc: "unknown field",
			yaml: "baud: 115200\n",
		},
		{
			desc: "negative poll limit",
			yaml: "polllimit: -1\n",
		},
		{
			desc: "empty sector list",
			yaml: "layout:\n  sectors: []\n",
		},
	}

	for i, tt := range tests {
		p, err := LoadProfile(strings.NewReader(tt.yaml))
		if (err == nil) != tt.ok {
			t.Fatalf("[%02d] test %q, unexpected error: %v", i, tt.desc, err)
		}
		if !tt.ok {
			continue
		}

		want := DefaultProfile()
		tt.want(&want)
		if !reflect.DeepEqual(want, p) {
			t.Fatalf("[%02d] test %q, unexpected profile:\n- want: %+v\n-  got: %+v",
				i, tt.desc, want, p)
		}
	}
}

func TestProfileValidate(t *testing.T) {
	p := DefaultProfile()
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(stm32.F429(), p.Layout) {
		t.Fatal("default profile should use the F429 layout")
	}

	p.Identity.Author = "two\nlines"
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for identity spanning lines")
	}
}
