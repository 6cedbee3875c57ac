// Copyright 2025 The osdev-arm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package elf

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

func TestBuildParseRoundTrip(t *testing.T) {
	text := []byte("text segment contents")
	data := []byte("data")
	img := Build(0x10000, []Segment{
		{Vaddr: 0x10000, Data: text},
		{Vaddr: 0x20000, Data: data, Memsz: 0x1000},
	})

	parsed, err := Parse(img)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Header.Entry != 0x10000 {
		t.Errorf("entry = %#x, want 0x10000", parsed.Header.Entry)
	}
	if parsed.Header.Machine != EM_ARM {
		t.Errorf("machine = %d, want EM_ARM", parsed.Header.Machine)
	}
	if len(parsed.ProgHeaders) != 2 {
		t.Fatalf("got %d program headers, want 2", len(parsed.ProgHeaders))
	}

	want := []ProgHeader{
		{Type: PT_LOAD, Vaddr: 0x10000, Filesz: uint32(len(text)), Memsz: uint32(len(text)), Flags: 7, Align: 4},
		{Type: PT_LOAD, Vaddr: 0x20000, Filesz: uint32(len(data)), Memsz: 0x1000, Flags: 7, Align: 4},
	}
	ignoreOffsets := cmp.Comparer(func(a, b ProgHeader) bool {
		a.Offset, b.Offset = 0, 0
		a.Paddr, b.Paddr = 0, 0
		return a == b
	})
	if diff := cmp.Diff(want, parsed.ProgHeaders, ignoreOffsets); diff != "" {
		t.Errorf("program headers mismatch (-want +got):\n%s", diff)
	}

	if got := parsed.SegmentData(&parsed.ProgHeaders[0]); !bytes.Equal(got, text) {
		t.Errorf("segment 0 data = %q, want %q", got, text)
	}
	if got := parsed.SegmentData(&parsed.ProgHeaders[1]); !bytes.Equal(got, data) {
		t.Errorf("segment 1 data = %q, want %q", got, data)
	}
}

func TestParseRejectsBadImages(t *testing.T) {
	cases := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"short", []byte{0x7f, 'E', 'L', 'F'}},
		{"bad magic", bytes.Repeat([]byte{0xff}, HeaderSize)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(tc.b); err != kernelerr.EINVAL {
				t.Errorf("Parse(%s) = %v, want EINVAL", tc.name, err)
			}
		})
	}
}

func TestParseRejectsTruncatedPhdrs(t *testing.T) {
	img := Build(0x8000, []Segment{{Vaddr: 0x8000, Data: []byte("x")}})
	// Truncate into the program header table.
	if _, err := Parse(img[:HeaderSize+4]); err != kernelerr.EINVAL {
		t.Errorf("Parse(truncated) = %v, want EINVAL", err)
	}
}
