package wire

import (
	"errors"
	"reflect"
	"testing"
)

func TestVarintCodec_roundTrip(t *testing.T) {
	type args struct {
		header Header
	}
	tests := []struct {
		name    string
		args    args
		wantLen int
	}{{
		"one byte each",
		args{Header{Length: 3, StreamID: 1}},
		2,
	}, {
		"control stream",
		args{Header{Length: 127, StreamID: 0}},
		2,
	}, {
		"two byte length",
		args{Header{Length: 300, StreamID: 2}},
		3,
	}, {
		"wide both",
		args{Header{Length: 1 << 20, StreamID: 1<<14 - 1}},
		5,
	}, {
		"max uint32",
		args{Header{Length: 1<<32 - 1, StreamID: 1<<32 - 1}},
		10,
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := VarintCodec{}
			buf := c.AppendHeader(nil, tt.args.header)
			if len(buf) != tt.wantLen {
				t.Errorf("encoded length = %d, want %d", len(buf), tt.wantLen)
			}
			got, n, err := c.ParseHeader(buf)
			if err != nil {
				t.Fatalf("ParseHeader() error = %v", err)
			}
			if n != len(buf) {
				t.Errorf("header length = %d, want %d", n, len(buf))
			}
			if !reflect.DeepEqual(got, tt.args.header) {
				t.Errorf("ParseHeader() = %v, want %v", got, tt.args.header)
			}
		})
	}
}

func TestVarintCodec_shortHeader(t *testing.T) {
	c := VarintCodec{}
	full := c.AppendHeader(nil, Header{Length: 300, StreamID: 200})
	for i := 0; i < len(full); i++ {
		if _, _, err := c.ParseHeader(full[:i]); !errors.Is(err, ErrShortHeader) {
			t.Errorf("ParseHeader(%d bytes) error = %v, want ErrShortHeader", i, err)
		}
	}
}

func TestVarintCodec_frameTooLarge(t *testing.T) {
	c := VarintCodec{MaxFrameSize: 1024}
	buf := VarintCodec{}.AppendHeader(nil, Header{Length: 2048, StreamID: 1})
	if _, _, err := c.ParseHeader(buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("ParseHeader() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestVarintCodec_parseDoesNotConsume(t *testing.T) {
	c := VarintCodec{}
	buf := c.AppendHeader(nil, Header{Length: 5, StreamID: 7})
	buf = append(buf, "hello"...)
	first, n1, err := c.ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	second, n2, err := c.ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader() second call error = %v", err)
	}
	if !reflect.DeepEqual(first, second) || n1 != n2 {
		t.Errorf("repeated parse differs: (%v, %d) vs (%v, %d)", first, n1, second, n2)
	}
}

func TestCompactCodec(t *testing.T) {
	type args struct {
		header Header
	}
	tests := []struct {
		name string
		args args
	}{{
		"small frame",
		args{Header{Length: 3, StreamID: 1}},
	}, {
		"control stream",
		args{Header{Length: 10, StreamID: 0}},
	}, {
		"max width",
		args{Header{Length: 1<<16 - 1, StreamID: 1<<8 - 1}},
	}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := CompactCodec{}
			buf := c.AppendHeader(nil, tt.args.header)
			if len(buf) != compactHeaderLen {
				t.Fatalf("encoded length = %d, want %d", len(buf), compactHeaderLen)
			}
			got, n, err := c.ParseHeader(buf)
			if err != nil {
				t.Fatalf("ParseHeader() error = %v", err)
			}
			if n != compactHeaderLen {
				t.Errorf("header length = %d, want %d", n, compactHeaderLen)
			}
			if !reflect.DeepEqual(got, tt.args.header) {
				t.Errorf("ParseHeader() = %v, want %v", got, tt.args.header)
			}
		})
	}
}

func TestCompactCodec_shortHeader(t *testing.T) {
	c := CompactCodec{}
	for i := 0; i < compactHeaderLen; i++ {
		if _, _, err := c.ParseHeader(make([]byte, i)); !errors.Is(err, ErrShortHeader) {
			t.Errorf("ParseHeader(%d bytes) error = %v, want ErrShortHeader", i, err)
		}
	}
}

func TestAppendFrame(t *testing.T) {
	c := CompactCodec{}
	buf := AppendFrame(c, nil, Frame{StreamID: 2, Payload: []byte("0123456789")})
	want := append([]byte{10, 0, 2}, "0123456789"...)
	if !reflect.DeepEqual(buf, want) {
		t.Errorf("AppendFrame() = %v, want %v", buf, want)
	}
}
