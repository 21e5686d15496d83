package backend

import (
	"io"
	"testing"
)

func TestNewMemory(t *testing.T) {
	size := int64(1024)
	mem := NewMemory(size)

	if mem.Size() != size {
		t.Errorf("Size() = %d, want %d", mem.Size(), size)
	}

	if len(mem.data) != int(size) {
		t.Errorf("data length = %d, want %d", len(mem.data), size)
	}
}

func TestMemoryReadWrite(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	testData := []byte("card-side payload")
	n, err := mem.WriteAt(testData, 512)
	if err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("WriteAt wrote %d bytes, want %d", n, len(testData))
	}

	readBuf := make([]byte, len(testData))
	n, err = mem.ReadAt(readBuf, 512)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if n != len(testData) {
		t.Errorf("ReadAt read %d bytes, want %d", n, len(testData))
	}
	if string(readBuf) != string(testData) {
		t.Errorf("ReadAt got %q, want %q", readBuf, testData)
	}
}

func TestMemoryBoundaryConditions(t *testing.T) {
	mem := NewMemory(100)
	defer mem.Close()

	tests := []struct {
		name    string
		write   bool
		len     int
		off     int64
		wantN   int
		wantErr error
		anyErr  bool
	}{
		{"read straddling end", false, 50, 80, 20, io.EOF, false},
		{"read at end", false, 10, 100, 0, io.EOF, false},
		{"read negative", false, 10, -1, 0, nil, true},
		{"write straddling end", true, 4, 98, 2, io.ErrShortWrite, false},
		{"write beyond end", true, 4, 101, 0, nil, true},
		{"write fits", true, 4, 96, 4, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.len)
			var n int
			var err error
			if tt.write {
				n, err = mem.WriteAt(buf, tt.off)
			} else {
				n, err = mem.ReadAt(buf, tt.off)
			}
			if n != tt.wantN {
				t.Errorf("n = %d, want %d", n, tt.wantN)
			}
			switch {
			case tt.anyErr:
				if err == nil {
					t.Error("expected an error")
				}
			case err != tt.wantErr:
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMemoryStats(t *testing.T) {
	mem := NewMemory(1024)
	defer mem.Close()

	stats := mem.Stats()

	if stats["type"] != "memory" {
		t.Errorf("Stats type = %v, want 'memory'", stats["type"])
	}

	if stats["size"] != int64(1024) {
		t.Errorf("Stats size = %v, want 1024", stats["size"])
	}

	if stats["allocated"] != 1024 {
		t.Errorf("Stats allocated = %v, want 1024", stats["allocated"])
	}
}

func BenchmarkMemoryRead(b *testing.B) {
	mem := NewMemory(1024 * 1024)
	defer mem.Close()

	buf := make([]byte, 4096)
	b.SetBytes(4096)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1024*1024 - 4096)
		mem.ReadAt(buf, offset)
	}
}

func BenchmarkMemoryWrite(b *testing.B) {
	mem := NewMemory(1024 * 1024)
	defer mem.Close()

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = byte(i)
	}
	b.SetBytes(4096)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		offset := int64(i*4096) % (1024*1024 - 4096)
		mem.WriteAt(buf, offset)
	}
}
