package bufpool

import "testing"

func TestPool_GetPut(t *testing.T) {
	p := New(4096)
	buf := p.Get()
	if len(buf) != 4096 {
		t.Fatalf("buffer length: %d", len(buf))
	}
	p.Put(buf)

	buf = p.Get()
	if len(buf) != 4096 {
		t.Fatalf("reused buffer length: %d", len(buf))
	}
}

func TestPool_DiscardsUndersized(t *testing.T) {
	p := New(1024)
	p.Put(make([]byte, 16))
	if got := p.Get(); len(got) != 1024 {
		t.Fatalf("buffer length: %d", len(got))
	}
}

func TestPool_BufSize(t *testing.T) {
	if got := New(64).BufSize(); got != 64 {
		t.Fatalf("BufSize: %d", got)
	}
}
