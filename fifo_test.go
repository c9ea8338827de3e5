package swd

import "testing"

func TestFifoWrite(t *testing.T) {
	fifo := NewFifo(100)
	res := fifo.Write([]byte{1, 2, 3, 4, 5})
	if res != 5 {
		t.Errorf("written only %v", res)
	}
	if fifo.writePos != 5 {
		t.Errorf("write position is %v", fifo.writePos)
	}
	if fifo.readPos != 0 {
		t.Error()
	}
	res = fifo.Write(make([]byte, 500))
	if res != 94 {
		t.Errorf("wrote %v", res)
	}
	res = fifo.Write([]byte{1})
	if res != 0 {
		t.Error()
	}
	// Free up some space by reading then re writing
	fifo.Read(make([]byte, 10))
	res = fifo.Write(make([]byte, 10))
	if res != 10 {
		t.Error()
	}
}

func TestFifoRead(t *testing.T) {
	fifo := NewFifo(100)
	buffer := make([]byte, 10)
	res := fifo.Read(buffer)
	if res != 0 {
		t.Error()
	}
	res = fifo.Write([]byte{1, 2, 3, 4})
	if res != 4 {
		t.Error()
	}
	res = fifo.Read(buffer)
	if res != 4 {
		t.Errorf("res is %v", res)
	}
	if buffer[0] != 1 || buffer[3] != 4 {
		t.Error("wrong data read")
	}
}

func TestFifoWrap(t *testing.T) {
	fifo := NewFifo(8)
	for round := 0; round < 5; round++ {
		n := fifo.Write([]byte{1, 2, 3, 4, 5})
		if n != 5 {
			t.Fatalf("round %d wrote %d", round, n)
		}
		buffer := make([]byte, 5)
		n = fifo.Read(buffer)
		if n != 5 {
			t.Fatalf("round %d read %d", round, n)
		}
		for k := range buffer {
			if buffer[k] != byte(k+1) {
				t.Fatalf("round %d byte %d = %d", round, k, buffer[k])
			}
		}
	}
}

func TestFifoSpaceOccupied(t *testing.T) {
	fifo := NewFifo(10)
	if fifo.Space() != 9 || fifo.Occupied() != 0 {
		t.Error()
	}
	fifo.Write([]byte{1, 2, 3})
	if fifo.Space() != 6 || fifo.Occupied() != 3 {
		t.Error()
	}
	fifo.Reset()
	if fifo.Space() != 9 || fifo.Occupied() != 0 {
		t.Error()
	}
}
