package gateway

import "testing"

func seqs(entries []replayEntry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Seq
	}
	return out
}

func TestReplayBuffer_Range(t *testing.T) {
	cases := []struct {
		name     string
		capacity int
		pushed   int64
		from, to int64
		want     []int64
	}{
		{"empty", 10, 0, 1, 100, nil},
		{"inner range", 100, 10, 3, 7, []int64{3, 4, 5, 6, 7}},
		{"single", 100, 10, 4, 4, []int64{4}},
		{"exactly full", 3, 3, 0, 10, []int64{1, 2, 3}},
		{"wrapped keeps newest", 5, 8, 1, 10, []int64{4, 5, 6, 7, 8}},
		{"evicted range", 5, 8, 1, 3, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rb := NewReplayBuffer(tc.capacity)
			for i := int64(1); i <= tc.pushed; i++ {
				rb.Push(i, []byte("m"))
			}
			got := seqs(rb.Range(tc.from, tc.to))
			if len(got) != len(tc.want) {
				t.Fatalf("Range(%d,%d) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("Range(%d,%d) = %v, want %v", tc.from, tc.to, got, tc.want)
				}
			}
		})
	}
}

func TestReplayBuffer_Len(t *testing.T) {
	rb := NewReplayBuffer(4)
	for i := int64(1); i <= 6; i++ {
		rb.Push(i, nil)
		want := int(i)
		if want > 4 {
			want = 4
		}
		if rb.Len() != want {
			t.Fatalf("after %d pushes Len() = %d, want %d", i, rb.Len(), want)
		}
	}
}

func TestReplayBuffer_CopiesData(t *testing.T) {
	rb := NewReplayBuffer(2)
	data := []byte("abc")
	rb.Push(1, data)
	data[0] = 'x'
	if got := string(rb.Range(1, 1)[0].Data); got != "abc" {
		t.Errorf("stored %q, want abc", got)
	}
}

func TestReplayBuffer_DefaultCapacity(t *testing.T) {
	rb := NewReplayBuffer(0)
	for i := int64(1); i <= replayCapacity+1; i++ {
		rb.Push(i, nil)
	}
	if rb.Len() != replayCapacity {
		t.Errorf("Len() = %d, want %d", rb.Len(), replayCapacity)
	}
}
