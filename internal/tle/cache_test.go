package tle

import (
	"errors"
	"testing"
	"time"
)

func TestCacheLatestAndPrune(t *testing.T) {
	c := NewCache(t.TempDir(), 2)

	if _, _, err := c.LoadLatest(); !errors.Is(err, ErrCacheEmpty) {
		t.Fatalf("empty cache: err = %v, want ErrCacheEmpty", err)
	}

	base := time.Unix(1_700_000_000, 0)
	for i, body := range []string{"a", "b", "c"} {
		if err := c.Write([]byte(body), base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if n := c.Files(); n != 2 {
		t.Errorf("Files = %d after prune, want 2", n)
	}

	data, ts, err := c.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if string(data) != "c" {
		t.Errorf("latest = %q, want c", data)
	}
	if !ts.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("timestamp = %v", ts)
	}
}
