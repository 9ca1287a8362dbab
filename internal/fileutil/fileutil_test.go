package fileutil

import "testing"

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		500:            "500 B",
		2048:           "2.0 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for n, want := range cases {
		if got := HumanBytes(n); got != want {
			t.Errorf("HumanBytes(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestSniffCategoryMissingFile(t *testing.T) {
	if _, ok := SniffCategory("/nonexistent/path/does/not/exist"); ok {
		t.Fatal("expected false for missing file")
	}
}
