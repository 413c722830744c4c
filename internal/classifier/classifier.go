// Package classifier estimates the probability that content is malicious
// from cheap byte-level features.
package classifier

import (
	"bytes"
	"math"
)

// Classifier returns a probability in [0,1].
type Classifier interface {
	Predict(content []byte) float64
}

// Func adapts a function to Classifier.
type Func func([]byte) float64

func (f Func) Predict(content []byte) float64 { return f(content) }

// Features extracted from the scanned prefix.
type Features struct {
	Entropy        float64 `json:"entropy"`         // bits per byte, 0..8
	PrintableRatio float64 `json:"printable_ratio"` // 0..1
	Executable     bool    `json:"executable"`      // ELF, PE or Mach-O header
	TokenHits      int     `json:"token_hits"`      // distinct suspicious tokens
}

// Weights of the logistic model.
type Weights struct {
	Bias        float64 `yaml:"bias"`
	Entropy     float64 `yaml:"entropy"`
	NonPrint    float64 `yaml:"non_printable"`
	Executable  float64 `yaml:"executable"`
	TokenDense  float64 `yaml:"tokens"`
	TokenSatura int     `yaml:"token_saturation"`
}

// DefaultWeights keep plain text near 0.05 and push content carrying four
// or more dropper tokens above 0.85.
func DefaultWeights() Weights {
	return Weights{
		Bias:        -4.0,
		Entropy:     2.0,
		NonPrint:    1.0,
		Executable:  1.0,
		TokenDense:  5.0,
		TokenSatura: 4,
	}
}

var suspiciousTokens = [][]byte{
	[]byte("/dev/tcp/"),
	[]byte("nc -e"),
	[]byte("base64 -d"),
	[]byte("curl "),
	[]byte("wget "),
	[]byte("chmod +x"),
	[]byte("/etc/shadow"),
	[]byte("crontab"),
	[]byte("LD_PRELOAD"),
	[]byte("mkfifo"),
	[]byte("stratum+tcp"),
	[]byte("-EncodedCommand"),
	[]byte("FromBase64String"),
	[]byte("eval("),
}

// ByteClassifier is a fixed logistic model over Features.
type ByteClassifier struct {
	w       Weights
	scanMax int
}

// NewByteClassifier scans at most scanMax bytes (0 means 1 MiB).
func NewByteClassifier(w Weights, scanMax int) *ByteClassifier {
	if scanMax <= 0 {
		scanMax = 1 << 20
	}
	if w.TokenSatura <= 0 {
		w.TokenSatura = 1
	}
	return &ByteClassifier{w: w, scanMax: scanMax}
}

// Default returns a classifier with DefaultWeights.
func Default() *ByteClassifier {
	return NewByteClassifier(DefaultWeights(), 0)
}

func (c *ByteClassifier) Predict(content []byte) float64 {
	if len(content) == 0 {
		return 0
	}
	f := c.Extract(content)

	logOdds := c.w.Bias +
		c.w.Entropy*(f.Entropy/8) +
		c.w.NonPrint*(1-f.PrintableRatio) +
		c.w.TokenDense*math.Min(1, float64(f.TokenHits)/float64(c.w.TokenSatura))
	if f.Executable {
		logOdds += c.w.Executable
	}
	return 1.0 / (1.0 + math.Exp(-logOdds))
}

// Extract computes the model inputs.
func (c *ByteClassifier) Extract(content []byte) Features {
	if len(content) > c.scanMax {
		content = content[:c.scanMax]
	}
	var f Features
	if len(content) == 0 {
		f.PrintableRatio = 1
		return f
	}

	var counts [256]int
	printable := 0
	for _, b := range content {
		counts[b]++
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	total := float64(len(content))
	for _, n := range counts {
		if n > 0 {
			p := float64(n) / total
			f.Entropy -= p * math.Log2(p)
		}
	}
	f.PrintableRatio = float64(printable) / total
	f.Executable = isExecutable(content)
	for _, tok := range suspiciousTokens {
		if bytes.Contains(content, tok) {
			f.TokenHits++
		}
	}
	return f
}

func isExecutable(b []byte) bool {
	switch {
	case bytes.HasPrefix(b, []byte("\x7fELF")):
		return true
	case bytes.HasPrefix(b, []byte("MZ")):
		return true
	case bytes.HasPrefix(b, []byte{0xcf, 0xfa, 0xed, 0xfe}), bytes.HasPrefix(b, []byte{0xfe, 0xed, 0xfa, 0xcf}):
		return true
	}
	return false
}
