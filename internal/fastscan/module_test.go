package fastscan

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestModule_EncodeDecode(t *testing.T) {
	m := DefaultModule()
	got, err := Decode(m.Encode())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("decoded module differs from original")
	}
}

func TestModule_Validate(t *testing.T) {
	valid := func() *Module {
		return &Module{
			Name:   "t",
			Consts: [][]byte{[]byte("x")},
			Rules:  []string{"r"},
			Funcs:  []Function{{Name: "main", Locals: 1, Code: []byte{byte(OpHalt)}}},
		}
	}

	tests := []struct {
		name string
		code []byte
	}{
		{"empty function", []byte{}},
		{"unknown opcode", []byte{0xfe}},
		{"truncated push", []byte{byte(OpPush), 1, 2}},
		{"jump into operand", []byte{byte(OpPush), 0, 0, 0, 0, 0, 0, 0, 0, byte(OpJmp), 1, 0, 0, 0}},
		{"jump past end", []byte{byte(OpJmp), 100, 0, 0, 0}},
		{"const out of range", []byte{byte(OpFind), 1, 0}},
		{"local out of range", []byte{byte(OpLocalGet), 1, 0}},
		{"call out of range", []byte{byte(OpCall), 1, 0}},
		{"rule out of range", []byte{byte(OpMatch), 1, 0}},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid module rejected: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			m.Funcs[0].Code = tt.code
			if err := m.Validate(); !errors.Is(err, ErrInvalidModule) {
				t.Errorf("Validate() = %v, want ErrInvalidModule", err)
			}
		})
	}

	t.Run("no functions", func(t *testing.T) {
		m := valid()
		m.Funcs = nil
		if err := m.Validate(); !errors.Is(err, ErrInvalidModule) {
			t.Errorf("Validate() = %v, want ErrInvalidModule", err)
		}
	})
}

func TestDecode_Malformed(t *testing.T) {
	good := DefaultModule().Encode()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("XXXX"), good[4:]...)},
		{"truncated", good[:len(good)/2]},
		{"trailing bytes", append(append([]byte{}, good...), 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, ErrInvalidModule) {
				t.Errorf("Decode() error = %v, want ErrInvalidModule", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "default.vbm")
	if err := os.WriteFile(path, DefaultModule().Encode(), 0o600); err != nil {
		t.Fatal(err)
	}
	m, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if m.Name != "vetbox-default" {
		t.Errorf("Name = %q, want vetbox-default", m.Name)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.vbm")); !errors.Is(err, ErrSetupFailed) {
		t.Errorf("LoadFile(missing) error = %v, want ErrSetupFailed", err)
	}

	bad := filepath.Join(dir, "bad.vbm")
	if err := os.WriteFile(bad, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(bad); !errors.Is(err, ErrSetupFailed) {
		t.Errorf("LoadFile(bad) error = %v, want ErrSetupFailed", err)
	}
}

func TestAssembler_UndefinedLabel(t *testing.T) {
	if _, err := NewAssembler().Jump(OpJmp, "nowhere").Assemble(); err == nil {
		t.Error("Assemble() with undefined label succeeded")
	}
}
