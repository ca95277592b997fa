package cli

import (
	"bytes"
	"testing"
)

func TestWriteTableAlignsWithANSI(t *testing.T) {
	var buf bytes.Buffer
	headers := []string{"HOST", "EXIT", "OUTPUT"}
	rows := [][]string{
		{"web01:22", "0", "ok"},
		{"\x1b[31mdb:2222\x1b[0m", "12", "disk full"},
	}

	if err := writeTable(&buf, headers, rows); err != nil {
		t.Fatalf("writeTable failed: %v", err)
	}

	got := stripANSI(buf.String())
	want := "" +
		"HOST      EXIT  OUTPUT\n" +
		"web01:22  0     ok\n" +
		"db:2222   12    disk full\n"

	if got != want {
		t.Fatalf("unexpected table output:\nwant:\n%s\ngot:\n%s", want, got)
	}
}

func TestWriteTableWideRunes(t *testing.T) {
	var buf bytes.Buffer
	rows := [][]string{
		{"日本", "x"},
		{"ab", "y"},
	}
	if err := writeTable(&buf, nil, rows); err != nil {
		t.Fatalf("writeTable failed: %v", err)
	}
	want := "日本  x\nab    y\n"
	if got := buf.String(); got != want {
		t.Fatalf("unexpected table output:\nwant:\n%q\ngot:\n%q", want, got)
	}
}

func TestWriteTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := writeTable(&buf, nil, nil); err != nil {
		t.Fatalf("writeTable failed: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}
}

func TestTruncateCell(t *testing.T) {
	if got := truncateCell("line one\nline two", 40); got != "line one line two" {
		t.Fatalf("newlines not flattened: %q", got)
	}
	if got := truncateCell("abcdefghij", 5); got != "abcd…" {
		t.Fatalf("unexpected truncation: %q", got)
	}
}
